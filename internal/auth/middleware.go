// Package auth は API キーによる認証を提供します。
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/paper-scribe/internal/config"
)

// HeaderAPIKey はクライアントが API キーを送るヘッダーです。
const HeaderAPIKey = "X-API-Key"

// Manager は API キーの検証を担います。
type Manager struct {
	key  string
	hash []byte
}

// NewManager は設定から Manager を作成します。ハッシュが設定されていれば平文キーより優先します。
func NewManager(cfg *config.Config) *Manager {
	m := &Manager{key: cfg.APIKey}
	if cfg.APIKeyHash != "" {
		m.hash = []byte(cfg.APIKeyHash)
	}
	return m
}

// Enabled はキーが設定されているかを返します。未設定の場合は認証を行いません。
func (m *Manager) Enabled() bool {
	return m.key != "" || len(m.hash) > 0
}

// Verify は受け取ったキーが正しいかを判定します。
func (m *Manager) Verify(received string) bool {
	if received == "" {
		return false
	}
	if len(m.hash) > 0 {
		return bcrypt.CompareHashAndPassword(m.hash, []byte(received)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(m.key), []byte(received)) == 1
}

// RequireAPIKey は X-API-Key を検証するミドルウェアを返します。
func (m *Manager) RequireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() {
			c.Next()
			return
		}
		received := strings.TrimSpace(c.GetHeader(HeaderAPIKey))
		if received == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "APIキーが必要です",
			})
			return
		}
		if !m.Verify(received) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "INVALID_API_KEY",
				"message": "APIキーが正しくありません",
			})
			return
		}
		c.Next()
	}
}
