// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/yourusername/paper-scribe/internal/auth"
	"github.com/yourusername/paper-scribe/internal/config"
	"github.com/yourusername/paper-scribe/internal/layout"
	"github.com/yourusername/paper-scribe/internal/logging"
	"github.com/yourusername/paper-scribe/internal/pdf"
	"github.com/yourusername/paper-scribe/internal/storage"
	"github.com/yourusername/paper-scribe/internal/vision"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	pdfService, err := setupPDFService(cfg, logger)
	if err != nil {
		return err
	}
	manager, closeJobs, err := setupJobs(cfg, pdfService, logger)
	if err != nil {
		return err
	}
	defer closeJobs()
	if err := manager.StartWorkers(); err != nil {
		return err
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()
	router.MaxMultipartMemory = 32 << 20

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	origins := strings.Split(cfg.CORSAllowedOrigins, ",")
	if len(origins) == 1 && strings.TrimSpace(origins[0]) == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
	}
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		auth.HeaderAPIKey,
	}
	router.Use(cors.New(corsConfig))

	// ルーティングの設定
	setupRoutes(router, auth.NewManager(cfg), routeDeps{
		kickoff:   pdfService,
		scheduler: &pdfJobScheduler{manager: manager},
		status:    manager,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("mode", cfg.GinMode).Str("pipeline", cfg.PipelineMode).Msg("starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	// 実行中のジョブは最後まで走らせる
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("job manager shutdown failed")
	}
	return nil
}

// setupPDFService は外部サービスのクライアントを組み立てて pdf.Service を作成します。
func setupPDFService(cfg *config.Config, logger zerolog.Logger) (*pdf.Service, error) {
	deps := pdf.Deps{
		Vision: vision.New(vision.Config{
			Endpoint:   cfg.OCROpenAIEndpoint,
			APIKey:     cfg.OCROpenAIKey,
			Deployment: cfg.OCRDeploymentName,
			APIVersion: cfg.OCROpenAIAPIVersion,
			Timeout:    cfg.VisionTimeout,
		}, logger),
	}
	if cfg.FormatMarkdownFromDI {
		deps.Reformatter = vision.New(vision.Config{
			Endpoint:   cfg.DIOpenAIEndpoint,
			APIKey:     cfg.DIOpenAIKey,
			Deployment: cfg.DIDeploymentName,
			APIVersion: cfg.DIOpenAIAPIVersion,
			Timeout:    cfg.VisionTimeout,
		}, logger)
	}
	if cfg.PipelineMode == config.PipelineDual {
		deps.Layout = layout.New(layout.Config{
			Endpoint:   cfg.DocumentEndpoint,
			APIKey:     cfg.DocumentKey,
			APIVersion: cfg.DocumentAPIVersion,
			Timeout:    cfg.LayoutTimeout,
		}, logger)
	}
	if cfg.SaveMarkdown {
		store, err := storage.NewLocal(cfg.OutputDir)
		if err != nil {
			return nil, err
		}
		deps.Store = store
	}
	return pdf.NewService(pdf.OptionsFromConfig(cfg), deps, logger)
}

// handleRoot は疎通確認用のエンドポイントです。
func handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Hello World"})
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "paper-scribe-api",
		"version": "0.1.0",
	})
}

// routeDeps はルーティングが使うコンポーネントです。
type routeDeps struct {
	kickoff   pdf.KickoffService
	scheduler pdf.JobScheduler
	status    statusReader
}

// setupRoutes はエンドポイントと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, authManager *auth.Manager, deps routeDeps) {
	// まずは誰でも叩けるエンドポイントを登録
	router.GET("/", handleRoot)
	router.GET("/health", handleHealth)

	protected := router.Group("")
	protected.Use(authManager.RequireAPIKey())
	{
		protected.POST("/kickoff", pdf.KickoffHandler(deps.kickoff, deps.scheduler))
		protected.GET("/status/:job_id", jobStatusHandler(deps.status))
	}
}
