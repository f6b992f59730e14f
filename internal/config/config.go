// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// パイプラインの種別
const (
	PipelineVision = "vision" // 画像 + Vision API のみ
	PipelineDual   = "dual"   // Vision API とレイアウト抽出を並行実行
)

// ジョブ台帳・ディスパッチャーの種別
const (
	LedgerMemory        = "memory"
	LedgerRedis         = "redis"
	DispatcherGoroutine = "goroutine"
	DispatcherAsynq     = "asynq"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ログ設定
	LogLevel  string
	LogFormat string // json または console

	// 認証設定
	APIKey     string // X-API-Key と照合する平文キー
	APIKeyHash string // bcryptでハッシュ化されたAPIキー（APIKeyより優先）

	// ファイル制限
	MaxFileSize int64 // アップロードの最大サイズ（バイト）

	// 作業ディレクトリ
	TempDir   string // ジョブごとのページ画像を置くディレクトリ
	OutputDir string // Markdown保存先

	// 画像前処理
	MaxImageBytes    int64   // 1ページ画像の上限サイズ
	TargetImageBytes int64   // 上限超過時の再圧縮ターゲット（安全マージン込み）
	RasterDPI        float64 // ラスタライズ解像度
	ContrastFactor   float64 // コントラスト強調倍率

	// 並列処理・リトライ
	MaxThreads             int           // 並列ワーカー数の上限
	RateLimitRetryMaxCount int           // レート制限時の最大試行回数
	RateLimitRetryDelay    time.Duration // バックオフの基準待ち時間

	// レイアウト抽出（チャンク分割）
	ChunkPages    int   // 1チャンクあたりの最大ページ数
	ChunkMaxBytes int64 // 1チャンクあたりの最大バイト数

	// 出力設定
	SaveMarkdown         bool   // 中間Markdownをディスクへ保存するか
	FormatMarkdownFromDI bool   // レイアウト抽出結果を Completion API で整形するか
	PipelineMode         string // vision または dual

	// Azure OpenAI（ページ画像のOCR用）
	OCROpenAIEndpoint   string
	OCROpenAIKey        string
	OCRDeploymentName   string
	OCROpenAIAPIVersion string

	// Azure OpenAI（レイアウト抽出結果の整形用、未設定時は OCR 用を流用）
	DIOpenAIEndpoint   string
	DIOpenAIKey        string
	DIDeploymentName   string
	DIOpenAIAPIVersion string

	// Azure Document Intelligence
	DocumentEndpoint   string
	DocumentKey        string
	DocumentAPIVersion string

	// 外部呼び出しのタイムアウト
	VisionTimeout  time.Duration
	LayoutTimeout  time.Duration
	WebhookTimeout time.Duration

	// ジョブ/キュー設定
	LedgerBackend    string // memory または redis
	LedgerRedisURL   string // Redis台帳の接続URL
	JobExpireMinutes int    // Redis台帳でのジョブ保持期間（分）
	JobDispatcher    string // goroutine または asynq
	QueueRedisURL    string // Asynq用Redis接続URL
	QueueConcurrency int    // Asynqワーカーの同時実行数
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),

		// ログ設定
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),

		// 認証設定
		APIKey:     getEnv("NEXT_API_KEY", ""),
		APIKeyHash: getEnv("NEXT_API_KEY_HASH", ""),

		// ファイル制限
		MaxFileSize: getEnvAsInt64("MAX_FILE_SIZE", 104857600), // 100MB

		// 作業ディレクトリ
		TempDir:   getEnv("TEMP_DIR", "temp"),
		OutputDir: getEnv("OUTPUT_DIR", "output"),

		// 画像前処理
		MaxImageBytes:    getEnvAsInt64("MAX_IMAGE_SIZE_BYTES", 5*1024*1024),
		TargetImageBytes: getEnvAsInt64("TARGET_IMAGE_SIZE_BYTES", 4718592), // 4.5MB
		RasterDPI:        getEnvAsFloat("RASTER_DPI", 200),
		ContrastFactor:   getEnvAsFloat("CONTRAST_FACTOR", 2.0),

		// 並列処理・リトライ
		MaxThreads:             getEnvAsInt("MAX_THREADS", 50),
		RateLimitRetryMaxCount: getEnvAsInt("RATE_LIMIT_RETRY_MAX_COUNT", 5),
		RateLimitRetryDelay:    getEnvAsDuration("RATE_LIMIT_RETRY_DELAY", 2*time.Second),

		// レイアウト抽出
		ChunkPages:    getEnvAsInt("CHUNK_PAGES", 15),
		ChunkMaxBytes: getEnvAsInt64("CHUNK_MAX_BYTES", 6*1024*1024),

		// 出力設定
		SaveMarkdown:         getEnvAsBool("SAVE_TO_MARKDOWN", false),
		FormatMarkdownFromDI: getEnvAsBool("FORMAT_MARKDOWN_FROM_DI", false),
		PipelineMode:         strings.ToLower(getEnv("PIPELINE_MODE", PipelineVision)),

		// Azure OpenAI（OCR）
		OCROpenAIEndpoint:   getEnv("OCR_AZURE_OPENAI_ENDPOINT", ""),
		OCROpenAIKey:        getEnv("OCR_AZURE_OPENAI_KEY", ""),
		OCRDeploymentName:   getEnv("OCR_AZURE_DEPLOYMENT_NAME", "gpt-4o-08-06"),
		OCROpenAIAPIVersion: getEnv("OCR_AZURE_OPENAI_API_VERSION", "2024-05-01-preview"),

		// Azure OpenAI（整形）
		DIOpenAIEndpoint:   getEnv("DI_AZURE_OPENAI_ENDPOINT", ""),
		DIOpenAIKey:        getEnv("DI_AZURE_OPENAI_KEY", ""),
		DIDeploymentName:   getEnv("DI_AZURE_DEPLOYMENT_NAME", ""),
		DIOpenAIAPIVersion: getEnv("DI_AZURE_OPENAI_API_VERSION", ""),

		// Azure Document Intelligence
		DocumentEndpoint:   getEnv("AZURE_DOCUMENT_ENDPOINT", ""),
		DocumentKey:        getEnv("AZURE_DOCUMENT_KEY", ""),
		DocumentAPIVersion: getEnv("AZURE_DOCUMENT_API_VERSION", "2024-11-30"),

		// タイムアウト
		VisionTimeout:  getEnvAsDuration("VISION_TIMEOUT", 2*time.Minute),
		LayoutTimeout:  getEnvAsDuration("LAYOUT_TIMEOUT", 10*time.Minute),
		WebhookTimeout: getEnvAsDuration("WEBHOOK_TIMEOUT", 30*time.Second),

		// ジョブ/キュー設定
		LedgerBackend:    strings.ToLower(getEnv("LEDGER_BACKEND", LedgerMemory)),
		LedgerRedisURL:   getEnv("LEDGER_REDIS_URL", "redis://127.0.0.1:6379/0"),
		JobExpireMinutes: getEnvAsInt("JOB_EXPIRE_MINUTES", 60),
		JobDispatcher:    strings.ToLower(getEnv("JOB_DISPATCHER", DispatcherGoroutine)),
		QueueRedisURL:    getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		QueueConcurrency: getEnvAsInt("QUEUE_CONCURRENCY", 4),
	}
	config.applyFallbacks()

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// 整形用の Azure OpenAI 設定が無い場合は OCR 用の設定を使う
func (c *Config) applyFallbacks() {
	if c.DIOpenAIEndpoint == "" {
		c.DIOpenAIEndpoint = c.OCROpenAIEndpoint
	}
	if c.DIOpenAIKey == "" {
		c.DIOpenAIKey = c.OCROpenAIKey
	}
	if c.DIDeploymentName == "" {
		c.DIDeploymentName = c.OCRDeploymentName
	}
	if c.DIOpenAIAPIVersion == "" {
		c.DIOpenAIAPIVersion = c.OCROpenAIAPIVersion
	}
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.TargetImageBytes <= 0 || c.MaxImageBytes <= 0 {
		return fmt.Errorf("MAX_IMAGE_SIZE_BYTES and TARGET_IMAGE_SIZE_BYTES must be positive")
	}
	if c.TargetImageBytes >= c.MaxImageBytes {
		return fmt.Errorf("TARGET_IMAGE_SIZE_BYTES (%d) must be below MAX_IMAGE_SIZE_BYTES (%d)", c.TargetImageBytes, c.MaxImageBytes)
	}
	if c.MaxThreads < 1 {
		return fmt.Errorf("MAX_THREADS must be at least 1")
	}
	if c.RateLimitRetryMaxCount < 1 {
		return fmt.Errorf("RATE_LIMIT_RETRY_MAX_COUNT must be at least 1")
	}
	if c.ChunkPages < 1 {
		return fmt.Errorf("CHUNK_PAGES must be at least 1")
	}

	switch c.PipelineMode {
	case PipelineVision, PipelineDual:
	default:
		return fmt.Errorf("PIPELINE_MODE must be %q or %q (received: %s)", PipelineVision, PipelineDual, c.PipelineMode)
	}
	switch c.LedgerBackend {
	case LedgerMemory, LedgerRedis:
	default:
		return fmt.Errorf("LEDGER_BACKEND must be %q or %q (received: %s)", LedgerMemory, LedgerRedis, c.LedgerBackend)
	}
	switch c.JobDispatcher {
	case DispatcherGoroutine, DispatcherAsynq:
	default:
		return fmt.Errorf("JOB_DISPATCHER must be %q or %q (received: %s)", DispatcherGoroutine, DispatcherAsynq, c.JobDispatcher)
	}

	// ローカル開発では認証・外部サービス設定は任意
	// 本番環境では厳格にチェックする
	if c.GinMode == "release" {
		if c.APIKey == "" && c.APIKeyHash == "" {
			return fmt.Errorf("NEXT_API_KEY or NEXT_API_KEY_HASH is required in release mode")
		}
		if c.OCROpenAIEndpoint == "" || c.OCROpenAIKey == "" {
			return fmt.Errorf("OCR_AZURE_OPENAI_ENDPOINT and OCR_AZURE_OPENAI_KEY are required in release mode")
		}
		if c.PipelineMode == PipelineDual && (c.DocumentEndpoint == "" || c.DocumentKey == "") {
			return fmt.Errorf("AZURE_DOCUMENT_ENDPOINT and AZURE_DOCUMENT_KEY are required when PIPELINE_MODE=dual")
		}
		if c.JobDispatcher == DispatcherAsynq && c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required when JOB_DISPATCHER=asynq")
		}
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は "2s" 形式のほか、秒数の整数も受け付けます。
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	if secs, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultValue
}
