// Package pdf はアップロードされたPDFを Markdown に変換するジョブを実行します。
package pdf

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourusername/paper-scribe/internal/config"
	"github.com/yourusername/paper-scribe/internal/imaging"
	"github.com/yourusername/paper-scribe/internal/retry"
	"github.com/yourusername/paper-scribe/internal/sysload"
)

const storedInputName = "input.pdf"

// VisionModel はページ画像を Markdown に変換する外部サービスです。
// レート制限は retry.ErrRateLimited として識別できるエラーで返す必要があります。
type VisionModel interface {
	DescribeImage(ctx context.Context, data []byte, mimeType string) (string, error)
}

// Reformatter はレイアウト抽出結果を整形し直す外部サービスです。
type Reformatter interface {
	Reformat(ctx context.Context, markdown string) (string, error)
}

// LayoutExtractor はページ範囲ごとのPDFを Markdown に変換する外部サービスです。
type LayoutExtractor interface {
	AnalyzeLayout(ctx context.Context, pdf []byte) (string, error)
}

// MarkdownStore は中間 Markdown の保存先です。
type MarkdownStore interface {
	Save(ctx context.Context, jobID, name string, content []byte) (string, error)
}

// ThreadAdvisor は現在の負荷から並列数の推奨値を返します。
type ThreadAdvisor interface {
	Recommend(ctx context.Context) int
}

// PageRenderer はPDFをページ画像に変換します。fn はページ順に呼ばれます。
type PageRenderer interface {
	RenderPages(ctx context.Context, data []byte, dpi float64, fn func(index int, img image.Image) error) (int, error)
}

// Options は Service の動作設定です。
type Options struct {
	Pipeline         string
	TempDir          string
	MaxFileSize      int64
	MaxImageBytes    int64
	TargetImageBytes int64
	RasterDPI        float64
	ContrastFactor   float64
	MaxThreads       int
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	ChunkPages       int
	ChunkMaxBytes    int64
	SaveMarkdown     bool
	FormatLayout     bool
}

// OptionsFromConfig は設定から Options を作ります。
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Pipeline:         cfg.PipelineMode,
		TempDir:          cfg.TempDir,
		MaxFileSize:      cfg.MaxFileSize,
		MaxImageBytes:    cfg.MaxImageBytes,
		TargetImageBytes: cfg.TargetImageBytes,
		RasterDPI:        cfg.RasterDPI,
		ContrastFactor:   cfg.ContrastFactor,
		MaxThreads:       cfg.MaxThreads,
		RetryMaxAttempts: cfg.RateLimitRetryMaxCount,
		RetryBaseDelay:   cfg.RateLimitRetryDelay,
		ChunkPages:       cfg.ChunkPages,
		ChunkMaxBytes:    cfg.ChunkMaxBytes,
		SaveMarkdown:     cfg.SaveMarkdown,
		FormatLayout:     cfg.FormatMarkdownFromDI,
	}
}

// Deps は Service が利用する外部コンポーネントです。
// Renderer と Advisor は省略すると go-fitz と gopsutil による実装を使います。
type Deps struct {
	Vision      VisionModel
	Reformatter Reformatter
	Layout      LayoutExtractor
	Store       MarkdownStore
	Advisor     ThreadAdvisor
	Renderer    PageRenderer
}

// Service はPDF変換ジョブの準備と実行を担います。
type Service struct {
	opts       Options
	deps       Deps
	compressor *imaging.Compressor
	logger     zerolog.Logger
	sleep      retry.SleepFunc
	now        func() time.Time
	newID      func() string
}

// NewService は Service を作成します。
func NewService(opts Options, deps Deps, logger zerolog.Logger) (*Service, error) {
	if deps.Vision == nil {
		return nil, errors.New("vision model is required")
	}
	if opts.Pipeline == "" {
		opts.Pipeline = config.PipelineVision
	}
	if opts.Pipeline == config.PipelineDual && deps.Layout == nil {
		return nil, errors.New("layout extractor is required for dual pipeline")
	}
	if opts.SaveMarkdown && deps.Store == nil {
		return nil, errors.New("markdown store is required when saving markdown")
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if opts.MaxThreads < 1 {
		opts.MaxThreads = 1
	}
	if opts.ChunkPages < 1 {
		opts.ChunkPages = 1
	}
	if err := os.MkdirAll(opts.TempDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	logger = logger.With().Str("component", "pdf").Logger()
	if deps.Renderer == nil {
		deps.Renderer = fitzRenderer{}
	}
	if deps.Advisor == nil {
		deps.Advisor = sysload.NewAdvisor(logger)
	}
	return &Service{
		opts:       opts,
		deps:       deps,
		compressor: imaging.NewCompressor(logger),
		logger:     logger,
		now:        time.Now,
		newID:      defaultID,
	}, nil
}

// PrepareJob はアップロードされたPDFを作業ディレクトリに保存し、マニフェストを書き出します。
func (s *Service) PrepareJob(ctx context.Context, file *multipart.FileHeader, callbackURL string) (*JobManifest, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if file == nil {
		return nil, newError(CodeInvalidInput, "PDFファイルを選択してください。", nil)
	}

	ws, err := s.createWorkspace()
	if err != nil {
		return nil, err
	}
	stored, err := s.storeUpload(ctx, file, ws)
	if err != nil {
		_ = removeDir(ws.dir)
		return nil, err
	}

	manifest := &JobManifest{
		JobID:       ws.jobID,
		Pipeline:    s.opts.Pipeline,
		File:        stored,
		CallbackURL: callbackURL,
		CreatedAt:   s.now().UTC(),
	}
	if err := writeManifest(ws.dir, manifest); err != nil {
		_ = removeDir(ws.dir)
		return nil, fmt.Errorf("ジョブマニフェストの保存に失敗しました: %w", err)
	}
	return manifest, nil
}

// DiscardJob は実行されなかったジョブの作業ディレクトリを削除します。
func (s *Service) DiscardJob(jobID string) error {
	if jobID == "" {
		return nil
	}
	return removeDir(s.workspaceFor(jobID).dir)
}

// LoadManifest はジョブのマニフェストを読み込みます。
func (s *Service) LoadManifest(jobID string) (*JobManifest, error) {
	return loadManifest(s.workspaceFor(jobID).dir)
}

func (s *Service) storeUpload(ctx context.Context, file *multipart.FileHeader, ws workspace) (JobFile, error) {
	if s.opts.MaxFileSize > 0 && file.Size > s.opts.MaxFileSize {
		return JobFile{}, newError(CodeLimitExceeded, fmt.Sprintf("ファイルサイズが上限（%dMB）を超えています。", s.opts.MaxFileSize>>20), nil)
	}
	if err := ctx.Err(); err != nil {
		return JobFile{}, err
	}

	src, err := file.Open()
	if err != nil {
		return JobFile{}, newError(CodeInvalidInput, "アップロードされたファイルを開けませんでした。", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(ws.inputPath(storedInputName), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return JobFile{}, fmt.Errorf("入力ファイルの保存に失敗しました: %w", err)
	}
	defer dst.Close()

	var reader io.Reader = src
	if s.opts.MaxFileSize > 0 {
		reader = io.LimitReader(src, s.opts.MaxFileSize+1)
	}
	written, err := io.Copy(dst, reader)
	if err != nil {
		return JobFile{}, fmt.Errorf("入力ファイルの保存に失敗しました: %w", err)
	}
	if s.opts.MaxFileSize > 0 && written > s.opts.MaxFileSize {
		return JobFile{}, newError(CodeLimitExceeded, fmt.Sprintf("ファイルサイズが上限（%dMB）を超えています。", s.opts.MaxFileSize>>20), nil)
	}
	if written == 0 {
		return JobFile{}, newError(CodeInvalidInput, "アップロードされたファイルが空です。", nil)
	}

	return JobFile{
		StoredName:   storedInputName,
		OriginalName: file.Filename,
		Size:         written,
	}, nil
}

func (s *Service) newExecutor(logger zerolog.Logger) *retry.Executor {
	e := retry.NewExecutor(s.opts.RetryMaxAttempts, s.opts.RetryBaseDelay, logger)
	if s.sleep != nil {
		e.Sleep = s.sleep
	}
	return e
}
