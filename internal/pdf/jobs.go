package pdf

import (
	"context"
	"fmt"
	"os"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/paper-scribe/internal/config"
)

// 保存する中間 Markdown のファイル名
const (
	markdownGPTName         = "markdown_gpt.md"
	markdownLayoutRawName   = "markdown_di_raw.md"
	markdownLayoutFormatted = "markdown_di_formatted.md"
)

// RunJob はジョブIDに対応する変換を実行します。
// 成功・失敗どちらの場合も、戻る前に作業ディレクトリ（ページ画像を含む）を削除します。
func (s *Service) RunJob(ctx context.Context, jobID string, reporter ProgressReporter) (_ *Result, err error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	ws := s.workspaceFor(jobID)
	// ページ変換は並列に進捗を報告するので、ここで直列化して単調増加にする
	reporter = monotonic(reporter)
	logger := s.logger.With().Str("job_id", jobID).Logger()
	defer func() {
		if cleanupErr := removeDir(ws.dir); cleanupErr != nil {
			logger.Error().Err(cleanupErr).Msg("failed to remove workspace")
			if err != nil {
				err = fmt.Errorf("%w (ワークスペースの削除にも失敗しました: %v)", err, cleanupErr)
			}
		}
	}()

	manifest, err := loadManifest(ws.dir)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(ws.inputPath(manifest.File.StoredName))
	if err != nil {
		return nil, fmt.Errorf("入力ファイルの読み込みに失敗しました: %w", err)
	}
	if mt := mimetype.Detect(data); !mt.Is("application/pdf") {
		return nil, newError(CodeUnsupportedPDF, "PDFファイルとして読み込めませんでした。", fmt.Errorf("detected %s", mt.String()))
	}

	pipeline := manifest.Pipeline
	if pipeline == "" {
		pipeline = s.opts.Pipeline
	}
	logger.Info().
		Str("pipeline", pipeline).
		Str("file", manifest.File.OriginalName).
		Int64("size", manifest.File.Size).
		Msg("job started")

	result := &Result{JobID: jobID, Pipeline: pipeline, CallbackURL: manifest.CallbackURL}
	switch pipeline {
	case config.PipelineVision:
		doc, pages, failed, err := s.runVision(ctx, ws, data, reporter)
		if err != nil {
			return nil, err
		}
		result.Output, result.Pages, result.FailedPages = doc, pages, failed
		if err := s.saveMarkdown(ctx, jobID, markdownGPTName, doc); err != nil {
			return nil, err
		}

	case config.PipelineDual:
		if s.deps.Layout == nil {
			return nil, fmt.Errorf("layout extractor is not configured")
		}
		var (
			doc    string
			pages  int
			failed []int
			layout *LayoutResult
		)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			doc, pages, failed, err = s.runVision(gctx, ws, data, reporter)
			return err
		})
		g.Go(func() error {
			var err error
			layout, err = s.AnalyzeChunks(gctx, jobID, data, reporter)
			return err
		})
		if err := g.Wait(); err != nil {
			return nil, err
		}
		result.OutputGPT, result.Pages, result.FailedPages = doc, pages, failed
		result.OutputDocument = layout.Formatted

		if err := s.saveMarkdown(ctx, jobID, markdownGPTName, doc); err != nil {
			return nil, err
		}
		if err := s.saveMarkdown(ctx, jobID, markdownLayoutRawName, layout.Raw); err != nil {
			return nil, err
		}
		if layout.Reformat {
			if err := s.saveMarkdown(ctx, jobID, markdownLayoutFormatted, layout.Formatted); err != nil {
				return nil, err
			}
		}

	default:
		return nil, fmt.Errorf("unsupported pipeline: %s", pipeline)
	}

	reportProgress(reporter, StageAssemble, 100)
	logger.Info().
		Int("pages", result.Pages).
		Ints("failed_pages", result.FailedPages).
		Msg("job finished")
	return result, nil
}

// runVision はページ画像化から Markdown 連結までを行います。
func (s *Service) runVision(ctx context.Context, ws workspace, data []byte, reporter ProgressReporter) (string, int, []int, error) {
	pages, err := s.Rasterize(ctx, ws, data, reporter)
	if err != nil {
		return "", 0, nil, err
	}
	outcomes, err := s.ConvertPages(ctx, ws.jobID, pages, reporter)
	if err != nil {
		return "", 0, nil, err
	}
	reportProgress(reporter, StageAssemble, 95)
	doc, failed := combineOutcomes(outcomes)
	return doc, len(pages), failed, nil
}

func (s *Service) saveMarkdown(ctx context.Context, jobID, name, content string) error {
	if !s.opts.SaveMarkdown || s.deps.Store == nil {
		return nil
	}
	path, err := s.deps.Store.Save(ctx, jobID, name, []byte(content))
	if err != nil {
		return fmt.Errorf("Markdownの保存に失敗しました: %w", err)
	}
	s.logger.Debug().Str("job_id", jobID).Str("path", path).Msg("markdown saved")
	return nil
}
