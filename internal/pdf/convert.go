package pdf

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/yourusername/paper-scribe/internal/parallel"
	"github.com/yourusername/paper-scribe/internal/retry"
)

const pageErrorPrefix = "Error processing page: "

// PageOutcome はページ 1 枚の変換結果です。
type PageOutcome struct {
	Index    int
	Markdown string
	Err      error // nil 以外なら Markdown は診断用のプレースホルダー
}

// ConvertPages は各ページを Vision API で並列に変換し、元のページ順で返します。
// あるページがリトライ後も失敗した場合は、そのページにプレースホルダーを入れて処理を続けます。
func (s *Service) ConvertPages(ctx context.Context, jobID string, pages []Page, reporter ProgressReporter) ([]PageOutcome, error) {
	if len(pages) == 0 {
		return nil, nil
	}
	threads := s.threadBudget(ctx, len(pages))
	logger := s.logger.With().Str("job_id", jobID).Logger()
	logger.Info().Int("pages", len(pages)).Int("threads", threads).Msg("converting pages")

	var done atomic.Int32
	total := len(pages)
	reportProgress(reporter, StageConvert, 10)

	return parallel.Map(ctx, pages, threads, func(ctx context.Context, i int, page Page) (PageOutcome, error) {
		text, err := s.convertPage(ctx, jobID, page)
		if err != nil {
			// ジョブ自体が中断された場合は全体を止める
			if ctx.Err() != nil {
				return PageOutcome{}, ctx.Err()
			}
			logger.Warn().Err(err).Int("page", page.Index+1).Msg("page conversion failed")
			text = pageErrorPrefix + err.Error()
		}
		n := int(done.Add(1))
		reportProgress(reporter, StageConvert, 10+80*n/total)
		return PageOutcome{Index: page.Index, Markdown: text, Err: err}, nil
	})
}

func (s *Service) convertPage(ctx context.Context, jobID string, page Page) (string, error) {
	data, err := os.ReadFile(page.Path)
	if err != nil {
		return "", fmt.Errorf("failed to read page image: %w", err)
	}
	executor := s.newExecutor(s.logger.With().Str("job_id", jobID).Int("page", page.Index+1).Logger())
	return retry.Do(ctx, executor, func(ctx context.Context) (string, error) {
		return s.deps.Vision.DescribeImage(ctx, data, page.MIME)
	})
}

// threadBudget は min(負荷からの推奨値, ページ数, 上限) を返します。
func (s *Service) threadBudget(ctx context.Context, pageCount int) int {
	return max(1, min(s.deps.Advisor.Recommend(ctx), pageCount, s.opts.MaxThreads))
}

// CombinePages はページ順に見出しと区切り線を付けて 1 つの Markdown にまとめます。
func CombinePages(contents []string) string {
	var b strings.Builder
	for i, content := range contents {
		fmt.Fprintf(&b, "## Page %d\n\n", i+1)
		b.WriteString(content)
		b.WriteString("\n\n---\n\n")
	}
	return b.String()
}

func combineOutcomes(outcomes []PageOutcome) (string, []int) {
	contents := make([]string, len(outcomes))
	var failed []int
	for i, o := range outcomes {
		contents[i] = o.Markdown
		if o.Err != nil {
			failed = append(failed, o.Index+1)
		}
	}
	return CombinePages(contents), failed
}
