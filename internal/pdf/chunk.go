package pdf

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/yourusername/paper-scribe/internal/retry"
)

const chunkSeparator = "\n\n---\n\n"

// Chunk はレイアウト抽出に 1 回で渡す連続したページ範囲 [Start, End) です（0 始まり）。
type Chunk struct {
	Start int
	End   int
}

// Pages はチャンクのページ数です。
func (c Chunk) Pages() int { return c.End - c.Start }

func (c Chunk) selection() string {
	if c.Pages() == 1 {
		return strconv.Itoa(c.Start + 1)
	}
	return fmt.Sprintf("%d-%d", c.Start+1, c.End)
}

// PlanChunks は pageCount ページを最大 chunkPages ページずつの範囲に分けます。
func PlanChunks(pageCount, chunkPages int) []Chunk {
	if pageCount <= 0 {
		return nil
	}
	if chunkPages < 1 {
		chunkPages = 1
	}
	chunks := make([]Chunk, 0, (pageCount+chunkPages-1)/chunkPages)
	for start := 0; start < pageCount; start += chunkPages {
		chunks = append(chunks, Chunk{Start: start, End: min(start+chunkPages, pageCount)})
	}
	return chunks
}

// LayoutResult はレイアウト抽出経路の結果です。
type LayoutResult struct {
	Raw       string // チャンク結果を区切り線で連結したもの
	Formatted string // 整形後（整形しない・失敗した場合は Raw と同じ）
	Chunks    int    // 実際に送信したチャンク数
	Reformat  bool   // 整形が成功したか
}

// AnalyzeChunks はPDFをページ範囲ごとに分割してレイアウト抽出にかけ、範囲順に連結します。
// 整形が有効なら連結結果を Completion API で整形し、失敗した場合は未整形の結果を使います。
func (s *Service) AnalyzeChunks(ctx context.Context, jobID string, data []byte, reporter ProgressReporter) (*LayoutResult, error) {
	if s.deps.Layout == nil {
		return nil, fmt.Errorf("layout extractor is not configured")
	}
	logger := s.logger.With().Str("job_id", jobID).Logger()

	pageCount, err := pdfapi.PageCount(bytes.NewReader(data), nil)
	if err != nil {
		return nil, newError(CodeUnsupportedPDF, "PDFのページ数を取得できませんでした。", err)
	}
	plan := PlanChunks(pageCount, s.opts.ChunkPages)
	if len(plan) == 0 {
		return nil, newError(CodeUnsupportedPDF, "PDFにページが含まれていません。", nil)
	}
	logger.Info().Int("pages", pageCount).Int("chunks", len(plan)).Msg("analyzing layout")

	executor := s.newExecutor(logger)
	var texts []string
	for i, chunk := range plan {
		reportProgress(reporter, StageLayout, 10+80*i/len(plan))
		parts, err := s.analyzeChunk(ctx, executor, data, chunk)
		if err != nil {
			return nil, err
		}
		texts = append(texts, parts...)
	}
	reportProgress(reporter, StageLayout, 90)

	raw := strings.Join(texts, chunkSeparator)
	result := &LayoutResult{Raw: raw, Formatted: raw, Chunks: len(texts)}
	if !s.opts.FormatLayout || s.deps.Reformatter == nil {
		return result, nil
	}

	formatted, err := s.deps.Reformatter.Reformat(ctx, raw)
	if err != nil {
		logger.Warn().Err(err).Msg("layout reformat failed, using unformatted markdown")
		return result, nil
	}
	result.Formatted = formatted
	result.Reformat = true
	return result, nil
}

// analyzeChunk は chunk を切り出して送信します。
// 切り出したPDFがバイト上限を超える場合は半分に分けて送ります。
func (s *Service) analyzeChunk(ctx context.Context, executor *retry.Executor, data []byte, chunk Chunk) ([]string, error) {
	part, err := extractChunk(data, chunk)
	if err != nil {
		return nil, err
	}
	if s.opts.ChunkMaxBytes > 0 && int64(len(part)) > s.opts.ChunkMaxBytes && chunk.Pages() > 1 {
		mid := chunk.Start + chunk.Pages()/2
		left, err := s.analyzeChunk(ctx, executor, data, Chunk{Start: chunk.Start, End: mid})
		if err != nil {
			return nil, err
		}
		right, err := s.analyzeChunk(ctx, executor, data, Chunk{Start: mid, End: chunk.End})
		if err != nil {
			return nil, err
		}
		return append(left, right...), nil
	}

	text, err := retry.Do(ctx, executor, func(ctx context.Context) (string, error) {
		return s.deps.Layout.AnalyzeLayout(ctx, part)
	})
	if err != nil {
		return nil, fmt.Errorf("layout extraction for pages %s failed: %w", chunk.selection(), err)
	}
	return []string{text}, nil
}

func extractChunk(data []byte, chunk Chunk) ([]byte, error) {
	var buf bytes.Buffer
	if err := pdfapi.Collect(bytes.NewReader(data), &buf, []string{chunk.selection()}, nil); err != nil {
		return nil, newError(CodeUnsupportedPDF, fmt.Sprintf("ページ %s の切り出しに失敗しました。", chunk.selection()), err)
	}
	return buf.Bytes(), nil
}
