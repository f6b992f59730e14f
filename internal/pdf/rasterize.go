package pdf

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"

	"github.com/gen2brain/go-fitz"

	"github.com/yourusername/paper-scribe/internal/imaging"
)

// Page は前処理済みのページ画像です。
type Page struct {
	Index  int // 0 始まり
	Path   string
	MIME   string
	Size   int64
	Width  int
	Height int
}

// Rasterize はPDFをページごとにグレースケール化・コントラスト強調・圧縮し、作業ディレクトリに保存します。
// 1 ページでも画像化できなければジョブ全体の失敗になります。
func (s *Service) Rasterize(ctx context.Context, ws workspace, data []byte, reporter ProgressReporter) ([]Page, error) {
	reportProgress(reporter, StageRasterize, 1)

	var pages []Page
	count, err := s.deps.Renderer.RenderPages(ctx, data, s.opts.RasterDPI, func(index int, img image.Image) error {
		page, err := s.preprocessPage(ws, index, img)
		if err != nil {
			return err
		}
		pages = append(pages, page)
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		var apiErr *Error
		if errors.As(err, &apiErr) {
			return nil, err
		}
		return nil, newError(CodeUnsupportedPDF, "PDFのページを画像に変換できませんでした。", err)
	}
	if count == 0 || len(pages) != count {
		return nil, newError(CodeUnsupportedPDF, "PDFにページが含まれていません。", nil)
	}

	reportProgress(reporter, StageRasterize, 10)
	return pages, nil
}

func (s *Service) preprocessPage(ws workspace, index int, img image.Image) (Page, error) {
	gray := imaging.Enhance(img, s.opts.ContrastFactor)
	logger := s.logger.With().Str("job_id", ws.jobID).Int("page", index+1).Logger()

	enc, err := s.compressor.Compress(gray, int(s.opts.MaxImageBytes))
	if err != nil {
		return Page{}, fmt.Errorf("page %d compression: %w", index+1, err)
	}
	path, size, err := writePage(ws, index, enc)
	if err != nil {
		return Page{}, err
	}

	if size > s.opts.MaxImageBytes {
		logger.Warn().
			Int64("size", size).
			Int64("max", s.opts.MaxImageBytes).
			Msg("page image still over limit, recompressing with safety margin")
		enc, err = s.compressor.Compress(gray, int(s.opts.TargetImageBytes))
		if err != nil {
			return Page{}, fmt.Errorf("page %d recompression: %w", index+1, err)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return Page{}, fmt.Errorf("page %d: %w", index+1, err)
		}
		path, size, err = writePage(ws, index, enc)
		if err != nil {
			return Page{}, err
		}
	}

	logger.Debug().
		Int64("size", size).
		Str("format", string(enc.Format)).
		Int("width", enc.Width).
		Int("height", enc.Height).
		Msg("page image prepared")

	return Page{
		Index:  index,
		Path:   path,
		MIME:   enc.Format.MIME(),
		Size:   size,
		Width:  enc.Width,
		Height: enc.Height,
	}, nil
}

// writePage は画像を保存し、ディスク上のサイズを返します。
func writePage(ws workspace, index int, enc *imaging.Encoded) (string, int64, error) {
	path := ws.pagePath(index, enc.Format.Ext())
	if err := os.WriteFile(path, enc.Data, 0o640); err != nil {
		return "", 0, fmt.Errorf("ページ画像の保存に失敗しました: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", 0, fmt.Errorf("ページ画像の確認に失敗しました: %w", err)
	}
	return path, info.Size(), nil
}

// fitzRenderer は MuPDF (go-fitz) でページを画像化します。
type fitzRenderer struct{}

func (fitzRenderer) RenderPages(ctx context.Context, data []byte, dpi float64, fn func(int, image.Image) error) (int, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return 0, err
	}
	defer doc.Close()

	n := doc.NumPage()
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		img, err := doc.ImageDPI(i, dpi)
		if err != nil {
			return i, fmt.Errorf("page %d: %w", i+1, err)
		}
		if err := fn(i, img); err != nil {
			return i, err
		}
	}
	return n, nil
}
