package pdf

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"mime/multipart"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/paper-scribe/internal/config"
	"github.com/yourusername/paper-scribe/internal/imaging"
)

// testPDF は n ページの最小構成のPDFを生成します。
func testPDF(n int) []byte {
	var b bytes.Buffer
	offsets := make([]int, 0, 2+2*n)
	obj := func(body string) {
		offsets = append(offsets, b.Len())
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	b.WriteString("%PDF-1.4\n")
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	kids := make([]string, n)
	for i := range kids {
		kids[i] = fmt.Sprintf("%d 0 R", 3+2*i)
	}
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), n))
	for i := 0; i < n; i++ {
		obj(fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << >> /Contents %d 0 R >>", 4+2*i))
		stream := fmt.Sprintf("%d %d m 300 400 l S", 10+i, 10+i)
		obj(fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream))
	}

	xref := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n", len(offsets)+1)
	b.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&b, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return b.Bytes()
}

// fileHeader は multipart をパースして FileHeader を作ります。
func fileHeader(t *testing.T, name string, content []byte) *multipart.FileHeader {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	form, err := multipart.NewReader(&body, w.Boundary()).ReadForm(32 << 20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = form.RemoveAll() })
	return form.File["file"][0]
}

// grayPage はページ番号を輝度で表す一様な画像です（ページ i は 40+20*i）。
func grayPage(i int) image.Image {
	img := image.NewGray(image.Rect(0, 0, 40, 30))
	for p := range img.Pix {
		img.Pix[p] = uint8(40 + 20*i)
	}
	return img
}

// pageOf は一様画像の輝度からページ番号（0 始まり）を逆算します。
func pageOf(t *testing.T, data []byte) int {
	t.Helper()
	img, err := imaging.Decode(data)
	require.NoError(t, err)
	y := color.GrayModel.Convert(img.At(img.Bounds().Min.X, img.Bounds().Min.Y)).(color.Gray).Y
	return (int(y) - 40) / 20
}

type fakeRenderer struct {
	pages  []image.Image
	failAt int // この index でエラー（-1 なら失敗しない）
}

func (r fakeRenderer) RenderPages(ctx context.Context, _ []byte, _ float64, fn func(int, image.Image) error) (int, error) {
	for i, img := range r.pages {
		if i == r.failAt {
			return i, fmt.Errorf("cannot render page %d", i+1)
		}
		if err := fn(i, img); err != nil {
			return i, err
		}
	}
	return len(r.pages), nil
}

func renderer(n int) fakeRenderer {
	pages := make([]image.Image, n)
	for i := range pages {
		pages[i] = grayPage(i)
	}
	return fakeRenderer{pages: pages, failAt: -1}
}

type visionFunc func(ctx context.Context, data []byte, mimeType string) (string, error)

func (f visionFunc) DescribeImage(ctx context.Context, data []byte, mimeType string) (string, error) {
	return f(ctx, data, mimeType)
}

type layoutFunc func(ctx context.Context, pdf []byte) (string, error)

func (f layoutFunc) AnalyzeLayout(ctx context.Context, pdf []byte) (string, error) {
	return f(ctx, pdf)
}

type reformatFunc func(ctx context.Context, markdown string) (string, error)

func (f reformatFunc) Reformat(ctx context.Context, markdown string) (string, error) {
	return f(ctx, markdown)
}

type fixedAdvisor int

func (a fixedAdvisor) Recommend(context.Context) int { return int(a) }

type memoryStore struct {
	mu    sync.Mutex
	files map[string]string
}

func (m *memoryStore) Save(_ context.Context, jobID, name string, content []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.files == nil {
		m.files = map[string]string{}
	}
	m.files[name] = string(content)
	return jobID + "/" + name, nil
}

func testOptions(t *testing.T) Options {
	return Options{
		Pipeline:         config.PipelineVision,
		TempDir:          t.TempDir(),
		MaxFileSize:      10 << 20,
		MaxImageBytes:    5 << 20,
		TargetImageBytes: 4718592,
		RasterDPI:        72,
		ContrastFactor:   2.0,
		MaxThreads:       50,
		RetryMaxAttempts: 5,
		RetryBaseDelay:   time.Millisecond,
		ChunkPages:       15,
		ChunkMaxBytes:    6 << 20,
	}
}

func newTestService(t *testing.T, opts Options, deps Deps) *Service {
	t.Helper()
	if deps.Advisor == nil {
		deps.Advisor = fixedAdvisor(4)
	}
	svc, err := NewService(opts, deps, zerolog.Nop())
	require.NoError(t, err)
	svc.sleep = func(context.Context, time.Duration) error { return nil }
	return svc
}
