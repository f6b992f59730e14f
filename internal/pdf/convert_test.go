package pdf

import (
	"context"
	"image"
	"math/rand"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/paper-scribe/internal/imaging"
)

func TestCombinePages(t *testing.T) {
	got := CombinePages([]string{"first", "second"})
	assert.Equal(t, "## Page 1\n\nfirst\n\n---\n\n## Page 2\n\nsecond\n\n---\n\n", got)
	assert.Empty(t, CombinePages(nil))
}

func TestThreadBudget(t *testing.T) {
	tests := []struct {
		name       string
		advisor    int
		maxThreads int
		pages      int
		want       int
	}{
		{"advisor wins", 4, 50, 10, 4},
		{"page count wins", 16, 50, 3, 3},
		{"ceiling wins", 16, 5, 30, 5},
		{"never zero", 2, 50, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions(t)
			opts.MaxThreads = tt.maxThreads
			svc := newTestService(t, opts, Deps{Vision: visionFunc(nil), Advisor: fixedAdvisor(tt.advisor)})
			assert.Equal(t, tt.want, svc.threadBudget(context.Background(), tt.pages))
		})
	}
}

func TestPreprocessPageUnderBudgetIsLossless(t *testing.T) {
	svc := newTestService(t, testOptions(t), Deps{Vision: visionFunc(nil)})
	ws, err := svc.createWorkspace()
	require.NoError(t, err)

	src := grayPage(3)
	page, err := svc.preprocessPage(ws, 0, src)
	require.NoError(t, err)
	assert.Equal(t, "image/png", page.MIME)

	data, err := os.ReadFile(page.Path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), page.Size)
	decoded, err := imaging.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, src.(*image.Gray).Pix, decoded.(*image.Gray).Pix)
}

func TestPreprocessPageRespectsLimit(t *testing.T) {
	opts := testOptions(t)
	opts.MaxImageBytes = 20_000
	opts.TargetImageBytes = 18_000
	svc := newTestService(t, opts, Deps{Vision: visionFunc(nil)})
	ws, err := svc.createWorkspace()
	require.NoError(t, err)

	r := rand.New(rand.NewSource(11))
	noise := image.NewGray(image.Rect(0, 0, 400, 400))
	for i := range noise.Pix {
		noise.Pix[i] = uint8(r.Intn(256))
	}

	page, err := svc.preprocessPage(ws, 4, noise)
	require.NoError(t, err)
	assert.LessOrEqual(t, page.Size, opts.MaxImageBytes)
	assert.Equal(t, ws.pagePath(4, ".jpg"), page.Path)
	assert.Equal(t, "image/jpeg", page.MIME)
}
