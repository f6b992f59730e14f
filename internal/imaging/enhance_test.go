package imaging

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnhanceStretchesAroundMean(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 2, 1))
	img.SetGray(0, 0, color.Gray{Y: 100})
	img.SetGray(1, 0, color.Gray{Y: 150})

	out := Enhance(img, 2.0)
	assert.Equal(t, uint8(75), out.GrayAt(0, 0).Y)
	assert.Equal(t, uint8(175), out.GrayAt(1, 0).Y)
}

func TestEnhanceClamps(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 2, 1))
	img.SetGray(0, 0, color.Gray{Y: 10})
	img.SetGray(1, 0, color.Gray{Y: 250})

	out := Enhance(img, 2.0)
	assert.Equal(t, uint8(0), out.GrayAt(0, 0).Y)
	assert.Equal(t, uint8(255), out.GrayAt(1, 0).Y)
}

func TestEnhanceFactorOneIsIdentity(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	for i := range img.Pix {
		img.Pix[i] = uint8(i * 7)
	}
	out := Enhance(img, 1.0)
	assert.Equal(t, img.Pix, out.Pix)
}

func TestEnhanceConvertsColorToGray(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 200, B: 200, A: 255})
		}
	}
	out := Enhance(img, 2.0)
	require.Equal(t, image.Rect(0, 0, 4, 4), out.Bounds())
	// 一様な画像は平均と等しいので変化しない
	for _, v := range out.Pix {
		assert.Equal(t, uint8(200), v)
	}
}

func TestEnhanceSubImage(t *testing.T) {
	base := image.NewGray(image.Rect(0, 0, 4, 4))
	for i := range base.Pix {
		base.Pix[i] = 255
	}
	base.SetGray(2, 2, color.Gray{Y: 100})
	base.SetGray(3, 2, color.Gray{Y: 150})
	sub := base.SubImage(image.Rect(2, 2, 4, 3)).(*image.Gray)

	out := Enhance(sub, 2.0)
	require.Equal(t, image.Rect(0, 0, 2, 1), out.Bounds())
	assert.Equal(t, uint8(75), out.GrayAt(0, 0).Y)
	assert.Equal(t, uint8(175), out.GrayAt(1, 0).Y)
}
