// Package imaging はページ画像のグレースケール化・コントラスト強調・サイズ制約付き圧縮を提供します。
package imaging

import (
	"image"
	"math"

	"golang.org/x/image/draw"
)

// ToGray は img を単一チャンネルのグレースケール画像に変換します。
// 既に *image.Gray の場合はそのまま返します。
func ToGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	return gray
}

// Enhance はグレースケール化した上で、平均輝度を中心に factor 倍のコントラスト強調を行います。
// out = mean + factor × (in − mean) を 0〜255 に丸めます。factor=1 は恒等変換です。
func Enhance(img image.Image, factor float64) *image.Gray {
	src := ToGray(img)
	b := src.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	if b.Empty() {
		return out
	}

	mean := meanLuminance(src)
	for y := 0; y < b.Dy(); y++ {
		srcRow := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
		dstRow := out.Pix[y*out.Stride:]
		for x := 0; x < b.Dx(); x++ {
			v := mean + factor*(float64(srcRow[x])-mean)
			dstRow[x] = clampByte(v)
		}
	}
	return out
}

func meanLuminance(g *image.Gray) float64 {
	b := g.Bounds()
	var sum uint64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := g.Pix[g.PixOffset(b.Min.X, y):]
		for x := 0; x < b.Dx(); x++ {
			sum += uint64(row[x])
		}
	}
	n := uint64(b.Dx() * b.Dy())
	// 整数に丸めた平均を基準にする
	return math.Floor(float64(sum)/float64(n) + 0.5)
}

func clampByte(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v + 0.5)
	}
}
