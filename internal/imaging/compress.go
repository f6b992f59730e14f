package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"

	"github.com/rs/zerolog"
	"golang.org/x/image/draw"
)

// Format はエンコード形式です。
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
)

// MIME は Content-Type 用の MIME タイプを返します。
func (f Format) MIME() string {
	if f == FormatJPEG {
		return "image/jpeg"
	}
	return "image/png"
}

// Ext はファイル拡張子（ドット付き）を返します。
func (f Format) Ext() string {
	if f == FormatJPEG {
		return ".jpg"
	}
	return ".png"
}

// Phase は圧縮の各段階を終えた時点のサイズです。
type Phase struct {
	Name string `json:"name"`
	Size int    `json:"size"`
}

// Encoded は圧縮結果です。Image はエンコード前の画像（入力と同一か縮小後のもの）を指します。
type Encoded struct {
	Data    []byte
	Format  Format
	Quality int // JPEG のときのみ意味を持つ
	Width   int
	Height  int
	Image   image.Image
	Phases  []Phase
}

// Size はエンコード後のバイト数です。
func (e *Encoded) Size() int { return len(e.Data) }

// Compressor は画像を目標バイト数以下に収めるための反復圧縮を行います。
// 品質を下げる → 解像度を下げる → 最終補正、の順に、前段で収まらなかったときだけ次段へ進みます。
// 入力と目標が同じなら結果も同じで、段を進むごとにサイズが増えることはありません。
type Compressor struct {
	StartQuality int
	QualityStep  int
	MinQuality   int
	ScaleStep    float64
	MinScale     float64
	GuardMargin  float64
	Logger       zerolog.Logger
}

// NewCompressor は既定のパラメータで Compressor を作成します。
func NewCompressor(logger zerolog.Logger) *Compressor {
	return &Compressor{
		StartQuality: 95,
		QualityStep:  10,
		MinQuality:   5,
		ScaleStep:    0.7,
		MinScale:     0.1,
		GuardMargin:  0.9,
		Logger:       logger,
	}
}

// Compress は img を targetBytes 以下にエンコードします。
// 1x1 など縮小の余地がない場合は目標を超えたままの結果を返します（エラーにはしません）。
func (c *Compressor) Compress(img image.Image, targetBytes int) (*Encoded, error) {
	if img == nil {
		return nil, errors.New("image is nil")
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, errors.New("image is empty")
	}

	data, err := encodePNG(img)
	if err != nil {
		return nil, err
	}
	best := &Encoded{
		Data:   data,
		Format: FormatPNG,
		Width:  b.Dx(),
		Height: b.Dy(),
		Image:  img,
	}
	best.Phases = append(best.Phases, Phase{Name: "original", Size: best.Size()})
	if best.Size() <= targetBytes {
		return best, nil
	}

	// 非可逆再エンコード
	src := normalizeForJPEG(img)
	for quality := c.StartQuality; best.Size() > targetBytes && quality > c.MinQuality; quality -= c.QualityStep {
		data, err := encodeJPEG(src, quality)
		if err != nil {
			return nil, err
		}
		if len(data) < best.Size() {
			best = best.replace(data, FormatJPEG, quality, src)
		}
	}
	best.Phases = append(best.Phases, Phase{Name: "quality", Size: best.Size()})

	// 解像度を段階的に下げる
	for scale := 1.0; best.Size() > targetBytes && scale > c.MinScale; {
		scale *= c.ScaleStep
		w, h := scaledSize(b.Dx(), b.Dy(), scale)
		if w >= best.Width && h >= best.Height {
			break
		}
		if err := c.tryResize(&best, src, w, h); err != nil {
			return nil, err
		}
	}
	best.Phases = append(best.Phases, Phase{Name: "resize", Size: best.Size()})

	// 最終補正: sqrt(target/current) × GuardMargin で一度だけ縮小
	if best.Size() > targetBytes {
		factor := math.Sqrt(float64(targetBytes)/float64(best.Size())) * c.GuardMargin
		w, h := scaledSize(best.Width, best.Height, factor)
		if w < best.Width || h < best.Height {
			if err := c.tryResize(&best, src, w, h); err != nil {
				return nil, err
			}
		}
	}
	best.Phases = append(best.Phases, Phase{Name: "guard", Size: best.Size()})

	if best.Size() > targetBytes {
		c.Logger.Warn().
			Int("size", best.Size()).
			Int("target", targetBytes).
			Int("width", best.Width).
			Int("height", best.Height).
			Msg("image still over budget after compression")
	} else {
		c.Logger.Debug().
			Int("size", best.Size()).
			Int("target", targetBytes).
			Str("format", string(best.Format)).
			Msg("image compressed")
	}
	return best, nil
}

// tryResize は src を w×h に縮小してエンコードし、現在より小さければ採用します。
func (c *Compressor) tryResize(best **Encoded, src image.Image, w, h int) error {
	cur := *best
	resized := resample(src, w, h)
	var (
		data []byte
		err  error
	)
	if cur.Format == FormatJPEG {
		data, err = encodeJPEG(resized, cur.Quality)
	} else {
		data, err = encodePNG(resized)
	}
	if err != nil {
		return err
	}
	if len(data) < cur.Size() {
		*best = cur.replace(data, cur.Format, cur.Quality, resized)
	}
	return nil
}

func (e *Encoded) replace(data []byte, format Format, quality int, img image.Image) *Encoded {
	b := img.Bounds()
	return &Encoded{
		Data:    data,
		Format:  format,
		Quality: quality,
		Width:   b.Dx(),
		Height:  b.Dy(),
		Image:   img,
		Phases:  e.Phases,
	}
}

func scaledSize(w, h int, scale float64) (int, int) {
	return max(1, int(float64(w)*scale)), max(1, int(float64(h)*scale))
}

// resample は CatmullRom フィルタで縮小します。
func resample(src image.Image, w, h int) image.Image {
	var dst draw.Image
	if _, ok := src.(*image.Gray); ok {
		dst = image.NewGray(image.Rect(0, 0, w, h))
	} else {
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
	}
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// normalizeForJPEG はパレット・アルファ付き画像を白背景の RGBA に変換します。
// グレースケールと不透明な RGB/YCbCr はそのまま使います。
func normalizeForJPEG(img image.Image) image.Image {
	switch t := img.(type) {
	case *image.Gray, *image.YCbCr:
		return img
	case *image.RGBA:
		if t.Opaque() {
			return img
		}
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("png encode: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("jpeg encode (quality %d): %w", quality, err)
	}
	return buf.Bytes(), nil
}

// Decode は PNG/JPEG のバイト列を画像に戻します。
func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("image decode: %w", err)
	}
	return img, nil
}
