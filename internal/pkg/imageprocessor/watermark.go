package imageprocessor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/kolesa-team/go-webp/decoder"
	"github.com/kolesa-team/go-webp/webp"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

// WatermarkOptions controls the text mark composited onto results of
// non-paying tiers.
type WatermarkOptions struct {
	Text        string
	Opacity     float64
	MinFontSize float64
	// WidthRatio sizes the font relative to the image width.
	WidthRatio float64
	// VerticalPosition is the text center as a fraction of the image height.
	VerticalPosition float64
	JPEGQuality      int
}

func DefaultWatermarkOptions() WatermarkOptions {
	return WatermarkOptions{
		Text:             "KogFlow.com",
		Opacity:          0.5,
		MinFontSize:      24,
		WidthRatio:       0.08,
		VerticalPosition: 0.85,
		JPEGQuality:      95,
	}
}

var ErrEmptyImage = errors.New("empty image data")

var (
	boldFontOnce sync.Once
	boldFont     *opentype.Font
	boldFontErr  error
)

func loadBoldFont() (*opentype.Font, error) {
	boldFontOnce.Do(func() {
		boldFont, boldFontErr = opentype.Parse(gobold.TTF)
	})
	return boldFont, boldFontErr
}

// Watermarker composites a semi-transparent text mark near the bottom
// center of an image and re-encodes it as JPEG.
type Watermarker struct {
	opts WatermarkOptions
}

func NewWatermarker(opts WatermarkOptions) *Watermarker {
	def := DefaultWatermarkOptions()
	if opts.Text == "" {
		opts.Text = def.Text
	}
	if opts.Opacity <= 0 || opts.Opacity > 1 {
		opts.Opacity = def.Opacity
	}
	if opts.MinFontSize <= 0 {
		opts.MinFontSize = def.MinFontSize
	}
	if opts.WidthRatio <= 0 {
		opts.WidthRatio = def.WidthRatio
	}
	if opts.VerticalPosition <= 0 || opts.VerticalPosition >= 1 {
		opts.VerticalPosition = def.VerticalPosition
	}
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = def.JPEGQuality
	}
	return &Watermarker{opts: opts}
}

// FontSize returns the font size used for an image of the given width.
func (w *Watermarker) FontSize(width int) float64 {
	return math.Max(w.opts.MinFontSize, float64(width)*w.opts.WidthRatio)
}

// Apply returns the watermarked image as JPEG. On error the caller keeps
// its original bytes.
func (w *Watermarker) Apply(data []byte) ([]byte, error) {
	src, err := Decode(data)
	if err != nil {
		return nil, err
	}

	canvas := imaging.Clone(src)
	bounds := canvas.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, ErrEmptyImage
	}

	face, err := w.face(bounds.Dx())
	if err != nil {
		return nil, err
	}
	defer face.Close()

	advance := font.MeasureString(face, w.opts.Text)
	metrics := face.Metrics()
	centerX := fixed.I(bounds.Min.X + bounds.Dx()/2)
	centerY := fixed.I(bounds.Min.Y + int(float64(bounds.Dy())*w.opts.VerticalPosition))
	// baseline so the text box is vertically centered on centerY
	baseline := centerY + (metrics.Ascent-metrics.Descent)/2
	dot := fixed.Point26_6{X: centerX - advance/2, Y: baseline}

	alpha := uint8(math.Round(255 * w.opts.Opacity))
	shadowOffset := fixed.I(max(2, int(w.FontSize(bounds.Dx())/12)))

	shadow := &font.Drawer{
		Dst:  canvas,
		Src:  image.NewUniform(color.NRGBA{R: 0, G: 0, B: 0, A: alpha}),
		Face: face,
		Dot:  fixed.Point26_6{X: dot.X + shadowOffset, Y: dot.Y + shadowOffset},
	}
	shadow.DrawString(w.opts.Text)

	text := &font.Drawer{
		Dst:  canvas,
		Src:  image.NewUniform(color.NRGBA{R: 255, G: 255, B: 255, A: alpha}),
		Face: face,
		Dot:  dot,
	}
	text.DrawString(w.opts.Text)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, canvas, imaging.JPEG, imaging.JPEGQuality(w.opts.JPEGQuality)); err != nil {
		return nil, fmt.Errorf("encode watermarked image: %w", err)
	}
	return buf.Bytes(), nil
}

// face builds the font face for the width, shrinking it when the text
// would not fit into 90% of the image.
func (w *Watermarker) face(width int) (font.Face, error) {
	f, err := loadBoldFont()
	if err != nil {
		return nil, fmt.Errorf("parse watermark font: %w", err)
	}
	size := w.FontSize(width)
	face, err := opentype.NewFace(f, &opentype.FaceOptions{Size: size, DPI: 72, Hinting: font.HintingFull})
	if err != nil {
		return nil, fmt.Errorf("create watermark face: %w", err)
	}

	limit := float64(width) * 0.9
	textWidth := float64(font.MeasureString(face, w.opts.Text)) / 64
	if textWidth <= limit || textWidth == 0 {
		return face, nil
	}
	face.Close()
	return opentype.NewFace(f, &opentype.FaceOptions{Size: size * limit / textWidth, DPI: 72, Hinting: font.HintingFull})
}

// Decode reads JPEG, PNG and WebP images, applying EXIF orientation.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err == nil {
		return img, nil
	}
	if IsWebP(data) {
		img, werr := webp.Decode(bytes.NewReader(data), &decoder.Options{})
		if werr != nil {
			return nil, fmt.Errorf("decode webp: %w", werr)
		}
		return img, nil
	}
	return nil, fmt.Errorf("decode image: %w", err)
}

// IsWebP reports whether data starts with a RIFF/WEBP header.
func IsWebP(data []byte) bool {
	return len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP"))
}
