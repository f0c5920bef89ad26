package imageprocessor_test

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/KogFlow/internal/pkg/imageprocessor"
)

func solidPNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestWatermarkApplyProducesJPEG(t *testing.T) {
	src := solidPNG(t, 1024, 768, color.NRGBA{R: 40, G: 60, B: 80, A: 255})
	wm := imageprocessor.NewWatermarker(imageprocessor.DefaultWatermarkOptions())

	out, err := wm.Apply(src)
	require.NoError(t, err)
	require.NotEmpty(t, out)

	img, err := jpeg.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 1024, img.Bounds().Dx())
	assert.Equal(t, 768, img.Bounds().Dy())

	// some pixel on the text row must be lighter than the background
	row := int(768 * 0.85)
	brighter := false
	for x := 0; x < 1024 && !brighter; x++ {
		r, _, _, _ := img.At(x, row).RGBA()
		if r>>8 > 120 {
			brighter = true
		}
	}
	assert.True(t, brighter, "expected watermark text on row %d", row)

	// the top of the image is untouched apart from JPEG noise
	r, g, b, _ := img.At(10, 10).RGBA()
	assert.InDelta(t, 40, int(r>>8), 6)
	assert.InDelta(t, 60, int(g>>8), 6)
	assert.InDelta(t, 80, int(b>>8), 6)
}

func TestWatermarkFontSize(t *testing.T) {
	wm := imageprocessor.NewWatermarker(imageprocessor.WatermarkOptions{})
	assert.Equal(t, 24.0, wm.FontSize(100))
	assert.InDelta(t, 81.92, wm.FontSize(1024), 0.001)
}

func TestWatermarkSmallImage(t *testing.T) {
	src := solidPNG(t, 64, 48, color.Black)
	wm := imageprocessor.NewWatermarker(imageprocessor.DefaultWatermarkOptions())

	out, err := wm.Apply(src)
	require.NoError(t, err)
	img, err := jpeg.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())
}

func TestWatermarkRejectsInvalidData(t *testing.T) {
	wm := imageprocessor.NewWatermarker(imageprocessor.DefaultWatermarkOptions())

	_, err := wm.Apply(nil)
	assert.ErrorIs(t, err, imageprocessor.ErrEmptyImage)

	_, err = wm.Apply([]byte("definitely not an image"))
	assert.Error(t, err)
}

func TestIsWebP(t *testing.T) {
	assert.True(t, imageprocessor.IsWebP([]byte("RIFF\x00\x00\x00\x00WEBPVP8 ")))
	assert.False(t, imageprocessor.IsWebP([]byte("\x89PNG\r\n\x1a\n0000")))
	assert.False(t, imageprocessor.IsWebP([]byte("RIFF")))
}
