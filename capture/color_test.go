package capture

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImageNRGBA(t *testing.T) {
	t.Run("rgba wraps buffer", func(t *testing.T) {
		img := &Image{Width: 2, Height: 1, Format: PixelFormatRGBA, Pix: []byte{1, 2, 3, 255, 4, 5, 6, 255}}
		out, err := img.NRGBA()
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, 2, 1), out.Bounds())
		assert.Equal(t, color.NRGBA{4, 5, 6, 255}, out.NRGBAAt(1, 0))
	})

	t.Run("rgba too short", func(t *testing.T) {
		img := &Image{Width: 2, Height: 2, Format: PixelFormatRGBA, Pix: make([]byte, 4)}
		_, err := img.NRGBA()
		assert.Error(t, err)
	})

	t.Run("yuyv grey", func(t *testing.T) {
		// Y=128, Cb=Cr=128 is mid grey.
		pix := bytes.Repeat([]byte{128, 128, 128, 128}, 4)
		img := &Image{Width: 4, Height: 2, Format: PixelFormatYUYV, Pix: pix}
		out, err := img.NRGBA()
		require.NoError(t, err)
		assert.Equal(t, 4, out.Bounds().Dx())
		assert.Equal(t, 2, out.Bounds().Dy())
		c := out.NRGBAAt(3, 1)
		assert.InDelta(t, 128, int(c.R), 2)
		assert.InDelta(t, 128, int(c.G), 2)
		assert.InDelta(t, 128, int(c.B), 2)
		assert.Equal(t, uint8(255), c.A)
	})

	t.Run("yuyv odd width", func(t *testing.T) {
		img := &Image{Width: 3, Height: 1, Format: PixelFormatYUYV, Pix: make([]byte, 6)}
		_, err := img.NRGBA()
		assert.Error(t, err)
	})

	t.Run("mjpeg", func(t *testing.T) {
		src := image.NewRGBA(image.Rect(0, 0, 8, 8))
		for i := range src.Pix {
			src.Pix[i] = 200
		}
		var buf bytes.Buffer
		require.NoError(t, jpeg.Encode(&buf, src, nil))

		img := &Image{Width: 8, Height: 8, Format: PixelFormatMJPEG, Pix: buf.Bytes()}
		out, err := img.NRGBA()
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, 8, 8), out.Bounds())
	})

	t.Run("invalid size", func(t *testing.T) {
		_, err := (&Image{Format: PixelFormatRGBA}).NRGBA()
		assert.Error(t, err)
	})
}
