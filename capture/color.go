package capture

import (
	"bytes"
	"image"
	"image/jpeg"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// NRGBA converts the image into non-premultiplied RGBA. RGBA input is
// wrapped without copying.
func (img *Image) NRGBA() (*image.NRGBA, error) {
	if img.Width <= 0 || img.Height <= 0 {
		return nil, errors.Errorf("invalid image size %dx%d", img.Width, img.Height)
	}

	switch img.Format {
	case PixelFormatRGBA:
		if len(img.Pix) < img.Width*img.Height*4 {
			return nil, errors.Errorf("RGBA buffer too short: %d bytes for %dx%d", len(img.Pix), img.Width, img.Height)
		}
		return &image.NRGBA{
			Pix:    img.Pix[:img.Width*img.Height*4],
			Stride: img.Width * 4,
			Rect:   image.Rect(0, 0, img.Width, img.Height),
		}, nil

	case PixelFormatYUYV:
		ycc, err := yuyvToYCbCr(img.Pix, img.Width, img.Height)
		if err != nil {
			return nil, err
		}
		return imaging.Clone(ycc), nil

	case PixelFormatMJPEG:
		decoded, err := jpeg.Decode(bytes.NewReader(img.Pix))
		if err != nil {
			return nil, errors.Wrap(err, "can not decode MJPEG frame")
		}
		return imaging.Clone(decoded), nil
	}

	return nil, errors.Errorf("unsupported pixel format %v", img.Format)
}

// yuyvToYCbCr repacks interleaved Y0 Cb Y1 Cr macropixels into 4:2:2 planes.
func yuyvToYCbCr(pix []byte, width, height int) (*image.YCbCr, error) {
	if width%2 != 0 {
		return nil, errors.Errorf("YUYV width must be even, got %d", width)
	}
	if len(pix) < width*height*2 {
		return nil, errors.Errorf("YUYV buffer too short: %d bytes for %dx%d", len(pix), width, height)
	}

	ycc := image.NewYCbCr(image.Rect(0, 0, width, height), image.YCbCrSubsampleRatio422)
	for y := 0; y < height; y++ {
		row := pix[y*width*2 : (y+1)*width*2]
		yi := y * ycc.YStride
		ci := y * ycc.CStride
		for x := 0; x < width; x += 2 {
			m := row[x*2 : x*2+4]
			ycc.Y[yi+x] = m[0]
			ycc.Y[yi+x+1] = m[2]
			ycc.Cb[ci+x/2] = m[1]
			ycc.Cr[ci+x/2] = m[3]
		}
	}
	return ycc, nil
}
