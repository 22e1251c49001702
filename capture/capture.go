// Package capture owns camera devices: enumeration through a Driver, the
// exclusive device handle held by a Controller, and the image stream a
// previewing camera writes into an Output.
package capture

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrDeviceUnavailable is returned when no camera can serve an open request.
	ErrDeviceUnavailable = errors.New("camera device unavailable")
	// ErrDeviceBusy is returned when a camera is already held elsewhere.
	ErrDeviceBusy = errors.New("camera device busy")
	// ErrInvalidState is returned for operations issued out of order, such as
	// binding an output before a camera is open.
	ErrInvalidState = errors.New("invalid camera state")
)

// Facing is the direction a camera points to.
type Facing int

const (
	FacingBack Facing = iota
	FacingFront
)

// Opposite returns the other facing.
func (f Facing) Opposite() Facing {
	if f == FacingFront {
		return FacingBack
	}
	return FacingFront
}

func (f Facing) String() string {
	switch f {
	case FacingBack:
		return "back"
	case FacingFront:
		return "front"
	default:
		return fmt.Sprintf("facing(%d)", int(f))
	}
}

// ParseFacing parses "front" or "back".
func ParseFacing(s string) (Facing, error) {
	switch s {
	case "back":
		return FacingBack, nil
	case "front":
		return FacingFront, nil
	}
	return 0, errors.Errorf("unknown camera facing %q", s)
}

// Size is a frame resolution in pixels.
type Size struct {
	Width  int
	Height int
}

func (s Size) Empty() bool {
	return s.Width <= 0 || s.Height <= 0
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// Info describes a camera as reported by its driver. Orientation is the
// clockwise mount rotation of the sensor in degrees.
type Info struct {
	Name        string
	Facing      Facing
	Orientation int
}

// PixelFormat is the layout of Image.Pix.
type PixelFormat int

const (
	PixelFormatRGBA PixelFormat = iota
	PixelFormatYUYV
	PixelFormatMJPEG
)

func (f PixelFormat) String() string {
	switch f {
	case PixelFormatRGBA:
		return "RGBA"
	case PixelFormatYUYV:
		return "YUYV"
	case PixelFormatMJPEG:
		return "MJPEG"
	default:
		return fmt.Sprintf("PixelFormat(%d)", int(f))
	}
}

// Image is one picture produced by a previewing camera. Pix is owned by the
// receiver once handed to an Output.
type Image struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	Format    PixelFormat
	Pix       []byte
}

// Output receives the images of a previewing camera. WriteImage is called
// from the camera's own goroutine and must not block.
type Output interface {
	WriteImage(img *Image)
}

// Driver enumerates and opens cameras. NumCameras and CameraInfo are
// synchronous lookups without side effects.
type Driver interface {
	NumCameras() int
	CameraInfo(index int) (Info, error)
	Open(index int) (Camera, error)
}

// Camera is an opened device. A Camera is used by one Controller only, which
// serializes every call.
type Camera interface {
	SupportedSizes() []Size
	// SetPreviewSize requests size and returns the size images will have,
	// which the device may have adjusted.
	SetPreviewSize(size Size) (Size, error)
	SetOutput(out Output) error
	StartPreview() error
	StopPreview() error
	Close() error
}
