// Package camtex feeds live camera video, as GPU textures, into a frame sink
// such as a video encoder. A Pipeline keeps a camera (package capture), a
// render loop owning the GPU context (package render) and the sink in
// lockstep.
package camtex

import (
	"fmt"

	"github.com/abihf/camtex/capture"
	"github.com/abihf/camtex/render"
)

// Errors reported by a Pipeline, checked with errors.Is.
var (
	ErrDeviceUnavailable = capture.ErrDeviceUnavailable
	ErrDeviceBusy        = capture.ErrDeviceBusy
	ErrInvalidState      = capture.ErrInvalidState
)

// PixelFormat tags the texture layout delivered to a Sink.
type PixelFormat int

const (
	PixelFormatTexture2D PixelFormat = iota + 1
	PixelFormatTextureExternal
)

// BufferKind tells a Sink how the frame content is carried.
type BufferKind int

const (
	BufferKindTexture BufferKind = iota + 1
)

// Frame is one texture handed to a Sink. It is valid only during SendFrame:
// the texture is rebound on the next frame.
type Frame struct {
	Texture     render.TextureID
	Context     render.Context
	Width       int
	Height      int
	PixelFormat PixelFormat
	BufferKind  BufferKind
	// Rotation is the sensor mount orientation in degrees.
	Rotation int
}

func (f *Frame) String() string {
	return fmt.Sprintf("frame{tex=%d %dx%d rot=%d}", f.Texture, f.Width, f.Height, f.Rotation)
}

// Sink consumes frames on the render thread. Failures are its own business.
type Sink interface {
	SendFrame(f *Frame)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(f *Frame)

func (fn SinkFunc) SendFrame(f *Frame) { fn(f) }

// Transform maps the camera texture to the texture sent to the sink. It runs
// on the render thread and must not keep tex past the call.
type Transform interface {
	Process(ctx render.Context, tex render.TextureID, width, height int) render.TextureID
}

// TransformFunc adapts a function to Transform.
type TransformFunc func(ctx render.Context, tex render.TextureID, width, height int) render.TextureID

func (fn TransformFunc) Process(ctx render.Context, tex render.TextureID, width, height int) render.TextureID {
	return fn(ctx, tex, width, height)
}

// Identity sends the camera texture unchanged.
var Identity Transform = TransformFunc(func(_ render.Context, tex render.TextureID, _, _ int) render.TextureID {
	return tex
})

// Loader is implemented by transforms that allocate GPU resources up front.
// Load is called on the render thread once the surface exists, before the
// first Process. Resources it creates are freed by Releaser.
type Loader interface {
	Load(ctx render.Context)
}

// Releaser is implemented by transforms holding GPU resources. Release is
// called on the render thread before the context goes away.
type Releaser interface {
	Release(ctx render.Context)
}
