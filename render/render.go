// Package render runs the GPU side of the pipeline: one goroutine locked to
// one OS thread owns a GPU context and the surface cameras write into. Every
// GPU call happens on that thread.
package render

import (
	"github.com/abihf/camtex/capture"
	"github.com/pkg/errors"
)

var (
	// ErrNotRunning is returned when a task is submitted to a stopped loop.
	ErrNotRunning = errors.New("render loop not running")
	// ErrAlreadyRunning is returned by Start on a running loop.
	ErrAlreadyRunning = errors.New("render loop already running")
	// ErrWrongThread is returned when a context is used off its owning thread.
	ErrWrongThread = errors.New("GPU context used from foreign thread")
	// ErrUnknownTexture is returned for texture ids a context did not create.
	ErrUnknownTexture = errors.New("unknown texture")
	// ErrContextReleased is returned by a context after Release.
	ErrContextReleased = errors.New("GPU context released")
)

// TextureID names a texture inside one Context. Zero is never a valid id.
type TextureID uint32

// Context is a GPU rendering context. It is created, used and released on the
// loop thread only.
type Context interface {
	// NewExternalTexture allocates a texture whose content is supplied by
	// UpdateExternal.
	NewExternalTexture() (TextureID, error)
	// UpdateExternal latches img into the external texture.
	UpdateExternal(tex TextureID, img *capture.Image) error
	DeleteTexture(tex TextureID) error
	Release() error
}

// Presenter is implemented by contexts that can display a texture, for
// example as a local preview.
type Presenter interface {
	Present(tex TextureID) error
}

// Backend creates contexts. NewContext is called on the loop thread.
type Backend interface {
	NewContext() (Context, error)
}

// SurfaceListener is told about the lifetime of the loop's surface. Both
// methods run on the loop thread.
type SurfaceListener interface {
	OnSurfaceReady(s *Surface)
	OnSurfaceDestroyed(s *Surface)
}

// FrameListener is called on the loop thread for every latched frame. It
// returns the texture to present, which may differ from tex.
type FrameListener interface {
	OnFrameReady(tex TextureID, ctx Context) TextureID
}

// Listener receives every loop callback.
type Listener interface {
	SurfaceListener
	FrameListener
}
