package render

import (
	"sync"
	"sync/atomic"

	"github.com/abihf/camtex/capture"
	"github.com/pkg/errors"
)

// surfaceObserver receives surface notifications. frameUpdated is called
// from camera goroutines and must not block.
type surfaceObserver interface {
	surfaceReady(s *Surface)
	frameUpdated(s *Surface)
}

// Surface is the image target a camera writes into, backed by one external
// texture. It holds a single image slot: a write replaces an image that has
// not been latched yet, so only the newest image is ever rendered.
type Surface struct {
	ctx      Context
	tex      TextureID
	observer surfaceObserver
	ready    sync.Once

	mu        sync.Mutex
	pending   *capture.Image
	destroyed bool

	written atomic.Uint64
	dropped atomic.Uint64
}

// newSurface must run on the loop thread.
func newSurface(ctx Context, observer surfaceObserver) (*Surface, error) {
	tex, err := ctx.NewExternalTexture()
	if err != nil {
		return nil, errors.Wrap(err, "can not create external texture")
	}
	return &Surface{ctx: ctx, tex: tex, observer: observer}, nil
}

// Texture returns the external texture id.
func (s *Surface) Texture() TextureID {
	return s.tex
}

// Context returns the context owning the surface. Use it on the loop thread
// only.
func (s *Surface) Context() Context {
	return s.ctx
}

// WriteImage implements capture.Output. Images written after destroy are
// discarded.
func (s *Surface) WriteImage(img *capture.Image) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	if s.pending != nil {
		s.dropped.Add(1)
	}
	s.pending = img
	s.mu.Unlock()

	s.written.Add(1)
	s.observer.frameUpdated(s)
}

func (s *Surface) announce() {
	s.ready.Do(func() {
		s.observer.surfaceReady(s)
	})
}

// Discard drops the pending image, counting it as dropped. Call it when the
// producer changes so the next latch never returns an image of the previous
// one.
func (s *Surface) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		s.pending = nil
		s.dropped.Add(1)
	}
}

// latch takes the pending image, if any.
func (s *Surface) latch() *capture.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	img := s.pending
	s.pending = nil
	return img
}

// destroy must run on the loop thread, after the camera stopped writing.
func (s *Surface) destroy() error {
	s.mu.Lock()
	s.destroyed = true
	s.pending = nil
	s.mu.Unlock()
	return s.ctx.DeleteTexture(s.tex)
}

// Written is the number of images received; Dropped counts those replaced
// before being latched.
func (s *Surface) Written() uint64 { return s.written.Load() }
func (s *Surface) Dropped() uint64 { return s.dropped.Load() }
