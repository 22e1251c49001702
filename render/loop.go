package render

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/abihf/camtex/utils/thread"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Stats counts surface traffic since the last Start.
type Stats struct {
	// Written is the number of images cameras wrote into the surface.
	Written uint64
	// Dropped counts images replaced before the loop latched them.
	Dropped uint64
	// Rendered is the number of frames handed to the frame listener.
	Rendered uint64
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithLogger sets the logger used by the loop.
func WithLogger(log *logrus.Entry) LoopOption {
	return func(l *Loop) {
		l.log = log
	}
}

// WithCPU pins the loop thread to one CPU core. Negative values disable it.
func WithCPU(core int) LoopOption {
	return func(l *Loop) {
		l.cpu = core
	}
}

// Loop is a single-threaded executor owning a GPU context. Start and Stop
// are serialized; callbacks run on the loop thread and must not call Start,
// Stop or Do.
type Loop struct {
	backend Backend
	log     *logrus.Entry
	cpu     int

	mu  sync.Mutex
	cur atomic.Pointer[session]

	width    atomic.Int32
	height   atomic.Int32
	rendered atomic.Uint64
	surface  atomic.Pointer[Surface]
}

type task struct {
	fn   func(Context) error
	done chan error
}

type session struct {
	listener Listener
	tasks    chan task
	wake     chan struct{}
	quit     chan struct{}
	done     chan struct{}

	ctx     Context
	surface *Surface
}

func (s *session) surfaceReady(sf *Surface) {
	s.listener.OnSurfaceReady(sf)
}

// frameUpdated coalesces notifications: one pending wake-up is enough since
// the surface only keeps the newest image.
func (s *session) frameUpdated(*Surface) {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func NewLoop(backend Backend, opts ...LoopOption) *Loop {
	l := &Loop{
		backend: backend,
		log:     logrus.WithField("component", "render"),
		cpu:     -1,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start spawns the loop thread, creates the GPU context and the surface on
// it, then calls listener.OnSurfaceReady from that thread. If the context or
// surface can not be created the thread has exited when Start returns.
func (l *Loop) Start(listener Listener) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cur.Load() != nil {
		return ErrAlreadyRunning
	}

	s := &session{
		listener: listener,
		tasks:    make(chan task),
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	l.rendered.Store(0)
	l.surface.Store(nil)

	initErr := make(chan error, 1)
	go l.run(s, initErr)
	if err := <-initErr; err != nil {
		<-s.done
		return err
	}
	l.cur.Store(s)
	return nil
}

func (l *Loop) run(s *session, initErr chan<- error) {
	defer close(s.done)

	// Never unlocked: the thread exits together with this goroutine.
	runtime.LockOSThread()
	if l.cpu >= 0 {
		if err := thread.SetCPUAffinity(l.cpu); err != nil {
			l.log.WithError(err).WithField("cpu", l.cpu).Warn("Can not pin render thread")
		}
	}

	ctx, err := l.backend.NewContext()
	if err != nil {
		initErr <- errors.Wrap(err, "can not create GPU context")
		return
	}
	surface, err := newSurface(ctx, s)
	if err != nil {
		if rerr := ctx.Release(); rerr != nil {
			l.log.WithError(rerr).Warn("Release GPU context failed")
		}
		initErr <- err
		return
	}
	s.ctx, s.surface = ctx, surface
	l.surface.Store(surface)
	initErr <- nil
	l.log.WithField("texture", surface.Texture()).Info("Render loop started")

	surface.announce()
	for {
		select {
		case <-s.quit:
			select {
			case <-s.wake:
				l.draw(s)
			default:
			}
			l.teardown(s)
			return

		case t := <-s.tasks:
			t.done <- t.fn(ctx)

		case <-s.wake:
			l.draw(s)
		}
	}
}

func (l *Loop) draw(s *session) {
	img := s.surface.latch()
	if img == nil {
		return
	}

	tex := s.surface.Texture()
	if err := s.ctx.UpdateExternal(tex, img); err != nil {
		l.log.WithError(err).WithField("seq", img.Seq).Warn("Can not update external texture")
		return
	}

	out := s.listener.OnFrameReady(tex, s.ctx)
	if p, ok := s.ctx.(Presenter); ok {
		if err := p.Present(out); err != nil {
			l.log.WithError(err).Debug("Present failed")
		}
	}
	l.rendered.Add(1)
}

func (l *Loop) teardown(s *session) {
	s.listener.OnSurfaceDestroyed(s.surface)
	if err := s.surface.destroy(); err != nil {
		l.log.WithError(err).Warn("Destroy surface failed")
	}
	if err := s.ctx.Release(); err != nil {
		l.log.WithError(err).Warn("Release GPU context failed")
	}
	l.log.Info("Render loop stopped")
}

// Stop asks the loop to exit and waits until the surface and the context are
// destroyed and the thread is gone. Stopping a stopped loop does nothing.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.cur.Swap(nil)
	if s == nil {
		return
	}
	close(s.quit)
	<-s.done
}

// Running reports whether the loop thread is alive.
func (l *Loop) Running() bool {
	return l.cur.Load() != nil
}

// Do runs fn on the loop thread and waits for its result.
func (l *Loop) Do(fn func(Context) error) error {
	s := l.cur.Load()
	if s == nil {
		return ErrNotRunning
	}

	t := task{fn: fn, done: make(chan error, 1)}
	select {
	case s.tasks <- t:
	case <-s.quit:
		return ErrNotRunning
	}
	return <-t.done
}

// SetInputSize records the expected frame dimensions. It does not affect
// surface allocation.
func (l *Loop) SetInputSize(width, height int) {
	l.width.Store(int32(width))
	l.height.Store(int32(height))
}

// InputSize returns the dimensions given to SetInputSize.
func (l *Loop) InputSize() (width, height int) {
	return int(l.width.Load()), int(l.height.Load())
}

// Stats returns counters of the current or last session.
func (l *Loop) Stats() Stats {
	st := Stats{Rendered: l.rendered.Load()}
	if sf := l.surface.Load(); sf != nil {
		st.Written = sf.Written()
		st.Dropped = sf.Dropped()
	}
	return st
}
