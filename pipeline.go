package camtex

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/abihf/camtex/capture"
	"github.com/abihf/camtex/render"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// State is the lifecycle state of a Pipeline.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateSwitching
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateSwitching:
		return "switching"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithTransform sets the transform applied before frames reach the sink.
func WithTransform(t Transform) Option {
	return func(p *Pipeline) {
		p.transform = t
	}
}

// WithFacing sets the camera facing used by Start. Defaults to front.
func WithFacing(f capture.Facing) Option {
	return func(p *Pipeline) {
		p.facing = f
	}
}

// WithResolution sets the desired capture size. Defaults to 1280x720.
func WithResolution(width, height int) Option {
	return func(p *Pipeline) {
		p.width, p.height = width, height
	}
}

// WithLogger sets the base logger; the pipeline adds a session field.
func WithLogger(log *logrus.Entry) Option {
	return func(p *Pipeline) {
		p.log = log
	}
}

// WithLoopOptions passes options to the render loop.
func WithLoopOptions(opts ...render.LoopOption) Option {
	return func(p *Pipeline) {
		p.loopOpts = append(p.loopOpts, opts...)
	}
}

// Pipeline coordinates a camera, a render loop and a sink.
//
// Start, Stop and ChangeCamera are serialized. The camera is open exactly
// while the state is Running or Switching. Frames reach the sink only in
// Running: leaving Running waits for the frame being delivered, if any.
type Pipeline struct {
	opMu    sync.Mutex
	frameMu sync.Mutex

	mu      sync.Mutex
	state   State
	facing  capture.Facing
	width   int
	height  int
	camera  capture.Opened
	surface *render.Surface
	session string
	ready   chan error

	controller *capture.Controller
	loop       *render.Loop
	loopOpts   []render.LoopOption
	transform  Transform
	sink       Sink
	log        *logrus.Entry
	sent       atomic.Uint64
}

// New returns an idle pipeline capturing from driver and rendering with
// backend.
func New(driver capture.Driver, backend render.Backend, sink Sink, opts ...Option) *Pipeline {
	p := &Pipeline{
		facing:    capture.FacingFront,
		width:     1280,
		height:    720,
		transform: Identity,
		sink:      sink,
		log:       logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.controller = capture.NewController(driver, capture.WithLogger(p.log.WithField("component", "capture")))
	loopOpts := append([]render.LoopOption{render.WithLogger(p.log.WithField("component", "render"))}, p.loopOpts...)
	p.loop = render.NewLoop(backend, loopOpts...)
	p.log = p.log.WithField("component", "pipeline")
	return p
}

// Start launches the render loop and blocks until the camera previews into
// its surface. On failure, including ctx cancellation, the loop and the
// camera are torn down and the pipeline is idle again. Starting a started
// pipeline does nothing.
func (p *Pipeline) Start(ctx context.Context) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	if p.state != StateIdle {
		p.mu.Unlock()
		return nil
	}
	p.state = StateStarting
	p.session = uuid.NewString()
	ready := make(chan error, 1)
	p.ready = ready
	log := p.sessionLog()
	p.mu.Unlock()

	log.WithFields(logrus.Fields{
		"facing": p.facing,
		"width":  p.width,
		"height": p.height,
	}).Info("Starting pipeline")

	if err := p.loop.Start(p); err != nil {
		p.setState(StateIdle)
		log.WithError(err).Error("Render loop failed to start")
		return errors.Wrap(err, "can not start render loop")
	}

	var err error
	select {
	case err = <-ready:
	case <-ctx.Done():
		err = errors.Wrap(ctx.Err(), "start cancelled")
	}
	if err != nil {
		log.WithError(err).Error("Pipeline start failed")
		p.shutdown()
		return err
	}

	log.Info("Pipeline running")
	return nil
}

// ChangeCamera switches to the camera facing the other way. If the new
// camera can not be opened the pipeline stops and the error is returned.
func (p *Pipeline) ChangeCamera() error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.frameMu.Lock()
	p.mu.Lock()
	if p.state != StateRunning {
		st := p.state
		p.mu.Unlock()
		p.frameMu.Unlock()
		return errors.Wrapf(ErrInvalidState, "change camera while %s", st)
	}
	p.state = StateSwitching
	next, width, height, surface := p.facing.Opposite(), p.width, p.height, p.surface
	log := p.sessionLog()
	p.mu.Unlock()
	p.frameMu.Unlock()

	p.controller.Release()
	if err := p.openCamera(next, width, height, surface); err != nil {
		log.WithError(err).Error("Camera switch failed")
		p.shutdown()
		return errors.Wrap(err, "can not switch camera")
	}

	p.setState(StateRunning)
	log.WithField("facing", next).Info("Camera switched")
	return nil
}

// Stop releases the camera, then stops the render loop and waits for it.
// Stopping an idle pipeline does nothing.
func (p *Pipeline) Stop() {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	idle := p.state == StateIdle
	log := p.sessionLog()
	p.mu.Unlock()
	if idle {
		return
	}

	p.shutdown()
	log.WithField("sent", p.sent.Load()).Info("Pipeline stopped")
}

// shutdown tears everything down to Idle. Camera first, so nothing writes
// into the surface the loop is about to destroy.
func (p *Pipeline) shutdown() {
	p.frameMu.Lock()
	p.setState(StateStopping)
	p.frameMu.Unlock()

	p.controller.Release()
	p.loop.Stop()

	p.mu.Lock()
	p.state = StateIdle
	p.surface = nil
	p.camera = capture.Opened{}
	p.ready = nil
	p.mu.Unlock()
}

func (p *Pipeline) openCamera(facing capture.Facing, width, height int, s *render.Surface) error {
	opened, err := p.controller.Open(facing, width, height)
	if err != nil {
		return err
	}
	// The previous camera is released by now; whatever it left in the slot
	// must not go out tagged as this camera.
	s.Discard()
	if err := p.controller.BindOutput(s); err != nil {
		p.controller.Release()
		return err
	}

	p.mu.Lock()
	p.camera = opened
	p.facing = opened.Facing
	p.mu.Unlock()
	p.loop.SetInputSize(opened.Size.Width, opened.Size.Height)

	if err := p.controller.StartPreview(); err != nil {
		p.controller.Release()
		return err
	}
	return nil
}

// OnSurfaceReady lets the transform load, then opens the camera into the new
// surface. Runs on the render thread.
func (p *Pipeline) OnSurfaceReady(s *render.Surface) {
	if l, ok := p.transform.(Loader); ok {
		l.Load(s.Context())
	}

	p.mu.Lock()
	p.surface = s
	facing, width, height, ready := p.facing, p.width, p.height, p.ready
	p.mu.Unlock()

	err := p.openCamera(facing, width, height, s)
	if err == nil {
		p.mu.Lock()
		if p.state == StateStarting {
			p.state = StateRunning
		} else {
			err = errors.Wrapf(ErrInvalidState, "start aborted while %s", p.state)
		}
		p.mu.Unlock()
		if err != nil {
			p.controller.Release()
		}
	}

	if ready != nil {
		ready <- err
	}
}

// OnSurfaceDestroyed lets the transform free its GPU resources. Runs on the
// render thread.
func (p *Pipeline) OnSurfaceDestroyed(s *render.Surface) {
	if r, ok := p.transform.(Releaser); ok {
		r.Release(s.Context())
	}
}

// OnFrameReady transforms the camera texture and sends it to the sink while
// the pipeline is Running. It always returns tex. Runs on the render thread.
func (p *Pipeline) OnFrameReady(tex render.TextureID, ctx render.Context) render.TextureID {
	p.frameMu.Lock()
	defer p.frameMu.Unlock()

	p.mu.Lock()
	running, cam := p.state == StateRunning, p.camera
	p.mu.Unlock()
	if !running {
		return tex
	}

	// The sensor is mounted in landscape for a portrait device: width and
	// height are swapped for everything downstream.
	width, height := cam.Size.Height, cam.Size.Width
	out := p.transform.Process(ctx, tex, width, height)

	p.sink.SendFrame(&Frame{
		Texture:     out,
		Context:     ctx,
		Width:       width,
		Height:      height,
		PixelFormat: PixelFormatTexture2D,
		BufferKind:  BufferKindTexture,
		Rotation:    cam.Orientation,
	})
	p.sent.Add(1)
	return tex
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// sessionLog must be called with p.mu held.
func (p *Pipeline) sessionLog() *logrus.Entry {
	return p.log.WithField("session", p.session)
}

// State returns the current state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Facing is the facing of the open camera, or the one the next Start asks
// for.
func (p *Pipeline) Facing() capture.Facing {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.facing
}

// Camera reports the open camera, if any.
func (p *Pipeline) Camera() (capture.Opened, bool) {
	return p.controller.Current()
}

// Status is a snapshot of a Pipeline.
type Status struct {
	State       State
	Session     string
	Facing      capture.Facing
	Size        capture.Size
	Orientation int
	Sent        uint64
	render.Stats
}

// Status returns a snapshot for diagnostics.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	st := Status{
		State:       p.state,
		Session:     p.session,
		Facing:      p.facing,
		Size:        p.camera.Size,
		Orientation: p.camera.Orientation,
	}
	p.mu.Unlock()
	st.Sent = p.sent.Load()
	st.Stats = p.loop.Stats()
	return st
}
