package camtex_test

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/abihf/camtex"
	"github.com/abihf/camtex/capture"
	"github.com/abihf/camtex/capture/capturetest"
	"github.com/abihf/camtex/render"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	frontCamera = capture.Info{Name: "front", Facing: capture.FacingFront, Orientation: 270}
	backCamera  = capture.Info{Name: "back", Facing: capture.FacingBack, Orientation: 90}
)

type textureReader interface {
	Texture(tex render.TextureID) (*image.NRGBA, error)
}

type frameLog struct {
	delay time.Duration
	check func(f *camtex.Frame)

	mu     sync.Mutex
	frames []camtex.Frame
	seqs   []uint64
}

func (l *frameLog) SendFrame(f *camtex.Frame) {
	if l.check != nil {
		l.check(f)
	}
	var seq uint64
	if ctx, ok := f.Context.(textureReader); ok {
		if img, err := ctx.Texture(f.Texture); err == nil {
			seq = capturetest.SeqOf(img.Pix)
		}
	}
	if l.delay > 0 {
		time.Sleep(l.delay)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, *f)
	l.seqs = append(l.seqs, seq)
}

func (l *frameLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.frames)
}

func (l *frameLog) last() (camtex.Frame, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.frames) == 0 {
		return camtex.Frame{}, 0
	}
	return l.frames[len(l.frames)-1], l.seqs[len(l.seqs)-1]
}

func newPipeline(driver capture.Driver, sink camtex.Sink, opts ...camtex.Option) *camtex.Pipeline {
	return camtex.New(driver, render.NewSoftwareBackend(), sink, opts...)
}

func TestPipelineStartStop(t *testing.T) {
	driver := capturetest.NewFakeDriver(backCamera, frontCamera)
	p := newPipeline(driver, &frameLog{})
	assert.Equal(t, camtex.StateIdle, p.State())

	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, camtex.StateRunning, p.State())
	assert.Equal(t, 1, driver.OpenCount())

	cam, ok := p.Camera()
	require.True(t, ok)
	assert.Equal(t, capture.FacingFront, cam.Facing)
	assert.Equal(t, 1, cam.Index)
	assert.Equal(t, capture.Size{Width: 1280, Height: 720}, cam.Size)

	st := p.Status()
	assert.NotEmpty(t, st.Session)
	assert.Equal(t, camtex.StateRunning, st.State)

	require.NoError(t, p.Start(context.Background()), "start while running is a no-op")
	assert.Equal(t, st.Session, p.Status().Session)

	p.Stop()
	assert.Equal(t, camtex.StateIdle, p.State())
	assert.Equal(t, 0, driver.OpenCount())
	_, ok = p.Camera()
	assert.False(t, ok)

	p.Stop()
	assert.Equal(t, camtex.StateIdle, p.State())
}

func TestPipelineRestart(t *testing.T) {
	driver := capturetest.NewFakeDriver(frontCamera)
	sink := &frameLog{}
	p := newPipeline(driver, sink)

	var sessions []string
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Start(context.Background()))
		assert.Equal(t, 1, driver.OpenCount())
		sessions = append(sessions, p.Status().Session)

		want := sink.count() + 1
		require.True(t, driver.Emit(uint64(i+1)))
		require.Eventually(t, func() bool { return sink.count() == want }, time.Second, time.Millisecond)

		p.Stop()
		assert.Equal(t, 0, driver.OpenCount())
	}
	assert.Equal(t, 1, driver.MaxOpen())
	assert.Len(t, sessions, 3)
	assert.NotEqual(t, sessions[0], sessions[1])
	assert.NotEqual(t, sessions[1], sessions[2])
}

func TestPipelineSwapsDimensions(t *testing.T) {
	tests := []struct {
		name string
		size capture.Size
	}{
		{"hd", capture.Size{Width: 1280, Height: 720}},
		{"vga", capture.Size{Width: 640, Height: 480}},
		{"odd", capture.Size{Width: 320, Height: 240}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			driver := capturetest.NewFakeDriver(frontCamera)
			driver.SetSizes(tt.size)

			var gotW, gotH atomic.Int64
			transform := camtex.TransformFunc(func(_ render.Context, tex render.TextureID, width, height int) render.TextureID {
				gotW.Store(int64(width))
				gotH.Store(int64(height))
				return tex
			})
			sink := &frameLog{}
			p := newPipeline(driver, sink, camtex.WithResolution(tt.size.Width, tt.size.Height), camtex.WithTransform(transform))
			require.NoError(t, p.Start(context.Background()))
			defer p.Stop()

			require.True(t, driver.Emit(1))
			require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, time.Millisecond)

			f, seq := sink.last()
			assert.Equal(t, uint64(1), seq)
			assert.Equal(t, tt.size.Height, f.Width)
			assert.Equal(t, tt.size.Width, f.Height)
			assert.Equal(t, camtex.PixelFormatTexture2D, f.PixelFormat)
			assert.Equal(t, camtex.BufferKindTexture, f.BufferKind)
			assert.Equal(t, frontCamera.Orientation, f.Rotation)
			assert.Equal(t, int64(tt.size.Height), gotW.Load())
			assert.Equal(t, int64(tt.size.Width), gotH.Load())
		})
	}
}

func TestPipelineFallsBackToBackCamera(t *testing.T) {
	driver := capturetest.NewFakeDriver(backCamera)
	p := newPipeline(driver, &frameLog{}, camtex.WithFacing(capture.FacingFront))
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	assert.Equal(t, capture.FacingBack, p.Status().Facing)
}

func TestPipelineNoCamera(t *testing.T) {
	driver := capturetest.NewFakeDriver()
	p := newPipeline(driver, &frameLog{})

	err := p.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, camtex.ErrDeviceUnavailable))
	assert.Equal(t, camtex.StateIdle, p.State())

	err = p.ChangeCamera()
	assert.True(t, errors.Is(err, camtex.ErrInvalidState))
}

func TestPipelineOpenFailure(t *testing.T) {
	boom := errors.New("camera service died")
	driver := capturetest.NewFakeDriver(frontCamera)
	driver.FailOpen(boom)
	p := newPipeline(driver, &frameLog{})

	err := p.Start(context.Background())
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, camtex.StateIdle, p.State())
	assert.Equal(t, 0, driver.OpenCount())

	driver.FailOpen(nil)
	require.NoError(t, p.Start(context.Background()))
	p.Stop()
}

func TestPipelineStartCancelled(t *testing.T) {
	driver := capturetest.NewFakeDriver(frontCamera)
	ctx, cancel := context.WithCancel(context.Background())
	driver.OnStartPreview = func(int) {
		cancel()
		time.Sleep(50 * time.Millisecond)
	}
	p := newPipeline(driver, &frameLog{})

	err := p.Start(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, camtex.StateIdle, p.State())
	assert.Equal(t, 0, driver.OpenCount())
}

func TestPipelineChangeCamera(t *testing.T) {
	driver := capturetest.NewFakeDriver(backCamera, frontCamera)
	sink := &frameLog{}
	p := newPipeline(driver, sink)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	require.NoError(t, p.ChangeCamera())
	assert.Equal(t, camtex.StateRunning, p.State())
	assert.Equal(t, capture.FacingBack, p.Status().Facing)
	assert.NotNil(t, driver.Camera(0))
	assert.Nil(t, driver.Camera(1))

	require.True(t, driver.Emit(5))
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, time.Millisecond)
	f, _ := sink.last()
	assert.Equal(t, backCamera.Orientation, f.Rotation)

	require.NoError(t, p.ChangeCamera())
	assert.Equal(t, capture.FacingFront, p.Status().Facing)
	assert.Equal(t, 1, driver.MaxOpen())
}

func TestPipelineRapidSwitching(t *testing.T) {
	driver := capturetest.NewFakeDriver(backCamera, frontCamera)
	p := newPipeline(driver, &frameLog{})
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	for i := 0; i < 10; i++ {
		require.NoError(t, p.ChangeCamera())
	}
	assert.Equal(t, camtex.StateRunning, p.State())
	assert.Equal(t, 1, driver.OpenCount())
	assert.Equal(t, 1, driver.MaxOpen())
	assert.Equal(t, capture.FacingFront, p.Status().Facing)
}

func TestPipelineConcurrentSwitching(t *testing.T) {
	driver := capturetest.NewFakeDriver(backCamera, frontCamera)
	p := newPipeline(driver, &frameLog{})
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.ChangeCamera())
		}()
	}
	wg.Wait()

	assert.Equal(t, camtex.StateRunning, p.State())
	assert.Equal(t, 1, driver.MaxOpen())
	assert.Equal(t, capture.FacingFront, p.Status().Facing, "even number of switches")
}

func TestPipelineSwitchFailureStops(t *testing.T) {
	boom := errors.New("camera in use by another app")
	driver := capturetest.NewFakeDriver(backCamera, frontCamera)
	p := newPipeline(driver, &frameLog{})
	require.NoError(t, p.Start(context.Background()))

	driver.FailOpen(boom)
	err := p.ChangeCamera()
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, camtex.StateIdle, p.State())
	assert.Equal(t, 0, driver.OpenCount())

	p.Stop()
}

func TestPipelineFramesOnlyWhileRunning(t *testing.T) {
	driver := capturetest.NewFakeDriver(backCamera, frontCamera)
	var p *camtex.Pipeline
	var violations atomic.Int64
	sink := &frameLog{check: func(*camtex.Frame) {
		if p.State() != camtex.StateRunning {
			violations.Add(1)
		}
	}}
	p = newPipeline(driver, sink)
	require.NoError(t, p.Start(context.Background()))

	stop := make(chan struct{})
	emitted := make(chan struct{})
	go func() {
		defer close(emitted)
		for seq := uint64(1); ; seq++ {
			select {
			case <-stop:
				return
			default:
			}
			driver.Emit(seq)
			time.Sleep(100 * time.Microsecond)
		}
	}()

	for i := 0; i < 20; i++ {
		require.NoError(t, p.ChangeCamera())
		time.Sleep(time.Millisecond)
	}
	p.Stop()
	close(stop)
	<-emitted

	assert.Zero(t, violations.Load())
	assert.Greater(t, sink.count(), 0)
	assert.Equal(t, 1, driver.MaxOpen())
}

func TestPipelineSlowSinkKeepsNewest(t *testing.T) {
	driver := capturetest.NewFakeDriver(frontCamera)
	driver.SetSizes(capture.Size{Width: 64, Height: 48})
	sink := &frameLog{delay: 5 * time.Millisecond}
	p := newPipeline(driver, sink, camtex.WithResolution(64, 48))
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	const total = 50
	for seq := uint64(1); seq <= total; seq++ {
		require.True(t, driver.Emit(seq))
		time.Sleep(time.Millisecond)
	}

	require.Eventually(t, func() bool {
		st := p.Status()
		return st.Written == st.Dropped+st.Rendered
	}, 2*time.Second, 5*time.Millisecond)

	st := p.Status()
	assert.Equal(t, uint64(total), st.Written)
	assert.Greater(t, st.Dropped, uint64(0))
	assert.Equal(t, st.Rendered, st.Sent)

	_, seq := sink.last()
	assert.Equal(t, uint64(total), seq, "the newest frame is delivered")
}

type releasingTransform struct {
	mu       sync.Mutex
	released int
	ctxs     []render.Context
	events   []string
}

func (r *releasingTransform) Load(ctx render.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctxs = append(r.ctxs, ctx)
	r.events = append(r.events, "load")
}

func (r *releasingTransform) Process(_ render.Context, tex render.TextureID, _, _ int) render.TextureID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.events); n == 0 || r.events[n-1] != "process" {
		r.events = append(r.events, "process")
	}
	return tex
}

func (r *releasingTransform) Release(ctx render.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released++
	r.ctxs = append(r.ctxs, ctx)
	r.events = append(r.events, "release")
}

func (r *releasingTransform) history() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestPipelineReleasesTransform(t *testing.T) {
	driver := capturetest.NewFakeDriver(frontCamera)
	transform := &releasingTransform{}
	p := newPipeline(driver, &frameLog{}, camtex.WithTransform(transform))

	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.ChangeCamera())
	transform.mu.Lock()
	assert.Zero(t, transform.released, "switching keeps the surface")
	transform.mu.Unlock()

	p.Stop()
	transform.mu.Lock()
	defer transform.mu.Unlock()
	assert.Equal(t, 1, transform.released)
	require.Len(t, transform.ctxs, 2)
	assert.NotNil(t, transform.ctxs[1])
	assert.Same(t, transform.ctxs[0], transform.ctxs[1], "load and release share the context")
}

func TestPipelineLoadsTransform(t *testing.T) {
	driver := capturetest.NewFakeDriver(frontCamera)
	transform := &releasingTransform{}
	sink := &frameLog{}
	p := newPipeline(driver, sink, camtex.WithTransform(transform))

	for run := 1; run <= 2; run++ {
		require.NoError(t, p.Start(context.Background()))
		want := sink.count() + 1
		require.True(t, driver.Emit(uint64(run)))
		require.Eventually(t, func() bool { return sink.count() == want }, time.Second, time.Millisecond)
		p.Stop()
	}

	assert.Equal(t, []string{
		"load", "process", "release",
		"load", "process", "release",
	}, transform.history())
}

// gatedBackend holds the loop inside UpdateExternal for the image with seq
// blockSeq until gate is closed.
type gatedBackend struct {
	blockSeq uint64
	entered  chan struct{}
	gate     chan struct{}
}

func (b *gatedBackend) NewContext() (render.Context, error) {
	ctx, err := render.NewSoftwareBackend().NewContext()
	if err != nil {
		return nil, err
	}
	return &gatedContext{SoftwareContext: ctx.(*render.SoftwareContext), backend: b}, nil
}

type gatedContext struct {
	*render.SoftwareContext
	backend *gatedBackend
}

func (c *gatedContext) UpdateExternal(tex render.TextureID, img *capture.Image) error {
	if img.Seq == c.backend.blockSeq {
		c.backend.entered <- struct{}{}
		<-c.backend.gate
	}
	return c.SoftwareContext.UpdateExternal(tex, img)
}

func TestPipelineSwitchDropsPendingImage(t *testing.T) {
	driver := capturetest.NewFakeDriver(backCamera, frontCamera)
	backend := &gatedBackend{blockSeq: 1, entered: make(chan struct{}, 1), gate: make(chan struct{})}
	sink := &frameLog{}
	p := camtex.New(driver, backend, sink)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	// seq 1 is latched and held mid-frame, seq 2 waits in the slot.
	require.True(t, driver.Emit(1))
	select {
	case <-backend.entered:
	case <-time.After(time.Second):
		t.Fatal("loop never picked up the first frame")
	}
	require.True(t, driver.Emit(2))

	require.NoError(t, p.ChangeCamera())
	assert.Equal(t, capture.FacingBack, p.Facing())
	close(backend.gate)

	require.Eventually(t, func() bool {
		st := p.Status()
		return st.Written == 2 && st.Written == st.Dropped+st.Rendered
	}, time.Second, time.Millisecond)

	sink.mu.Lock()
	seqs := append([]uint64(nil), sink.seqs...)
	sink.mu.Unlock()
	assert.Equal(t, []uint64{1}, seqs, "only the frame in flight may cross the switch")

	require.True(t, driver.Emit(3))
	require.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, time.Millisecond)
	f, seq := sink.last()
	assert.Equal(t, uint64(3), seq)
	assert.Equal(t, backCamera.Orientation, f.Rotation)
}
