// Package capturetest provides a scriptable capture.Driver for tests.
package capturetest

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/abihf/camtex/capture"
	"github.com/pkg/errors"
)

// FakeDriver is an in-memory driver. Frames are produced only by Emit.
// Hooks must be set before the driver is used.
type FakeDriver struct {
	// OnStartPreview runs after a camera starts previewing.
	OnStartPreview func(index int)
	// OnClose runs after a camera is closed.
	OnClose func(index int)
	// AdjustSize, when set, maps a requested preview size to the one the
	// camera settles on.
	AdjustSize func(requested capture.Size) capture.Size

	mu      sync.Mutex
	infos   []capture.Info
	sizes   []capture.Size
	openErr error
	open    map[int]*FakeCamera
	opens   int
	maxOpen int
}

// NewFakeDriver returns a driver with one camera per info, each supporting
// 1280x720 and 640x480 unless SetSizes is called.
func NewFakeDriver(infos ...capture.Info) *FakeDriver {
	return &FakeDriver{
		infos: infos,
		sizes: []capture.Size{{Width: 1280, Height: 720}, {Width: 640, Height: 480}},
		open:  make(map[int]*FakeCamera),
	}
}

// SetSizes replaces the sizes supported by every camera.
func (d *FakeDriver) SetSizes(sizes ...capture.Size) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sizes = sizes
}

// FailOpen makes every following Open return err. Nil restores success.
func (d *FakeDriver) FailOpen(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErr = err
}

func (d *FakeDriver) NumCameras() int {
	return len(d.infos)
}

func (d *FakeDriver) CameraInfo(index int) (capture.Info, error) {
	if index < 0 || index >= len(d.infos) {
		return capture.Info{}, errors.Wrapf(capture.ErrDeviceUnavailable, "no camera at index %d", index)
	}
	return d.infos[index], nil
}

func (d *FakeDriver) Open(index int) (capture.Camera, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.openErr != nil {
		return nil, d.openErr
	}
	if index < 0 || index >= len(d.infos) {
		return nil, errors.Wrapf(capture.ErrDeviceUnavailable, "no camera at index %d", index)
	}
	if d.open[index] != nil {
		return nil, errors.Wrapf(capture.ErrDeviceBusy, "camera %d", index)
	}

	cam := &FakeCamera{driver: d, index: index, sizes: append([]capture.Size(nil), d.sizes...)}
	d.open[index] = cam
	d.opens++
	if len(d.open) > d.maxOpen {
		d.maxOpen = len(d.open)
	}
	return cam, nil
}

// OpenCount is the number of cameras currently open.
func (d *FakeDriver) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.open)
}

// MaxOpen is the highest number of cameras ever open at the same time.
func (d *FakeDriver) MaxOpen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxOpen
}

// Opens is the number of successful Open calls.
func (d *FakeDriver) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// Camera returns the open camera at index, or nil.
func (d *FakeDriver) Camera(index int) *FakeCamera {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open[index]
}

func (d *FakeDriver) previewing() *FakeCamera {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, cam := range d.open {
		if cam.isPreviewing() {
			return cam
		}
	}
	return nil
}

// Emit writes one RGBA frame carrying seq to the previewing camera's output.
// It reports false when no camera is previewing.
func (d *FakeDriver) Emit(seq uint64) bool {
	cam := d.previewing()
	if cam == nil {
		return false
	}
	return cam.Emit(seq)
}

func (d *FakeDriver) closed(cam *FakeCamera) {
	d.mu.Lock()
	if d.open[cam.index] == cam {
		delete(d.open, cam.index)
	}
	d.mu.Unlock()
	if d.OnClose != nil {
		d.OnClose(cam.index)
	}
}

// FakeCamera is a camera opened from a FakeDriver.
type FakeCamera struct {
	// StopErr is returned by StopPreview and CloseErr by Close.
	StopErr  error
	CloseErr error

	driver *FakeDriver
	index  int
	sizes  []capture.Size

	mu         sync.Mutex
	size       capture.Size
	output     capture.Output
	previewing bool
	closed     bool
}

func (c *FakeCamera) SupportedSizes() []capture.Size {
	return c.sizes
}

func (c *FakeCamera) SetPreviewSize(size capture.Size) (capture.Size, error) {
	if c.driver.AdjustSize != nil {
		size = c.driver.AdjustSize(size)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.size = size
	return size, nil
}

// Size returns the negotiated preview size.
func (c *FakeCamera) Size() capture.Size {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *FakeCamera) SetOutput(out capture.Output) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.output = out
	return nil
}

func (c *FakeCamera) StartPreview() error {
	c.mu.Lock()
	c.previewing = true
	c.mu.Unlock()
	if c.driver.OnStartPreview != nil {
		c.driver.OnStartPreview(c.index)
	}
	return nil
}

func (c *FakeCamera) StopPreview() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.previewing = false
	return c.StopErr
}

func (c *FakeCamera) isPreviewing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.previewing && c.output != nil
}

// Closed reports whether Close was called.
func (c *FakeCamera) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *FakeCamera) Close() error {
	c.mu.Lock()
	c.previewing = false
	c.closed = true
	c.mu.Unlock()
	c.driver.closed(c)
	return c.CloseErr
}

// Emit writes one frame carrying seq to the output if the camera previews.
func (c *FakeCamera) Emit(seq uint64) bool {
	c.mu.Lock()
	out, size, ok := c.output, c.size, c.previewing
	c.mu.Unlock()
	if !ok || out == nil {
		return false
	}
	out.WriteImage(NewImage(size, seq))
	return true
}

// NewImage returns an opaque RGBA image whose first eight bytes hold seq.
func NewImage(size capture.Size, seq uint64) *capture.Image {
	pix := make([]byte, size.Width*size.Height*4)
	for i := 3; i < len(pix); i += 4 {
		pix[i] = 0xff
	}
	if len(pix) >= 8 {
		binary.BigEndian.PutUint64(pix, seq)
	}
	return &capture.Image{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     size.Width,
		Height:    size.Height,
		Format:    capture.PixelFormatRGBA,
		Pix:       pix,
	}
}

// SeqOf decodes the sequence number written by NewImage.
func SeqOf(pix []byte) uint64 {
	if len(pix) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(pix)
}
