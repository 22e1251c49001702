package capture

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Opened describes the camera held by a Controller.
type Opened struct {
	Index       int
	Name        string
	Facing      Facing
	Orientation int
	Size        Size
}

type device struct {
	cam        Camera
	info       Info
	index      int
	size       Size
	output     Output
	previewing bool
}

func (d *device) opened() Opened {
	return Opened{
		Index:       d.index,
		Name:        d.info.Name,
		Facing:      d.info.Facing,
		Orientation: d.info.Orientation,
		Size:        d.size,
	}
}

// Controller holds at most one open camera. Every mutation runs under one
// mutex, which is never held while calling anything but the Driver and the
// Camera.
type Controller struct {
	mu     sync.Mutex
	driver Driver
	dev    *device
	log    *logrus.Entry
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithLogger sets the logger used by the controller.
func WithLogger(log *logrus.Entry) ControllerOption {
	return func(c *Controller) {
		c.log = log
	}
}

func NewController(driver Driver, opts ...ControllerOption) *Controller {
	c := &Controller{
		driver: driver,
		log:    logrus.WithField("component", "capture"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open acquires the camera matching facing and negotiates the preview size
// closest to width x height. When no camera has the requested facing, the
// first back-facing camera is used, and failing that the camera at index 0.
// On error no camera is left open.
func (c *Controller) Open(facing Facing, width, height int) (Opened, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dev != nil {
		return Opened{}, errors.Wrapf(ErrInvalidState, "camera %d already open", c.dev.index)
	}

	n := c.driver.NumCameras()
	if n <= 0 {
		return Opened{}, errors.Wrap(ErrDeviceUnavailable, "no cameras")
	}

	index, info := c.choose(facing, n)
	cam, err := c.driver.Open(index)
	if err != nil {
		return Opened{}, errors.Wrapf(err, "can not open camera %d", index)
	}

	size := ClosestSize(cam.SupportedSizes(), Size{Width: width, Height: height})
	if size.Empty() {
		c.closeCamera(cam, index)
		return Opened{}, errors.Wrapf(ErrDeviceUnavailable, "camera %d reports no preview size", index)
	}
	actual, err := cam.SetPreviewSize(size)
	if err != nil {
		c.closeCamera(cam, index)
		return Opened{}, errors.Wrapf(err, "can not set preview size %v", size)
	}
	if actual != size {
		c.log.WithFields(logrus.Fields{"requested": size, "actual": actual}).Warn("Camera adjusted preview size")
	}
	if actual.Empty() {
		c.closeCamera(cam, index)
		return Opened{}, errors.Wrapf(ErrDeviceUnavailable, "camera %d negotiated empty size", index)
	}
	size = actual

	c.dev = &device{cam: cam, info: info, index: index, size: size}
	c.log.WithFields(logrus.Fields{
		"index":       index,
		"facing":      info.Facing,
		"size":        size,
		"orientation": info.Orientation,
	}).Info("Camera opened")
	return c.dev.opened(), nil
}

func (c *Controller) choose(facing Facing, n int) (int, Info) {
	fallback := -1
	var fallbackInfo Info
	for i := 0; i < n; i++ {
		info, err := c.driver.CameraInfo(i)
		if err != nil {
			c.log.WithError(err).WithField("index", i).Warn("Can not query camera info")
			continue
		}
		if info.Facing == facing {
			return i, info
		}
		if fallback < 0 && info.Facing == FacingBack {
			fallback, fallbackInfo = i, info
		}
	}

	if fallback < 0 {
		fallback = 0
		fallbackInfo, _ = c.driver.CameraInfo(0)
	}
	c.log.WithFields(logrus.Fields{
		"requested": facing,
		"index":     fallback,
		"facing":    fallbackInfo.Facing,
	}).Warn("No camera with requested facing, using fallback")
	return fallback, fallbackInfo
}

// BindOutput directs the preview stream of the open camera into out.
func (c *Controller) BindOutput(out Output) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dev == nil {
		return errors.Wrap(ErrInvalidState, "bind output before open")
	}
	if err := c.dev.cam.SetOutput(out); err != nil {
		return errors.Wrap(err, "can not bind camera output")
	}
	c.dev.output = out
	return nil
}

// StartPreview starts streaming into the bound output. Starting an already
// previewing camera does nothing.
func (c *Controller) StartPreview() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dev == nil {
		return errors.Wrap(ErrInvalidState, "start preview before open")
	}
	if c.dev.previewing {
		return nil
	}
	if c.dev.output == nil {
		return errors.Wrap(ErrInvalidState, "start preview without output")
	}
	if err := c.dev.cam.StartPreview(); err != nil {
		return errors.Wrap(err, "can not start preview")
	}
	c.dev.previewing = true
	return nil
}

// StopPreview stops streaming. Failures are logged.
func (c *Controller) StopPreview() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopPreview()
}

func (c *Controller) stopPreview() {
	if c.dev == nil || !c.dev.previewing {
		return
	}
	if err := c.dev.cam.StopPreview(); err != nil {
		c.log.WithError(err).WithField("index", c.dev.index).Warn("Stop preview failed")
	}
	c.dev.previewing = false
}

// Release stops the preview and closes the camera. Failures are logged; the
// handle is dropped regardless.
func (c *Controller) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dev == nil {
		return
	}
	c.stopPreview()
	c.closeCamera(c.dev.cam, c.dev.index)
	c.log.WithField("index", c.dev.index).Info("Camera released")
	c.dev = nil
}

func (c *Controller) closeCamera(cam Camera, index int) {
	if err := cam.Close(); err != nil {
		c.log.WithError(err).WithField("index", index).Warn("Close camera failed")
	}
}

// Current reports the open camera, if any.
func (c *Controller) Current() (Opened, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dev == nil {
		return Opened{}, false
	}
	return c.dev.opened(), true
}
