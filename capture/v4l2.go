package capture

import (
	"strings"
	"sync"
	"time"

	"github.com/blackjack/webcam"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	fourccYUYV webcam.PixelFormat = 0x56595559
	fourccMJPG webcam.PixelFormat = 0x47504a4d

	v4l2BufferCount = 4
)

// V4L2Device is a video4linux node plus the placement the kernel does not
// report: which way it faces and how the sensor is mounted.
type V4L2Device struct {
	Path        string
	Facing      Facing
	Orientation int
}

type v4l2Driver struct {
	devices []V4L2Device
	log     *logrus.Entry
}

// NewV4L2Driver returns a Driver over the given device nodes.
func NewV4L2Driver(devices []V4L2Device, log *logrus.Entry) Driver {
	if log == nil {
		log = logrus.WithField("component", "v4l2")
	}
	return &v4l2Driver{devices: devices, log: log}
}

func (d *v4l2Driver) NumCameras() int {
	return len(d.devices)
}

func (d *v4l2Driver) CameraInfo(index int) (Info, error) {
	if index < 0 || index >= len(d.devices) {
		return Info{}, errors.Wrapf(ErrDeviceUnavailable, "no camera at index %d", index)
	}
	dev := d.devices[index]
	return Info{Name: dev.Path, Facing: dev.Facing, Orientation: dev.Orientation}, nil
}

func (d *v4l2Driver) Open(index int) (Camera, error) {
	if index < 0 || index >= len(d.devices) {
		return nil, errors.Wrapf(ErrDeviceUnavailable, "no camera at index %d", index)
	}
	path := d.devices[index].Path

	cam, err := webcam.Open(path)
	if err != nil {
		return nil, errors.Wrapf(busy(err, path), "Can not open device %s", path)
	}

	formats := cam.GetSupportedFormats()
	var format webcam.PixelFormat
	var pixFmt PixelFormat
	switch {
	case formats[fourccYUYV] != "":
		format, pixFmt = fourccYUYV, PixelFormatYUYV
	case formats[fourccMJPG] != "":
		format, pixFmt = fourccMJPG, PixelFormatMJPEG
	default:
		cam.Close()
		return nil, errors.Errorf("device %s supports neither YUYV nor MJPEG", path)
	}

	if err := cam.SetBufferCount(v4l2BufferCount); err != nil {
		cam.Close()
		return nil, errors.Wrap(err, "Can not set buffer count")
	}

	return &v4l2Camera{
		cam:    cam,
		path:   path,
		format: format,
		pixFmt: pixFmt,
		log:    d.log.WithField("device", path),
	}, nil
}

type v4l2Camera struct {
	cam    *webcam.Webcam
	path   string
	format webcam.PixelFormat
	pixFmt PixelFormat
	log    *logrus.Entry

	mu     sync.Mutex
	size   Size
	output Output

	stop chan struct{}
	done chan struct{}
}

var stepwiseSizes = []Size{
	{Width: 320, Height: 240},
	{Width: 640, Height: 480},
	{Width: 1280, Height: 720},
	{Width: 1920, Height: 1080},
}

func (c *v4l2Camera) SupportedSizes() []Size {
	return frameSizes(c.cam.GetSupportedFrameSizes(c.format))
}

// frameSizes lists discrete sizes as is. Stepwise ranges contribute the
// common sizes they contain, snapped down to the step grid so the driver
// accepts them unchanged.
func frameSizes(ranges []webcam.FrameSize) []Size {
	var sizes []Size
	for _, fs := range ranges {
		if fs.StepWidth == 0 && fs.StepHeight == 0 {
			sizes = append(sizes, Size{Width: int(fs.MaxWidth), Height: int(fs.MaxHeight)})
			continue
		}
		for _, s := range stepwiseSizes {
			w := snap(uint32(s.Width), fs.MinWidth, fs.StepWidth)
			h := snap(uint32(s.Height), fs.MinHeight, fs.StepHeight)
			if w >= fs.MinWidth && w <= fs.MaxWidth && h >= fs.MinHeight && h <= fs.MaxHeight {
				sizes = append(sizes, Size{Width: int(w), Height: int(h)})
			}
		}
	}
	return sizes
}

func snap(v, lo, step uint32) uint32 {
	if step <= 1 || v < lo {
		return v
	}
	return lo + (v-lo)/step*step
}

// SetPreviewSize returns the size reported back by SetImageFormat. Sizes from
// SupportedSizes are on the device grid; YUYV frames too short for the
// returned size are dropped by the stream.
func (c *v4l2Camera) SetPreviewSize(size Size) (Size, error) {
	code, w, h, err := c.cam.SetImageFormat(c.format, uint32(size.Width), uint32(size.Height))
	if err != nil {
		return Size{}, errors.Wrap(busy(err, c.path), "Can not set image format")
	}
	if code != c.format {
		return Size{}, errors.Errorf("device %s switched pixel format to %08x", c.path, uint32(code))
	}
	actual := Size{Width: int(w), Height: int(h)}
	c.mu.Lock()
	c.size = actual
	c.mu.Unlock()
	return actual, nil
}

func (c *v4l2Camera) SetOutput(out Output) error {
	c.mu.Lock()
	c.output = out
	c.mu.Unlock()
	return nil
}

func (c *v4l2Camera) StartPreview() error {
	if c.stop != nil {
		return nil
	}
	if err := c.cam.StartStreaming(); err != nil {
		return errors.Wrap(busy(err, c.path), "Can not start streaming")
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.stream(c.stop, c.done)
	return nil
}

// stream forwards frames until stop is closed. The driver reuses its mmap
// buffers, so every frame is copied before it leaves this goroutine.
func (c *v4l2Camera) stream(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	var seq uint64
	for {
		select {
		case <-stop:
			return
		default:
		}

		err := c.cam.WaitForFrame(1)
		switch err.(type) {
		case nil:
		case *webcam.Timeout:
			c.log.Debug("Frame wait timed out")
			continue
		default:
			c.log.WithError(err).Error("Frame wait failed")
			return
		}

		select {
		case <-stop:
			return
		default:
		}

		frame, err := c.cam.ReadFrame()
		if err != nil {
			c.log.WithError(err).Error("Read frame failed")
			return
		}
		if len(frame) == 0 {
			continue
		}

		c.mu.Lock()
		out, size := c.output, c.size
		c.mu.Unlock()
		if out == nil {
			continue
		}
		if c.pixFmt == PixelFormatYUYV && len(frame) < size.Width*size.Height*2 {
			c.log.WithFields(logrus.Fields{"len": len(frame), "size": size}).Debug("Short frame dropped")
			continue
		}

		seq++
		pix := make([]byte, len(frame))
		copy(pix, frame)
		out.WriteImage(&Image{
			Seq:       seq,
			Timestamp: time.Now(),
			Width:     size.Width,
			Height:    size.Height,
			Format:    c.pixFmt,
			Pix:       pix,
		})
	}
}

func (c *v4l2Camera) StopPreview() error {
	if c.stop == nil {
		return nil
	}
	close(c.stop)
	<-c.done
	c.stop, c.done = nil, nil
	return errors.Wrap(c.cam.StopStreaming(), "Can not stop streaming")
}

// busy maps EBUSY to ErrDeviceBusy. The webcam package returns the raw errno
// from S_FMT but flattens REQBUFS and STREAMON failures into strings.
func busy(err error, path string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.EBUSY) || strings.Contains(err.Error(), unix.EBUSY.Error()) {
		return errors.Wrapf(ErrDeviceBusy, "%s: %v", path, err)
	}
	return err
}

func (c *v4l2Camera) Close() error {
	stopErr := c.StopPreview()
	if err := c.cam.Close(); err != nil {
		return errors.Wrapf(err, "Can not close device %s", c.path)
	}
	return stopErr
}
