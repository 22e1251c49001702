package capture

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// SyntheticCamera describes one camera of a synthetic driver.
type SyntheticCamera struct {
	Name        string
	Facing      Facing
	Orientation int
	Sizes       []Size
	FPS         int
}

type syntheticDriver struct {
	mu      sync.Mutex
	cameras []SyntheticCamera
	open    map[int]bool
}

// NewSyntheticDriver returns a Driver whose cameras render a moving test
// pattern in RGBA at their configured rate. A camera can be open only once.
func NewSyntheticDriver(cameras ...SyntheticCamera) Driver {
	return &syntheticDriver{cameras: cameras, open: make(map[int]bool)}
}

func (d *syntheticDriver) NumCameras() int {
	return len(d.cameras)
}

func (d *syntheticDriver) CameraInfo(index int) (Info, error) {
	if index < 0 || index >= len(d.cameras) {
		return Info{}, errors.Wrapf(ErrDeviceUnavailable, "no camera at index %d", index)
	}
	c := d.cameras[index]
	return Info{Name: c.Name, Facing: c.Facing, Orientation: c.Orientation}, nil
}

func (d *syntheticDriver) Open(index int) (Camera, error) {
	if index < 0 || index >= len(d.cameras) {
		return nil, errors.Wrapf(ErrDeviceUnavailable, "no camera at index %d", index)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open[index] {
		return nil, errors.Wrapf(ErrDeviceBusy, "camera %d", index)
	}
	d.open[index] = true

	conf := d.cameras[index]
	if conf.FPS <= 0 {
		conf.FPS = 30
	}
	return &syntheticCamera{driver: d, index: index, conf: conf}, nil
}

func (d *syntheticDriver) closed(index int) {
	d.mu.Lock()
	delete(d.open, index)
	d.mu.Unlock()
}

type syntheticCamera struct {
	driver *syntheticDriver
	index  int
	conf   SyntheticCamera

	mu     sync.Mutex
	size   Size
	output Output
	closed bool

	stop chan struct{}
	done chan struct{}
}

func (c *syntheticCamera) SupportedSizes() []Size {
	return c.conf.Sizes
}

func (c *syntheticCamera) SetPreviewSize(size Size) (Size, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.size = size
	return size, nil
}

func (c *syntheticCamera) SetOutput(out Output) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.output = out
	return nil
}

func (c *syntheticCamera) StartPreview() error {
	if c.stop != nil {
		return nil
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.run(c.stop, c.done)
	return nil
}

func (c *syntheticCamera) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(time.Second / time.Duration(c.conf.FPS))
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			out, size := c.output, c.size
			c.mu.Unlock()
			if out == nil || size.Empty() {
				continue
			}
			seq++
			out.WriteImage(&Image{
				Seq:       seq,
				Timestamp: now,
				Width:     size.Width,
				Height:    size.Height,
				Format:    PixelFormatRGBA,
				Pix:       testPattern(size, seq),
			})
		}
	}
}

// testPattern draws a horizontal gradient with a vertical bar that moves one
// column per frame.
func testPattern(size Size, seq uint64) []byte {
	pix := make([]byte, size.Width*size.Height*4)
	bar := int(seq % uint64(size.Width))
	for y := 0; y < size.Height; y++ {
		row := pix[y*size.Width*4:]
		for x := 0; x < size.Width; x++ {
			p := row[x*4 : x*4+4]
			v := byte(x * 255 / size.Width)
			if x == bar {
				v = 255
			}
			p[0], p[1], p[2], p[3] = v, byte(y*255/size.Height), 255-v, 0xff
		}
	}
	return pix
}

func (c *syntheticCamera) StopPreview() error {
	if c.stop == nil {
		return nil
	}
	close(c.stop)
	<-c.done
	c.stop, c.done = nil, nil
	return nil
}

func (c *syntheticCamera) Close() error {
	c.StopPreview()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.driver.closed(c.index)
	return nil
}
