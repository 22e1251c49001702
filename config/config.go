package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/abihf/camtex/capture"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const DefaultPath = "/etc/camtex/config.json"

const (
	DriverV4L2      = "v4l2"
	DriverSynthetic = "synthetic"
)

type Device struct {
	Path        string `json:"path"`
	Facing      string `json:"facing"`
	Orientation int    `json:"orientation"`
}

type Config struct {
	Driver  string   `json:"driver"`
	Devices []Device `json:"devices"`
	Backend string   `json:"backend"`

	Width  int    `json:"width"`
	Height int    `json:"height"`
	Facing string `json:"facing"`
	FPS    int    `json:"fps"`

	// RenderCPU pins the render thread. Negative disables pinning.
	RenderCPU int `json:"render_cpu"`

	Socket   string `json:"socket"`
	PidFile  string `json:"pid_file"`
	LogLevel string `json:"log_level"`
}

// Default returns the configuration used for absent keys.
func Default() *Config {
	return &Config{
		Driver: DriverV4L2,
		Devices: []Device{
			{Path: "/dev/video0", Facing: "front", Orientation: 270},
		},
		Backend:   "software",
		Width:     1280,
		Height:    720,
		Facing:    "front",
		FPS:       30,
		RenderCPU: -1,
		Socket:    "/var/run/camtex.sock",
		PidFile:   "/var/run/camtex.pid",
		LogLevel:  "info",
	}
}

// Load reads path over the defaults. A missing or broken file is logged and
// the defaults are returned.
func Load(path string) *Config {
	conf, err := loadFromFile(path)
	if err != nil {
		logrus.WithError(err).WithField("path", path).Warn("Failed to load config file")
		conf = Default()
	}
	return conf
}

func loadFromFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	conf := Default()
	if err := json.NewDecoder(file).Decode(conf); err != nil {
		return nil, errors.Wrap(err, "can not decode config")
	}
	return conf, nil
}

func (c *Config) Validate() error {
	switch c.Driver {
	case DriverV4L2:
		if len(c.Devices) == 0 {
			return errors.New("v4l2 driver needs at least one device")
		}
		for i, d := range c.Devices {
			if d.Path == "" {
				return errors.Errorf("device %d has no path", i)
			}
			if _, err := capture.ParseFacing(d.Facing); err != nil {
				return errors.Wrapf(err, "device %s", d.Path)
			}
		}
	case DriverSynthetic:
	default:
		return errors.Errorf("unknown driver %q", c.Driver)
	}

	if c.Width <= 0 || c.Height <= 0 {
		return errors.Errorf("invalid resolution %dx%d", c.Width, c.Height)
	}
	if c.FPS <= 0 {
		return errors.Errorf("invalid fps %d", c.FPS)
	}
	if _, err := capture.ParseFacing(c.Facing); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Socket == "" {
		return errors.New("socket not set")
	}
	return nil
}

// CameraFacing is the parsed Facing; front when invalid.
func (c *Config) CameraFacing() capture.Facing {
	f, err := capture.ParseFacing(c.Facing)
	if err != nil {
		return capture.FacingFront
	}
	return f
}

// NewDriver builds the capture driver selected by Driver.
func (c *Config) NewDriver(log *logrus.Entry) (capture.Driver, error) {
	switch c.Driver {
	case DriverV4L2:
		devices := make([]capture.V4L2Device, 0, len(c.Devices))
		for _, d := range c.Devices {
			facing, err := capture.ParseFacing(d.Facing)
			if err != nil {
				return nil, errors.Wrapf(err, "device %s", d.Path)
			}
			devices = append(devices, capture.V4L2Device{Path: d.Path, Facing: facing, Orientation: d.Orientation})
		}
		return capture.NewV4L2Driver(devices, log), nil

	case DriverSynthetic:
		sizes := []capture.Size{{Width: c.Width, Height: c.Height}}
		return capture.NewSyntheticDriver(
			capture.SyntheticCamera{Name: "synthetic-back", Facing: capture.FacingBack, Orientation: 90, Sizes: sizes, FPS: c.FPS},
			capture.SyntheticCamera{Name: "synthetic-front", Facing: capture.FacingFront, Orientation: 270, Sizes: sizes, FPS: c.FPS},
		), nil

	default:
		return nil, errors.Errorf("unknown driver %q", c.Driver)
	}
}

// Watcher reloads a config file when it changes.
type Watcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Watch calls fn with every valid new version of the file at path. Invalid
// versions are logged and skipped. The directory is watched so that editors
// replacing the file are noticed.
func Watch(path string, fn func(*Config)) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "new file change watcher")
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, errors.Wrapf(err, "watch %s", filepath.Dir(path))
	}

	w := &Watcher{watcher: watcher, done: make(chan struct{})}
	log := logrus.WithField("path", path)
	go func() {
		defer close(w.done)
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				conf, err := loadFromFile(path)
				if err != nil {
					log.WithError(err).Debug("Config not readable yet")
					continue
				}
				if err := conf.Validate(); err != nil {
					log.WithError(err).Warn("Ignoring invalid config")
					continue
				}
				fn(conf)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("Config watch error")
			}
		}
	}()
	return w, nil
}

// Close stops watching and waits for a running callback to return.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
