package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/abihf/camtex"
	"github.com/abihf/camtex/config"
	"github.com/abihf/camtex/protocol"
	"github.com/abihf/camtex/render"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const startTimeout = 10 * time.Second

var configPath = flag.String("config", config.DefaultPath, "config file")

func main() {
	flag.Parse()
	if err := serve(); err != nil {
		logrus.Fatal(err)
	}
}

func serve() error {
	conf := config.Load(*configPath)
	if err := conf.Validate(); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	level, _ := logrus.ParseLevel(conf.LogLevel)
	logrus.SetLevel(level)
	log := logrus.WithField("component", "camtexd")

	if isAlreadyRun(conf.PidFile) {
		return errors.New("already run")
	}

	driver, err := conf.NewDriver(logrus.WithField("component", "v4l2"))
	if err != nil {
		return errors.Wrap(err, "can not create capture driver")
	}
	backend := render.Backends.Get(conf.Backend)
	if backend == nil {
		return errors.Errorf("render backend %q not available, have %s", conf.Backend, strings.Join(render.Backends.Available(), ", "))
	}

	sink := &statsSink{log: logrus.WithField("component", "sink")}
	srv := &server{
		log: log,
		pipeline: camtex.New(driver, backend, sink,
			camtex.WithFacing(conf.CameraFacing()),
			camtex.WithResolution(conf.Width, conf.Height),
			camtex.WithLoopOptions(render.WithCPU(conf.RenderCPU)),
		),
	}

	if err := writeLockFile(conf.PidFile); err != nil {
		return errors.Wrap(err, "can not write pid file")
	}
	defer os.Remove(conf.PidFile)

	os.Remove(conf.Socket)
	ln, err := net.Listen("unix", conf.Socket)
	if err != nil {
		return errors.Wrap(err, "Listen error")
	}
	defer ln.Close()
	os.Chmod(conf.Socket, 0666)

	go func() {
		for {
			fd, err := ln.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					log.WithError(err).Error("Accept error")
				}
				return
			}
			go srv.handle(fd)
		}
	}()

	watcher, err := config.Watch(*configPath, srv.reload)
	if err != nil {
		log.WithError(err).Warn("Config hot reload disabled")
	} else {
		defer watcher.Close()
	}

	if err := srv.start(); err != nil {
		log.WithError(err).Error("Initial start failed, waiting for START")
	}
	defer srv.pipeline.Stop()

	done := make(chan struct{})
	defer close(done)
	go sink.report(srv.pipeline, 10*time.Second, done)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)

	daemon.SdNotify(false, daemon.SdNotifyReady)
	sig := <-sigc
	log.WithField("signal", sig).Info("Shutting down")
	daemon.SdNotify(false, daemon.SdNotifyStopping)
	return nil
}

type server struct {
	log      *logrus.Entry
	pipeline *camtex.Pipeline
}

func (s *server) start() error {
	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()
	return s.pipeline.Start(ctx)
}

func (s *server) handle(c net.Conn) {
	defer c.Close()

	for {
		req, err := protocol.ReadReq(c)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.WithError(err).Warn("Can not read request")
			}
			return
		}

		s.log.WithField("action", req.Action).Debug("Request")
		var extras map[string]string
		switch req.Action {
		case protocol.ActionStart:
			err = s.start()
		case protocol.ActionStop:
			s.pipeline.Stop()
		case protocol.ActionSwitch:
			err = s.pipeline.ChangeCamera()
		case protocol.ActionStatus:
			extras = statusExtras(s.pipeline.Status())
		default:
			err = errors.Errorf("unknown action %q", req.Action)
		}

		if err != nil {
			s.log.WithError(err).WithField("action", req.Action).Warn("Request failed")
			err = protocol.WriteErrorRes(c, err)
		} else {
			err = protocol.WriteSuccessRes(c, extras)
		}
		if err != nil {
			s.log.WithError(err).Warn("Can not write response")
			return
		}
	}
}

// reload applies what can change on a live pipeline. Today that is the
// camera facing.
func (s *server) reload(conf *config.Config) {
	st := s.pipeline.Status()
	want := conf.CameraFacing()
	if st.State != camtex.StateRunning || st.Facing == want {
		return
	}
	s.log.WithField("facing", want).Info("Config changed camera facing")
	if err := s.pipeline.ChangeCamera(); err != nil {
		s.log.WithError(err).Error("Camera switch after reload failed")
	}
}

func statusExtras(st camtex.Status) map[string]string {
	extras := map[string]string{
		"state":    st.State.String(),
		"session":  st.Session,
		"sent":     strconv.FormatUint(st.Sent, 10),
		"written":  strconv.FormatUint(st.Written, 10),
		"dropped":  strconv.FormatUint(st.Dropped, 10),
		"rendered": strconv.FormatUint(st.Rendered, 10),
	}
	if st.State == camtex.StateRunning || st.State == camtex.StateSwitching {
		extras["facing"] = st.Facing.String()
		extras["size"] = st.Size.String()
		extras["orientation"] = strconv.Itoa(st.Orientation)
	}
	return extras
}

// statsSink counts delivered frames. An encoder would sit here.
type statsSink struct {
	log    *logrus.Entry
	frames atomic.Uint64
}

func (s *statsSink) SendFrame(f *camtex.Frame) {
	s.frames.Add(1)
	s.log.WithField("frame", f.String()).Trace("Frame")
}

func (s *statsSink) report(p *camtex.Pipeline, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last uint64
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		n := s.frames.Load()
		st := p.Status()
		if st.State != camtex.StateRunning {
			last = n
			continue
		}
		s.log.WithFields(logrus.Fields{
			"fps":     float64(n-last) / interval.Seconds(),
			"dropped": st.Dropped,
			"size":    st.Size.String(),
			"facing":  st.Facing.String(),
		}).Info("Pipeline stats")
		last = n
	}
}

func isAlreadyRun(path string) bool {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false
	}

	pidStr, err := os.ReadFile(path)
	if err != nil {
		logrus.WithError(err).Warn("Can not read pid file")
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(pidStr)))
	if err != nil {
		logrus.WithError(err).Warn("Invalid existing pid file")
		return false
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func writeLockFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	fmt.Fprintf(f, "%d", os.Getpid())
	return f.Close()
}
