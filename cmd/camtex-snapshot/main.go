package main

import (
	"context"
	"flag"
	"image"
	"time"

	"github.com/abihf/camtex"
	"github.com/abihf/camtex/config"
	"github.com/abihf/camtex/render"
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	configPath = flag.String("config", config.DefaultPath, "config file")
	output     = flag.String("o", "snapshot.png", "output image, format from extension")
	facing     = flag.String("facing", "", "camera facing, front or back")
	skip       = flag.Int("skip", 10, "frames to skip while exposure settles")
	timeout    = flag.Duration("timeout", 10*time.Second, "give up after")
)

func main() {
	flag.Parse()
	if err := mainE(); err != nil {
		logrus.Fatal(err)
	}
}

func mainE() error {
	conf := config.Load(*configPath)
	if *facing != "" {
		conf.Facing = *facing
	}
	if err := conf.Validate(); err != nil {
		return errors.Wrap(err, "invalid config")
	}

	driver, err := conf.NewDriver(nil)
	if err != nil {
		return err
	}

	grab := newGrabber(*skip)
	p := camtex.New(driver, render.NewSoftwareBackend(), grab,
		camtex.WithFacing(conf.CameraFacing()),
		camtex.WithResolution(conf.Width, conf.Height),
	)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := p.Start(ctx); err != nil {
		return err
	}

	var img image.Image
	select {
	case img = <-grab.frames:
	case <-ctx.Done():
	}
	p.Stop()
	if img == nil {
		return errors.New("no frame captured")
	}

	if err := imaging.Save(img, *output); err != nil {
		return errors.Wrapf(err, "can not save %s", *output)
	}
	logrus.WithField("file", *output).Info("Snapshot saved")
	return nil
}

// grabber keeps one frame, taken after skip frames. It only works on the
// software backend, which can read textures back.
type grabber struct {
	skip   int
	seen   int
	frames chan image.Image
}

func newGrabber(skip int) *grabber {
	return &grabber{skip: skip, frames: make(chan image.Image, 1)}
}

func (g *grabber) SendFrame(f *camtex.Frame) {
	g.seen++
	if g.seen <= g.skip {
		return
	}
	ctx, ok := f.Context.(*render.SoftwareContext)
	if !ok {
		return
	}
	tex, err := ctx.Texture(f.Texture)
	if err != nil {
		logrus.WithError(err).Warn("Can not read texture back")
		return
	}

	select {
	case g.frames <- upright(imaging.Clone(tex), f.Rotation):
	default:
	}
}

// upright undoes the clockwise sensor mount rotation.
func upright(img *image.NRGBA, rotation int) *image.NRGBA {
	switch ((rotation % 360) + 360) % 360 {
	case 90:
		return imaging.Rotate270(img)
	case 180:
		return imaging.Rotate180(img)
	case 270:
		return imaging.Rotate90(img)
	}
	return img
}
