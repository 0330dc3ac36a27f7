package capture

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/alohacam/internal/color"
	"github.com/lanikai/alohacam/internal/media"
)

// Eight color bars, as on a test card.
var bars = []color.RGB565{
	color.Pack(0xff, 0xff, 0xff),
	color.Pack(0xff, 0xff, 0x00),
	color.Pack(0x00, 0xff, 0xff),
	color.Pack(0x00, 0xff, 0x00),
	color.Pack(0xff, 0x00, 0xff),
	color.Pack(0xff, 0x00, 0x00),
	color.Pack(0x00, 0x00, 0xff),
	color.Pack(0x00, 0x00, 0x00),
}

// TestPattern is a Peripheral producing scrolling color bars at a fixed frame
// period, for running without camera hardware.
type TestPattern struct {
	Period time.Duration

	// JPEG quality, used when armed for JPEG output.
	Quality int

	format media.PixelFormat
	img    *color.Image
	jpeg   bytes.Buffer
	frame  int
	next   time.Time
	dst    []byte
	armed  bool
}

func NewTestPattern(period time.Duration) *TestPattern {
	return &TestPattern{Period: period, Quality: jpeg.DefaultQuality}
}

func (tp *TestPattern) Arm(f media.PixelFormat, r media.Resolution) error {
	if r.Width <= 0 || r.Height <= 0 {
		return errors.Errorf("testpattern: invalid resolution %v", r)
	}
	if f != media.RGB565 && f != media.JPEG {
		return errors.Errorf("testpattern: unsupported pixel format %v", f)
	}
	tp.format = f
	tp.img = color.NewImage(image.Rect(0, 0, r.Width, r.Height))
	tp.next = time.Now()
	tp.armed = true
	return nil
}

func (tp *TestPattern) Start(dst []byte) error {
	if !tp.armed {
		return errors.New("testpattern: not armed")
	}
	tp.dst = dst
	return nil
}

func (tp *TestPattern) Wait(ctx context.Context) (int, error) {
	if tp.dst == nil {
		return 0, errors.New("testpattern: no destination")
	}
	dst := tp.dst
	tp.dst = nil

	tp.next = tp.next.Add(tp.Period)
	if d := time.Until(tp.next); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	} else {
		// Fell behind; don't try to catch up.
		tp.next = time.Now()
	}

	tp.draw()
	tp.frame++

	src := tp.img.Pix
	if tp.format == media.JPEG {
		tp.jpeg.Reset()
		if err := jpeg.Encode(&tp.jpeg, tp.img, &jpeg.Options{Quality: tp.Quality}); err != nil {
			return 0, err
		}
		src = tp.jpeg.Bytes()
	}
	if len(src) > len(dst) {
		return 0, errors.Errorf("testpattern: %d byte frame exceeds %d byte slot", len(src), len(dst))
	}
	return copy(dst, src), nil
}

func (tp *TestPattern) draw() {
	r := tp.img.Rect
	w := r.Dx()
	shift := tp.frame % w
	for x := 0; x < w; x++ {
		c := bars[((x+shift)%w)*len(bars)/w]
		for y := 0; y < r.Dy(); y++ {
			tp.img.SetRGB565(x, y, c)
		}
	}
}

func (tp *TestPattern) Resync() error {
	tp.next = time.Now()
	return nil
}

func (tp *TestPattern) Stop() error {
	tp.armed = false
	tp.dst = nil
	return nil
}
