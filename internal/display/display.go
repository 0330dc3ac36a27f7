// Package display shows captured frames on a local panel.
package display

import (
	"bytes"
	"context"
	"fmt"
	"image"
	stdcolor "image/color"
	"image/jpeg"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/lanikai/alohacam/internal/color"
	"github.com/lanikai/alohacam/internal/consumer"
	"github.com/lanikai/alohacam/internal/framepool"
	"github.com/lanikai/alohacam/internal/logging"
	"github.com/lanikai/alohacam/internal/media"
)

var log = logging.DefaultLogger.WithTag("display")

var ErrDecode = errors.New("display: cannot decode frame")

type Options struct {
	// Scaler used when the frame does not fit the panel. Defaults to
	// draw.ApproxBiLinear.
	Scaler draw.Scaler

	// Draw the frame sequence number in the top-left corner.
	Overlay bool
}

// Display is the consumer that refreshes a panel with the newest frame. A
// frame that fails to decode or draw is logged and skipped.
type Display struct {
	panel Panel
	opts  Options
	loop  *consumer.Loop

	// Scratch images reused across frames.
	rgba *image.RGBA
	out  *color.Image
}

func New(pool *framepool.Pool, panel Panel, opts Options) *Display {
	if opts.Scaler == nil {
		opts.Scaler = draw.ApproxBiLinear
	}
	d := &Display{panel: panel, opts: opts}
	d.loop = &consumer.Loop{
		Name:      "display",
		Pool:      pool,
		Transform: d.transform,
		Transmit:  d.transmit,
		Policy:    consumer.Continue,
	}
	return d
}

func (d *Display) Run(ctx context.Context) error {
	log.Info("Refreshing %v panel", d.panel.Size())
	return d.loop.Run(ctx)
}

func (d *Display) Stats() consumer.Stats {
	return d.loop.Stats()
}

// fit scales src to fit inside dst, preserving aspect ratio and never
// enlarging.
func fit(src, dst media.Resolution) media.Resolution {
	if src.Width <= dst.Width && src.Height <= dst.Height {
		return src
	}
	w, h := dst.Width, src.Height*dst.Width/src.Width
	if h > dst.Height {
		w, h = src.Width*dst.Height/src.Height, dst.Height
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return media.Resolution{Width: w, Height: h}
}

func (d *Display) decode(f consumer.Frame) (image.Image, error) {
	switch f.Format {
	case media.JPEG:
		img, err := jpeg.Decode(bytes.NewReader(f.Data))
		if err != nil {
			return nil, errors.Wrapf(ErrDecode, "%v", err)
		}
		return img, nil
	case media.RGB565:
		img, err := color.Wrap(f.Data, f.Resolution.Width, f.Resolution.Height)
		if err != nil {
			return nil, errors.Wrapf(ErrDecode, "%v", err)
		}
		return img, nil
	default:
		return nil, errors.Wrapf(ErrDecode, "pixel format %v", f.Format)
	}
}

// transform turns a frame into RGB565 pixels sized for the panel.
func (d *Display) transform(f consumer.Frame) (consumer.Frame, error) {
	src, err := d.decode(f)
	if err != nil {
		return f, err
	}
	b := src.Bounds()
	size := fit(media.Resolution{Width: b.Dx(), Height: b.Dy()}, d.panel.Size())

	// Raw frames that already fit go to the panel untouched.
	if f.Format == media.RGB565 && size == f.Resolution && !d.opts.Overlay {
		return f, nil
	}

	r := image.Rect(0, 0, size.Width, size.Height)
	if d.out == nil || d.out.Rect != r {
		d.out = color.NewImage(r)
		d.rgba = image.NewRGBA(r)
	}
	if size.Width == b.Dx() && size.Height == b.Dy() {
		color.Convert(d.out, src)
	} else {
		d.opts.Scaler.Scale(d.rgba, r, src, b, draw.Src, nil)
		color.Convert(d.out, d.rgba)
	}
	if d.opts.Overlay {
		d.overlay(fmt.Sprintf("#%d", f.Seq))
	}

	return consumer.Frame{
		Data:       d.out.Pix,
		Seq:        f.Seq,
		Timestamp:  f.Timestamp,
		Format:     media.RGB565,
		Resolution: size,
	}, nil
}

func (d *Display) overlay(text string) {
	face := basicfont.Face7x13
	drawer := &font.Drawer{
		Dst:  d.out,
		Src:  image.NewUniform(stdcolor.White),
		Face: face,
		Dot:  fixed.P(2, face.Ascent+2),
	}
	drawer.DrawString(text)
}

// transmit centers the frame on the panel.
func (d *Display) transmit(ctx context.Context, f consumer.Frame) error {
	panel := d.panel.Size()
	x0 := (panel.Width - f.Resolution.Width) / 2
	y0 := (panel.Height - f.Resolution.Height) / 2
	if err := d.panel.SetWindow(x0, y0, x0+f.Resolution.Width-1, y0+f.Resolution.Height-1); err != nil {
		return err
	}
	return d.panel.WritePixels(f.Data[:f.Resolution.FrameSize(media.RGB565)])
}
