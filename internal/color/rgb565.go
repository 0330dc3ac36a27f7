// Copyright 2019 Lanikai Labs. All rights reserved.

package color

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/pkg/errors"
)

// RGB565 is a 16-bit color: 5 bits red, 6 bits green, 5 bits blue.
type RGB565 uint16

func (c RGB565) RGBA() (r, g, b, a uint32) {
	r = uint32(c>>11) & 0x1f
	g = uint32(c>>5) & 0x3f
	b = uint32(c) & 0x1f

	// Replicate high bits into the low bits so 0x1f maps to 0xffff.
	r = (r<<11 | r<<6 | r<<1 | r>>4)
	g = (g<<10 | g<<4 | g>>2)
	b = (b<<11 | b<<6 | b<<1 | b>>4)
	return r, g, b, 0xffff
}

// Pack converts 8-bit components to RGB565.
func Pack(r, g, b uint8) RGB565 {
	return RGB565(uint16(r>>3)<<11 | uint16(g>>2)<<5 | uint16(b>>3))
}

var RGB565Model = color.ModelFunc(func(c color.Color) color.Color {
	if c, ok := c.(RGB565); ok {
		return c
	}
	r, g, b, _ := c.RGBA()
	return Pack(uint8(r>>8), uint8(g>>8), uint8(b>>8))
})

// Image is an RGB565 raster stored big-endian, two bytes per pixel, the byte
// order display panels and the sensor's raw output use.
type Image struct {
	Pix    []uint8
	Stride int
	Rect   image.Rectangle
}

var _ draw.Image = (*Image)(nil)

// NewImage allocates an RGB565 image.
func NewImage(r image.Rectangle) *Image {
	return &Image{
		Pix:    make([]byte, 2*r.Dx()*r.Dy()),
		Stride: 2 * r.Dx(),
		Rect:   r,
	}
}

// Wrap interprets pix as a width x height RGB565 frame without copying.
func Wrap(pix []byte, width, height int) (*Image, error) {
	if width <= 0 || height <= 0 || len(pix) < 2*width*height {
		return nil, errors.Errorf("color: %d bytes is not a %dx%d RGB565 frame", len(pix), width, height)
	}
	return &Image{
		Pix:    pix[:2*width*height],
		Stride: 2 * width,
		Rect:   image.Rect(0, 0, width, height),
	}, nil
}

func (p *Image) ColorModel() color.Model { return RGB565Model }

func (p *Image) Bounds() image.Rectangle { return p.Rect }

func (p *Image) offset(x, y int) int {
	return (y-p.Rect.Min.Y)*p.Stride + (x-p.Rect.Min.X)*2
}

func (p *Image) At(x, y int) color.Color {
	return p.RGB565At(x, y)
}

func (p *Image) RGB565At(x, y int) RGB565 {
	if !(image.Point{x, y}.In(p.Rect)) {
		return 0
	}
	i := p.offset(x, y)
	return RGB565(uint16(p.Pix[i])<<8 | uint16(p.Pix[i+1]))
}

func (p *Image) Set(x, y int, c color.Color) {
	p.SetRGB565(x, y, RGB565Model.Convert(c).(RGB565))
}

func (p *Image) SetRGB565(x, y int, c RGB565) {
	if !(image.Point{x, y}.In(p.Rect)) {
		return
	}
	i := p.offset(x, y)
	p.Pix[i] = uint8(c >> 8)
	p.Pix[i+1] = uint8(c)
}

// Convert writes src into dst, clipped to the intersection of their bounds.
// RGBA and YCbCr sources (what image/jpeg and x/image/draw produce) take a
// fast path.
func Convert(dst *Image, src image.Image) {
	r := dst.Rect.Intersect(src.Bounds())
	switch src := src.(type) {
	case *image.RGBA:
		for y := r.Min.Y; y < r.Max.Y; y++ {
			si := src.PixOffset(r.Min.X, y)
			di := dst.offset(r.Min.X, y)
			for x := r.Min.X; x < r.Max.X; x++ {
				c := Pack(src.Pix[si], src.Pix[si+1], src.Pix[si+2])
				dst.Pix[di] = uint8(c >> 8)
				dst.Pix[di+1] = uint8(c)
				si += 4
				di += 2
			}
		}
	case *image.YCbCr:
		for y := r.Min.Y; y < r.Max.Y; y++ {
			di := dst.offset(r.Min.X, y)
			for x := r.Min.X; x < r.Max.X; x++ {
				yi := src.YOffset(x, y)
				ci := src.COffset(x, y)
				cr, cg, cb := color.YCbCrToRGB(src.Y[yi], src.Cb[ci], src.Cr[ci])
				c := Pack(cr, cg, cb)
				dst.Pix[di] = uint8(c >> 8)
				dst.Pix[di+1] = uint8(c)
				di += 2
			}
		}
	default:
		draw.Draw(dst, r, src, r.Min, draw.Src)
	}
}
