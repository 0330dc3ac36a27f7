// Package media defines the frame vocabulary shared by the sensor, capture,
// display and streaming layers.
package media

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// PixelFormat is the encoding of a captured frame.
type PixelFormat int

const (
	// Uncompressed 16-bit RGB, 5-6-5, big-endian as delivered by the sensor.
	RGB565 PixelFormat = iota

	// Baseline JPEG, variable length.
	JPEG
)

func (f PixelFormat) String() string {
	switch f {
	case RGB565:
		return "rgb565"
	case JPEG:
		return "jpeg"
	default:
		return fmt.Sprintf("PixelFormat(%d)", int(f))
	}
}

// ParsePixelFormat accepts "rgb565" (alias "raw") or "jpeg" (alias "jpg").
func ParsePixelFormat(s string) (PixelFormat, error) {
	switch strings.ToLower(s) {
	case "rgb565", "raw":
		return RGB565, nil
	case "jpeg", "jpg":
		return JPEG, nil
	}
	return 0, errors.Errorf("unknown pixel format '%s'", s)
}

func (f PixelFormat) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *PixelFormat) UnmarshalText(text []byte) error {
	v, err := ParsePixelFormat(string(text))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// BytesPerPixel for uncompressed formats, 0 for compressed ones.
func (f PixelFormat) BytesPerPixel() int {
	if f == RGB565 {
		return 2
	}
	return 0
}

// Resolution is a frame size in pixels.
type Resolution struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// ParseResolution parses "<width>x<height>", e.g. "320x240".
func ParseResolution(s string) (Resolution, error) {
	var r Resolution
	if n, err := fmt.Sscanf(s, "%dx%d", &r.Width, &r.Height); n != 2 || err != nil {
		return r, errors.Errorf("invalid geometry '%s'", s)
	}
	if r.Width <= 0 || r.Height <= 0 {
		return r, errors.Errorf("invalid geometry '%s'", s)
	}
	return r, nil
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// FrameSize is the number of bytes needed to hold one frame of format f. JPEG
// frames are bounded by the uncompressed RGB565 size, which the sensor's
// compressor never exceeds at sane quality settings.
func (r Resolution) FrameSize(f PixelFormat) int {
	return r.Width * r.Height * 2
}
