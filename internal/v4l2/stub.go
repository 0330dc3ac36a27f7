// +build !linux

package v4l2

import (
	"context"
	"time"

	errors "golang.org/x/xerrors"

	"github.com/lanikai/alohacam/internal/media"
)

var errUnsupported = errors.New("v4l2: only supported on linux")

type Config struct {
	Buffers     int
	HFlip       bool
	VFlip       bool
	FramePeriod time.Duration
	Copy        bool
}

type Device struct{}

func Open(path string, cfg Config) (*Device, error) {
	return nil, errUnsupported
}

func (dev *Device) Arm(f media.PixelFormat, r media.Resolution) error { return errUnsupported }
func (dev *Device) Start(dst []byte) error                            { return errUnsupported }
func (dev *Device) Wait(ctx context.Context) (int, error)             { return 0, errUnsupported }
func (dev *Device) Resync() error                                     { return errUnsupported }
func (dev *Device) Stop() error                                       { return nil }
func (dev *Device) Close() error                                      { return nil }
