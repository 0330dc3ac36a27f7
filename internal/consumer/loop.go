// Package consumer runs the take/transform/transmit loop shared by every frame
// consumer.
package consumer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/alohacam/internal/framepool"
	"github.com/lanikai/alohacam/internal/logging"
	"github.com/lanikai/alohacam/internal/media"
)

var log = logging.DefaultLogger.WithTag("consumer")

// Policy decides what a failed frame does to the loop.
type Policy int

const (
	// Log the failure and carry on with the next frame.
	Continue Policy = iota

	// End the loop and return the error.
	Teardown
)

// Frame is a view of a pool buffer, or of the output of a transform. Data is
// only valid until the transmit function returns.
type Frame struct {
	Data       []byte
	Seq        uint64
	Timestamp  time.Time
	Format     media.PixelFormat
	Resolution media.Resolution
}

type TransformFunc func(f Frame) (Frame, error)

type TransmitFunc func(ctx context.Context, f Frame) error

// Loop repeatedly takes the newest frame from Pool, transforms it and
// transmits the result. The frame is given back to the pool on every exit
// path, including a panic in Transform or Transmit.
type Loop struct {
	// Accessed atomically; first in the struct for 64-bit alignment on ARM.
	frames   uint64
	failures uint64

	Name string
	Pool *framepool.Pool

	// Transform is optional; a nil Transform passes frames through.
	Transform TransformFunc
	Transmit  TransmitFunc

	Policy Policy

	// OnError, if set, is called with every frame failure before the policy
	// is applied.
	OnError func(err error)
}

type Stats struct {
	Frames uint64 `json:"frames"`
	Errors uint64 `json:"errors"`
}

func (l *Loop) Stats() Stats {
	return Stats{
		Frames: atomic.LoadUint64(&l.frames),
		Errors: atomic.LoadUint64(&l.failures),
	}
}

// Run returns nil when ctx is cancelled or the pool is closed, and the frame
// error that ended the loop under the Teardown policy.
func (l *Loop) Run(ctx context.Context) error {
	if l.Transmit == nil {
		return errors.Errorf("consumer %s: no transmit function", l.Name)
	}
	log.Debug("%s: started", l.Name)
	defer log.Debug("%s: stopped", l.Name)
	warnings := log.Every(time.Second)

	for {
		buf, err := l.Pool.Take(ctx)
		if err != nil {
			if err == framepool.ErrClosed || ctx.Err() != nil {
				return nil
			}
			return errors.Wrapf(err, "consumer %s", l.Name)
		}

		seq := buf.Seq()
		err = l.process(ctx, buf)
		if err == nil {
			atomic.AddUint64(&l.frames, 1)
			continue
		}

		atomic.AddUint64(&l.failures, 1)
		if l.OnError != nil {
			l.OnError(err)
		}
		if l.Policy == Teardown {
			return err
		}
		warnings.Warn("%s: frame %d: %v", l.Name, seq, err)
	}
}

func (l *Loop) process(ctx context.Context, buf *framepool.Buffer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("consumer %s: panic: %v", l.Name, r)
		}
		if giveErr := l.Pool.Give(buf); giveErr != nil {
			// Only a bug in this package can get here.
			panic(giveErr)
		}
	}()

	f := Frame{
		Data:       buf.Bytes(),
		Seq:        buf.Seq(),
		Timestamp:  buf.Timestamp(),
		Format:     l.Pool.Format(),
		Resolution: l.Pool.Resolution(),
	}
	if l.Transform != nil {
		if f, err = l.Transform(f); err != nil {
			return errors.Wrap(err, "transform")
		}
	}
	return l.Transmit(ctx, f)
}
