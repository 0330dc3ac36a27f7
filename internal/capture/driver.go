// Package capture drives a capture peripheral, filling frame pool slots one
// frame at a time.
package capture

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/alohacam/internal/framepool"
	"github.com/lanikai/alohacam/internal/logging"
	"github.com/lanikai/alohacam/internal/media"
)

var log = logging.DefaultLogger.WithTag("capture")

var (
	// A single frame failed: timeout, DMA error or overflow. Retried locally.
	ErrHardwareFault = errors.New("capture: hardware fault")

	// Resynchronization did not recover the peripheral. Capture has stopped.
	ErrCaptureFailed = errors.New("capture: failed")

	ErrNotIdle = errors.New("capture: driver not idle")
)

const (
	DefaultMaxRetries   = 3
	DefaultFrameTimeout = time.Second
)

// Peripheral is the capture hardware as seen by the driver.
type Peripheral interface {
	// Arm configures the peripheral for the given frame format and begins
	// streaming.
	Arm(f media.PixelFormat, r media.Resolution) error

	// Start programs the peripheral to write the next frame into dst.
	Start(dst []byte) error

	// Wait blocks until the frame armed by Start is complete and returns the
	// number of bytes written, which may be less than len(dst).
	Wait(ctx context.Context) (int, error)

	// Resync re-arms the peripheral after a fault.
	Resync() error

	Stop() error
}

type State int32

const (
	Idle State = iota
	Configuring
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Configuring:
		return "CONFIGURING"
	case Running:
		return "RUNNING"
	case Stopping:
		return "STOPPING"
	default:
		return "?"
	}
}

type Config struct {
	Pool       *framepool.Pool
	Peripheral Peripheral

	// Setup, if set, runs in the Configuring state before the peripheral is
	// armed. Sensor configuration goes here.
	Setup func() error

	// Consecutive faults tolerated, each followed by a resync, before capture
	// fails.
	MaxRetries int

	// Longest wait for a single frame.
	FrameTimeout time.Duration
}

type Stats struct {
	State   string `json:"state"`
	Frames  uint64 `json:"frames"`
	Faults  uint64 `json:"faults"`
	Resyncs uint64 `json:"resyncs"`
}

type Driver struct {
	// Accessed atomically; first in the struct for 64-bit alignment on ARM.
	frames  uint64
	faults  uint64
	resyncs uint64

	cfg   Config
	state int32

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
	err  error
}

func New(cfg Config) (*Driver, error) {
	if cfg.Pool == nil || cfg.Peripheral == nil {
		return nil, errors.New("capture: pool and peripheral are required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.FrameTimeout <= 0 {
		cfg.FrameTimeout = DefaultFrameTimeout
	}

	done := make(chan struct{})
	close(done)
	return &Driver{cfg: cfg, done: done}, nil
}

func (d *Driver) State() State {
	return State(atomic.LoadInt32(&d.state))
}

func (d *Driver) setState(s State) {
	from := State(atomic.SwapInt32(&d.state, int32(s)))
	log.Debug("%v -> %v", from, s)
}

func (d *Driver) Stats() Stats {
	return Stats{
		State:   d.State().String(),
		Frames:  atomic.LoadUint64(&d.frames),
		Faults:  atomic.LoadUint64(&d.faults),
		Resyncs: atomic.LoadUint64(&d.resyncs),
	}
}

// Start configures the sensor and peripheral and begins capturing in the
// background. Configuration errors are returned directly and leave the driver
// Idle. Capture runs until Stop is called, ctx is cancelled, or faults exceed
// the retry budget.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !atomic.CompareAndSwapInt32(&d.state, int32(Idle), int32(Configuring)) {
		return errors.Wrapf(ErrNotIdle, "state %v", d.State())
	}
	log.Debug("%v -> %v", Idle, Configuring)

	if d.cfg.Setup != nil {
		if err := d.cfg.Setup(); err != nil {
			d.setState(Idle)
			return errors.Wrap(err, "capture setup")
		}
	}
	pool := d.cfg.Pool
	if err := d.cfg.Peripheral.Arm(pool.Format(), pool.Resolution()); err != nil {
		d.setState(Idle)
		return errors.Wrap(err, "arm peripheral")
	}

	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	d.err = nil
	d.setState(Running)
	log.Info("Capturing %v %v into %d slots", pool.Resolution(), pool.Format(), pool.Size())

	go d.run(ctx, d.stop, d.done)
	return nil
}

// Stop asks the capture loop to finish the frame in flight and waits for the
// driver to return to Idle.
func (d *Driver) Stop() error {
	d.mu.Lock()
	if d.stop != nil {
		close(d.stop)
		d.stop = nil
	}
	done := d.done
	d.mu.Unlock()

	<-done
	return nil
}

// Wait blocks until the driver is Idle and returns the error that stopped it,
// if any.
func (d *Driver) Wait() error {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()

	<-done

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Done is closed whenever the driver is Idle.
func (d *Driver) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

func (d *Driver) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	// Cancelling acquireCtx only interrupts waiting for a free slot; a frame
	// in flight always runs to completion or timeout.
	acquireCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-stop:
			cancel()
		case <-acquireCtx.Done():
		}
	}()

	err := d.loop(acquireCtx, stop)
	cancel()

	d.setState(Stopping)
	if stopErr := d.cfg.Peripheral.Stop(); stopErr != nil {
		log.Warn("Peripheral stop: %v", stopErr)
	}
	if err != nil {
		log.Error("%v", err)
	}

	d.mu.Lock()
	d.err = err
	d.setState(Idle)
	close(done)
	d.mu.Unlock()
}

func (d *Driver) loop(ctx context.Context, stop <-chan struct{}) error {
	pool := d.cfg.Pool
	periph := d.cfg.Peripheral
	consecutive := 0

	for {
		select {
		case <-stop:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		buf, err := pool.AcquireFillSlot(ctx)
		if err != nil {
			if err == framepool.ErrClosed || ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "acquire fill slot")
		}

		n, err := d.captureFrame(buf)
		if err != nil {
			if discardErr := pool.Discard(buf); discardErr != nil {
				panic(discardErr)
			}
			atomic.AddUint64(&d.faults, 1)
			consecutive++
			if consecutive > d.cfg.MaxRetries {
				return errors.Wrapf(ErrCaptureFailed, "%d consecutive faults, last: %v", consecutive, err)
			}

			log.Warn("Frame fault (%d/%d): %v", consecutive, d.cfg.MaxRetries, err)
			atomic.AddUint64(&d.resyncs, 1)
			if err := periph.Resync(); err != nil {
				log.Warn("Resync failed: %v", err)
			}
			continue
		}

		consecutive = 0
		if err := pool.Commit(buf, n); err != nil {
			panic(err)
		}
		atomic.AddUint64(&d.frames, 1)
	}
}

// Fill one slot. Faults are wrapped in ErrHardwareFault.
func (d *Driver) captureFrame(buf *framepool.Buffer) (int, error) {
	periph := d.cfg.Peripheral
	if err := periph.Start(buf.Space()); err != nil {
		return 0, errors.Wrapf(ErrHardwareFault, "start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.FrameTimeout)
	defer cancel()

	n, err := periph.Wait(ctx)
	if err != nil {
		return 0, errors.Wrapf(ErrHardwareFault, "%v", err)
	}
	if n <= 0 {
		return 0, errors.Wrap(ErrHardwareFault, "empty frame")
	}
	return n, nil
}
