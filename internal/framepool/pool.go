//////////////////////////////////////////////////////////////////////////////
//
// Fixed pool of frame buffers shared by one capture path and any number of
// consumers.
//
// Copyright 2019 Lanikai Labs LLC. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package framepool

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/alohacam/internal/logging"
	"github.com/lanikai/alohacam/internal/media"
)

var log = logging.DefaultLogger.WithTag("framepool")

var (
	// Slot memory could not be allocated.
	ErrAllocation = errors.New("framepool: allocation failure")

	// The requested operation does not match the slot's current state, or the
	// handle is stale.
	ErrIllegalTransition = errors.New("framepool: illegal state transition")

	// A fill slot is already outstanding.
	ErrFillOutstanding = errors.New("framepool: fill slot already outstanding")

	// The pool was closed while waiting.
	ErrClosed = errors.New("framepool: closed")
)

// State of a single slot. Slots cycle Free → Filling → Ready → InUse → Free.
// Filling → Free (Discard) and Ready → Free (drop) are the only shortcuts.
type State int

const (
	Free State = iota
	Filling
	Ready
	InUse
)

func (s State) String() string {
	switch s {
	case Free:
		return "FREE"
	case Filling:
		return "FILLING"
	case Ready:
		return "READY"
	case InUse:
		return "IN_USE"
	default:
		return "?"
	}
}

type Config struct {
	// Number of slots. At least 2.
	Slots int

	// Bytes per slot.
	Capacity int

	// Format and size of the frames stored in the pool.
	Format     media.PixelFormat
	Resolution media.Resolution

	// OnTransition, if set, is called with the pool lock held on every slot
	// state change. It must not call back into the pool. The daemon feeds it
	// to the pool transitions counter served on /metrics.
	OnTransition func(slot int, from, to State)
}

type slot struct {
	data  []byte
	state State

	// Incremented whenever the slot returns to Free, invalidating old handles.
	gen uint64

	length    int
	seq       uint64
	timestamp time.Time
}

// Pool owns a fixed arena of equally sized slots. AcquireFillSlot, Commit,
// Discard, Take and Give are the only operations that change slot state, and
// the only places the pool lock is held.
type Pool struct {
	cfg   Config
	slots []slot

	// Closed and replaced on every state change, waking all waiters.
	changed chan struct{}

	filling bool
	seq     uint64
	closed  bool
	stats   Stats

	mu sync.Mutex
}

// New allocates all slot memory up front.
func New(cfg Config) (p *Pool, err error) {
	if cfg.Slots < 2 {
		return nil, errors.Errorf("framepool: need at least 2 slots, got %d", cfg.Slots)
	}
	if cfg.Capacity <= 0 {
		return nil, errors.Errorf("framepool: invalid slot capacity %d", cfg.Capacity)
	}

	// make() panics rather than returning nil when memory is short.
	defer func() {
		if r := recover(); r != nil {
			p, err = nil, errors.Wrapf(ErrAllocation, "%d x %d bytes: %v", cfg.Slots, cfg.Capacity, r)
		}
	}()

	p = &Pool{
		cfg:     cfg,
		slots:   make([]slot, cfg.Slots),
		changed: make(chan struct{}),
	}
	for i := range p.slots {
		p.slots[i].data = make([]byte, cfg.Capacity)
	}
	log.Debug("Allocated %d slots of %d bytes", cfg.Slots, cfg.Capacity)
	return p, nil
}

// Size returns the number of slots.
func (p *Pool) Size() int {
	return len(p.slots)
}

// Capacity returns the size of each slot in bytes.
func (p *Pool) Capacity() int {
	return p.cfg.Capacity
}

func (p *Pool) Format() media.PixelFormat {
	return p.cfg.Format
}

func (p *Pool) Resolution() media.Resolution {
	return p.cfg.Resolution
}

// Callers hold p.mu.
func (p *Pool) transition(i int, to State) {
	s := &p.slots[i]
	from := s.state
	s.state = to
	if to == Free {
		s.gen++
		s.length = 0
	}
	if p.cfg.OnTransition != nil {
		p.cfg.OnTransition(i, from, to)
	}
	log.Trace(5, "slot %d: %v -> %v", i, from, to)
}

// Wake every waiter. Callers hold p.mu.
func (p *Pool) broadcast() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// Wait for the next state change. Called with p.mu held; returns with p.mu
// held.
func (p *Pool) wait(ctx context.Context) error {
	ch := p.changed
	p.mu.Unlock()
	defer p.mu.Lock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Index of the oldest (lowest sequence) slot in state st, or -1.
func (p *Pool) oldest(st State) int {
	idx := -1
	for i := range p.slots {
		if p.slots[i].state == st && (idx < 0 || p.slots[i].seq < p.slots[idx].seq) {
			idx = i
		}
	}
	return idx
}

// Index of the newest (highest sequence) slot in state st, or -1.
func (p *Pool) newest(st State) int {
	idx := -1
	for i := range p.slots {
		if p.slots[i].state == st && (idx < 0 || p.slots[i].seq > p.slots[idx].seq) {
			idx = i
		}
	}
	return idx
}

func (p *Pool) lease(i int) *Buffer {
	return &Buffer{pool: p, index: i, gen: p.slots[i].gen}
}

// Validate a handle against the slot it refers to. Callers hold p.mu.
func (p *Pool) check(b *Buffer, want State) error {
	if b == nil || b.pool != p || b.index < 0 || b.index >= len(p.slots) {
		return errors.Wrap(ErrIllegalTransition, "foreign handle")
	}
	s := &p.slots[b.index]
	if s.gen != b.gen {
		return errors.Wrapf(ErrIllegalTransition, "stale handle for slot %d", b.index)
	}
	if s.state != want {
		return errors.Wrapf(ErrIllegalTransition, "slot %d is %v, want %v", b.index, s.state, want)
	}
	return nil
}

// AcquireFillSlot hands the capture path a slot to fill. Only one fill slot
// may be outstanding. If no slot is Free, the oldest unclaimed Ready slot is
// reclaimed, so capture waits only while every other slot is InUse. Blocks
// until a slot is available, ctx is done, or the pool is closed.
func (p *Pool) AcquireFillSlot(ctx context.Context) (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.filling {
		return nil, ErrFillOutstanding
	}

	waited := false
	for {
		if p.closed {
			return nil, ErrClosed
		}

		i := p.oldest(Free)
		if i < 0 {
			if i = p.oldest(Ready); i >= 0 {
				p.transition(i, Free)
				p.stats.Dropped++
				log.Debug("Reclaimed unclaimed frame in slot %d", i)
			}
		}
		if i >= 0 {
			p.transition(i, Filling)
			p.filling = true
			p.broadcast()
			return p.lease(i), nil
		}

		if p.oldest(InUse) < 0 {
			// With Slots >= 2 and at most one slot Filling, some slot must
			// be Free, Ready or InUse.
			panic("framepool: exhausted")
		}

		if !waited {
			p.stats.FillWaits++
			waited = true
		}
		if err := p.wait(ctx); err != nil {
			return nil, err
		}
	}
}

// Commit publishes a filled slot as the newest frame, holding n valid bytes.
// Any older Ready slot that no consumer has taken is recycled to Free.
func (p *Pool) Commit(b *Buffer, n int) error {
	return p.CommitAt(b, n, time.Now())
}

// CommitAt is Commit with an explicit capture timestamp.
func (p *Pool) CommitAt(b *Buffer, n int, ts time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.check(b, Filling); err != nil {
		return err
	}
	if n < 0 || n > p.cfg.Capacity {
		return errors.Errorf("framepool: commit length %d exceeds capacity %d", n, p.cfg.Capacity)
	}

	// Freshest frame wins.
	for i := range p.slots {
		if p.slots[i].state == Ready {
			p.transition(i, Free)
			p.stats.Dropped++
		}
	}

	p.seq++
	s := &p.slots[b.index]
	s.length = n
	s.seq = p.seq
	s.timestamp = ts
	p.transition(b.index, Ready)
	p.filling = false
	p.stats.Committed++
	p.broadcast()
	return nil
}

// Discard returns an unfinished fill slot to Free without publishing it.
func (p *Pool) Discard(b *Buffer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.check(b, Filling); err != nil {
		return err
	}
	p.transition(b.index, Free)
	p.filling = false
	p.stats.Discarded++
	p.broadcast()
	return nil
}

// Take lends the newest Ready frame to the caller, who must Give it back
// exactly once. If nothing is Ready, Take waits for the next Commit.
func (p *Pool) Take(ctx context.Context) (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.closed {
			return nil, ErrClosed
		}
		if i := p.newest(Ready); i >= 0 {
			p.transition(i, InUse)
			p.stats.Taken++
			p.broadcast()
			return p.lease(i), nil
		}
		if err := p.wait(ctx); err != nil {
			return nil, err
		}
	}
}

// Give returns a frame obtained from Take. Giving the same handle twice, or a
// handle from a different pool, is an error and leaves the pool unchanged.
func (p *Pool) Give(b *Buffer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.check(b, InUse); err != nil {
		return err
	}
	p.transition(b.index, Free)
	p.stats.Given++
	p.broadcast()
	return nil
}

// Close wakes all waiters with ErrClosed. Outstanding handles may still be
// given back or discarded.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		p.closed = true
		p.broadcast()
	}
	return nil
}

// States returns a snapshot of every slot's state.
func (p *Pool) States() []State {
	p.mu.Lock()
	defer p.mu.Unlock()

	states := make([]State, len(p.slots))
	for i := range p.slots {
		states[i] = p.slots[i].state
	}
	return states
}
