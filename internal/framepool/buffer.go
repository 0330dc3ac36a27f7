//////////////////////////////////////////////////////////////////////////////
//
// Leases handed out by the frame pool, and pool statistics.
//
// Copyright 2019 Lanikai Labs LLC. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////
package framepool

import (
	"fmt"
	"time"
)

// Buffer is a lease on one pool slot, returned by AcquireFillSlot or Take. The
// lease is invalidated when the slot goes back to Free; a stale Buffer can no
// longer change pool state.
type Buffer struct {
	pool  *Pool
	index int
	gen   uint64
}

func (b *Buffer) slot() *slot {
	return &b.pool.slots[b.index]
}

// Index is the slot's position in the pool arena.
func (b *Buffer) Index() int {
	return b.index
}

// Space returns the whole slot for the capture path to write into.
func (b *Buffer) Space() []byte {
	return b.slot().data
}

// Bytes returns the committed frame data.
func (b *Buffer) Bytes() []byte {
	s := b.slot()
	return s.data[:s.length]
}

// Len is the number of committed bytes.
func (b *Buffer) Len() int {
	return b.slot().length
}

// Seq is the frame's sequence number. Sequence numbers start at 1 and increase
// by one with every Commit.
func (b *Buffer) Seq() uint64 {
	return b.slot().seq
}

// Timestamp is the capture time recorded at Commit.
func (b *Buffer) Timestamp() time.Time {
	return b.slot().timestamp
}

func (b *Buffer) String() string {
	return fmt.Sprintf("slot %d (seq %d, %d bytes)", b.index, b.Seq(), b.Len())
}

// Stats counts pool activity since creation.
type Stats struct {
	Slots     int `json:"slots"`
	Free      int `json:"free"`
	Filling   int `json:"filling"`
	Ready     int `json:"ready"`
	InUse     int `json:"inUse"`
	Committed int `json:"committed"`
	Dropped   int `json:"dropped"`
	Discarded int `json:"discarded"`
	Taken     int `json:"taken"`
	Given     int `json:"given"`

	// Number of AcquireFillSlot calls that had to wait for a Give.
	FillWaits int `json:"fillWaits"`
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.stats
	st.Slots = len(p.slots)
	for i := range p.slots {
		switch p.slots[i].state {
		case Free:
			st.Free++
		case Filling:
			st.Filling++
		case Ready:
			st.Ready++
		case InUse:
			st.InUse++
		}
	}
	return st
}
