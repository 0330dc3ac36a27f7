package sccb

import (
	"sync"
)

// MemBus is a Bus backed by in-memory register files. It stands in for real
// hardware when running against the test-pattern capture source, and in tests.
type MemBus struct {
	devices map[uint8]*memDevice
	mu      sync.Mutex
}

type memDevice struct {
	// Register address width in bytes (1 or 2).
	regWidth int

	regs    map[uint16]uint8
	pointer uint16
	writes  int
}

func NewMemBus() *MemBus {
	return &MemBus{devices: make(map[uint8]*memDevice)}
}

// Attach a device at addr. wide selects 16-bit register addressing. The initial
// register contents are copied.
func (b *MemBus) Attach(addr uint8, wide bool, regs map[uint16]uint8) {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := &memDevice{regWidth: 1, regs: make(map[uint16]uint8, len(regs))}
	if wide {
		d.regWidth = 2
	}
	for r, v := range regs {
		d.regs[r] = v
	}
	b.devices[addr] = d
}

// Registers returns a copy of the register file at addr, or nil.
func (b *MemBus) Registers(addr uint8) map[uint16]uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.devices[addr]
	if !ok {
		return nil
	}
	regs := make(map[uint16]uint8, len(d.regs))
	for r, v := range d.regs {
		regs[r] = v
	}
	return regs
}

// WriteCount returns the number of register writes the device at addr has seen.
func (b *MemBus) WriteCount(addr uint8) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if d, ok := b.devices[addr]; ok {
		return d.writes
	}
	return 0
}

func (b *MemBus) Write(addr uint8, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.devices[addr]
	if !ok {
		return ErrNoDevice
	}
	if len(p) < d.regWidth {
		return nil
	}
	if d.regWidth == 2 {
		d.pointer = uint16(p[0])<<8 | uint16(p[1])
	} else {
		d.pointer = uint16(p[0])
	}
	// Data bytes auto-increment the register pointer.
	for _, v := range p[d.regWidth:] {
		d.regs[d.pointer] = v
		d.pointer++
		d.writes++
	}
	return nil
}

func (b *MemBus) Read(addr uint8, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.devices[addr]
	if !ok {
		return ErrNoDevice
	}
	for i := range p {
		p[i] = d.regs[d.pointer]
		d.pointer++
	}
	return nil
}

func (b *MemBus) Close() error {
	return nil
}
