package sensor

import (
	"sync"

	"github.com/lanikai/alohacam/internal/media"
	"github.com/lanikai/alohacam/internal/sccb"
)

// A single register write.
type reg struct {
	addr  uint16
	value uint8
}

// base holds what every family driver shares: the bus handle, register
// addressing mode, and the descriptor.
type base struct {
	bus  sccb.Bus
	wide bool // 16-bit register addresses

	desc Descriptor

	mu sync.Mutex
}

func (b *base) Descriptor() Descriptor {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.desc
	d.Capabilities.Formats = append([]media.PixelFormat(nil), b.desc.Capabilities.Formats...)
	return d
}

func (b *base) read(r uint16) (uint8, error) {
	if b.wide {
		return sccb.ReadReg16(b.bus, b.desc.Address, r)
	}
	return sccb.ReadReg8(b.bus, b.desc.Address, uint8(r))
}

func (b *base) write(r uint16, v uint8) error {
	if b.wide {
		return sccb.WriteReg16(b.bus, b.desc.Address, r, v)
	}
	return sccb.WriteReg8(b.bus, b.desc.Address, uint8(r), v)
}

// writeTable writes each register in order, stopping at the first failure.
func (b *base) writeTable(table []reg) error {
	for _, r := range table {
		if err := b.write(r.addr, r.value); err != nil {
			return hardwareFault(err, "write 0x%x", r.addr)
		}
	}
	return nil
}

// write16 splits a 16-bit value across a high/low register pair.
func write16(hi uint16, v int) []reg {
	return []reg{
		{hi, uint8(v >> 8)},
		{hi + 1, uint8(v)},
	}
}
