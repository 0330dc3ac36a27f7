package sensor

import (
	"github.com/pkg/errors"

	"github.com/lanikai/alohacam/internal/sccb"
)

// NewSimulatedBus returns an in-memory bus with one sensor of the named family
// attached at its default address. Used with the test-pattern capture source
// when no real sensor is present.
func NewSimulatedBus(family string) (*sccb.MemBus, error) {
	bus := sccb.NewMemBus()
	switch family {
	case "ov2640", "":
		bus.Attach(ov2640Address, false, map[uint16]uint8{
			ov2640PIDH: ov2640PID,
			ov2640PIDL: 0x42,
		})
	case "ov3660":
		bus.Attach(ov3660Address, true, map[uint16]uint8{
			ov3660ChipIDH: ov3660PID >> 8,
			ov3660ChipIDL: ov3660PID & 0xff,
		})
	default:
		return nil, errors.Wrapf(ErrNotFound, "no simulation for sensor family '%s'", family)
	}
	return bus, nil
}
