package sensor

import (
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/lanikai/alohacam/internal/sccb"
)

// A Family describes one supported sensor family.
type Family struct {
	// Short lowercase name used as a probe hint, e.g. "ov2640".
	Name string

	// Default SCCB address.
	Address uint8

	// Detect reads the product ID at addr and reports whether it belongs to
	// this family.
	Detect func(bus sccb.Bus, addr uint8) (pid uint16, ok bool)

	// Open returns a Sensor for a detected device.
	Open func(bus sccb.Bus, addr uint8, pid uint16) Sensor
}

var registry = map[string]Family{}

// Register a sensor family. Sensor implementations call this from init().
func RegisterFamily(f Family) {
	registry[f.Name] = f
}

// Families returns the registered family names, sorted.
func Families() []string {
	var names []string
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Probe detects the sensor on bus. If hint names a registered family, only that
// family is tried, at its default address. Otherwise every family is tried in
// name order and the first one whose product ID matches wins.
func Probe(bus sccb.Bus, hint string) (Sensor, error) {
	log.Debug("Registered sensor families: %v", Families())

	var candidates []Family
	if hint != "" {
		f, found := registry[strings.ToLower(hint)]
		if !found {
			return nil, errors.Wrapf(ErrNotFound, "sensor family '%s' not registered", hint)
		}
		candidates = append(candidates, f)
	} else {
		for _, name := range Families() {
			candidates = append(candidates, registry[name])
		}
	}

	for _, f := range candidates {
		if !sccb.Probe(bus, f.Address) {
			log.Debug("No device at 0x%02x (%s)", f.Address, f.Name)
			continue
		}
		pid, ok := f.Detect(bus, f.Address)
		if !ok {
			log.Debug("Device at 0x%02x is not %s (pid 0x%04x)", f.Address, f.Name, pid)
			continue
		}
		log.Info("Found %s at 0x%02x (pid 0x%04x)", f.Name, f.Address, pid)
		return f.Open(bus, f.Address, pid), nil
	}

	return nil, ErrNotFound
}
