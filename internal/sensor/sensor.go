// Package sensor configures the camera sensor attached to the SCCB bus.
//
// Every supported sensor family implements the Sensor interface. Probe detects
// which family is present and returns an implementation; nothing outside this
// package needs to know which chip it is talking to.
package sensor

import (
	"github.com/pkg/errors"

	"github.com/lanikai/alohacam/internal/logging"
	"github.com/lanikai/alohacam/internal/media"
)

var log = logging.DefaultLogger.WithTag("sensor")

var (
	// No known sensor answered on the bus.
	ErrNotFound = errors.New("sensor: not found")

	// The sensor rejected or cannot represent the requested configuration.
	ErrConfig = errors.New("sensor: configuration error")

	// A register transaction failed or the sensor did not come out of reset.
	ErrHardwareFault = errors.New("sensor: hardware fault")
)

// Clock holds the sensor's clocking parameters. Zero values leave the sensor's
// default in place.
type Clock struct {
	// Frequency of the external clock fed to the sensor, in Hz.
	XCLK int `json:"xclk" yaml:"xclk"`

	// PLL multiplier and dividers. Not every family has every stage.
	Multiplier int `json:"multiplier,omitempty" yaml:"multiplier"`
	PreDivider int `json:"preDivider,omitempty" yaml:"pre_divider"`
	SysDivider int `json:"sysDivider,omitempty" yaml:"sys_divider"`

	// Pixel clock divider.
	PCLKDivider int `json:"pclkDivider,omitempty" yaml:"pclk_divider"`
}

// Settings is the full sensor configuration applied by Configure.
type Settings struct {
	Resolution media.Resolution  `json:"resolution"`
	Format     media.PixelFormat `json:"format"`
	Mirror     bool              `json:"mirror"`
	Flip       bool              `json:"flip"`
	Clock      Clock             `json:"clock"`
}

// Capabilities describes what a sensor family can do.
type Capabilities struct {
	MaxResolution media.Resolution    `json:"maxResolution"`
	Formats       []media.PixelFormat `json:"formats"`
}

// Supports reports whether format f is among the family's output formats.
func (c Capabilities) Supports(f media.PixelFormat) bool {
	for _, g := range c.Formats {
		if g == f {
			return true
		}
	}
	return false
}

// Descriptor identifies a detected sensor. Address, Model and ProductID never
// change after Probe; Settings tracks the last successfully applied
// configuration.
type Descriptor struct {
	Address      uint8        `json:"address"`
	Model        string       `json:"model"`
	ProductID    uint16       `json:"productId"`
	Capabilities Capabilities `json:"capabilities"`
	Settings     Settings     `json:"settings"`
}

// Sensor is the family-independent set of sensor operations.
type Sensor interface {
	Descriptor() Descriptor

	// Reset performs a software reset and loads the family's default register
	// table.
	Reset() error

	SetPixelFormat(f media.PixelFormat) error

	// SetResolution sets the output frame size. Families that scale from a
	// fixed sensor window program the window as well.
	SetResolution(r media.Resolution) error

	SetMirrorFlip(mirror, flip bool) error

	SetClock(c Clock) error
}

// Configure applies s in full. Every step writes absolute register values, so
// applying the same settings twice leaves the sensor in the same state.
func Configure(sen Sensor, s Settings) error {
	desc := sen.Descriptor()
	if !desc.Capabilities.Supports(s.Format) {
		return errors.Wrapf(ErrConfig, "%s does not support %v", desc.Model, s.Format)
	}
	limit := desc.Capabilities.MaxResolution
	if r := s.Resolution; r.Width <= 0 || r.Height <= 0 || r.Width > limit.Width || r.Height > limit.Height {
		return errors.Wrapf(ErrConfig, "%s resolution %v out of range (max %v)", desc.Model, r, limit)
	}

	if err := sen.SetPixelFormat(s.Format); err != nil {
		return errors.Wrap(err, "set pixel format")
	}
	if err := sen.SetResolution(s.Resolution); err != nil {
		return errors.Wrap(err, "set resolution")
	}
	if err := sen.SetMirrorFlip(s.Mirror, s.Flip); err != nil {
		return errors.Wrap(err, "set mirror/flip")
	}
	if err := sen.SetClock(s.Clock); err != nil {
		return errors.Wrap(err, "set clock")
	}

	log.Info("%s@0x%02x configured: %v %v mirror=%v flip=%v",
		desc.Model, desc.Address, s.Resolution, s.Format, s.Mirror, s.Flip)
	return nil
}

// configError and hardwareFault attach a reason to the package sentinels.
func configError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrConfig, format, args...)
}

func hardwareFault(err error, format string, args ...interface{}) error {
	return errors.Wrapf(ErrHardwareFault, format+": %v", append(args, err)...)
}
