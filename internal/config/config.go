// Package config loads the camera daemon's settings from a YAML file and
// ALOHACAM_* environment variables.
package config

import (
	"bytes"
	"io/ioutil"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/lanikai/alohacam/internal/media"
	"github.com/lanikai/alohacam/internal/sensor"
)

var ErrInvalid = errors.New("config: invalid")

const (
	// Capture device name for the synthetic source.
	TestPattern = "testpattern"

	// Bus name for the in-memory sensor used with the test pattern.
	SimulatedBus = "sim"

	// Display device name meaning no local panel.
	NoDisplay = "none"
)

type Config struct {
	Sensor  SensorConfig  `yaml:"sensor"`
	Capture CaptureConfig `yaml:"capture"`
	Display DisplayConfig `yaml:"display"`
	Server  ServerConfig  `yaml:"server"`
}

type SensorConfig struct {
	// Sensor family to look for. Empty probes every known family.
	Model string `yaml:"model"`

	// I2C device the sensor's SCCB port is wired to, or "sim".
	Bus string `yaml:"bus"`

	Resolution media.Resolution  `yaml:"resolution"`
	Format     media.PixelFormat `yaml:"format"`
	Mirror     bool              `yaml:"mirror"`
	Flip       bool              `yaml:"flip"`
	Clock      sensor.Clock      `yaml:"clock"`
}

type CaptureConfig struct {
	// V4L2 device such as /dev/video0, or "testpattern".
	Device string `yaml:"device"`

	// Frame buffer pool size. Every consumer can hold one slot at a time, so
	// there must be more slots than the display plus server.max_clients.
	Buffers int `yaml:"buffers"`

	FramePeriod time.Duration `yaml:"frame_period"`
	Timeout     time.Duration `yaml:"timeout"`
	Retries     int           `yaml:"retries"`

	// Upper bound on a JPEG frame, in bytes. Zero sizes slots for an
	// uncompressed frame.
	MaxFrameSize int `yaml:"max_frame_size"`

	// JPEG quality for the test pattern and for encoding raw frames.
	Quality int `yaml:"quality"`

	// Copy frames out of driver buffers instead of having the driver write
	// into pool slots.
	CopyFrames bool `yaml:"copy_frames"`
}

type DisplayConfig struct {
	// Framebuffer device such as /dev/fb1, or "none".
	Device  string `yaml:"device"`
	Overlay bool   `yaml:"overlay"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Zero serves the stream on Port.
	StreamPort int `yaml:"stream_port"`

	Boundary   string `yaml:"boundary"`
	MaxClients int    `yaml:"max_clients"`

	// Longest a client may take to accept one frame before it is dropped.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// Name announced over mDNS as <name>.local. Empty disables mDNS.
	MDNSName string `yaml:"mdns_name"`
}

func Default() *Config {
	return &Config{
		Sensor: SensorConfig{
			Bus:        "/dev/i2c-0",
			Resolution: media.Resolution{Width: 320, Height: 240},
			Format:     media.JPEG,
		},
		Capture: CaptureConfig{
			Device:      "/dev/video0",
			Buffers:     6,
			FramePeriod: 40 * time.Millisecond,
			Timeout:     time.Second,
			Retries:     3,
			Quality:     80,
		},
		Display: DisplayConfig{
			Device: NoDisplay,
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         80,
			MaxClients:   4,
			WriteTimeout: 5 * time.Second,
			MDNSName:     "alohacam",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := ioutil.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config")
		}
		if err := cfg.decode(data); err != nil {
			return nil, errors.Wrapf(err, "%s", path)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return errors.Wrapf(ErrInvalid, "%v", err)
	}
	return nil
}

// applyEnv overrides fields from ALOHACAM_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup("ALOHACAM_" + key); ok {
			*dst = v
		}
	}
	var err error
	num := func(key string, dst *int) {
		if v, ok := lookup("ALOHACAM_" + key); ok && err == nil {
			n, perr := strconv.Atoi(v)
			if perr != nil {
				err = errors.Wrapf(ErrInvalid, "ALOHACAM_%s: %v", key, perr)
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup("ALOHACAM_" + key); ok && err == nil {
			b, perr := strconv.ParseBool(v)
			if perr != nil {
				err = errors.Wrapf(ErrInvalid, "ALOHACAM_%s: %v", key, perr)
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup("ALOHACAM_" + key); ok && err == nil {
			d, perr := time.ParseDuration(v)
			if perr != nil {
				err = errors.Wrapf(ErrInvalid, "ALOHACAM_%s: %v", key, perr)
				return
			}
			*dst = d
		}
	}

	str("SENSOR", &c.Sensor.Model)
	str("BUS", &c.Sensor.Bus)
	if v, ok := lookup("ALOHACAM_RESOLUTION"); ok {
		r, perr := media.ParseResolution(v)
		if perr != nil {
			return errors.Wrapf(ErrInvalid, "ALOHACAM_RESOLUTION: %v", perr)
		}
		c.Sensor.Resolution = r
	}
	if v, ok := lookup("ALOHACAM_FORMAT"); ok {
		f, perr := media.ParsePixelFormat(v)
		if perr != nil {
			return errors.Wrapf(ErrInvalid, "ALOHACAM_FORMAT: %v", perr)
		}
		c.Sensor.Format = f
	}
	flag("MIRROR", &c.Sensor.Mirror)
	flag("FLIP", &c.Sensor.Flip)

	str("CAPTURE_DEVICE", &c.Capture.Device)
	num("BUFFERS", &c.Capture.Buffers)
	duration("FRAME_PERIOD", &c.Capture.FramePeriod)
	duration("CAPTURE_TIMEOUT", &c.Capture.Timeout)
	num("RETRIES", &c.Capture.Retries)
	num("QUALITY", &c.Capture.Quality)
	flag("COPY_FRAMES", &c.Capture.CopyFrames)

	str("DISPLAY_DEVICE", &c.Display.Device)
	flag("OVERLAY", &c.Display.Overlay)

	str("HOST", &c.Server.Host)
	num("PORT", &c.Server.Port)
	num("STREAM_PORT", &c.Server.StreamPort)
	str("BOUNDARY", &c.Server.Boundary)
	num("MAX_CLIENTS", &c.Server.MaxClients)
	duration("WRITE_TIMEOUT", &c.Server.WriteTimeout)
	str("MDNS_NAME", &c.Server.MDNSName)
	return err
}

func invalid(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalid, format, args...)
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

func (c *Config) Validate() error {
	r := c.Sensor.Resolution
	if r.Width <= 0 || r.Height <= 0 {
		return invalid("resolution %v", r)
	}
	if _, err := media.ParsePixelFormat(c.Sensor.Format.String()); err != nil {
		return invalid("format %v", c.Sensor.Format)
	}
	if c.Sensor.Bus == "" {
		return invalid("no sensor bus")
	}

	if c.Capture.Device == "" {
		return invalid("no capture device")
	}
	if c.Capture.Buffers < 2 {
		return invalid("buffers %d, need at least 2", c.Capture.Buffers)
	}
	if c.Capture.FramePeriod <= 0 {
		return invalid("frame period %v", c.Capture.FramePeriod)
	}
	if c.Capture.Timeout <= 0 {
		return invalid("capture timeout %v", c.Capture.Timeout)
	}
	if c.Capture.Retries < 0 {
		return invalid("retries %d", c.Capture.Retries)
	}
	if c.Capture.MaxFrameSize < 0 {
		return invalid("max frame size %d", c.Capture.MaxFrameSize)
	}
	if q := c.Capture.Quality; q < 1 || q > 100 {
		return invalid("quality %d, want 1..100", q)
	}

	if c.Display.Device == "" {
		return invalid("no display device; use '%s'", NoDisplay)
	}

	// Port 0 picks a free port.
	if c.Server.Port != 0 && !validPort(c.Server.Port) {
		return invalid("port %d", c.Server.Port)
	}
	if c.Server.StreamPort != 0 {
		if !validPort(c.Server.StreamPort) {
			return invalid("stream port %d", c.Server.StreamPort)
		}
		if c.Server.StreamPort == c.Server.Port {
			return invalid("stream port equals port %d", c.Server.Port)
		}
	}
	if strings.ContainsAny(c.Server.Boundary, "\r\n") || len(c.Server.Boundary) > 70 {
		return invalid("boundary %q", c.Server.Boundary)
	}
	if c.Server.MaxClients < 1 {
		return invalid("max clients %d", c.Server.MaxClients)
	}
	if n := c.Consumers(); n >= c.Capture.Buffers {
		return invalid("%d buffers for %d consumers; capture needs one more", c.Capture.Buffers, n)
	}
	if c.Server.WriteTimeout <= 0 {
		return invalid("write timeout %v", c.Server.WriteTimeout)
	}
	if strings.ContainsAny(c.Server.MDNSName, ". ") {
		return invalid("mdns name %q", c.Server.MDNSName)
	}
	return nil
}

// Consumers is the most frame pool slots that can be held at once outside
// capture: one per stream client plus the display, if any.
func (c *Config) Consumers() int {
	n := c.Server.MaxClients
	if c.Display.Device != NoDisplay {
		n++
	}
	return n
}

// Framerate is the nominal frame rate implied by the frame period, at least 1.
func (c *Config) Framerate() int {
	fps := int(time.Second / c.Capture.FramePeriod)
	if fps < 1 {
		fps = 1
	}
	return fps
}

// FrameCapacity is the pool slot size for the configured resolution and
// format.
func (c *Config) FrameCapacity() int {
	if c.Sensor.Format == media.JPEG && c.Capture.MaxFrameSize > 0 {
		return c.Capture.MaxFrameSize
	}
	return c.Sensor.Resolution.FrameSize(c.Sensor.Format)
}

// Settings is the sensor configuration to apply at bring-up.
func (c *Config) Settings() sensor.Settings {
	return sensor.Settings{
		Resolution: c.Sensor.Resolution,
		Format:     c.Sensor.Format,
		Mirror:     c.Sensor.Mirror,
		Flip:       c.Sensor.Flip,
		Clock:      c.Sensor.Clock,
	}
}

// Simulated reports whether the sensor and capture device are both synthetic.
func (c *Config) Simulated() bool {
	return c.Sensor.Bus == SimulatedBus
}
