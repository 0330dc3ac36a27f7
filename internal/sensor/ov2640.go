package sensor

import (
	"github.com/lanikai/alohacam/internal/media"
	"github.com/lanikai/alohacam/internal/sccb"
)

// OmniVision OV2640, 2MP, 8-bit register addresses split across two banks
// selected through register 0xFF.
const (
	ov2640Address = 0x30
	ov2640PID     = 0x26

	ov2640BankSel    = 0xff
	ov2640BankDSP    = 0x00
	ov2640BankSensor = 0x01

	// Sensor bank.
	ov2640REG04 = 0x04
	ov2640PIDH  = 0x0a
	ov2640PIDL  = 0x0b
	ov2640CLKRC = 0x11
	ov2640COM7  = 0x12

	// DSP bank.
	ov2640HSIZE     = 0x51
	ov2640VSIZE     = 0x52
	ov2640XOFFL     = 0x53
	ov2640YOFFL     = 0x54
	ov2640VHYX      = 0x55
	ov2640TEST      = 0x57
	ov2640ZMOW      = 0x5a
	ov2640ZMOH      = 0x5b
	ov2640ZMHH      = 0x5c
	ov2640SIZEL     = 0x8c
	ov2640HSIZE8    = 0xc0
	ov2640VSIZE8    = 0xc1
	ov2640DVPSP     = 0xd3
	ov2640ImageMode = 0xda
	ov2640Reset     = 0xe0
	ov2640QS        = 0x44
)

// Short default table loaded after reset: sensor timing plus DSP enables.
var ov2640Defaults = []reg{
	{ov2640BankSel, ov2640BankSensor},
	{0x2c, 0xff},
	{0x2e, 0xdf},
	{0x3c, 0x32},
	{ov2640CLKRC, 0x00},
	{0x09, 0x02},
	{0x13, 0xe5},
	{0x14, 0x48},
	{0x15, 0x00},
	{ov2640BankSel, ov2640BankDSP},
	{0xc2, 0x0c},
	{0xc3, 0xfd},
	{0x7f, 0x00},
	{0xe5, 0x1f},
	{0xe1, 0x67},
	{0xdd, 0x7f},
	{0x05, 0x00},
}

type ov2640 struct {
	base
}

func init() {
	RegisterFamily(Family{
		Name:    "ov2640",
		Address: ov2640Address,
		Detect:  detectOV2640,
		Open:    openOV2640,
	})
}

func detectOV2640(bus sccb.Bus, addr uint8) (uint16, bool) {
	if err := sccb.WriteReg8(bus, addr, ov2640BankSel, ov2640BankSensor); err != nil {
		return 0, false
	}
	hi, err := sccb.ReadReg8(bus, addr, ov2640PIDH)
	if err != nil {
		return 0, false
	}
	lo, err := sccb.ReadReg8(bus, addr, ov2640PIDL)
	if err != nil {
		return 0, false
	}
	return uint16(hi)<<8 | uint16(lo), hi == ov2640PID
}

func openOV2640(bus sccb.Bus, addr uint8, pid uint16) Sensor {
	s := &ov2640{}
	s.bus = bus
	s.desc = Descriptor{
		Address:   addr,
		Model:     "OV2640",
		ProductID: pid,
		Capabilities: Capabilities{
			MaxResolution: media.Resolution{Width: 1600, Height: 1200},
			Formats:       []media.PixelFormat{media.RGB565, media.JPEG},
		},
	}
	return s
}

func (s *ov2640) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeTable([]reg{
		{ov2640BankSel, ov2640BankSensor},
		{ov2640COM7, 0x80},
	}); err != nil {
		return err
	}

	// The sensor must still identify itself after the reset.
	if pid, err := s.read(ov2640PIDH); err != nil {
		return hardwareFault(err, "read PID after reset")
	} else if pid != ov2640PID {
		return hardwareFault(ErrNotFound, "PID 0x%02x after reset", pid)
	}

	if err := s.writeTable(ov2640Defaults); err != nil {
		return err
	}
	s.desc.Settings = Settings{}
	return nil
}

func (s *ov2640) SetPixelFormat(f media.PixelFormat) error {
	var mode uint8
	switch f {
	case media.RGB565:
		mode = 0x08
	case media.JPEG:
		mode = 0x10
	default:
		return configError("OV2640: unsupported pixel format %v", f)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	table := []reg{
		{ov2640BankSel, ov2640BankDSP},
		{ov2640Reset, 0x04},
		{ov2640ImageMode, mode},
		{0xd7, 0x03},
		{0xe1, 0x77},
	}
	if f == media.JPEG {
		table = append(table, reg{ov2640QS, 0x0c})
	}
	table = append(table, reg{ov2640Reset, 0x00})

	if err := s.writeTable(table); err != nil {
		return err
	}
	s.desc.Settings.Format = f
	return nil
}

// SetResolution programs an 800x600 (SVGA) sensor window, or the full
// 1600x1200 array for larger outputs, then scales down to r.
func (s *ov2640) SetResolution(r media.Resolution) error {
	limit := s.desc.Capabilities.MaxResolution
	if r.Width <= 0 || r.Height <= 0 || r.Width > limit.Width || r.Height > limit.Height {
		return configError("OV2640: resolution %v out of range (max %v)", r, limit)
	}
	if r.Width%4 != 0 || r.Height%4 != 0 {
		return configError("OV2640: resolution %v must be a multiple of 4", r)
	}

	win := media.Resolution{Width: 800, Height: 600}
	if r.Width > win.Width || r.Height > win.Height {
		win = limit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w, h := win.Width, win.Height
	table := []reg{
		{ov2640BankSel, ov2640BankDSP},
		{ov2640Reset, 0x04},

		// Image size.
		{ov2640HSIZE8, uint8(w >> 3)},
		{ov2640VSIZE8, uint8(h >> 3)},
		{ov2640SIZEL, uint8((w&0x800)>>4 | (w&0x07)<<3 | h&0x07)},

		// Window at (0, 0).
		{ov2640HSIZE, uint8(w >> 2)},
		{ov2640VSIZE, uint8(h >> 2)},
		{ov2640XOFFL, 0},
		{ov2640YOFFL, 0},
		{ov2640VHYX, uint8((h>>3)&0x80 | (w>>7)&0x08)},
		{ov2640TEST, uint8((w >> 2) & 0x80)},

		// Output size.
		{ov2640ZMOW, uint8(r.Width >> 2)},
		{ov2640ZMOH, uint8(r.Height >> 2)},
		{ov2640ZMHH, uint8((r.Width>>10)&0x03 | (r.Height>>8)&0x04)},

		{ov2640Reset, 0x00},
	}
	if err := s.writeTable(table); err != nil {
		return err
	}
	s.desc.Settings.Resolution = r
	return nil
}

func (s *ov2640) SetMirrorFlip(mirror, flip bool) error {
	v := uint8(0x28)
	if mirror {
		v |= 0x80
	}
	if flip {
		v |= 0x50
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeTable([]reg{
		{ov2640BankSel, ov2640BankSensor},
		{ov2640REG04, v},
	}); err != nil {
		return err
	}
	s.desc.Settings.Mirror = mirror
	s.desc.Settings.Flip = flip
	return nil
}

// SetClock maps Multiplier=2 onto the CLKRC doubler, SysDivider onto the CLKRC
// divider, and PCLKDivider onto the DVP output divider.
func (s *ov2640) SetClock(c Clock) error {
	if c.Multiplier > 2 || c.SysDivider > 64 || c.PCLKDivider > 127 {
		return configError("OV2640: clock %+v out of range", c)
	}
	if c.PreDivider != 0 {
		return configError("OV2640: no PLL pre-divider")
	}

	var clkrc uint8
	if c.Multiplier == 2 {
		clkrc |= 0x80
	}
	if c.SysDivider > 1 {
		clkrc |= uint8(c.SysDivider-1) & 0x3f
	}
	dvpsp := uint8(0x80) // auto
	if c.PCLKDivider > 0 {
		dvpsp = uint8(c.PCLKDivider)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeTable([]reg{
		{ov2640BankSel, ov2640BankSensor},
		{ov2640CLKRC, clkrc},
		{ov2640BankSel, ov2640BankDSP},
		{ov2640DVPSP, dvpsp},
	}); err != nil {
		return err
	}
	s.desc.Settings.Clock = c
	return nil
}
