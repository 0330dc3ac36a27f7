package sensor

import (
	"github.com/lanikai/alohacam/internal/media"
	"github.com/lanikai/alohacam/internal/sccb"
)

// OmniVision OV3660, 3MP, 16-bit register addresses.
const (
	ov3660Address = 0x3c
	ov3660PID     = 0x3660

	ov3660SystemCtrl0 = 0x3008
	ov3660ChipIDH     = 0x300a
	ov3660ChipIDL     = 0x300b
	ov3660PLLMulti    = 0x303b
	ov3660PLLSysDiv   = 0x303c
	ov3660PLLPreDiv   = 0x303d
	ov3660ClockSel    = 0x3103

	ov3660XAddrStart = 0x3800
	ov3660YAddrStart = 0x3802
	ov3660XAddrEnd   = 0x3804
	ov3660YAddrEnd   = 0x3806
	ov3660XOutput    = 0x3808
	ov3660YOutput    = 0x380a
	ov3660XTotal     = 0x380c
	ov3660YTotal     = 0x380e
	ov3660XOffset    = 0x3810
	ov3660YOffset    = 0x3812
	ov3660Timing20   = 0x3820
	ov3660Timing21   = 0x3821
	ov3660PCLKDiv    = 0x3824

	ov3660FormatCtrl00 = 0x4300
	ov3660PCLKManual   = 0x460c
	ov3660ISPFormat    = 0x501f
)

var ov3660Defaults = []reg{
	{ov3660ClockSel, 0x13},
	{0x3630, 0x2e},
	{0x3632, 0xe2},
	{0x3633, 0x23},
	{0x3621, 0xe0},
	{0x3704, 0xa0},
	{0x3703, 0x5a},
	{0x3715, 0x78},
	{0x3717, 0x01},
	{0x370b, 0x60},
	{0x3705, 0x1a},
	{0x3905, 0x02},
	{0x3906, 0x10},
	{0x3901, 0x0a},
	{0x3731, 0x02},
	{0x3600, 0x08},
	{0x3601, 0x33},
	{0x4001, 0x02},
	{0x4004, 0x02},
	{0x5000, 0xa7},
	{0x5001, 0x83},
}

// Default PLL: 39 fps at 320x240 from a 10 MHz XCLK.
var ov3660DefaultClock = Clock{
	Multiplier:  15,
	SysDivider:  1,
	PreDivider:  0,
	PCLKDivider: 5,
}

type ov3660 struct {
	base
}

func init() {
	RegisterFamily(Family{
		Name:    "ov3660",
		Address: ov3660Address,
		Detect:  detectOV3660,
		Open:    openOV3660,
	})
}

func detectOV3660(bus sccb.Bus, addr uint8) (uint16, bool) {
	hi, err := sccb.ReadReg16(bus, addr, ov3660ChipIDH)
	if err != nil {
		return 0, false
	}
	lo, err := sccb.ReadReg16(bus, addr, ov3660ChipIDL)
	if err != nil {
		return 0, false
	}
	pid := uint16(hi)<<8 | uint16(lo)
	return pid, pid == ov3660PID
}

func openOV3660(bus sccb.Bus, addr uint8, pid uint16) Sensor {
	s := &ov3660{}
	s.bus = bus
	s.wide = true
	s.desc = Descriptor{
		Address:   addr,
		Model:     "OV3660",
		ProductID: pid,
		Capabilities: Capabilities{
			MaxResolution: media.Resolution{Width: 2048, Height: 1536},
			Formats:       []media.PixelFormat{media.RGB565, media.JPEG},
		},
	}
	return s
}

func (s *ov3660) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.write(ov3660SystemCtrl0, 0x82); err != nil {
		return hardwareFault(err, "software reset")
	}

	hi, err := s.read(ov3660ChipIDH)
	if err != nil {
		return hardwareFault(err, "read chip ID after reset")
	}
	lo, err := s.read(ov3660ChipIDL)
	if err != nil {
		return hardwareFault(err, "read chip ID after reset")
	}
	if pid := uint16(hi)<<8 | uint16(lo); pid != ov3660PID {
		return hardwareFault(ErrNotFound, "chip ID 0x%04x after reset", pid)
	}

	if err := s.writeTable(ov3660Defaults); err != nil {
		return err
	}
	if err := s.write(ov3660SystemCtrl0, 0x02); err != nil {
		return hardwareFault(err, "power up")
	}
	s.desc.Settings = Settings{}
	return nil
}

// binning reports whether r fits in the 2x2-binned array.
func (s *ov3660) binning(r media.Resolution) bool {
	return r.Width <= 1024 && r.Height <= 768
}

// timing computes TIMING_TC_REG20/21, which mix flip, mirror, binning and the
// JPEG enable. Callers hold s.mu and have already updated s.desc.Settings.
func (s *ov3660) timing() []reg {
	st := s.desc.Settings
	var r20, r21 uint8
	if st.Flip {
		r20 |= 0x06
	}
	if st.Mirror {
		r21 |= 0x06
	}
	if st.Resolution.Width > 0 && s.binning(st.Resolution) {
		r20 |= 0x01
		r21 |= 0x01
	}
	if st.Format == media.JPEG {
		r21 |= 0x20
	}
	return []reg{{ov3660Timing20, r20}, {ov3660Timing21, r21}}
}

func (s *ov3660) SetPixelFormat(f media.PixelFormat) error {
	var format, isp uint8
	switch f {
	case media.RGB565:
		format, isp = 0x61, 0x01
	case media.JPEG:
		format, isp = 0x30, 0x00
	default:
		return configError("OV3660: unsupported pixel format %v", f)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.desc.Settings.Format
	s.desc.Settings.Format = f
	table := append([]reg{
		{ov3660FormatCtrl00, format},
		{ov3660ISPFormat, isp},
	}, s.timing()...)
	if err := s.writeTable(table); err != nil {
		s.desc.Settings.Format = prev
		return err
	}
	return nil
}

// SetResolution programs the full-array window, binned 2x2 when the output is
// small enough, and scales to r.
func (s *ov3660) SetResolution(r media.Resolution) error {
	limit := s.desc.Capabilities.MaxResolution
	if r.Width <= 0 || r.Height <= 0 || r.Width > limit.Width || r.Height > limit.Height {
		return configError("OV3660: resolution %v out of range (max %v)", r, limit)
	}

	totalX, totalY := 2300, 1564
	if s.binning(r) {
		totalX, totalY = 1920, 800
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.desc.Settings.Resolution
	s.desc.Settings.Resolution = r

	var table []reg
	table = append(table, write16(ov3660XAddrStart, 0)...)
	table = append(table, write16(ov3660YAddrStart, 0)...)
	table = append(table, write16(ov3660XAddrEnd, 2079)...)
	table = append(table, write16(ov3660YAddrEnd, 1547)...)
	table = append(table, write16(ov3660XOffset, 8)...)
	table = append(table, write16(ov3660YOffset, 2)...)
	table = append(table, write16(ov3660XTotal, totalX)...)
	table = append(table, write16(ov3660YTotal, totalY)...)
	table = append(table, write16(ov3660XOutput, r.Width)...)
	table = append(table, write16(ov3660YOutput, r.Height)...)
	table = append(table, s.timing()...)

	if err := s.writeTable(table); err != nil {
		s.desc.Settings.Resolution = prev
		return err
	}
	return nil
}

func (s *ov3660) SetMirrorFlip(mirror, flip bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prevMirror, prevFlip := s.desc.Settings.Mirror, s.desc.Settings.Flip
	s.desc.Settings.Mirror, s.desc.Settings.Flip = mirror, flip
	if err := s.writeTable(s.timing()); err != nil {
		s.desc.Settings.Mirror, s.desc.Settings.Flip = prevMirror, prevFlip
		return err
	}
	return nil
}

func (s *ov3660) SetClock(c Clock) error {
	pll := c
	if pll.Multiplier == 0 {
		pll.Multiplier = ov3660DefaultClock.Multiplier
	}
	if pll.SysDivider == 0 {
		pll.SysDivider = ov3660DefaultClock.SysDivider
	}
	if pll.PCLKDivider == 0 {
		pll.PCLKDivider = ov3660DefaultClock.PCLKDivider
	}
	if pll.Multiplier > 252 || pll.SysDivider > 15 || pll.PreDivider > 7 || pll.PCLKDivider > 31 {
		return configError("OV3660: clock %+v out of range", c)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeTable([]reg{
		{ov3660PLLMulti, uint8(pll.Multiplier)},
		{ov3660PLLSysDiv, uint8(pll.SysDivider)},
		{ov3660PLLPreDiv, uint8(pll.PreDivider)},
		{ov3660PCLKManual, 0x22},
		{ov3660PCLKDiv, uint8(pll.PCLKDivider)},
	}); err != nil {
		return err
	}
	s.desc.Settings.Clock = c
	return nil
}
