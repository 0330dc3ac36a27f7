// +build linux

package display

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/lanikai/alohacam/internal/media"
)

const (
	FBIOGET_VSCREENINFO = 0x4600
)

type fb_bitfield struct {
	offset    uint32
	length    uint32
	msb_right uint32
}

type fb_var_screeninfo struct {
	xres           uint32
	yres           uint32
	xres_virtual   uint32
	yres_virtual   uint32
	xoffset        uint32
	yoffset        uint32
	bits_per_pixel uint32
	grayscale      uint32
	red            fb_bitfield
	green          fb_bitfield
	blue           fb_bitfield
	transp         fb_bitfield
	nonstd         uint32
	activate       uint32
	height         uint32
	width          uint32
	accel_flags    uint32
	pixclock       uint32
	left_margin    uint32
	right_margin   uint32
	upper_margin   uint32
	lower_margin   uint32
	hsync_len      uint32
	vsync_len      uint32
	sync           uint32
	vmode          uint32
	rotate         uint32
	colorspace     uint32
	reserved       [4]uint32
}

// Framebuffer is a Panel on a Linux fbdev device such as /dev/fb0. 16-bit
// framebuffers take RGB565 in native byte order; 32-bit ones take XRGB8888.
type Framebuffer struct {
	path string
	fd   int
	mem  []byte
	info fb_var_screeninfo

	// Bytes per pixel and per line.
	bpp    int
	stride int

	mu  sync.Mutex
	win window
}

func OpenFramebuffer(path string) (Panel, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	fb := &Framebuffer{path: path, fd: fd}

	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		uintptr(fd),
		uintptr(FBIOGET_VSCREENINFO),
		uintptr(unsafe.Pointer(&fb.info)),
	)
	if errno != 0 {
		unix.Close(fd)
		return nil, errors.Wrapf(errno, "%s: get screen info", path)
	}

	switch fb.info.bits_per_pixel {
	case 16, 32:
		fb.bpp = int(fb.info.bits_per_pixel) / 8
	default:
		unix.Close(fd)
		return nil, errors.Errorf("%s: unsupported depth %d bpp", path, fb.info.bits_per_pixel)
	}
	fb.stride = int(fb.info.xres_virtual) * fb.bpp

	size := fb.stride * int(fb.info.yres_virtual)
	fb.mem, err = unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "%s: mmap", path)
	}

	log.Info("Opened %s: %dx%d, %d bpp", path, fb.info.xres, fb.info.yres, fb.info.bits_per_pixel)
	return fb, nil
}

func (fb *Framebuffer) Size() media.Resolution {
	return media.Resolution{Width: int(fb.info.xres), Height: int(fb.info.yres)}
}

func (fb *Framebuffer) SetWindow(x0, y0, x1, y1 int) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.win.set(fb.Size(), x0, y0, x1, y1)
}

func (fb *Framebuffer) WritePixels(p []byte) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if err := fb.win.check(p); err != nil {
		return err
	}
	r := fb.win.rect
	yoff := int(fb.info.yoffset)
	xoff := int(fb.info.xoffset)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		i := (y+yoff)*fb.stride + (r.Min.X+xoff)*fb.bpp
		for x := r.Min.X; x < r.Max.X; x++ {
			hi, lo := p[0], p[1]
			p = p[2:]
			if fb.bpp == 2 {
				fb.mem[i], fb.mem[i+1] = lo, hi
			} else {
				c := uint16(hi)<<8 | uint16(lo)
				r5, g6, b5 := uint8(c>>11), uint8(c>>5)&0x3f, uint8(c)&0x1f
				fb.mem[i] = b5<<3 | b5>>2
				fb.mem[i+1] = g6<<2 | g6>>4
				fb.mem[i+2] = r5<<3 | r5>>2
				fb.mem[i+3] = 0xff
			}
			i += fb.bpp
		}
	}
	return nil
}

func (fb *Framebuffer) Close() error {
	if fb.mem != nil {
		if err := unix.Munmap(fb.mem); err != nil {
			return err
		}
		fb.mem = nil
	}
	return unix.Close(fb.fd)
}
