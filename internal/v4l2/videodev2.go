// +build linux

package v4l2

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Subset of include/uapi/linux/videodev2.h needed for mmap streaming capture.

const (
	V4L2_BUF_TYPE_VIDEO_CAPTURE = 1
	V4L2_MEMORY_MMAP            = 1
	V4L2_MEMORY_USERPTR         = 2
	V4L2_FIELD_ANY              = 0
	V4L2_FIELD_NONE             = 1

	V4L2_CID_BASE  = 0x00980900
	V4L2_CID_HFLIP = V4L2_CID_BASE + 20
	V4L2_CID_VFLIP = V4L2_CID_BASE + 21

	V4L2_CAP_VIDEO_CAPTURE = 0x00000001
	V4L2_CAP_STREAMING     = 0x04000000
)

func fourcc(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

var (
	V4L2_PIX_FMT_RGB565X = fourcc('R', 'G', 'B', 'R')
	V4L2_PIX_FMT_MJPEG   = fourcc('M', 'J', 'P', 'G')
	V4L2_PIX_FMT_JPEG    = fourcc('J', 'P', 'E', 'G')
)

type v4l2_capability struct {
	driver       [16]byte
	card         [32]byte
	bus_info     [32]byte
	version      uint32
	capabilities uint32
	device_caps  uint32
	reserved     [3]uint32
}

type v4l2_pix_format struct {
	width        uint32
	height       uint32
	pixelformat  uint32
	field        uint32
	bytesperline uint32
	sizeimage    uint32
	colorspace   uint32
	priv         uint32
	flags        uint32
	ycbcr_enc    uint32
	quantization uint32
	xfer_func    uint32

	_ [152]byte
}

// The format union holds pointers, so it is pointer-aligned.
type v4l2_format struct {
	typ uint32
	_   [unsafe.Sizeof(uintptr(0)) - 4]byte
	pix v4l2_pix_format
}

type v4l2_requestbuffers struct {
	count        uint32
	typ          uint32
	memory       uint32
	capabilities uint32
	flags        uint8
	reserved     [3]uint8
}

type v4l2_timecode struct {
	typ      uint32
	flags    uint32
	frames   uint8
	seconds  uint8
	minutes  uint8
	hours    uint8
	userbits [4]uint8
}

// unix.Timeval and the pointer-sized union give the right layout on both 32-
// and 64-bit targets.
type v4l2_buffer struct {
	index     uint32
	typ       uint32
	bytesused uint32
	flags     uint32
	field     uint32
	timestamp unix.Timeval
	timecode  v4l2_timecode
	sequence  uint32
	memory    uint32
	m         [unsafe.Sizeof(uintptr(0))]byte
	length    uint32
	reserved2 uint32
	request   uint32
}

// The m union holds the mmap offset or the user pointer, depending on memory.
func (b *v4l2_buffer) offset() uint32 {
	return *(*uint32)(unsafe.Pointer(&b.m))
}

func (b *v4l2_buffer) userptr() uintptr {
	return *(*uintptr)(unsafe.Pointer(&b.m))
}

func (b *v4l2_buffer) setUserptr(p uintptr) {
	*(*uintptr)(unsafe.Pointer(&b.m)) = p
}

type v4l2_control struct {
	id    uint32
	value int32
}

type v4l2_fract struct {
	numerator   uint32
	denominator uint32
}

type v4l2_captureparm struct {
	capability   uint32
	capturemode  uint32
	timeperframe v4l2_fract
	extendedmode uint32
	readbuffers  uint32

	_ [176]byte
}

type v4l2_streamparm struct {
	typ     uint32
	capture v4l2_captureparm
}

// _IOC(dir, 'V', nr, size)
func ioc(dir, nr, size uintptr) uint {
	return uint(dir<<30 | size<<16 | 'V'<<8 | nr)
}

const (
	iocWrite     = 1
	iocRead      = 2
	iocReadWrite = iocRead | iocWrite
)

var (
	VIDIOC_QUERYCAP  = ioc(iocRead, 0, unsafe.Sizeof(v4l2_capability{}))
	VIDIOC_S_FMT     = ioc(iocReadWrite, 5, unsafe.Sizeof(v4l2_format{}))
	VIDIOC_REQBUFS   = ioc(iocReadWrite, 8, unsafe.Sizeof(v4l2_requestbuffers{}))
	VIDIOC_QUERYBUF  = ioc(iocReadWrite, 9, unsafe.Sizeof(v4l2_buffer{}))
	VIDIOC_QBUF      = ioc(iocReadWrite, 15, unsafe.Sizeof(v4l2_buffer{}))
	VIDIOC_DQBUF     = ioc(iocReadWrite, 17, unsafe.Sizeof(v4l2_buffer{}))
	VIDIOC_STREAMON  = ioc(iocWrite, 18, 4)
	VIDIOC_STREAMOFF = ioc(iocWrite, 19, 4)
	VIDIOC_S_PARM    = ioc(iocReadWrite, 22, unsafe.Sizeof(v4l2_streamparm{}))
	VIDIOC_S_CTRL    = ioc(iocReadWrite, 28, unsafe.Sizeof(v4l2_control{}))
)
