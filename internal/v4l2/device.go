// +build linux

package v4l2

import (
	"context"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
	errors "golang.org/x/xerrors"

	"github.com/lanikai/alohacam/internal/logging"
	"github.com/lanikai/alohacam/internal/media"
)

var log = logging.DefaultLogger.WithTag("v4l2")

var (
	ErrTimeout      = errors.New("v4l2: frame timeout")
	ErrNotStreaming = errors.New("v4l2: capture not started")
	ErrOverflow     = errors.New("v4l2: frame larger than destination")
)

// Number of kernel buffers requested when Config.Buffers is zero.
const defaultBuffers = 2

type Config struct {
	// Number of kernel driver buffers.
	Buffers int

	HFlip bool
	VFlip bool

	// Requested interval between frames. Zero leaves the driver default.
	FramePeriod time.Duration

	// Always stream through mmap buffers, even if the driver accepts user
	// pointers.
	Copy bool
}

// A V4L2 capture device. When the driver supports user pointers, the
// destination armed with Start is queued directly and the driver writes the
// frame into it. Otherwise frames land in memory-mapped kernel buffers and are
// copied once into the destination.
type Device struct {
	cfg Config

	// Device path, usually "/dev/video0".
	path string

	// File descriptor of v4l2 device.
	fd int

	// Memory-mapped kernel buffers.
	mmap [][]byte

	// Set while streaming with V4L2_MEMORY_USERPTR. noUserptr latches once
	// the driver has refused user pointers.
	userptr   bool
	noUserptr bool

	// Index of the next user pointer buffer to queue.
	next int

	streaming bool

	// Destination of the next frame.
	dst []byte
}

func Open(path string, cfg Config) (*Device, error) {
	if cfg.Buffers <= 0 {
		cfg.Buffers = defaultBuffers
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK, 0666)
	if err != nil {
		return nil, errors.Errorf("open %s: %w", path, err)
	}
	dev := &Device{cfg: cfg, path: path, fd: fd}

	var caps v4l2_capability
	if err := dev.ioctl(VIDIOC_QUERYCAP, unsafe.Pointer(&caps)); err != nil {
		unix.Close(fd)
		return nil, errors.Errorf("%s: query capabilities: %w", path, err)
	}
	if caps.capabilities&V4L2_CAP_VIDEO_CAPTURE == 0 || caps.capabilities&V4L2_CAP_STREAMING == 0 {
		unix.Close(fd)
		return nil, errors.Errorf("%s: not a streaming capture device", path)
	}
	log.Info("Opened %s (%s)", path, cstring(caps.card[:]))
	return dev, nil
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func (dev *Device) Close() error {
	if err := dev.Stop(); err != nil {
		return err
	}
	return unix.Close(dev.fd)
}

func (dev *Device) ioctl(request uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		uintptr(dev.fd),
		uintptr(request),
		uintptr(arg),
	)
	if errno != 0 {
		return errno
	}
	return nil
}

func (dev *Device) setControl(id uint32, value int32) error {
	ctrl := v4l2_control{id: id, value: value}
	return dev.ioctl(VIDIOC_S_CTRL, unsafe.Pointer(&ctrl))
}

func (dev *Device) setFlip() error {
	for id, on := range map[uint32]bool{V4L2_CID_HFLIP: dev.cfg.HFlip, V4L2_CID_VFLIP: dev.cfg.VFlip} {
		var value int32
		if on {
			value = 1
		}
		if err := dev.setControl(id, value); err != nil && on {
			return err
		}
	}
	return nil
}

func (dev *Device) setFramePeriod(d time.Duration) error {
	parm := v4l2_streamparm{typ: V4L2_BUF_TYPE_VIDEO_CAPTURE}
	parm.capture.timeperframe = v4l2_fract{
		numerator:   uint32(d / time.Microsecond),
		denominator: 1000000,
	}
	return dev.ioctl(VIDIOC_S_PARM, unsafe.Pointer(&parm))
}

func pixelFormat(f media.PixelFormat) (uint32, error) {
	switch f {
	case media.RGB565:
		return V4L2_PIX_FMT_RGB565X, nil
	case media.JPEG:
		return V4L2_PIX_FMT_JPEG, nil
	default:
		return 0, errors.Errorf("v4l2: unsupported pixel format %v", f)
	}
}

// Arm sets the capture format and controls. Must be called before Start.
func (dev *Device) Arm(f media.PixelFormat, r media.Resolution) error {
	fourcc, err := pixelFormat(f)
	if err != nil {
		return err
	}
	format := v4l2_format{typ: V4L2_BUF_TYPE_VIDEO_CAPTURE}
	format.pix = v4l2_pix_format{
		width:       uint32(r.Width),
		height:      uint32(r.Height),
		pixelformat: fourcc,
		field:       V4L2_FIELD_NONE,
	}
	err = dev.ioctl(VIDIOC_S_FMT, unsafe.Pointer(&format))
	if err != nil && f == media.JPEG {
		// UVC webcams advertise JPEG as MJPG.
		format.pix.pixelformat = V4L2_PIX_FMT_MJPEG
		err = dev.ioctl(VIDIOC_S_FMT, unsafe.Pointer(&format))
	}
	if err != nil {
		return errors.Errorf("%s: set format %v %v: %w", dev.path, r, f, err)
	}
	if int(format.pix.width) != r.Width || int(format.pix.height) != r.Height {
		return errors.Errorf("%s: driver adjusted %v to %dx%d", dev.path, r, format.pix.width, format.pix.height)
	}

	if err := dev.setFlip(); err != nil {
		return errors.Errorf("%s: set flip: %w", dev.path, err)
	}
	if dev.cfg.FramePeriod > 0 {
		if err := dev.setFramePeriod(dev.cfg.FramePeriod); err != nil {
			log.Warn("%s: frame period not supported: %v", dev.path, err)
		}
	}

	return dev.streamOn()
}

// Request specified number of kernel buffers of the given memory type.
func (dev *Device) requestBuffers(memory uint32, n int) error {
	rb := v4l2_requestbuffers{
		count:  uint32(n),
		typ:    V4L2_BUF_TYPE_VIDEO_CAPTURE,
		memory: memory,
	}
	return dev.ioctl(VIDIOC_REQBUFS, unsafe.Pointer(&rb))
}

func (dev *Device) mapMemory() error {
	if dev.mmap != nil {
		panic("v4l2 device: memory already mapped")
	}

	if err := dev.requestBuffers(V4L2_MEMORY_MMAP, dev.cfg.Buffers); err != nil {
		return err
	}

	for i := 0; i < dev.cfg.Buffers; i++ {
		qb := v4l2_buffer{
			index:  uint32(i),
			typ:    V4L2_BUF_TYPE_VIDEO_CAPTURE,
			memory: V4L2_MEMORY_MMAP,
		}
		if err := dev.ioctl(VIDIOC_QUERYBUF, unsafe.Pointer(&qb)); err != nil {
			return err
		}
		data, err := unix.Mmap(
			dev.fd,
			int64(qb.offset()),
			int(qb.length),
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_SHARED,
		)
		if err != nil {
			return err
		}
		dev.mmap = append(dev.mmap, data)
	}
	return nil
}

func (dev *Device) unmapMemory() error {
	for _, data := range dev.mmap {
		if err := unix.Munmap(data); err != nil {
			return err
		}
	}
	dev.mmap = nil
	return dev.requestBuffers(V4L2_MEMORY_MMAP, 0)
}

func (dev *Device) memory() uint32 {
	if dev.userptr {
		return V4L2_MEMORY_USERPTR
	}
	return V4L2_MEMORY_MMAP
}

func (dev *Device) enqueue(index int) error {
	qbuf := v4l2_buffer{
		typ:    V4L2_BUF_TYPE_VIDEO_CAPTURE,
		memory: V4L2_MEMORY_MMAP,
		index:  uint32(index),
	}
	return dev.ioctl(VIDIOC_QBUF, unsafe.Pointer(&qbuf))
}

// userBuffer describes dst as user pointer buffer index.
func userBuffer(index int, dst []byte) v4l2_buffer {
	qbuf := v4l2_buffer{
		typ:    V4L2_BUF_TYPE_VIDEO_CAPTURE,
		memory: V4L2_MEMORY_USERPTR,
		index:  uint32(index),
		length: uint32(len(dst)),
	}
	qbuf.setUserptr(uintptr(unsafe.Pointer(&dst[0])))
	return qbuf
}

func (dev *Device) enqueueUser(dst []byte) error {
	qbuf := userBuffer(dev.next, dst)
	if err := dev.ioctl(VIDIOC_QBUF, unsafe.Pointer(&qbuf)); err != nil {
		return err
	}
	dev.next = (dev.next + 1) % dev.cfg.Buffers
	return nil
}

func (dev *Device) dequeue() (v4l2_buffer, error) {
	dqbuf := v4l2_buffer{
		typ:    V4L2_BUF_TYPE_VIDEO_CAPTURE,
		memory: dev.memory(),
	}
	err := dev.ioctl(VIDIOC_DQBUF, unsafe.Pointer(&dqbuf))
	return dqbuf, err
}

func (dev *Device) streamOn() error {
	dev.userptr = false
	dev.next = 0
	if !dev.cfg.Copy && !dev.noUserptr {
		if err := dev.requestBuffers(V4L2_MEMORY_USERPTR, dev.cfg.Buffers); err != nil {
			log.Debug("%s: user pointers not supported, copying from mmap buffers: %v", dev.path, err)
			dev.noUserptr = true
		} else {
			dev.userptr = true
		}
	}

	// User pointer buffers are queued one at a time by Start.
	if !dev.userptr {
		if err := dev.mapMemory(); err != nil {
			return err
		}
		for i := range dev.mmap {
			if err := dev.enqueue(i); err != nil {
				return err
			}
		}
	}

	typ := uint32(V4L2_BUF_TYPE_VIDEO_CAPTURE)
	if err := dev.ioctl(VIDIOC_STREAMON, unsafe.Pointer(&typ)); err != nil {
		return err
	}
	dev.streaming = true
	return nil
}

// Stop video capture and release the kernel buffers.
func (dev *Device) Stop() error {
	if !dev.streaming {
		return nil
	}
	dev.streaming = false
	dev.dst = nil

	// Disable stream (dequeues any outstanding buffers as well).
	typ := uint32(V4L2_BUF_TYPE_VIDEO_CAPTURE)
	if err := dev.ioctl(VIDIOC_STREAMOFF, unsafe.Pointer(&typ)); err != nil {
		return err
	}
	if dev.userptr {
		return dev.requestBuffers(V4L2_MEMORY_USERPTR, 0)
	}
	return dev.unmapMemory()
}

// Start arms dst as the destination of the next frame. With user pointers,
// the driver owns dst until Wait returns or the device is stopped.
func (dev *Device) Start(dst []byte) error {
	if !dev.streaming {
		return ErrNotStreaming
	}
	if len(dst) == 0 {
		return errors.Errorf("v4l2: empty destination: %w", ErrOverflow)
	}
	if dev.userptr {
		if err := dev.enqueueUser(dst); err != nil {
			if err != unix.EINVAL {
				return errors.Errorf("queue user buffer: %w", err)
			}
			// The driver accepted REQBUFS but not this buffer, usually
			// because dst is smaller than its frame size. Fall back to
			// copying for good.
			log.Warn("%s: user buffer of %d bytes refused, copying from mmap buffers", dev.path, len(dst))
			dev.noUserptr = true
			if err := dev.Resync(); err != nil {
				return err
			}
		}
	}
	dev.dst = dst
	return nil
}

// Wait blocks until the next frame has been written into the destination
// passed to Start, or until ctx is done.
func (dev *Device) Wait(ctx context.Context) (int, error) {
	if !dev.streaming || dev.dst == nil {
		return 0, ErrNotStreaming
	}
	dst := dev.dst
	dev.dst = nil

	for {
		timeout := -1
		if deadline, ok := ctx.Deadline(); ok {
			timeout = int(time.Until(deadline) / time.Millisecond)
			if timeout <= 0 {
				return 0, ErrTimeout
			}
		}

		fds := []unix.PollFd{{Fd: int32(dev.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, timeout)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, errors.Errorf("poll: %w", err)
		}
		if n == 0 {
			return 0, ErrTimeout
		}
		if fds[0].Revents&unix.POLLERR != 0 {
			return 0, errors.Errorf("%s: device error", dev.path)
		}

		buf, err := dev.dequeue()
		if err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return 0, errors.Errorf("dequeue: %w", err)
		}
		size := int(buf.bytesused)

		if dev.userptr {
			if buf.userptr() != uintptr(unsafe.Pointer(&dst[0])) {
				return 0, errors.Errorf("%s: dequeued a stale user buffer", dev.path)
			}
			return size, nil
		}

		var copyErr error
		index := int(buf.index)
		if size > len(dst) {
			copyErr = errors.Errorf("%d > %d bytes: %w", size, len(dst), ErrOverflow)
		} else {
			copy(dst, dev.mmap[index][:size])
		}
		if err := dev.enqueue(index); err != nil {
			return 0, errors.Errorf("enqueue: %w", err)
		}
		return size, copyErr
	}
}

// Resync restarts streaming from a clean set of queued buffers.
func (dev *Device) Resync() error {
	log.Debug("Resynchronizing %s", dev.path)
	if err := dev.Stop(); err != nil {
		return err
	}
	return dev.streamOn()
}
