// +build linux

package v4l2

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestStructLayout(t *testing.T) {
	assert.Equal(t, uintptr(104), unsafe.Sizeof(v4l2_capability{}))
	assert.Equal(t, uintptr(20), unsafe.Sizeof(v4l2_requestbuffers{}))
	assert.Equal(t, uintptr(204), unsafe.Sizeof(v4l2_streamparm{}))

	if unsafe.Sizeof(uintptr(0)) == 8 {
		assert.Equal(t, uintptr(88), unsafe.Sizeof(v4l2_buffer{}))
		assert.Equal(t, uintptr(208), unsafe.Sizeof(v4l2_format{}))
		assert.Equal(t, uintptr(64), unsafe.Offsetof(v4l2_buffer{}.m))
	} else {
		assert.Equal(t, uintptr(68), unsafe.Sizeof(v4l2_buffer{}))
		assert.Equal(t, uintptr(204), unsafe.Sizeof(v4l2_format{}))
		assert.Equal(t, uintptr(52), unsafe.Offsetof(v4l2_buffer{}.m))
	}
}

func TestBufferUnion(t *testing.T) {
	var b v4l2_buffer
	b.setUserptr(0x1234)
	assert.Equal(t, uintptr(0x1234), b.userptr())

	// The mmap offset shares the first four bytes of the union.
	*(*uint32)(unsafe.Pointer(&b.m)) = 0x9000
	assert.Equal(t, uint32(0x9000), b.offset())
}

func TestUserBuffer(t *testing.T) {
	dst := make([]byte, 4096)
	b := userBuffer(3, dst[1024:])
	assert.Equal(t, uint32(3), b.index)
	assert.Equal(t, uint32(V4L2_BUF_TYPE_VIDEO_CAPTURE), b.typ)
	assert.Equal(t, uint32(V4L2_MEMORY_USERPTR), b.memory)
	assert.Equal(t, uint32(3072), b.length)
	assert.Equal(t, uintptr(unsafe.Pointer(&dst[1024])), b.userptr())
}

func TestIoctlNumbers(t *testing.T) {
	assert.Equal(t, uint(0x80685600), VIDIOC_QUERYCAP)
	assert.Equal(t, uint(0xc0145608), VIDIOC_REQBUFS)
	assert.Equal(t, uint(0x40045612), VIDIOC_STREAMON)
	assert.Equal(t, uint(0x40045613), VIDIOC_STREAMOFF)
	assert.Equal(t, uint(0xc0cc5616), VIDIOC_S_PARM)
	assert.Equal(t, uint(0xc008561c), VIDIOC_S_CTRL)

	if unsafe.Sizeof(uintptr(0)) == 8 {
		assert.Equal(t, uint(0xc0d05605), VIDIOC_S_FMT)
		assert.Equal(t, uint(0xc0585609), VIDIOC_QUERYBUF)
		assert.Equal(t, uint(0xc058560f), VIDIOC_QBUF)
		assert.Equal(t, uint(0xc0585611), VIDIOC_DQBUF)
	} else {
		assert.Equal(t, uint(0xc0cc5605), VIDIOC_S_FMT)
		assert.Equal(t, uint(0xc0445609), VIDIOC_QUERYBUF)
		assert.Equal(t, uint(0xc044560f), VIDIOC_QBUF)
		assert.Equal(t, uint(0xc0445611), VIDIOC_DQBUF)
	}
}

func TestFourCC(t *testing.T) {
	assert.Equal(t, uint32(0x47504a4d), V4L2_PIX_FMT_MJPEG)
	assert.Equal(t, uint32(0x52424752), V4L2_PIX_FMT_RGB565X)
}
