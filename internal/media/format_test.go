package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePixelFormat(t *testing.T) {
	f, err := ParsePixelFormat("RAW")
	require.NoError(t, err)
	assert.Equal(t, RGB565, f)

	f, err = ParsePixelFormat("jpg")
	require.NoError(t, err)
	assert.Equal(t, JPEG, f)

	_, err = ParsePixelFormat("yuyv")
	assert.Error(t, err)

	assert.Equal(t, "jpeg", JPEG.String())
	assert.Equal(t, 2, RGB565.BytesPerPixel())
	assert.Equal(t, 0, JPEG.BytesPerPixel())
}

func TestPixelFormatText(t *testing.T) {
	var f PixelFormat
	require.NoError(t, f.UnmarshalText([]byte("jpeg")))
	assert.Equal(t, JPEG, f)

	text, err := RGB565.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "rgb565", string(text))
}

func TestParseResolution(t *testing.T) {
	r, err := ParseResolution("320x240")
	require.NoError(t, err)
	assert.Equal(t, Resolution{320, 240}, r)
	assert.Equal(t, "320x240", r.String())
	assert.Equal(t, 320*240*2, r.FrameSize(RGB565))

	_, err = ParseResolution("320")
	assert.Error(t, err)
	_, err = ParseResolution("0x240")
	assert.Error(t, err)
}
