package color

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPack(t *testing.T) {
	assert.Equal(t, RGB565(0xf800), Pack(0xff, 0, 0))
	assert.Equal(t, RGB565(0x07e0), Pack(0, 0xff, 0))
	assert.Equal(t, RGB565(0x001f), Pack(0, 0, 0xff))
	assert.Equal(t, RGB565(0xffff), Pack(0xff, 0xff, 0xff))

	r, g, b, a := RGB565(0xffff).RGBA()
	assert.Equal(t, []uint32{0xffff, 0xffff, 0xffff, 0xffff}, []uint32{r, g, b, a})
}

func TestImageBigEndian(t *testing.T) {
	img := NewImage(image.Rect(0, 0, 2, 1))
	img.SetRGB565(1, 0, 0xf81f)
	assert.Equal(t, []byte{0, 0, 0xf8, 0x1f}, img.Pix)
	assert.Equal(t, RGB565(0xf81f), img.RGB565At(1, 0))

	// Out of bounds is ignored.
	img.SetRGB565(5, 5, 0xffff)
	assert.Equal(t, RGB565(0), img.RGB565At(5, 5))
}

func TestWrap(t *testing.T) {
	pix := make([]byte, 2*4*3+10)
	img, err := Wrap(pix, 4, 3)
	require.NoError(t, err)
	assert.Len(t, img.Pix, 24)

	img.Set(0, 0, color.White)
	assert.Equal(t, byte(0xff), pix[0], "shares memory")

	_, err = Wrap(pix[:10], 4, 3)
	assert.Error(t, err)
}

func TestConvert(t *testing.T) {
	r := image.Rect(0, 0, 8, 2)

	rgba := image.NewRGBA(r)
	for x := 0; x < 8; x++ {
		rgba.Set(x, 0, color.RGBA{0xff, 0, 0, 0xff})
		rgba.Set(x, 1, color.RGBA{0, 0, 0xff, 0xff})
	}
	dst := NewImage(r)
	Convert(dst, rgba)
	assert.Equal(t, RGB565(0xf800), dst.RGB565At(3, 0))
	assert.Equal(t, RGB565(0x001f), dst.RGB565At(7, 1))

	// Mid-gray YCbCr survives to within one 5-bit step.
	ycc := image.NewYCbCr(r, image.YCbCrSubsampleRatio420)
	for i := range ycc.Y {
		ycc.Y[i] = 128
	}
	for i := range ycc.Cb {
		ycc.Cb[i], ycc.Cr[i] = 128, 128
	}
	Convert(dst, ycc)
	assert.Equal(t, Pack(128, 128, 128), dst.RGB565At(0, 0))

	gray := image.NewGray(r)
	Convert(dst, gray)
	assert.Equal(t, RGB565(0), dst.RGB565At(5, 1))
}

func BenchmarkConvertYCbCrAtQVGA(b *testing.B) {
	r := image.Rect(0, 0, 320, 240)
	src := image.NewYCbCr(r, image.YCbCrSubsampleRatio420)
	dst := NewImage(r)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Convert(dst, src)
	}
}
