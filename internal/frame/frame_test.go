package frame

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromImageNativeSize(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	img.Set(1, 2, color.RGBA{R: 10, G: 20, B: 30, A: 255})

	f := FromImage(img, 0, 0)
	require.NoError(t, f.Validate())
	assert.Equal(t, 4, f.Width)
	assert.Equal(t, 3, f.Height)

	i := (2*4 + 1) * 4
	assert.Equal(t, []uint8{10, 20, 30, 255}, f.Pix[i:i+4])
}

func TestFromImageScales(t *testing.T) {
	img := image.NewUniform(color.RGBA{R: 200, A: 255})
	src := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			src.Set(x, y, img.C)
		}
	}

	f := FromImage(src, 16, 12)
	require.NoError(t, f.Validate())
	assert.Equal(t, uint8(200), f.Pix[0])
	assert.Equal(t, 16, f.Image().Bounds().Dx())
}

func TestCheckPair(t *testing.T) {
	a := New(4, 4)
	b := New(4, 4)
	c := New(5, 4)

	assert.NoError(t, CheckPair(a, b))
	assert.ErrorIs(t, CheckPair(a, c), ErrDimensionMismatch)

	bad := &Frame{Width: 2, Height: 2, Pix: make([]uint8, 3)}
	assert.ErrorIs(t, CheckPair(a, bad), ErrMalformedFrame)
	assert.ErrorIs(t, (*Frame)(nil).Validate(), ErrMalformedFrame)
}
