package raster

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImageAccess(t *testing.T) {
	img := New(3, 2)
	require.Equal(t, 3*2*4, len(img.Pix))
	assert.Equal(t, image.Rect(0, 0, 3, 2), img.Bounds())

	o := img.PixOffset(2, 1)
	img.Pix[o] = 10
	img.Pix[o+1] = 20
	img.Pix[o+2] = 30
	img.Pix[o+3] = 40
	assert.Equal(t, color.NRGBA{10, 20, 30, 40}, img.At(2, 1))
	assert.Equal(t, color.NRGBA{}, img.At(3, 0))
	assert.Equal(t, color.NRGBAModel, img.ColorModel())
}

func TestNRGBAViewSharesPixels(t *testing.T) {
	img := New(2, 2)
	view := img.NRGBA()
	view.Pix[0] = 0xee
	assert.Equal(t, uint8(0xee), img.Pix[0])
	assert.Equal(t, img.Bounds(), view.Bounds())
}

func TestSinkLimits(t *testing.T) {
	var s Sink
	assert.True(t, s.Accepts(1<<20, 1<<20), "zero limits accept anything")

	s = Sink{MaxWidth: 10, MaxHeight: 5}
	assert.True(t, s.Accepts(10, 5))
	assert.False(t, s.Accepts(11, 5))
	assert.False(t, s.Accepts(10, 6))

	img := s.Allocate(4, 3)
	require.NotNil(t, img)
	assert.Same(t, img, s.Img)
	assert.Equal(t, 4*3*4, len(img.Pix))
}
