// Package raster holds the decoder's output: an 8-bit RGBA pixel buffer
// plus the image metadata picked up along the way (pHYs resolution, tEXt
// properties, palette size).
package raster

import (
	"image"
	"image/color"
)

// Property is one tEXt keyword/value pair, in stream order.
type Property struct {
	Key   string
	Value string
}

type Image struct {
	Pix    []uint8 // R, G, B, A, four bytes per pixel, row-major
	Stride int
	Rect   image.Rectangle

	// DPIX and DPIY are zero unless the stream carried a pHYs chunk
	// with a known unit.
	DPIX, DPIY float64

	Text []Property

	// PaletteSize is the number of PLTE entries, 0 for non-paletted images.
	PaletteSize int
}

func New(w, h int) *Image {
	return &Image{
		Pix:    make([]uint8, 4*w*h),
		Stride: 4 * w,
		Rect:   image.Rect(0, 0, w, h),
	}
}

func (p *Image) ColorModel() color.Model { return color.NRGBAModel }

func (p *Image) Bounds() image.Rectangle { return p.Rect }

func (p *Image) At(x, y int) color.Color {
	if !(image.Point{x, y}.In(p.Rect)) {
		return color.NRGBA{}
	}
	i := p.PixOffset(x, y)
	return color.NRGBA{p.Pix[i], p.Pix[i+1], p.Pix[i+2], p.Pix[i+3]}
}

func (p *Image) PixOffset(x, y int) int {
	return (y-p.Rect.Min.Y)*p.Stride + (x-p.Rect.Min.X)*4
}

// NRGBA returns a stdlib view sharing the pixel buffer.
func (p *Image) NRGBA() *image.NRGBA {
	return &image.NRGBA{Pix: p.Pix, Stride: p.Stride, Rect: p.Rect}
}

// A Sink receives a decoded image. Zero limits mean unlimited.
type Sink struct {
	MaxWidth, MaxHeight int

	Img *Image
}

// Accepts reports whether an image of the given dimensions fits the
// sink's limits.
func (s *Sink) Accepts(w, h int) bool {
	if s.MaxWidth > 0 && w > s.MaxWidth {
		return false
	}
	if s.MaxHeight > 0 && h > s.MaxHeight {
		return false
	}
	return true
}

// Allocate creates the output buffer. The caller is expected to have
// checked Accepts first.
func (s *Sink) Allocate(w, h int) *Image {
	s.Img = New(w, h)
	return s.Img
}
