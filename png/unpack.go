package png

import "fmt"

// scale factors turning a sub-byte grayscale sample into an 8-bit
// intensity: v * 0xff / (1<<depth - 1).
var grayScale = map[uint8]uint8{1: 0xff, 2: 0x55, 4: 0x11}

// unpackRow converts one defiltered scanline into RGBA samples written
// straight into the output raster. For a non-interlaced image xOffset is
// 0 and xStep is 1; for an Adam7 pass they scatter sub-image column k to
// raster column xOffset + k*xStep on row y.
func (d *decoder) unpackRow(cdat []byte, width, y, xOffset, xStep int) error {
	pix := d.sink.Img.Pix
	o := d.sink.Img.PixOffset(xOffset, y)
	step := 4 * xStep

	switch d.h.ct {
	case ctGrayscale:
		switch d.h.depth {
		case 1, 2, 4:
			dep := int(d.h.depth)
			mask := uint8(1<<d.h.depth - 1)
			sc := grayScale[d.h.depth]
			for k := 0; k < width; k++ {
				b := cdat[k*dep/8]
				v := (b >> (8 - dep - k*dep%8) & mask) * sc
				pix[o] = v
				pix[o+1] = v
				pix[o+2] = v
				pix[o+3] = 0xff
				o += step
			}
		case 8:
			for k := 0; k < width; k++ {
				v := cdat[k]
				pix[o] = v
				pix[o+1] = v
				pix[o+2] = v
				pix[o+3] = 0xff
				o += step
			}
		case 16:
			for k := 0; k < width; k++ {
				v := cdat[2*k]
				pix[o] = v
				pix[o+1] = v
				pix[o+2] = v
				pix[o+3] = 0xff
				o += step
			}
		}

	case ctGrayscaleAlpha:
		if d.h.depth == 8 {
			for k := 0; k < width; k++ {
				v := cdat[2*k]
				pix[o] = v
				pix[o+1] = v
				pix[o+2] = v
				pix[o+3] = cdat[2*k+1]
				o += step
			}
		} else {
			for k := 0; k < width; k++ {
				v := cdat[4*k]
				pix[o] = v
				pix[o+1] = v
				pix[o+2] = v
				pix[o+3] = cdat[4*k+2]
				o += step
			}
		}

	case ctTrueColor:
		if d.h.depth == 8 {
			for k := 0; k < width; k++ {
				pix[o] = cdat[3*k]
				pix[o+1] = cdat[3*k+1]
				pix[o+2] = cdat[3*k+2]
				pix[o+3] = 0xff
				o += step
			}
		} else {
			for k := 0; k < width; k++ {
				pix[o] = cdat[6*k]
				pix[o+1] = cdat[6*k+2]
				pix[o+2] = cdat[6*k+4]
				pix[o+3] = 0xff
				o += step
			}
		}

	case ctTrueColorAlpha:
		if d.h.depth == 8 {
			copyRGBA(pix, o, step, cdat, width)
		} else {
			for k := 0; k < width; k++ {
				pix[o] = cdat[8*k]
				pix[o+1] = cdat[8*k+2]
				pix[o+2] = cdat[8*k+4]
				pix[o+3] = cdat[8*k+6]
				o += step
			}
		}

	case ctPaletted:
		np := len(d.palette) / 3
		dep := int(d.h.depth)
		mask := uint8(1<<d.h.depth - 1)
		for k := 0; k < width; k++ {
			idx := int(cdat[k*dep/8] >> (8 - dep - k*dep%8) & mask)
			if idx >= np {
				return fmt.Errorf("%w: palette index %d out of range", ErrFormat, idx)
			}
			a := uint8(0xff)
			if d.trns != nil && idx < len(d.trns) {
				a = d.trns[idx]
			}
			if a == 0 {
				// Fully transparent pixels come out black.
				pix[o] = 0
				pix[o+1] = 0
				pix[o+2] = 0
				pix[o+3] = 0
			} else {
				pix[o] = d.palette[3*idx]
				pix[o+1] = d.palette[3*idx+1]
				pix[o+2] = d.palette[3*idx+2]
				pix[o+3] = a
			}
			o += step
		}
	}
	return nil
}

func copyRGBA(pix []uint8, o, step int, cdat []byte, width int) {
	if step == 4 {
		copy(pix[o:], cdat[:4*width])
		return
	}
	for k := 0; k < width; k++ {
		copy(pix[o:o+4], cdat[4*k:])
		o += step
	}
}
