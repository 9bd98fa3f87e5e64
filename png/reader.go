// Package png decodes PNG streams into 8-bit RGBA rasters.
//
// The chunk container, CRC validation, scanline defiltering, sample
// unpacking for all five color types and Adam7 interlacing are handled
// here; zlib inflation is delegated to klauspost's compress.
// The PNG specification is at https://www.w3.org/TR/PNG/.
package png

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/zlib"

	"pngd/raster"
)

// Chunk kind, the closed set this decoder dispatches on. Anything else
// is skipped when ancillary and fatal when critical.
type chunkKind int

const (
	ckUnknown chunkKind = iota
	ckIHDR
	ckPLTE
	ckIDAT
	ckIEND
	cktRNS
	ckpHYs
	cktEXt
)

func kindOf(typ []byte) chunkKind {
	switch string(typ) {
	case "IHDR":
		return ckIHDR
	case "PLTE":
		return ckPLTE
	case "IDAT":
		return ckIDAT
	case "IEND":
		return ckIEND
	case "tRNS":
		return cktRNS
	case "pHYs":
		return ckpHYs
	case "tEXt":
		return cktEXt
	}
	return ckUnknown
}

// Decoding stage. IHDR must come first, PLTE and tRNS before the first
// IDAT, IDAT chunks must be contiguous, IEND last.
// https://www.w3.org/TR/PNG/#5ChunkOrdering
const (
	dsStart = iota
	dsSeenIHDR
	dsSeenIDAT
	dsAfterIDAT
	dsSeenIEND
)

const pngHeader = "\x89PNG\r\n\x1a\n"

// metersPerInch converts pHYs pixels-per-meter into DPI.
const metersPerInch = 39.3700787

type decoder struct {
	r     io.Reader
	sink  *raster.Sink
	crc   hash.Hash32
	stage int
	h     header

	palette []byte // 3 bytes per entry, straight from PLTE
	trns    []byte // per-entry alpha, shorter than the palette is fine
	idat    []byte

	tmp [4096]byte
}

// Decode reads a PNG image from r with no dimension limits.
func Decode(r io.Reader) (*raster.Image, error) {
	var s raster.Sink
	if err := DecodeTo(r, &s); err != nil {
		return nil, err
	}
	return s.Img, nil
}

// DecodeTo reads a PNG image from r into the given sink. The sink's
// limits are checked once the header is parsed, before any pixel
// allocation. On error the sink holds no image.
func DecodeTo(r io.Reader, sink *raster.Sink) error {
	d := &decoder{
		r:    r,
		sink: sink,
		crc:  crc32.NewIEEE(),
	}
	err := d.decode()
	if err != nil {
		sink.Img = nil
	}
	return err
}

func (d *decoder) decode() error {
	if err := d.skipSignature(); err != nil {
		return err
	}
	for d.stage != dsSeenIEND {
		if err := d.parseChunk(); err != nil {
			return err
		}
	}
	// Anything after IEND is an error, even a single byte.
	if _, err := io.ReadFull(d.r, d.tmp[:1]); err == nil {
		return ErrTrailingData
	}
	return d.readPixels()
}

// skipSignature advances past the 8 signature bytes without inspecting
// them.
func (d *decoder) skipSignature() error {
	if _, err := io.ReadFull(d.r, d.tmp[:len(pngHeader)]); err != nil {
		return fmt.Errorf("%w: signature", ErrTruncated)
	}
	return nil
}

// readFull wraps io.ReadFull, folding both EOF flavors into ErrTruncated:
// once a chunk is underway, running out of bytes is a truncation.
func (d *decoder) readFull(p []byte, what string) error {
	if _, err := io.ReadFull(d.r, p); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return fmt.Errorf("%w: %s", ErrTruncated, what)
		}
		return err
	}
	return nil
}

func (d *decoder) parseChunk() error {
	// Read the length and chunk type.
	_, err := io.ReadFull(d.r, d.tmp[:8])
	if err == io.EOF {
		// A clean end between chunks means the stream just stopped
		// short of IEND.
		return ErrMissingIEND
	}
	if err == io.ErrUnexpectedEOF {
		return fmt.Errorf("%w: chunk header", ErrTruncated)
	}
	if err != nil {
		return err
	}
	length := binary.BigEndian.Uint32(d.tmp[:4])
	if length > 0x7fffffff {
		return fmt.Errorf("%w: chunk length %d", ErrFormat, length)
	}
	typ := d.tmp[4:8]
	d.crc.Reset()
	d.crc.Write(typ)

	kind := kindOf(typ)
	ancillary := typ[0]&0x20 != 0

	if d.stage == dsStart && kind != ckIHDR {
		return fmt.Errorf("%w: IHDR not first", ErrFormat)
	}

	switch kind {
	case ckIHDR:
		if d.stage != dsStart {
			return fmt.Errorf("%w: duplicate IHDR", ErrFormat)
		}
		if err := d.parseIHDR(length); err != nil {
			return err
		}
		d.stage = dsSeenIHDR
		return nil

	case ckPLTE:
		if d.stage != dsSeenIHDR || d.palette != nil {
			return fmt.Errorf("%w: misplaced PLTE", ErrFormat)
		}
		return d.parsePLTE(length)

	case cktRNS:
		if d.stage != dsSeenIHDR {
			return fmt.Errorf("%w: misplaced tRNS", ErrFormat)
		}
		return d.parsetRNS(length)

	case ckpHYs:
		if d.stage != dsSeenIHDR {
			return d.skipAncillary(length)
		}
		return d.parsepHYs(length)

	case cktEXt:
		if d.stage != dsSeenIHDR {
			return d.skipAncillary(length)
		}
		return d.parsetEXt(length)

	case ckIDAT:
		switch d.stage {
		case dsSeenIHDR:
			if d.h.ct == ctPaletted && d.palette == nil {
				return ErrMissingPLTE
			}
			d.stage = dsSeenIDAT
		case dsSeenIDAT:
			// Contiguous run continues.
		default:
			return fmt.Errorf("%w: non-contiguous IDAT", ErrFormat)
		}
		return d.parseIDAT(length)

	case ckIEND:
		if d.stage != dsSeenIDAT && d.stage != dsAfterIDAT {
			return fmt.Errorf("%w: IEND before image data", ErrFormat)
		}
		if length != 0 {
			return fmt.Errorf("%w: bad IEND length", ErrFormat)
		}
		if err := d.verifyChecksum(); err != nil {
			return err
		}
		d.stage = dsSeenIEND
		return nil
	}

	if !ancillary {
		return fmt.Errorf("%w: %q", ErrCriticalChunk, string(typ))
	}
	return d.skipAncillary(length)
}

// skipAncillary discards an ancillary chunk; one landing after image
// data terminates the IDAT run for good.
func (d *decoder) skipAncillary(length uint32) error {
	if d.stage == dsSeenIDAT {
		d.stage = dsAfterIDAT
	}
	return d.skipChunk(length)
}

// skipChunk consumes and discards an ancillary chunk's payload; the CRC
// is still checked.
func (d *decoder) skipChunk(length uint32) error {
	for length > 0 {
		n := len(d.tmp)
		if uint32(n) > length {
			n = int(length)
		}
		if err := d.readFull(d.tmp[:n], "chunk payload"); err != nil {
			return err
		}
		d.crc.Write(d.tmp[:n])
		length -= uint32(n)
	}
	return d.verifyChecksum()
}

func (d *decoder) verifyChecksum() error {
	if err := d.readFull(d.tmp[:4], "chunk crc"); err != nil {
		return err
	}
	if binary.BigEndian.Uint32(d.tmp[:4]) != d.crc.Sum32() {
		return ErrChecksum
	}
	return nil
}

func (d *decoder) parseIHDR(length uint32) error {
	if length != 13 {
		return fmt.Errorf("%w: bad IHDR length", ErrFormat)
	}
	if err := d.readFull(d.tmp[:13], "IHDR"); err != nil {
		return err
	}
	d.crc.Write(d.tmp[:13])
	// verifyChecksum reads the stored CRC into tmp[:4], so the
	// dimensions are taken out first.
	w := int64(binary.BigEndian.Uint32(d.tmp[0:4]))
	h := int64(binary.BigEndian.Uint32(d.tmp[4:8]))
	if err := d.verifyChecksum(); err != nil {
		return err
	}

	if w < 1 || h < 1 {
		return fmt.Errorf("%w: non-positive dimension", ErrFormat)
	}
	// 4 output bytes per pixel must stay addressable.
	if w*h > (1<<31-1)/4 {
		return fmt.Errorf("%w: dimension overflow", ErrFormat)
	}
	if err := d.h.validate(d.tmp[8], d.tmp[9], d.tmp[10], d.tmp[11], d.tmp[12]); err != nil {
		return err
	}
	d.h.width, d.h.height = int(w), int(h)

	if !d.sink.Accepts(d.h.width, d.h.height) {
		return fmt.Errorf("%w: %dx%d", ErrTooLarge, w, h)
	}
	d.sink.Allocate(d.h.width, d.h.height)
	return nil
}

func (d *decoder) parsePLTE(length uint32) error {
	if length == 0 || length%3 != 0 || length/3 > 256 {
		return fmt.Errorf("%w: bad PLTE length %d", ErrFormat, length)
	}
	d.palette = make([]byte, length)
	if err := d.readFull(d.palette, "PLTE"); err != nil {
		return err
	}
	d.crc.Write(d.palette)
	if err := d.verifyChecksum(); err != nil {
		return err
	}
	d.sink.Img.PaletteSize = int(length / 3)
	return nil
}

func (d *decoder) parsetRNS(length uint32) error {
	if length > 256 {
		// No palette has that many entries; drop it like any other
		// malformed ancillary chunk.
		return d.skipChunk(length)
	}
	d.trns = make([]byte, length)
	if err := d.readFull(d.trns, "tRNS"); err != nil {
		return err
	}
	d.crc.Write(d.trns)
	return d.verifyChecksum()
}

func (d *decoder) parsepHYs(length uint32) error {
	if length != 9 {
		return d.skipChunk(length)
	}
	if err := d.readFull(d.tmp[:9], "pHYs"); err != nil {
		return err
	}
	d.crc.Write(d.tmp[:9])
	if err := d.verifyChecksum(); err != nil {
		return err
	}
	if d.tmp[8] == 1 { // unit is the meter
		x := binary.BigEndian.Uint32(d.tmp[0:4])
		y := binary.BigEndian.Uint32(d.tmp[4:8])
		d.sink.Img.DPIX = float64(x) / metersPerInch
		d.sink.Img.DPIY = float64(y) / metersPerInch
	}
	return nil
}

func (d *decoder) parsetEXt(length uint32) error {
	buf := make([]byte, length)
	if err := d.readFull(buf, "tEXt"); err != nil {
		return err
	}
	d.crc.Write(buf)
	if err := d.verifyChecksum(); err != nil {
		return err
	}
	nul := bytes.IndexByte(buf, 0)
	if nul < 0 {
		// Malformed text chunks are dropped, not fatal.
		return nil
	}
	d.sink.Img.Text = append(d.sink.Img.Text, raster.Property{
		Key:   latin1(buf[:nul]),
		Value: latin1(buf[nul+1:]),
	})
	return nil
}

// latin1 decodes ISO 8859-1 bytes, each byte being the code point.
func latin1(b []byte) string {
	rs := make([]rune, len(b))
	for i, c := range b {
		rs[i] = rune(c)
	}
	return string(rs)
}

func (d *decoder) parseIDAT(length uint32) error {
	n := len(d.idat)
	d.idat = append(d.idat, make([]byte, length)...)
	if err := d.readFull(d.idat[n:], "IDAT"); err != nil {
		return err
	}
	d.crc.Write(d.idat[n:])
	return d.verifyChecksum()
}

// readPixels inflates the accumulated IDAT payload and runs the
// defilter/unpack pipeline, once for the whole image or once per Adam7
// pass.
func (d *decoder) readPixels() error {
	zr, err := zlib.NewReader(bytes.NewReader(d.idat))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInflate, err)
	}
	defer zr.Close()

	if d.h.interlace == itNone {
		full := interlaceScan{1, 1, 0, 0}
		if err := d.readPass(zr, full, d.h.width, d.h.height); err != nil {
			return err
		}
	} else {
		for _, p := range interlacing {
			w, h := passSize(p, d.h.width, d.h.height)
			if w == 0 || h == 0 {
				continue
			}
			if err := d.readPass(zr, p, w, h); err != nil {
				return err
			}
		}
	}

	switch _, err := io.ReadFull(zr, d.tmp[:1]); err {
	case io.EOF:
		return nil
	case nil:
		return fmt.Errorf("%w: too much pixel data", ErrFormat)
	default:
		// The zlib trailer did not check out.
		return fmt.Errorf("%w: %v", ErrInflate, err)
	}
}

// readPass defilters and unpacks one pass, scattering samples into the
// raster at the pass's offsets and factors.
func (d *decoder) readPass(r io.Reader, p interlaceScan, width, height int) error {
	bytesPerPixel := d.h.bytesPerPixel()

	// The +1 is for the per-row filter type, which is at cr[0].
	rowSize := 1 + d.h.rowBytes(width)
	// cr and pr are the bytes for the current and previous row.
	cr := make([]uint8, rowSize)
	pr := make([]uint8, rowSize)

	for j := 0; j < height; j++ {
		if _, err := io.ReadFull(r, cr); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return fmt.Errorf("%w: not enough pixel data", ErrTruncated)
			}
			return fmt.Errorf("%w: %v", ErrInflate, err)
		}
		cdat := cr[1:]
		pdat := pr[1:]
		if err := defilter(cr[0], cdat, pdat, bytesPerPixel); err != nil {
			return err
		}
		if err := d.unpackRow(cdat, width, p.yOffset+j*p.yFactor, p.xOffset, p.xFactor); err != nil {
			return err
		}
		// The current row for j is the previous row for j+1.
		pr, cr = cr, pr
	}
	return nil
}
