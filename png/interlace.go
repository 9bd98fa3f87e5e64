package png

// Interlace type.
const (
	itNone  = 0
	itAdam7 = 1
)

// interlaceScan defines the placement and size of a pass for Adam7 interlacing.
type interlaceScan struct {
	xFactor, yFactor, xOffset, yOffset int
}

// interlacing defines Adam7 interlacing, with 7 passes of reduced images.
// See https://www.w3.org/TR/PNG/#8Interlace
var interlacing = []interlaceScan{
	{8, 8, 0, 0},
	{8, 8, 4, 0},
	{4, 8, 0, 4},
	{4, 4, 2, 0},
	{2, 4, 0, 2},
	{2, 2, 1, 0},
	{1, 2, 0, 1},
}

// passSize returns the sub-image dimensions of one Adam7 pass. Either may
// be zero, in which case the pass contributes no bytes to the stream.
func passSize(p interlaceScan, width, height int) (w, h int) {
	// Add the factor and subtract one, effectively rounding up.
	w = (width - p.xOffset + p.xFactor - 1) / p.xFactor
	h = (height - p.yOffset + p.yFactor - 1) / p.yFactor
	if w < 0 {
		w = 0
	}
	if h < 0 {
		h = 0
	}
	return
}
