package png

import "errors"

// Decode failures wrap one of these sentinels; test with errors.Is.
// Every error is fatal to the decode in progress, no partial image is
// ever returned.
var (
	ErrTruncated         = errors.New("png: truncated stream")
	ErrChecksum          = errors.New("png: invalid checksum")
	ErrColorType         = errors.New("png: unsupported color type")
	ErrBitDepth          = errors.New("png: unsupported bit depth")
	ErrCompressionMethod = errors.New("png: unsupported compression method")
	ErrFilterMethod      = errors.New("png: unsupported filter method")
	ErrInterlaceMethod   = errors.New("png: unsupported interlace method")
	ErrCriticalChunk     = errors.New("png: unsupported critical chunk")
	ErrMissingIEND       = errors.New("png: missing IEND")
	ErrTrailingData      = errors.New("png: data after IEND")
	ErrMissingPLTE       = errors.New("png: missing PLTE")
	ErrUnknownFilter     = errors.New("png: unknown filter type")
	ErrTooLarge          = errors.New("png: dimensions exceed limit")
	ErrInflate           = errors.New("png: inflate failed")

	// ErrFormat covers residual malformations of critical chunks (bad
	// lengths, out-of-order chunks, palette overruns).
	ErrFormat = errors.New("png: invalid format")
)
