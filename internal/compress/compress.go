// Package compress provides the per-chunk codecs used for stream payloads.
//
// A Compressor is a black box obeying one contract: it either produces
// strictly smaller output into a buffer of len(src)-1 bytes, or it reports
// ErrDidNotShrink. It never fails for any other reason; a would-be internal
// failure is reported as "did not shrink" and the chunk is stored raw.
package compress

import (
	"github.com/pkg/errors"

	"github.com/skyline93/wim/internal/wim"
)

// ErrDidNotShrink is the sentinel a Compressor returns when the chunk could
// not be compressed to smaller than its input.
var ErrDidNotShrink = errors.New("chunk did not shrink")

// Compressor compresses one chunk. dst must be at least len(src)-1 bytes;
// the return value is the number of bytes written to dst.
type Compressor interface {
	Compress(dst, src []byte) (int, error)
}

// Decompressor expands one chunk. dst must be exactly the uncompressed
// chunk size.
type Decompressor interface {
	Decompress(dst, src []byte) error
}

// ForType returns the codec for a compression type. CompressionNone has no
// codec and, like any unregistered type, yields ErrInvalidParam.
func ForType(t wim.CompressionType) (Compressor, error) {
	c, ok := codecs[t]
	if !ok {
		return nil, errors.Wrapf(wim.ErrInvalidParam, "no compressor for %v", t)
	}
	return c, nil
}

// DecompressorForType returns the matching decompressor.
func DecompressorForType(t wim.CompressionType) (Decompressor, error) {
	c, ok := codecs[t]
	if !ok {
		return nil, errors.Wrapf(wim.ErrInvalidParam, "no decompressor for %v", t)
	}
	return c, nil
}

type codec interface {
	Compressor
	Decompressor
}

var codecs = map[wim.CompressionType]codec{}

// Register installs the codec for a compression type. Called from package
// init; a bitstream-faithful implementation can replace a default here.
func Register(t wim.CompressionType, c codec) {
	codecs[t] = c
}
