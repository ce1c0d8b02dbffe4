package compress

import (
	"bytes"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"

	"github.com/skyline93/wim/internal/wim"
)

// The xpress and lzx tags are served by DEFLATE chunk codecs at different
// effort levels. The container format is agnostic to the chunk bitstream;
// only the did-not-shrink contract and determinism matter here.
func init() {
	Register(wim.CompressionXPRESS, newDeflateCodec(flate.DefaultCompression))
	Register(wim.CompressionLZX, newDeflateCodec(flate.BestCompression))
}

type deflateCodec struct {
	level   int
	writers sync.Pool
	readers sync.Pool
}

func newDeflateCodec(level int) *deflateCodec {
	return &deflateCodec{level: level}
}

// errTooLarge aborts the deflate writer once output reaches the cap.
var errTooLarge = errors.New("compressed output reached input size")

// cappedWriter fails any write that would grow the buffer past its capacity.
type cappedWriter struct {
	buf []byte
	cap int
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	if len(w.buf)+len(p) > w.cap {
		return 0, errTooLarge
	}
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (c *deflateCodec) Compress(dst, src []byte) (int, error) {
	if len(src) < 2 {
		return 0, ErrDidNotShrink
	}

	cw := &cappedWriter{buf: dst[:0], cap: len(src) - 1}

	fw, _ := c.writers.Get().(*flate.Writer)
	if fw == nil {
		var err error
		fw, err = flate.NewWriter(cw, c.level)
		if err != nil {
			return 0, ErrDidNotShrink
		}
	} else {
		fw.Reset(cw)
	}
	defer c.writers.Put(fw)

	if _, err := fw.Write(src); err != nil {
		return 0, ErrDidNotShrink
	}
	if err := fw.Close(); err != nil {
		return 0, ErrDidNotShrink
	}
	return len(cw.buf), nil
}

func (c *deflateCodec) Decompress(dst, src []byte) error {
	fr, _ := c.readers.Get().(io.ReadCloser)
	if fr == nil {
		fr = flate.NewReader(bytes.NewReader(src))
	} else if err := fr.(flate.Resetter).Reset(bytes.NewReader(src), nil); err != nil {
		return errors.Wrap(wim.ErrRead, err.Error())
	}
	defer c.readers.Put(fr)

	if _, err := io.ReadFull(fr, dst); err != nil {
		return errors.Wrap(wim.ErrRead, err.Error())
	}
	return nil
}
