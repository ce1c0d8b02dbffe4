package resource

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/skyline93/wim/internal/compress"
	"github.com/skyline93/wim/internal/wim"
)

// Reader reads the bytes of one stream from its backing source. The backing
// handle is opened once and cached across chunk reads. In raw mode, reads
// yield the encoded (compressed) bytes of an archive-backed source verbatim,
// chunk table included.
type Reader struct {
	s   *wim.Stream
	raw bool

	file   *os.File      // FileSource handle, cached
	chunks *sourceChunks // ArchiveSource decompression state
}

// Open prepares a stream's source for reading.
func Open(s *wim.Stream, raw bool) (*Reader, error) {
	r := &Reader{s: s, raw: raw}

	switch src := s.Source.(type) {
	case *wim.FileSource:
		f, err := os.Open(src.Path)
		if err != nil {
			return nil, errors.Wrapf(wim.ErrOpen, "%s: %v", src.Path, err)
		}
		r.file = f
	case *wim.ArchiveSource:
		if !raw && s.Entry.IsCompressed() {
			dec, err := compress.DecompressorForType(src.Compression)
			if err != nil {
				return nil, err
			}
			r.chunks = &sourceChunks{
				src:   src.ReaderAt,
				entry: s.Entry,
				size:  s.Size,
				dec:   dec,
			}
		}
	case *wim.BufferSource, nil:
		if s.Source == nil && s.Size != 0 {
			return nil, errors.Wrap(wim.ErrOpen, "stream has no source")
		}
	}
	return r, nil
}

// ReadAt fills p with exactly len(p) bytes from logical offset off of the
// stream. In raw mode the offset is within the encoded form.
func (r *Reader) ReadAt(p []byte, off int64) error {
	if len(p) == 0 {
		return nil
	}

	switch src := r.s.Source.(type) {
	case *wim.FileSource:
		if _, err := r.file.ReadAt(p, off); err != nil {
			return errors.Wrapf(wim.ErrRead, "%s: %v", src.Path, err)
		}
		return nil
	case *wim.ArchiveSource:
		if r.chunks != nil {
			return r.chunks.readAt(p, off)
		}
		if _, err := src.ReaderAt.ReadAt(p, int64(r.s.Entry.Offset)+off); err != nil {
			return errors.Wrap(wim.ErrRead, err.Error())
		}
		return nil
	case *wim.BufferSource:
		if off < 0 || off+int64(len(p)) > int64(len(src.Data)) {
			return errors.Wrap(wim.ErrRead, "read beyond end of buffer")
		}
		copy(p, src.Data[off:])
		return nil
	}
	return errors.Wrap(wim.ErrRead, "stream has no source")
}

// Close releases the cached backing handle.
func (r *Reader) Close() error {
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}

// sourceChunks transparently decompresses an archive-backed source. The
// chunk offset table is loaded on first use; the most recently expanded
// chunk is kept for the sequential read pattern of the writers.
type sourceChunks struct {
	src   io.ReaderAt
	entry wim.ResourceEntry
	size  uint64
	dec   compress.Decompressor

	offsets []uint64 // numChunks+1 entries, payload-relative
	payload uint64   // absolute offset of chunk 0

	cachedIdx uint64
	cached    []byte
}

func (c *sourceChunks) load() error {
	if c.offsets != nil {
		return nil
	}

	numChunks := (c.size + wim.ChunkSize - 1) / wim.ChunkSize
	width := entryWidthFor(c.size)
	tableDiskSize := width * (numChunks - 1)

	b := make([]byte, tableDiskSize)
	if _, err := c.src.ReadAt(b, int64(c.entry.Offset)); err != nil {
		return errors.Wrap(wim.ErrRead, err.Error())
	}

	c.offsets = make([]uint64, numChunks+1)
	br := bytes.NewReader(b)
	for i := uint64(1); i < numChunks; i++ {
		if width == 8 {
			var v uint64
			if err := binary.Read(br, binary.LittleEndian, &v); err != nil {
				return errors.Wrap(wim.ErrRead, err.Error())
			}
			c.offsets[i] = v
		} else {
			var v uint32
			if err := binary.Read(br, binary.LittleEndian, &v); err != nil {
				return errors.Wrap(wim.ErrRead, err.Error())
			}
			c.offsets[i] = uint64(v)
		}
	}
	c.offsets[numChunks] = c.entry.Size - tableDiskSize
	c.payload = c.entry.Offset + tableDiskSize
	c.cachedIdx = numChunks // nothing cached yet
	return nil
}

// chunk returns the uncompressed bytes of chunk i.
func (c *sourceChunks) chunk(i uint64) ([]byte, error) {
	if err := c.load(); err != nil {
		return nil, err
	}
	if i == c.cachedIdx {
		return c.cached, nil
	}

	usize := uint64(wim.ChunkSize)
	if rem := c.size - i*wim.ChunkSize; rem < usize {
		usize = rem
	}
	csize := c.offsets[i+1] - c.offsets[i]

	raw := make([]byte, csize)
	if _, err := c.src.ReadAt(raw, int64(c.payload+c.offsets[i])); err != nil {
		return nil, errors.Wrap(wim.ErrRead, err.Error())
	}

	// A chunk whose encoded size equals its uncompressed size is stored
	// raw; there is no per-chunk marker bit.
	if csize == usize {
		c.cached = raw
	} else {
		buf := make([]byte, usize)
		if err := c.dec.Decompress(buf, raw); err != nil {
			return nil, err
		}
		c.cached = buf
	}
	c.cachedIdx = i
	return c.cached, nil
}

func (c *sourceChunks) readAt(p []byte, off int64) error {
	if off < 0 || uint64(off)+uint64(len(p)) > c.size {
		return errors.Wrap(wim.ErrRead, "read beyond end of stream")
	}

	pos := uint64(off)
	for len(p) > 0 {
		buf, err := c.chunk(pos / wim.ChunkSize)
		if err != nil {
			return err
		}
		n := copy(p, buf[pos%wim.ChunkSize:])
		p = p[n:]
		pos += uint64(n)
	}
	return nil
}
