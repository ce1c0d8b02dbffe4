package resource

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/skyline93/wim/internal/wim"
)

// File is the output the writers target: a native sequential file with
// absolute seek, truncation and fsync.
type File interface {
	io.Writer
	io.Seeker
	Truncate(size int64) error
	Sync() error
}

// ChunkTable collects the payload-relative offset of every chunk of one
// compressed stream. The on-disk form omits offsets[0] (always zero), so the
// reserved space is entryWidth*(n-1) bytes.
type ChunkTable struct {
	FileOffset    int64
	NumChunks     uint64
	originalSize  uint64
	entryWidth    uint64
	tableDiskSize uint64
	curOffset     uint64
	offsets       []uint64
}

// entryWidthFor returns the chunk table entry width for a stream of the
// given uncompressed size.
func entryWidthFor(size uint64) uint64 {
	if size >= 1<<32 {
		return 8
	}
	return 4
}

// BeginChunkTable initializes a chunk table for the stream and reserves
// space for it at fileOffset by writing that many zero bytes.
func BeginChunkTable(size uint64, out File, fileOffset int64) (*ChunkTable, error) {
	numChunks := (size + wim.ChunkSize - 1) / wim.ChunkSize
	t := &ChunkTable{
		FileOffset:   fileOffset,
		NumChunks:    numChunks,
		originalSize: size,
		entryWidth:   entryWidthFor(size),
		offsets:      make([]uint64, 0, numChunks),
	}
	t.tableDiskSize = t.entryWidth * (numChunks - 1)

	if _, err := out.Write(make([]byte, t.tableDiskSize)); err != nil {
		return nil, errors.Wrap(wim.ErrWrite, err.Error())
	}
	return t, nil
}

// Add records the offset of the next chunk and advances the running payload
// offset by its encoded size.
func (t *ChunkTable) Add(outChunkSize uint64) {
	t.offsets = append(t.offsets, t.curOffset)
	t.curOffset += outChunkSize
}

// Finish seeks back to the reserved space, writes offsets[1..n] in
// little-endian, seeks to the end, and returns the total encoded size of the
// stream (payload plus table).
func (t *ChunkTable) Finish(out File) (uint64, error) {
	if _, err := out.Seek(t.FileOffset, io.SeekStart); err != nil {
		return 0, errors.Wrap(wim.ErrWrite, err.Error())
	}

	b := make([]byte, 0, t.tableDiskSize)
	for _, off := range t.offsets[1:] {
		if t.entryWidth == 8 {
			b = binary.LittleEndian.AppendUint64(b, off)
		} else {
			b = binary.LittleEndian.AppendUint32(b, uint32(off))
		}
	}
	if _, err := out.Write(b); err != nil {
		return 0, errors.Wrap(wim.ErrWrite, err.Error())
	}

	if _, err := out.Seek(0, io.SeekEnd); err != nil {
		return 0, errors.Wrap(wim.ErrWrite, err.Error())
	}
	return t.curOffset + t.tableDiskSize, nil
}
