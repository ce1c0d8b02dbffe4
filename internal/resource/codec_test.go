package resource

import (
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyline93/wim/internal/wim"
)

func tempOut(t *testing.T) *os.File {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(t.TempDir(), "out.wim"), os.O_RDWR|os.O_CREATE, 0644)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func compressible(seed int64, n int) []byte {
	b := make([]byte, n)
	rnd := rand.New(rand.NewSource(seed))
	for i := range b {
		b[i] = byte(rnd.Intn(8))
	}
	return b
}

func bufferStream(data []byte) *wim.Stream {
	return &wim.Stream{
		Size:   uint64(len(data)),
		Source: &wim.BufferSource{Data: data},
	}
}

// readBack reads the just-written stream out of the output file through the
// archive-backed reader path.
func readBack(t *testing.T, f *os.File, s *wim.Stream, ctype wim.CompressionType) []byte {
	t.Helper()
	back := &wim.Stream{
		Hash:   s.Hash,
		Size:   s.OutEntry.OriginalSize,
		Entry:  s.OutEntry,
		Source: &wim.ArchiveSource{ReaderAt: f, Compression: ctype},
	}
	rd, err := Open(back, false)
	require.NoError(t, err)
	defer rd.Close()

	buf := make([]byte, back.Size)
	require.NoError(t, rd.ReadAt(buf, 0))
	return buf
}

func TestWriteStreamSizes(t *testing.T) {
	out := tempOut(t)

	empty := bufferStream(nil)
	oneChunk := bufferStream(compressible(1, wim.ChunkSize))
	fourChunks := bufferStream(compressible(2, 100000))

	for _, s := range []*wim.Stream{empty, oneChunk, fourChunks} {
		require.NoError(t, WriteStream(s, out, wim.CompressionXPRESS, 0))
	}

	// The empty stream contributes no bytes and no chunk table.
	assert.Equal(t, uint64(0), empty.OutEntry.Size)
	assert.Equal(t, uint64(0), empty.OutEntry.Offset)

	// One chunk: the chunk table has n-1 = 0 entries on disk.
	assert.Equal(t, uint64(0), oneChunk.OutEntry.Offset)
	assert.True(t, oneChunk.OutEntry.IsCompressed())
	assert.Less(t, oneChunk.OutEntry.Size, uint64(wim.ChunkSize))

	// Four chunks: three 4-byte table entries precede the payload.
	assert.Equal(t, oneChunk.OutEntry.End(), fourChunks.OutEntry.Offset)
	assert.Equal(t, uint64(100000), fourChunks.OutEntry.OriginalSize)
	table := make([]byte, 12)
	_, err := out.ReadAt(table, int64(fourChunks.OutEntry.Offset))
	require.NoError(t, err)

	// Chunk offsets are strictly increasing.
	prev := uint64(0)
	for i := 0; i < 3; i++ {
		off := uint64(table[i*4]) | uint64(table[i*4+1])<<8 | uint64(table[i*4+2])<<16 | uint64(table[i*4+3])<<24
		assert.Greater(t, off, prev)
		prev = off
	}

	assert.Equal(t, compressible(1, wim.ChunkSize), readBack(t, out, oneChunk, wim.CompressionXPRESS))
	assert.Equal(t, compressible(2, 100000), readBack(t, out, fourChunks, wim.CompressionXPRESS))
}

func TestWriteStreamRoundTripAllTypes(t *testing.T) {
	for _, ctype := range []wim.CompressionType{wim.CompressionNone, wim.CompressionXPRESS, wim.CompressionLZX} {
		out := tempOut(t)
		data := compressible(3, 3*wim.ChunkSize+517)
		s := bufferStream(data)

		require.NoError(t, WriteStream(s, out, ctype, 0))
		assert.Equal(t, wim.Hash(data), s.Hash)
		assert.Equal(t, data, readBack(t, out, s, ctype), "%v", ctype)
	}
}

func TestEntryWidth(t *testing.T) {
	assert.Equal(t, uint64(4), entryWidthFor(0))
	assert.Equal(t, uint64(4), entryWidthFor(1<<32-1))
	assert.Equal(t, uint64(8), entryWidthFor(1<<32))
	assert.Equal(t, uint64(8), entryWidthFor(1<<32+1))
}

func TestAntiExpansionFallback(t *testing.T) {
	out := tempOut(t)

	data := make([]byte, 2*wim.ChunkSize)
	rand.New(rand.NewSource(4)).Read(data)
	s := bufferStream(data)

	require.NoError(t, WriteStream(s, out, wim.CompressionLZX, 0))

	// Incompressible input must end up stored uncompressed.
	assert.False(t, s.OutEntry.IsCompressed())
	assert.Equal(t, uint64(len(data)), s.OutEntry.Size)
	assert.Equal(t, uint64(len(data)), s.OutEntry.OriginalSize)

	// The file was truncated back to exactly the uncompressed size.
	end, err := out.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(s.OutEntry.Offset)+int64(len(data)), end)

	assert.Equal(t, data, readBack(t, out, s, wim.CompressionLZX))
}

func TestRawCopyIdempotence(t *testing.T) {
	src := tempOut(t)
	data := compressible(5, 100000)
	first := bufferStream(data)
	require.NoError(t, WriteStream(first, src, wim.CompressionLZX, 0))

	encoded := make([]byte, first.OutEntry.Size)
	_, err := src.ReadAt(encoded, int64(first.OutEntry.Offset))
	require.NoError(t, err)

	// Re-writing with the same output type must copy the bytes verbatim.
	second := &wim.Stream{
		Hash:   first.Hash,
		Size:   first.Size,
		Entry:  first.OutEntry,
		Source: &wim.ArchiveSource{ReaderAt: src, Compression: wim.CompressionLZX},
	}
	dst := tempOut(t)
	require.NoError(t, WriteStream(second, dst, wim.CompressionLZX, 0))

	copied := make([]byte, second.OutEntry.Size)
	_, err = dst.ReadAt(copied, int64(second.OutEntry.Offset))
	require.NoError(t, err)
	assert.Equal(t, encoded, copied)
	assert.True(t, second.OutEntry.IsCompressed())
}

func TestRecompressBypassesRawCopy(t *testing.T) {
	src := tempOut(t)
	data := compressible(6, 70000)
	first := bufferStream(data)
	require.NoError(t, WriteStream(first, src, wim.CompressionXPRESS, 0))

	second := &wim.Stream{
		Hash:   first.Hash,
		Size:   first.Size,
		Entry:  first.OutEntry,
		Source: &wim.ArchiveSource{ReaderAt: src, Compression: wim.CompressionXPRESS},
	}
	dst := tempOut(t)
	require.NoError(t, WriteStream(second, dst, wim.CompressionXPRESS, Recompress))
	assert.Equal(t, data, readBack(t, dst, second, wim.CompressionXPRESS))
}

func TestNoneToNoneUpdatesHash(t *testing.T) {
	out := tempOut(t)
	data := compressible(7, 1000)
	s := bufferStream(data)

	// A none -> none copy is not a raw copy: it goes through the chunk
	// loop and computes the hash.
	require.NoError(t, WriteStream(s, out, wim.CompressionNone, 0))
	assert.Equal(t, wim.Hash(data), s.Hash)
	assert.False(t, s.OutEntry.IsCompressed())
	assert.Equal(t, uint64(len(data)), s.OutEntry.Size)
}

func TestHashMismatch(t *testing.T) {
	out := tempOut(t)
	s := bufferStream(compressible(8, 5000))
	s.Hash = wim.Hash([]byte("something else"))

	err := WriteStream(s, out, wim.CompressionXPRESS, 0)
	assert.ErrorIs(t, err, wim.ErrInvalidResourceHash)
}

func TestFileSourceRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data")
	data := compressible(9, 12345)
	require.NoError(t, os.WriteFile(path, data, 0644))

	s := &wim.Stream{
		Size:   uint64(len(data)),
		Source: &wim.FileSource{Path: path},
	}
	out := tempOut(t)
	require.NoError(t, WriteStream(s, out, wim.CompressionLZX, 0))
	assert.Equal(t, wim.Hash(data), s.Hash)
	assert.Equal(t, data, readBack(t, out, s, wim.CompressionLZX))
}

func TestMissingFileSource(t *testing.T) {
	s := &wim.Stream{
		Size:   10,
		Source: &wim.FileSource{Path: "/does/not/exist"},
	}
	_, err := Open(s, false)
	assert.ErrorIs(t, err, wim.ErrOpen)
}

func TestReaderPartialChunkReads(t *testing.T) {
	out := tempOut(t)
	data := compressible(10, 2*wim.ChunkSize+100)
	s := bufferStream(data)
	require.NoError(t, WriteStream(s, out, wim.CompressionXPRESS, 0))

	back := &wim.Stream{
		Hash:   s.Hash,
		Size:   s.Size,
		Entry:  s.OutEntry,
		Source: &wim.ArchiveSource{ReaderAt: out, Compression: wim.CompressionXPRESS},
	}
	rd, err := Open(back, false)
	require.NoError(t, err)
	defer rd.Close()

	// An unaligned read spanning a chunk boundary.
	buf := make([]byte, 1000)
	require.NoError(t, rd.ReadAt(buf, wim.ChunkSize-500))
	assert.Equal(t, data[wim.ChunkSize-500:wim.ChunkSize+500], buf)

	// Reading past the end fails.
	assert.Error(t, rd.ReadAt(buf, int64(len(data))-10))
}

func TestWriteStreamNoneBytes(t *testing.T) {
	out := tempOut(t)
	data := compressible(11, 4000)
	s := bufferStream(data)
	require.NoError(t, WriteStream(s, out, wim.CompressionNone, 0))

	raw := make([]byte, len(data))
	_, err := out.ReadAt(raw, int64(s.OutEntry.Offset))
	require.NoError(t, err)
	assert.Equal(t, data, raw)
}
