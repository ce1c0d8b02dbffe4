package writer

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyline93/wim/internal/resource"
	"github.com/skyline93/wim/internal/wim"
)

func tempOut(t *testing.T) *os.File {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(t.TempDir(), "out.wim"), os.O_RDWR|os.O_CREATE, 0644)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

// testStreams builds a deterministic stream list with mixed sizes: chunk
// aligned, unaligned, sub-chunk, empty.
func testStreams(count, size int) []*wim.Stream {
	rnd := rand.New(rand.NewSource(42))
	streams := make([]*wim.Stream, 0, count)
	for i := 0; i < count; i++ {
		n := size + i*511
		if i%7 == 3 {
			n = 0
		}
		data := make([]byte, n)
		for j := range data {
			data[j] = byte(rnd.Intn(16))
		}
		streams = append(streams, &wim.Stream{
			Size:   uint64(n),
			Source: &wim.BufferSource{Data: data},
		})
	}
	return streams
}

func writeAll(t *testing.T, streams []*wim.Stream, threads uint) []byte {
	t.Helper()
	out := tempOut(t)
	err := WriteStreams(streams, out, Options{
		Compression: wim.CompressionLZX,
		Threads:     threads,
	})
	require.NoError(t, err)

	b, err := os.ReadFile(out.Name())
	require.NoError(t, err)
	return b
}

func cloneStreams(streams []*wim.Stream) []*wim.Stream {
	out := make([]*wim.Stream, len(streams))
	for i, s := range streams {
		c := *s
		c.Hash = wim.ID{}
		out[i] = &c
	}
	return out
}

func TestParallelMatchesSerial(t *testing.T) {
	// Enough compressible volume to engage the parallel writer.
	streams := testStreams(50, 100000)

	serial := writeAll(t, cloneStreams(streams), 1)
	parallel := writeAll(t, cloneStreams(streams), 4)

	assert.True(t, bytes.Equal(serial, parallel), "parallel output diverges from serial")
}

func TestParallelDeterminism(t *testing.T) {
	streams := testStreams(20, 120000)

	a := writeAll(t, cloneStreams(streams), 4)
	b := writeAll(t, cloneStreams(streams), 4)
	assert.True(t, bytes.Equal(a, b))
}

func TestStreamOrderPreserved(t *testing.T) {
	streams := testStreams(30, 90000)
	out := tempOut(t)
	require.NoError(t, WriteStreams(streams, out, Options{
		Compression: wim.CompressionLZX,
		Threads:     4,
	}))

	var prev uint64
	for i, s := range streams {
		if s.Size == 0 {
			continue
		}
		assert.GreaterOrEqual(t, s.OutEntry.Offset, prev, "stream %d out of order", i)
		prev = s.OutEntry.End()
	}
}

func TestParallelRoundTrip(t *testing.T) {
	streams := testStreams(12, 150000)
	var want [][]byte
	for _, s := range streams {
		want = append(want, s.Source.(*wim.BufferSource).Data)
	}

	out := tempOut(t)
	require.NoError(t, WriteStreams(streams, out, Options{
		Compression: wim.CompressionXPRESS,
		Threads:     3,
	}))

	for i, s := range streams {
		if s.Size == 0 {
			continue
		}
		back := &wim.Stream{
			Hash:   s.Hash,
			Size:   s.Size,
			Entry:  s.OutEntry,
			Source: &wim.ArchiveSource{ReaderAt: out, Compression: wim.CompressionXPRESS},
		}
		rd, err := resource.Open(back, false)
		require.NoError(t, err)
		buf := make([]byte, s.Size)
		require.NoError(t, rd.ReadAt(buf, 0))
		rd.Close()
		assert.True(t, bytes.Equal(want[i], buf), "stream %d", i)

		assert.Equal(t, wim.Hash(want[i]), s.Hash, "stream %d hash", i)
	}
}

func TestParallelHashMismatch(t *testing.T) {
	streams := testStreams(8, 200000)
	streams[5].Hash = wim.Hash([]byte("tampered"))

	out := tempOut(t)
	err := WriteStreams(streams, out, Options{
		Compression: wim.CompressionLZX,
		Threads:     4,
	})
	assert.ErrorIs(t, err, wim.ErrInvalidResourceHash)
}

func TestSerialSmallJob(t *testing.T) {
	// Below the threshold everything runs in the calling goroutine.
	streams := testStreams(3, 1000)
	var progress []Progress
	out := tempOut(t)
	require.NoError(t, WriteStreams(streams, out, Options{
		Compression: wim.CompressionLZX,
		Progress:    func(p Progress) { progress = append(progress, p) },
	}))

	require.NotEmpty(t, progress)
	assert.Equal(t, uint(1), progress[0].Threads)
	last := progress[len(progress)-1]
	assert.Equal(t, last.TotalStreams, last.CompletedStreams)
	assert.Equal(t, last.TotalBytes, last.CompletedBytes)
}

func TestParallelProgress(t *testing.T) {
	streams := testStreams(10, 110000)
	var last Progress
	out := tempOut(t)
	require.NoError(t, WriteStreams(streams, out, Options{
		Compression: wim.CompressionLZX,
		Threads:     2,
		Progress:    func(p Progress) { last = p },
	}))
	assert.Equal(t, uint(2), last.Threads)
	assert.Equal(t, uint64(10), last.CompletedStreams)
}

func TestIncompressibleStreamInParallel(t *testing.T) {
	// One stream of random bytes triggers the anti-expansion rewrite in
	// the middle of the parallel drain path.
	rnd := rand.New(rand.NewSource(7))
	noise := make([]byte, 3*wim.ChunkSize)
	rnd.Read(noise)

	streams := testStreams(10, 120000)
	streams[4] = &wim.Stream{
		Size:   uint64(len(noise)),
		Source: &wim.BufferSource{Data: noise},
	}

	serial := writeAll(t, cloneStreams(streams), 1)
	parallel := writeAll(t, cloneStreams(streams), 4)
	assert.True(t, bytes.Equal(serial, parallel))

	out := tempOut(t)
	require.NoError(t, WriteStreams(streams, out, Options{
		Compression: wim.CompressionLZX,
		Threads:     4,
	}))
	assert.False(t, streams[4].OutEntry.IsCompressed())
	assert.Equal(t, uint64(len(noise)), streams[4].OutEntry.Size)
}
