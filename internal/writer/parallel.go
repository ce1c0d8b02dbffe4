package writer

import (
	"crypto/sha1"
	"hash"
	"io"
	"runtime"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/skyline93/wim/internal/compress"
	"github.com/skyline93/wim/internal/resource"
	"github.com/skyline93/wim/internal/wim"
)

// maxChunksPerMsg is the number of consecutive chunks handed to a worker in
// one unit of work.
const maxChunksPerMsg = 2

// message is one unit of work for a compressor worker. The buffers are
// allocated once at pool init and recycled through the coordinator's free
// list, so peak memory stays proportional to the thread count.
type message struct {
	s          *wim.Stream
	beginChunk uint64
	numChunks  int
	complete   bool

	// inBufs holds the uncompressed chunks; the extra 8 bytes of slack
	// accommodate over-read by an LZ77 matcher.
	inBufs [maxChunksPerMsg][]byte
	cBufs  [maxChunksPerMsg][]byte

	// in[i] is inBufs[i] cut to the chunk's size. out[i] designates the
	// bytes to write: cBufs[i] cut to the compressed size, or in[i] when
	// the chunk did not shrink. There is no per-chunk compressed marker;
	// which buffer out[i] aliases is the only record.
	in  [maxChunksPerMsg][]byte
	out [maxChunksPerMsg][]byte
}

func newMessage() *message {
	m := &message{}
	for i := 0; i < maxChunksPerMsg; i++ {
		m.inBufs[i] = make([]byte, wim.ChunkSize+8)
		m.cBufs[i] = make([]byte, wim.ChunkSize)
	}
	return m
}

// compressChunks is the whole worker-side job: each chunk either shrinks
// into its scratch buffer or is passed through unchanged.
func compressChunks(m *message, comp compress.Compressor) {
	for i := 0; i < m.numChunks; i++ {
		src := m.in[i]
		n, err := comp.Compress(m.cBufs[i][:len(src)-1], src)
		if err == nil {
			m.out[i] = m.cBufs[i][:n]
		} else {
			m.out[i] = src
		}
	}
}

// writeStreamsParallel coordinates one writer goroutine (this one) and
// opts.Threads compressor workers over two bounded queues. Workers may
// finish messages in any order; the coordinator reassembles both stream
// order and intra-stream chunk order before anything reaches the file.
func writeStreamsParallel(streams []*wim.Stream, out resource.File, opts Options, prog *Progress) error {
	threads := opts.Threads
	if threads == 0 {
		n := runtime.NumCPU()
		if n < 1 {
			log.Warn("could not determine number of processors, falling back to single-threaded compression")
			return writeStreamsSerial(streams, out, opts, prog)
		}
		threads = uint(n)
	}

	comp, err := compress.ForType(opts.Compression)
	if err != nil {
		return err
	}

	prog.Threads = threads
	if opts.Progress != nil {
		opts.Progress(*prog)
	}

	queueSize := int(threads * 2)
	toCompress := make(chan *message, queueSize)
	compressed := make(chan *message, queueSize)

	var wg errgroup.Group
	for i := uint(0); i < threads; i++ {
		wg.Go(func() error {
			for m := range toCompress {
				if m == nil {
					return nil
				}
				compressChunks(m, comp)
				compressed <- m
			}
			return nil
		})
	}

	err = runCoordinator(streams, out, opts, prog, toCompress, compressed, queueSize)

	for i := uint(0); i < threads; i++ {
		toCompress <- nil
	}
	if werr := wg.Wait(); werr != nil {
		log.Warnf("compressor worker: %v", werr)
	}
	return err
}

// inflight tracks one stream that has chunks sent off for compression. msgs
// holds its pending messages in dispatch order; the head message is the next
// one whose chunks reach the file.
type inflight struct {
	s    *wim.Stream
	msgs []*message
}

func runCoordinator(streams []*wim.Stream, out resource.File, opts Options, prog *Progress,
	toCompress, compressed chan *message, numMessages int) (err error) {

	free := make([]*message, numMessages)
	for i := range free {
		free[i] = newMessage()
	}

	// outstanding is the ordered list of streams currently in flight. Its
	// head is the stream being written; its tail is the stream being read
	// and fed to the workers.
	var outstanding []*inflight

	// Streams that need no compression are not dispatched; the
	// coordinator writes them itself between stream finalizations.
	var directWrite []*wim.Stream

	var (
		nextIdx       int
		next          *inflight
		nextChunk     uint64
		nextNumChunks uint64
		nextSHA       hash.Hash
		nextReader    *resource.Reader
	)
	defer func() {
		if nextReader != nil {
			nextReader.Close()
		}
	}()

	// sent counts messages handed to workers and not yet received back.
	// On error the compressed queue is drained down to zero so no worker
	// is still touching a message when we return.
	sent := 0
	defer func() {
		if err != nil {
			for sent > 0 {
				<-compressed
				sent--
			}
		}
	}()

	var curTab *resource.ChunkTable

	for {
		// Dispatch phase: fill free messages with chunks of the input
		// streams and hand them to the workers.
		for len(free) > 0 {
			if next == nil || nextChunk == nextNumChunks {
				if next != nil {
					nextReader.Close()
					nextReader = nil
					if err := resource.VerifyOrSetHash(next.s, nextSHA.Sum(nil)); err != nil {
						return err
					}
					next = nil
				}

				// Advance to the next stream that actually
				// needs compression.
				for nextIdx < len(streams) {
					s := streams[nextIdx]
					nextIdx++
					if (!opts.Recompress && s.CompressionType() == opts.Compression) || s.Size == 0 {
						directWrite = append(directWrite, s)
						continue
					}

					st := &inflight{s: s}
					outstanding = append(outstanding, st)
					next = st
					nextChunk = 0
					nextNumChunks = s.Chunks()
					nextSHA = sha1.New()
					if nextReader, err = resource.Open(s, false); err != nil {
						return err
					}
					break
				}
				if next == nil {
					break
				}
			}

			m := free[len(free)-1]
			free = free[:len(free)-1]

			m.s = next.s
			m.beginChunk = nextChunk
			m.numChunks = 0
			m.complete = false
			for m.numChunks < maxChunksPerMsg && nextChunk < nextNumChunks {
				size := uint64(wim.ChunkSize)
				if nextChunk == nextNumChunks-1 {
					if rem := next.s.Size % wim.ChunkSize; rem != 0 {
						size = rem
					}
				}
				chunk := m.inBufs[m.numChunks][:size]
				if err := nextReader.ReadAt(chunk, int64(nextChunk*wim.ChunkSize)); err != nil {
					return err
				}
				nextSHA.Write(chunk)
				m.in[m.numChunks] = chunk
				m.numChunks++
				nextChunk++
			}

			next.msgs = append(next.msgs, m)
			toCompress <- m
			sent++
		}

		// If nothing is in flight, every stream has been read and
		// written; only direct writes may remain.
		if len(outstanding) == 0 {
			return writeList(directWrite, out, opts.Compression, 0, prog, opts.Progress)
		}

		// Drain phase: take one finished message, then flush as many
		// in-order chunks of the head stream as have completed.
		m := <-compressed
		sent--
		m.complete = true

		for len(outstanding) > 0 {
			cur := outstanding[0]
			if len(cur.msgs) == 0 || !cur.msgs[0].complete {
				break
			}
			m = cur.msgs[0]
			cur.msgs = cur.msgs[1:]

			if m.beginChunk == 0 {
				curOffset, serr := out.Seek(0, io.SeekCurrent)
				if serr != nil {
					return errors.Wrap(wim.ErrWrite, serr.Error())
				}
				if curTab, err = resource.BeginChunkTable(cur.s.Size, out, curOffset); err != nil {
					return err
				}
			}

			for i := 0; i < m.numChunks; i++ {
				if _, err := out.Write(m.out[i]); err != nil {
					return errors.Wrap(wim.ErrWrite, err.Error())
				}
				curTab.Add(uint64(len(m.out[i])))
			}

			last := len(cur.msgs) == 0 &&
				m.beginChunk+uint64(m.numChunks) == curTab.NumChunks
			free = append(free, m)

			if !last {
				continue
			}

			csize, err := curTab.Finish(out)
			if err != nil {
				return err
			}
			if csize >= cur.s.Size {
				if err := resource.RewriteUncompressed(cur.s, out, curTab.FileOffset); err != nil {
					return err
				}
			} else {
				cur.s.OutEntry = wim.ResourceEntry{
					Offset:       uint64(curTab.FileOffset),
					Size:         csize,
					OriginalSize: cur.s.Size,
					Flags:        cur.s.Entry.Flags&^wim.ResFlagCompressed | wim.ResFlagCompressed,
				}
			}
			curTab = nil

			prog.CompletedBytes += cur.s.Size
			prog.CompletedStreams++
			if opts.Progress != nil {
				opts.Progress(*prog)
			}

			outstanding = outstanding[1:]

			// A finished stream is the safe point to slip in the
			// streams that skipped the compressor pool.
			if len(directWrite) > 0 {
				if err := writeList(directWrite, out, opts.Compression, 0, prog, opts.Progress); err != nil {
					return err
				}
				directWrite = directWrite[:0]
			}
		}
	}
}
