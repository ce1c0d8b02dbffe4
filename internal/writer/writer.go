// Package writer emits lists of streams into an output file, either
// sequentially in the calling goroutine or through a pool of compressor
// workers. The parallel output matches the serial form byte for byte,
// except that a non-empty stream needing no compression is written only
// once the compressed stream at the head of the pipeline is finished, so it
// can land later than its position in the list.
package writer

import (
	"github.com/skyline93/wim/internal/resource"
	"github.com/skyline93/wim/internal/wim"
)

// serialThreshold is the compressible volume below which the parallel
// machinery is not worth spinning up.
const serialThreshold = 1000000

// Options bundle the knobs for one write invocation.
type Options struct {
	Compression wim.CompressionType

	// Threads is the number of compressor workers; 0 means one per
	// online processor, 1 forces the serial writer.
	Threads uint

	// Recompress forces recompression of sources already in the target
	// compression type.
	Recompress bool

	Progress ProgressFunc
}

// Progress is the aggregate reported after each stream.
type Progress struct {
	TotalBytes       uint64
	CompletedBytes   uint64
	TotalStreams     uint64
	CompletedStreams uint64
	Threads          uint
	Compression      wim.CompressionType
}

// ProgressFunc receives progress snapshots. May be nil.
type ProgressFunc func(Progress)

// WriteStreams writes the streams to out in input order. Small jobs and
// single-thread requests run serially; everything else goes through the
// parallel writer.
func WriteStreams(streams []*wim.Stream, out resource.File, opts Options) error {
	prog := Progress{Compression: opts.Compression}

	var compressionBytes uint64
	for _, s := range streams {
		prog.TotalStreams++
		prog.TotalBytes += s.Size
		if opts.Compression != wim.CompressionNone &&
			(s.CompressionType() != opts.Compression || opts.Recompress) {
			compressionBytes += s.Size
		}
	}

	if compressionBytes >= serialThreshold && opts.Threads != 1 {
		return writeStreamsParallel(streams, out, opts, &prog)
	}
	return writeStreamsSerial(streams, out, opts, &prog)
}

func writeStreamsSerial(streams []*wim.Stream, out resource.File, opts Options, prog *Progress) error {
	var flags resource.Flags
	if opts.Recompress {
		flags |= resource.Recompress
	}
	prog.Threads = 1
	if opts.Progress != nil {
		opts.Progress(*prog)
	}
	return writeList(streams, out, opts.Compression, flags, prog, opts.Progress)
}

// writeList emits each stream through the codec in order, updating the
// progress aggregate after each one.
func writeList(streams []*wim.Stream, out resource.File, ctype wim.CompressionType, flags resource.Flags, prog *Progress, fn ProgressFunc) error {
	for _, s := range streams {
		if err := resource.WriteStream(s, out, ctype, flags); err != nil {
			return err
		}
		prog.CompletedBytes += s.Size
		prog.CompletedStreams++
		if fn != nil {
			fn(*prog)
		}
	}
	return nil
}
