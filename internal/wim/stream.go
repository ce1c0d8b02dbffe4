package wim

import "io"

// Stream describes one content stream to be written. It carries the SHA-1
// identity, the uncompressed size, the current on-disk form of the source,
// and, after writing, the resource entry the lookup table will store.
type Stream struct {
	Hash ID
	Size uint64

	// Entry is the current on-disk form of the stream in its source. For
	// sources that are not inside an archive it only carries the flags.
	Entry ResourceEntry

	// Source locates the bytes. A nil source is only valid for Size == 0.
	Source Source

	// RefCount is the number of incoming references (hard links, multiple
	// dentries). OutRefCount is the reference count written to the lookup
	// table of the output archive.
	RefCount    uint32
	OutRefCount uint32

	// OutEntry is populated once the stream has been written.
	OutEntry ResourceEntry
}

// CompressionType returns the chunk codec the stream's source form uses.
func (s *Stream) CompressionType() CompressionType {
	if src, ok := s.Source.(*ArchiveSource); ok && s.Entry.IsCompressed() {
		return src.Compression
	}
	return CompressionNone
}

// Chunks returns the number of fixed-size chunks the uncompressed stream
// occupies.
func (s *Stream) Chunks() uint64 {
	return (s.Size + ChunkSize - 1) / ChunkSize
}

// Source locates the backing bytes of a stream.
type Source interface {
	isSource()
}

// FileSource reads the stream from a file on disk.
type FileSource struct {
	Path string
}

// ArchiveSource reads the stream from an existing archive, identified by the
// stream's Entry within it. Compression is the archive's chunk codec.
type ArchiveSource struct {
	ReaderAt    io.ReaderAt
	Compression CompressionType
}

// BufferSource serves the stream from memory. It stands in for opaque
// native-backend locations (reparse data, extended attributes).
type BufferSource struct {
	Data []byte
}

func (*FileSource) isSource()    {}
func (*ArchiveSource) isSource() {}
func (*BufferSource) isSource()  {}
