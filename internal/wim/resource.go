package wim

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// ChunkSize is the fixed size of the independently compressed slices of a
// stream. The header advertises it; readers reject anything else.
const ChunkSize = 32768

// CompressionType selects the chunk codec for a stream or archive. The
// numeric values are in-memory tags only; the header records the type
// through its HdrFlagCompress* bits.
type CompressionType uint32

const (
	CompressionNone CompressionType = iota
	CompressionLZX
	CompressionXPRESS
)

func (t CompressionType) String() string {
	switch t {
	case CompressionNone:
		return "none"
	case CompressionLZX:
		return "lzx"
	case CompressionXPRESS:
		return "xpress"
	}
	return fmt.Sprintf("invalid(%d)", uint32(t))
}

// ParseCompressionType converts a user-supplied name to a CompressionType.
func ParseCompressionType(s string) (CompressionType, error) {
	switch s {
	case "none":
		return CompressionNone, nil
	case "lzx":
		return CompressionLZX, nil
	case "xpress":
		return CompressionXPRESS, nil
	}
	return 0, errors.Wrapf(ErrInvalidParam, "unknown compression type %q", s)
}

// ResFlag holds the per-resource flag bits stored in the top byte of the
// packed resource entry.
type ResFlag uint8

const (
	ResFlagFree ResFlag = 1 << iota
	ResFlagMetadata
	ResFlagCompressed
	ResFlagSpanned
)

// ResourceEntry describes where a stream lives in an archive: the absolute
// offset of its encoded form, the encoded (compressed) size, the original
// uncompressed size, and the flags.
type ResourceEntry struct {
	Offset       uint64
	Size         uint64
	OriginalSize uint64
	Flags        ResFlag
}

// resourceEntrySize is the packed on-disk size of a ResourceEntry:
// (flags<<56 | size) u64, offset u64, original size u64.
const resourceEntrySize = 24

// IsCompressed reports whether the resource payload carries a chunk table.
func (e ResourceEntry) IsCompressed() bool {
	return e.Flags&ResFlagCompressed != 0
}

// End returns the file offset one past the encoded resource.
func (e ResourceEntry) End() uint64 {
	return e.Offset + e.Size
}

func (e ResourceEntry) appendTo(b []byte) []byte {
	b = binary.LittleEndian.AppendUint64(b, e.Size&0x00ffffffffffffff|uint64(e.Flags)<<56)
	b = binary.LittleEndian.AppendUint64(b, e.Offset)
	b = binary.LittleEndian.AppendUint64(b, e.OriginalSize)
	return b
}

func parseResourceEntry(b []byte) ResourceEntry {
	packed := binary.LittleEndian.Uint64(b)
	return ResourceEntry{
		Offset:       binary.LittleEndian.Uint64(b[8:]),
		Size:         packed & 0x00ffffffffffffff,
		OriginalSize: binary.LittleEndian.Uint64(b[16:]),
		Flags:        ResFlag(packed >> 56),
	}
}

// lookupEntrySize is the packed size of one lookup table entry: a resource
// entry followed by part number (u16), reference count (u32) and the SHA-1
// hash.
const lookupEntrySize = resourceEntrySize + 2 + 4 + idSize

// AppendLookupEntry appends the packed lookup table form of the entry for a
// stream with the given reference count and hash.
func AppendLookupEntry(b []byte, e ResourceEntry, refCount uint32, hash ID) []byte {
	b = e.appendTo(b)
	b = binary.LittleEndian.AppendUint16(b, 1) // part number
	b = binary.LittleEndian.AppendUint32(b, refCount)
	b = append(b, hash[:]...)
	return b
}

// ParseLookupEntry unpacks one lookup table entry.
func ParseLookupEntry(b []byte) (e ResourceEntry, refCount uint32, hash ID, err error) {
	if len(b) < lookupEntrySize {
		return e, 0, hash, errors.Wrap(ErrRead, "short lookup table entry")
	}
	e = parseResourceEntry(b)
	refCount = binary.LittleEndian.Uint32(b[resourceEntrySize+2:])
	copy(hash[:], b[resourceEntrySize+6:])
	return e, refCount, hash, nil
}

// LookupEntrySize is exported for sizing reads of whole tables.
const LookupEntrySize = lookupEntrySize
