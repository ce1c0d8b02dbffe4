package wim

import (
	"crypto/rand"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// HeaderSize is the fixed size of the archive header. The header is written
// first as a placeholder and overwritten with final offsets at the end.
const HeaderSize = 212

// Version is the file format version the writer produces.
const Version = 0x10d00

var imageTag = [8]byte{'M', 'S', 'W', 'I', 'M', 0, 0, 0}

// HdrFlag holds archive-wide flag bits.
type HdrFlag uint32

const (
	HdrFlagReserved HdrFlag = 1 << iota
	HdrFlagCompressed
	HdrFlagReadOnly
	HdrFlagSpanned
	HdrFlagResourceOnly
	HdrFlagMetadataOnly
	HdrFlagWriteInProgress
	HdrFlagRpFix
)

const (
	HdrFlagCompressReserved HdrFlag = 1 << (iota + 16)
	HdrFlagCompressXPRESS
	HdrFlagCompressLZX
)

// GUID identifies an archive across rebuilds.
type GUID [16]byte

// NewGUID returns a random GUID. When reading from rand fails, the function
// panics.
func NewGUID() GUID {
	g := GUID{}
	_, err := io.ReadFull(rand.Reader, g[:])
	if err != nil {
		panic(err)
	}
	return g
}

// Header is the in-memory form of the fixed archive header.
type Header struct {
	Flags        HdrFlag
	GUID         GUID
	PartNumber   uint16
	TotalParts   uint16
	ImageCount   uint32
	LookupTable  ResourceEntry
	XMLData      ResourceEntry
	BootMetadata ResourceEntry
	BootIndex    uint32
	Integrity    ResourceEntry
}

// NewHeader returns a header for a fresh single-part archive with the given
// compression type.
func NewHeader(ctype CompressionType) Header {
	h := Header{
		GUID:       NewGUID(),
		PartNumber: 1,
		TotalParts: 1,
	}
	switch ctype {
	case CompressionLZX:
		h.Flags = HdrFlagCompressed | HdrFlagCompressLZX
	case CompressionXPRESS:
		h.Flags = HdrFlagCompressed | HdrFlagCompressXPRESS
	}
	return h
}

// CompressionType returns the chunk codec the header advertises.
func (h *Header) CompressionType() CompressionType {
	if h.Flags&HdrFlagCompressed == 0 {
		return CompressionNone
	}
	if h.Flags&HdrFlagCompressLZX != 0 {
		return CompressionLZX
	}
	if h.Flags&HdrFlagCompressXPRESS != 0 {
		return CompressionXPRESS
	}
	return CompressionNone
}

// Encode packs the header into its 212-byte on-disk form.
func (h *Header) Encode() []byte {
	b := make([]byte, 0, HeaderSize)
	b = append(b, imageTag[:]...)
	b = binary.LittleEndian.AppendUint32(b, HeaderSize)
	b = binary.LittleEndian.AppendUint32(b, Version)
	b = binary.LittleEndian.AppendUint32(b, uint32(h.Flags))
	b = binary.LittleEndian.AppendUint32(b, ChunkSize)
	b = append(b, h.GUID[:]...)
	b = binary.LittleEndian.AppendUint16(b, h.PartNumber)
	b = binary.LittleEndian.AppendUint16(b, h.TotalParts)
	b = binary.LittleEndian.AppendUint32(b, h.ImageCount)
	b = h.LookupTable.appendTo(b)
	b = h.XMLData.appendTo(b)
	b = h.BootMetadata.appendTo(b)
	b = binary.LittleEndian.AppendUint32(b, h.BootIndex)
	b = binary.LittleEndian.AppendUint32(b, 0) // padding
	b = h.Integrity.appendTo(b)
	b = append(b, make([]byte, HeaderSize-len(b))...)
	return b
}

// WriteTo writes the header at the current position of w.
func (h *Header) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(h.Encode())
	if err != nil {
		return int64(n), errors.Wrap(ErrWrite, err.Error())
	}
	return int64(n), nil
}

// ParseHeader unpacks a 212-byte header, validating the magic, the chunk
// size and the part count.
func ParseHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, errors.Wrap(ErrRead, "short archive header")
	}
	if [8]byte(b[:8]) != imageTag {
		return h, errors.New("not a WIM file")
	}
	if size := binary.LittleEndian.Uint32(b[8:]); size != HeaderSize {
		return h, errors.Errorf("unsupported header size %d", size)
	}
	h.Flags = HdrFlag(binary.LittleEndian.Uint32(b[16:]))
	if cs := binary.LittleEndian.Uint32(b[20:]); h.Flags&HdrFlagCompressed != 0 && cs != ChunkSize {
		return h, errors.Errorf("unsupported chunk size %d", cs)
	}
	copy(h.GUID[:], b[24:40])
	h.PartNumber = binary.LittleEndian.Uint16(b[40:])
	h.TotalParts = binary.LittleEndian.Uint16(b[42:])
	if h.TotalParts != 1 {
		return h, ErrSplitUnsupported
	}
	h.ImageCount = binary.LittleEndian.Uint32(b[44:])
	h.LookupTable = parseResourceEntry(b[48:])
	h.XMLData = parseResourceEntry(b[72:])
	h.BootMetadata = parseResourceEntry(b[96:])
	h.BootIndex = binary.LittleEndian.Uint32(b[120:])
	h.Integrity = parseResourceEntry(b[128:])
	return h, nil
}

// ReadHeader reads and parses the header from the beginning of r.
func ReadHeader(r io.ReaderAt) (Header, error) {
	b := make([]byte, HeaderSize)
	if _, err := r.ReadAt(b, 0); err != nil {
		return Header{}, errors.Wrap(ErrRead, err.Error())
	}
	return ParseHeader(b)
}
