package resource

import (
	"bytes"
	"crypto/sha1"
	"io"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/skyline93/wim/internal/compress"
	"github.com/skyline93/wim/internal/wim"
)

// Flags adjust how a stream is encoded.
type Flags int

const (
	// Recompress forces decompression and recompression even when the
	// source is already in the requested compression type.
	Recompress Flags = 1 << iota
)

// WriteStream encodes one stream at the current position of out and fills in
// s.OutEntry with the resulting resource record.
//
// When the source's compression type equals ctype (and ctype is not "none",
// and Recompress is not set), the encoded bytes are copied verbatim without
// hashing. Otherwise the stream is read chunk by chunk, the rolling SHA-1 is
// folded in, and each chunk is compressed independently; a chunk that does
// not shrink is stored raw. If the encoded stream ends up at least as large
// as the original, it is rewritten uncompressed in place and the file is
// truncated back.
//
// A zero-initialized s.Hash is populated with the computed digest; a
// non-zero one that disagrees fails with ErrInvalidResourceHash.
func WriteStream(s *wim.Stream, out File, ctype wim.CompressionType, flags Flags) error {
	fileOffset, err := out.Seek(0, io.SeekCurrent)
	if err != nil {
		return errors.Wrap(wim.ErrWrite, err.Error())
	}

	raw := s.CompressionType() == ctype &&
		ctype != wim.CompressionNone &&
		flags&Recompress == 0

	bytesRemaining := s.Size
	if raw {
		bytesRemaining = s.Entry.Size
	}

	if bytesRemaining == 0 {
		s.OutEntry = wim.ResourceEntry{
			Offset: uint64(fileOffset),
			Flags:  s.Entry.Flags &^ wim.ResFlagCompressed,
		}
		return nil
	}

	var tab *ChunkTable
	var comp compress.Compressor
	if ctype != wim.CompressionNone && !raw {
		if tab, err = BeginChunkTable(s.Size, out, fileOffset); err != nil {
			return err
		}
		if comp, err = compress.ForType(ctype); err != nil {
			return err
		}
	}

	rd, err := Open(s, raw)
	if err != nil {
		return err
	}
	defer rd.Close()

	var sha = sha1.New()

	bufSize := uint64(wim.ChunkSize)
	if bytesRemaining < bufSize {
		bufSize = bytesRemaining
	}
	buf := make([]byte, bufSize)
	var cbuf []byte
	if comp != nil {
		cbuf = make([]byte, wim.ChunkSize)
	}

	var offset int64
	for bytesRemaining > 0 {
		toRead := uint64(wim.ChunkSize)
		if bytesRemaining < toRead {
			toRead = bytesRemaining
		}
		chunk := buf[:toRead]
		if err := rd.ReadAt(chunk, offset); err != nil {
			return err
		}
		if !raw {
			sha.Write(chunk)
		}

		outChunk := chunk
		if tab != nil {
			if n, cerr := comp.Compress(cbuf[:toRead-1], chunk); cerr == nil {
				outChunk = cbuf[:n]
			}
			tab.Add(uint64(len(outChunk)))
		}
		if _, err := out.Write(outChunk); err != nil {
			return errors.Wrap(wim.ErrWrite, err.Error())
		}

		bytesRemaining -= toRead
		offset += int64(toRead)
	}

	var newCSize uint64
	switch {
	case raw:
		newCSize = s.Entry.Size
	case ctype == wim.CompressionNone:
		newCSize = s.Size
	default:
		if newCSize, err = tab.Finish(out); err != nil {
			return err
		}
	}

	if !raw {
		if err := VerifyOrSetHash(s, sha.Sum(nil)); err != nil {
			return err
		}
	}

	if !raw && ctype != wim.CompressionNone && newCSize >= s.Size {
		// The stream expanded under compression. Rewrite it
		// uncompressed and cut the file back.
		return RewriteUncompressed(s, out, fileOffset)
	}

	s.OutEntry = wim.ResourceEntry{
		Offset:       uint64(fileOffset),
		Size:         newCSize,
		OriginalSize: s.Size,
		Flags:        s.Entry.Flags &^ wim.ResFlagCompressed,
	}
	if ctype != wim.CompressionNone {
		s.OutEntry.Flags |= wim.ResFlagCompressed
	}
	return nil
}

// VerifyOrSetHash finalizes the digest of a stream that was just read in
// full: a zero hash is populated, a mismatching one is fatal.
func VerifyOrSetHash(s *wim.Stream, sum []byte) error {
	if s.Hash.IsNull() {
		s.Hash = wim.IDFromHash(sum)
		return nil
	}
	if !bytes.Equal(sum, s.Hash[:]) {
		if src, ok := s.Source.(*wim.FileSource); ok {
			log.Errorf("resource %v was read from %s; maybe it changed while we were reading it",
				s.Hash.Str(), src.Path)
		}
		return errors.Wrapf(wim.ErrInvalidResourceHash, "stream %v", s.Hash.Str())
	}
	return nil
}

// RewriteUncompressed rewrites the stream uncompressed at fileOffset and
// truncates the output back to its end.
func RewriteUncompressed(s *wim.Stream, out File, fileOffset int64) error {
	if _, err := out.Seek(fileOffset, io.SeekStart); err != nil {
		return errors.Wrap(wim.ErrWrite, err.Error())
	}
	if err := WriteStream(s, out, wim.CompressionNone, 0); err != nil {
		return err
	}
	if err := out.Truncate(fileOffset + int64(s.Size)); err != nil {
		return errors.Wrap(wim.ErrWrite, err.Error())
	}
	return nil
}
