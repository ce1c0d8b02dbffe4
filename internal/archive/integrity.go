package archive

import (
	"crypto/sha1"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/skyline93/wim/internal/wim"
)

// integrityChunkSize is the granularity of the whole-archive integrity
// table: one SHA-1 digest per 10 MiB of the byte range between the end of
// the header and the end of the lookup table.
const integrityChunkSize = 10 * 1024 * 1024

const sha1Size = 20

// writeIntegrityTable computes and appends the integrity table at the
// current end of out, covering [HeaderSize, newLutEnd). When oldLutEnd is
// non-zero, digests of chunks that lie entirely within the old covered range
// are reused from the existing table instead of being recomputed.
func (a *Archive) writeIntegrityTable(out *os.File, newLutEnd, oldLutEnd uint64) (wim.ResourceEntry, error) {
	offset, err := out.Seek(0, io.SeekCurrent)
	if err != nil {
		return wim.ResourceEntry{}, errors.Wrap(wim.ErrWrite, err.Error())
	}

	covered := newLutEnd - wim.HeaderSize
	numEntries := (covered + integrityChunkSize - 1) / integrityChunkSize
	tableSize := 12 + numEntries*sha1Size

	var oldTable []byte
	var oldEntries uint64
	if oldLutEnd != 0 && a.f != nil && a.hdr.Integrity.Size >= 12 {
		oldTable = make([]byte, a.hdr.Integrity.Size)
		if _, err := a.f.ReadAt(oldTable, int64(a.hdr.Integrity.Offset)); err != nil {
			log.Warnf("failed to read old integrity table, recomputing: %v", err)
			oldTable = nil
		} else {
			oldEntries = uint64(binary.LittleEndian.Uint32(oldTable[4:]))
		}
	}

	b := make([]byte, 0, tableSize)
	b = binary.LittleEndian.AppendUint32(b, uint32(tableSize))
	b = binary.LittleEndian.AppendUint32(b, uint32(numEntries))
	b = binary.LittleEndian.AppendUint32(b, integrityChunkSize)

	buf := make([]byte, integrityChunkSize)
	reused := 0
	for i := uint64(0); i < numEntries; i++ {
		start := wim.HeaderSize + i*integrityChunkSize
		end := start + integrityChunkSize
		if end > newLutEnd {
			end = newLutEnd
		}

		// A chunk is unchanged iff it ends at or before the old
		// coverage boundary.
		if oldTable != nil && i < oldEntries && end <= oldLutEnd {
			b = append(b, oldTable[12+i*sha1Size:12+(i+1)*sha1Size]...)
			reused++
			continue
		}

		chunk := buf[:end-start]
		if _, err := out.ReadAt(chunk, int64(start)); err != nil {
			return wim.ResourceEntry{}, errors.Wrap(wim.ErrRead, err.Error())
		}
		sum := sha1.Sum(chunk)
		b = append(b, sum[:]...)
	}

	if _, err := out.Write(b); err != nil {
		return wim.ResourceEntry{}, errors.Wrap(wim.ErrWrite, err.Error())
	}

	log.Debugf("wrote integrity table: %d entries (%d reused)", numEntries, reused)
	return wim.ResourceEntry{
		Offset:       uint64(offset),
		Size:         uint64(len(b)),
		OriginalSize: uint64(len(b)),
	}, nil
}

// VerifyIntegrity recomputes the integrity digests of an opened archive and
// compares them with the stored table.
func (a *Archive) VerifyIntegrity() error {
	if a.f == nil {
		return wim.ErrNoFilename
	}
	ie := a.hdr.Integrity
	if ie.Size < 12 {
		return errors.Wrap(wim.ErrInvalidParam, "archive has no integrity table")
	}

	table := make([]byte, ie.Size)
	if _, err := a.f.ReadAt(table, int64(ie.Offset)); err != nil {
		return errors.Wrap(wim.ErrRead, err.Error())
	}
	numEntries := uint64(binary.LittleEndian.Uint32(table[4:]))
	chunkSize := uint64(binary.LittleEndian.Uint32(table[8:]))
	if chunkSize == 0 || uint64(len(table)) < 12+numEntries*sha1Size {
		return errors.Wrap(wim.ErrRead, "malformed integrity table")
	}

	end := a.hdr.LookupTable.End()
	buf := make([]byte, chunkSize)
	for i := uint64(0); i < numEntries; i++ {
		start := wim.HeaderSize + i*chunkSize
		stop := start + chunkSize
		if stop > end {
			stop = end
		}
		chunk := buf[:stop-start]
		if _, err := a.f.ReadAt(chunk, int64(start)); err != nil {
			return errors.Wrap(wim.ErrRead, err.Error())
		}
		sum := sha1.Sum(chunk)
		if string(sum[:]) != string(table[12+i*sha1Size:12+(i+1)*sha1Size]) {
			return errors.Wrapf(wim.ErrInvalidResourceHash, "integrity chunk %d", i)
		}
	}
	return nil
}
