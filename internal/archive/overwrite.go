package archive

import (
	"crypto/rand"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/skyline93/wim/internal/fs"
	"github.com/skyline93/wim/internal/resource"
	"github.com/skyline93/wim/internal/wim"
	"github.com/skyline93/wim/internal/writer"
)

// Overwrite writes the archive back to the file it was opened from. Unless
// images were deleted (without SoftDelete) or Rebuild was requested, the new
// data is appended in place beyond the old archive; otherwise - or when the
// existing layout violates the append preconditions - the whole archive is
// rebuilt through a temporary file.
func (a *Archive) Overwrite(opts Options) error {
	if a.path == "" {
		return wim.ErrNoFilename
	}
	flags := opts.Flags & publicFlags

	if (!a.deletionOccurred || flags&SoftDelete != 0) && flags&Rebuild == 0 {
		err := a.overwriteInPlace(flags, opts)
		if !errors.Is(err, wim.ErrResourceOrder) {
			return err
		}
		log.Warn("falling back to re-building entire archive")
	}
	return a.overwriteViaTmpfile(flags, opts)
}

// overwriteInPlace appends new streams and metadata beyond the old archive
// end, then writes the new trailing sections and finally the header. Until
// the header goes down, nothing points at the new data, so a crash leaves a
// valid archive; on error the file is truncated back to its old end, except
// on the no-change path that keeps the old lookup table, where the file is
// left as written.
func (a *Archive) overwriteInPlace(flags WriteFlags, opts Options) error {
	// The append point is only safe if nothing lives after the XML data
	// except the integrity table, and the lookup table precedes the XML.
	if a.hdr.Integrity.Offset != 0 && a.hdr.Integrity.Offset < a.hdr.XMLData.Offset {
		return errors.Wrap(wim.ErrResourceOrder, "integrity table precedes XML data")
	}
	if a.hdr.LookupTable.Offset > a.hdr.XMLData.Offset {
		return errors.Wrap(wim.ErrResourceOrder, "lookup table follows XML data")
	}

	var oldEnd uint64
	if a.hdr.Integrity.Offset != 0 {
		oldEnd = a.hdr.Integrity.End()
	} else {
		oldEnd = a.hdr.XMLData.End()
	}

	var totalOverride uint64
	if !a.deletionOccurred && !a.anyImagesModified() {
		// Nothing about the stream set changed, so the old lookup
		// table stays valid and only the sections after it move.
		oldEnd = a.hdr.LookupTable.End()
		flags |= noLookupTable | checkpointAfterXML
		totalOverride = a.totalBytes
	}

	newStreams, err := a.prepareAppend(oldEnd)
	if err != nil {
		return err
	}

	out, err := os.OpenFile(a.path, os.O_RDWR, 0666)
	if err != nil {
		return errors.Wrapf(wim.ErrOpen, "%s: %v", a.path, err)
	}
	defer out.Close()

	if err := a.lockFile(out, opts.LockWait); err != nil {
		return err
	}
	defer a.unlockFile(out)

	if _, err := out.Seek(int64(oldEnd), io.SeekStart); err != nil {
		return errors.Wrap(wim.ErrWrite, err.Error())
	}

	err = a.appendTo(out, newStreams, flags, totalOverride, opts)
	if err != nil && flags&noLookupTable == 0 {
		log.Warnf("truncating %s to its original size (%d bytes)", a.path, oldEnd)
		if terr := out.Truncate(int64(oldEnd)); terr != nil {
			log.Warnf("truncate failed: %v", terr)
		}
	}
	if err == nil {
		a.commitAppend()
	}
	return err
}

// prepareAppend splits the stream set into streams already present in this
// archive (which keep their resource entries) and new streams to append.
// A resident stream beyond the append point means the layout is malformed.
func (a *Archive) prepareAppend(oldEnd uint64) ([]*wim.Stream, error) {
	var newStreams []*wim.Stream
	for _, s := range a.order {
		s.OutRefCount = s.RefCount
		if a.residentStream(s) {
			if s.Entry.End() > oldEnd {
				return nil, errors.Wrapf(wim.ErrResourceOrder,
					"stream %v lies after the XML data", s.Hash.Str())
			}
			s.OutEntry = s.Entry
			continue
		}
		newStreams = append(newStreams, s)
	}
	return newStreams, nil
}

func (a *Archive) residentStream(s *wim.Stream) bool {
	src, ok := s.Source.(*wim.ArchiveSource)
	return ok && src.ReaderAt == io.ReaderAt(a.f)
}

func (a *Archive) appendTo(out *os.File, newStreams []*wim.Stream, flags WriteFlags, totalOverride uint64, opts Options) error {
	if len(newStreams) > 0 {
		log.Debugf("writing %d newly added streams", len(newStreams))
		wopts := writer.Options{
			Compression: a.CompressionType(),
			Threads:     opts.Threads,
			Recompress:  flags&Recompress != 0,
			Progress:    opts.Progress,
		}
		if err := writer.WriteStreams(newStreams, out, wopts); err != nil {
			return err
		}
	}

	// Metadata resources are rewritten from the first modified image
	// onward; earlier ones keep their place.
	var rflags resource.Flags
	if flags&Recompress != 0 {
		rflags |= resource.Recompress
	}
	foundModified := false
	for _, img := range a.images {
		if img.Modified {
			foundModified = true
		}
		if img.Metadata == nil {
			continue
		}
		if foundModified || !a.residentStream(img.Metadata) {
			if err := resource.WriteStream(img.Metadata, out, a.CompressionType(), rflags); err != nil {
				return err
			}
		} else {
			img.Metadata.OutEntry = img.Metadata.Entry
		}
	}

	hdr := a.hdr
	hdr.ImageCount = uint32(len(a.images))
	flags |= reuseIntegrityTable
	if err := a.finishWrite(out, &hdr, a.images, a.order, flags, totalOverride); err != nil {
		return err
	}
	a.hdr = hdr
	return nil
}

// commitAppend folds the written entries back into the descriptors so the
// archive object stays usable after an in-place overwrite.
func (a *Archive) commitAppend() {
	ctype := a.CompressionType()
	for _, s := range a.order {
		if !a.residentStream(s) {
			s.Entry = s.OutEntry
			s.Source = &wim.ArchiveSource{ReaderAt: a.f, Compression: ctype}
		}
	}
	for _, img := range a.images {
		if img.Metadata != nil && !a.residentStream(img.Metadata) {
			img.Metadata.Entry = img.Metadata.OutEntry
			img.Metadata.Source = &wim.ArchiveSource{ReaderAt: a.f, Compression: ctype}
		}
		img.Modified = false
	}
}

// overwriteViaTmpfile writes a complete new archive next to the original,
// fsyncs it, and renames it over the original.
func (a *Archive) overwriteViaTmpfile(flags WriteFlags, opts Options) error {
	tmp := a.path + randomSuffix(9)
	log.Debugf("overwriting %s via temporary file %s", a.path, tmp)

	wopts := opts
	wopts.Flags = flags | Fsync
	if err := a.Write(tmp, AllImages, wopts); err != nil {
		if uerr := fs.RemoveIfExists(tmp); uerr != nil {
			log.Warnf("failed to remove %s: %v", tmp, uerr)
		}
		return err
	}

	if err := fs.Rename(tmp, a.path); err != nil {
		if uerr := fs.RemoveIfExists(tmp); uerr != nil {
			log.Warnf("failed to remove %s: %v", tmp, uerr)
		}
		return errors.Wrapf(wim.ErrRename, "%s -> %s: %v", tmp, a.path, err)
	}
	if err := fs.FsyncDir(filepath.Dir(a.path)); err != nil {
		log.Warnf("failed to sync directory of %s: %v", a.path, err)
	}

	return a.reopen()
}

// reopen re-reads the renamed archive so descriptors point at the new file.
func (a *Archive) reopen() error {
	if a.f != nil {
		a.f.Close()
	}
	f, err := os.Open(a.path)
	if err != nil {
		a.f = nil
		log.Warnf("failed to re-open %s read-only", a.path)
		return errors.Wrapf(wim.ErrReopen, "%s: %v", a.path, err)
	}
	a.f = f

	hdr, err := wim.ReadHeader(f)
	if err != nil {
		return err
	}
	a.hdr = hdr

	ctype := hdr.CompressionType()
	for _, s := range a.order {
		s.Entry = s.OutEntry
		s.Source = &wim.ArchiveSource{ReaderAt: f, Compression: ctype}
	}
	for _, img := range a.images {
		if img.Metadata != nil {
			img.Metadata.Entry = img.Metadata.OutEntry
			img.Metadata.Source = &wim.ArchiveSource{ReaderAt: f, Compression: ctype}
		}
		img.Modified = false
	}
	a.deletionOccurred = false
	a.totalBytes = 0
	return nil
}

const alnum = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomSuffix(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	for i := range b {
		b[i] = alnum[int(b[i])%len(alnum)]
	}
	return string(b)
}
