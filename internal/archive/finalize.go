package archive

import (
	"io"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/skyline93/wim/internal/resource"
	"github.com/skyline93/wim/internal/wim"
	"github.com/skyline93/wim/internal/writer"
)

// Write writes the archive to a new file at path. image selects a single
// image (1-based) or AllImages. The header goes down first as a placeholder
// and is overwritten with final offsets after all other sections landed.
func (a *Archive) Write(path string, image int, opts Options) error {
	if path == "" {
		return errors.Wrap(wim.ErrInvalidParam, "no output path")
	}
	flags := opts.Flags & publicFlags

	images, err := a.selectImages(image)
	if err != nil {
		return err
	}
	streams := a.streamsFor(images, image)

	out, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return errors.Wrapf(wim.ErrOpen, "%s: %v", path, err)
	}
	err = a.writeTo(out, images, streams, image, flags, opts)
	if cerr := out.Close(); cerr != nil && err == nil {
		err = errors.Wrap(wim.ErrWrite, cerr.Error())
	}
	return err
}

// streamsFor returns the ordered stream list for the selected images. For a
// whole-archive write this is the global insertion order; a single-image
// write narrows to that image's streams.
func (a *Archive) streamsFor(images []*Image, image int) []*wim.Stream {
	if image == AllImages {
		return a.order
	}
	seen := make(map[wim.ID]bool)
	var streams []*wim.Stream
	for _, img := range images {
		for _, s := range img.Streams {
			if seen[s.Hash] {
				continue
			}
			seen[s.Hash] = true
			streams = append(streams, s)
		}
	}
	return streams
}

func (a *Archive) writeTo(out *os.File, images []*Image, streams []*wim.Stream, image int, flags WriteFlags, opts Options) error {
	hdr := a.hdr
	if _, err := hdr.WriteTo(out); err != nil {
		return err
	}

	for _, s := range streams {
		s.OutRefCount = s.RefCount
	}

	wopts := writer.Options{
		Compression: a.CompressionType(),
		Threads:     opts.Threads,
		Recompress:  flags&Recompress != 0,
		Progress:    opts.Progress,
	}
	if err := writer.WriteStreams(streams, out, wopts); err != nil {
		return err
	}

	if err := a.writeMetadata(out, images, flags); err != nil {
		return err
	}

	if image != AllImages {
		hdr.ImageCount = 1
		if hdr.BootIndex == uint32(image) {
			hdr.BootIndex = 1
		} else {
			hdr.BootIndex = 0
		}
	}

	return a.finishWrite(out, &hdr, images, streams, flags, 0)
}

// writeMetadata emits the metadata resource of each image that does not
// already have a valid one in the output.
func (a *Archive) writeMetadata(out *os.File, images []*Image, flags WriteFlags) error {
	var rflags resource.Flags
	if flags&Recompress != 0 {
		rflags |= resource.Recompress
	}
	for _, img := range images {
		if img.Metadata == nil {
			continue
		}
		if err := resource.WriteStream(img.Metadata, out, a.CompressionType(), rflags); err != nil {
			return err
		}
	}
	return nil
}

// finishWrite lays down the trailing sections - lookup table, XML, optional
// integrity table - and overwrites the header last, so that a reader never
// sees pointers to data that is not fully on disk.
func (a *Archive) finishWrite(out *os.File, hdr *wim.Header, images []*Image, streams []*wim.Stream, flags WriteFlags, totalOverride uint64) error {
	if flags&noLookupTable == 0 {
		entry, err := writeLookupTable(out, images, streams)
		if err != nil {
			return err
		}
		hdr.LookupTable = entry
	}

	xmlEntry, err := a.writeXML(out, images, totalOverride)
	if err != nil {
		return err
	}
	hdr.XMLData = xmlEntry

	if flags&CheckIntegrity != 0 {
		if flags&checkpointAfterXML != 0 {
			// Bound the corruption window: a header without an
			// integrity entry is valid while the table is being
			// computed.
			checkpoint := *hdr
			checkpoint.Integrity = wim.ResourceEntry{}
			if err := overwriteHeader(out, &checkpoint); err != nil {
				return err
			}
			if err := out.Sync(); err != nil {
				return errors.Wrap(wim.ErrWrite, err.Error())
			}
			if _, err := out.Seek(0, io.SeekEnd); err != nil {
				return errors.Wrap(wim.ErrWrite, err.Error())
			}
		}

		var oldLutEnd uint64
		if flags&reuseIntegrityTable != 0 {
			oldLutEnd = a.hdr.LookupTable.End()
		}
		entry, err := a.writeIntegrityTable(out, hdr.LookupTable.End(), oldLutEnd)
		if err != nil {
			return err
		}
		hdr.Integrity = entry
	} else {
		hdr.Integrity = wim.ResourceEntry{}
	}

	if hdr.BootIndex == 0 || int(hdr.BootIndex) > len(images) || images[hdr.BootIndex-1].Metadata == nil {
		hdr.BootIndex = 0
		hdr.BootMetadata = wim.ResourceEntry{}
	} else {
		hdr.BootMetadata = images[hdr.BootIndex-1].Metadata.OutEntry
	}

	if err := overwriteHeader(out, hdr); err != nil {
		return err
	}

	if flags&Fsync != 0 {
		if err := out.Sync(); err != nil {
			return errors.Wrap(wim.ErrWrite, err.Error())
		}
	}
	return nil
}

func overwriteHeader(out *os.File, hdr *wim.Header) error {
	if _, err := out.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(wim.ErrWrite, err.Error())
	}
	_, err := hdr.WriteTo(out)
	return err
}

// writeLookupTable emits the packed lookup table: metadata entries first in
// image order (readers recover image indices from entry order), then data
// streams in write order.
func writeLookupTable(out *os.File, images []*Image, streams []*wim.Stream) (wim.ResourceEntry, error) {
	offset, err := out.Seek(0, io.SeekCurrent)
	if err != nil {
		return wim.ResourceEntry{}, errors.Wrap(wim.ErrWrite, err.Error())
	}

	var b []byte
	for _, img := range images {
		if img.Metadata == nil {
			continue
		}
		m := img.Metadata
		b = wim.AppendLookupEntry(b, m.OutEntry, 1, m.Hash)
	}
	for _, s := range streams {
		if s.OutRefCount == 0 {
			continue
		}
		b = wim.AppendLookupEntry(b, s.OutEntry, s.OutRefCount, s.Hash)
	}

	if _, err := out.Write(b); err != nil {
		return wim.ResourceEntry{}, errors.Wrap(wim.ErrWrite, err.Error())
	}

	log.Debugf("wrote lookup table with %d bytes at %d", len(b), offset)
	return wim.ResourceEntry{
		Offset:       uint64(offset),
		Size:         uint64(len(b)),
		OriginalSize: uint64(len(b)),
		Flags:        wim.ResFlagMetadata,
	}, nil
}

// writeXML emits the UTF-16LE XML blob. totalOverride carries the previous
// TOTALBYTES through appends that keep the old lookup table; otherwise the
// aggregate is the size of everything written so far.
func (a *Archive) writeXML(out *os.File, images []*Image, totalOverride uint64) (wim.ResourceEntry, error) {
	offset, err := out.Seek(0, io.SeekCurrent)
	if err != nil {
		return wim.ResourceEntry{}, errors.Wrap(wim.ErrWrite, err.Error())
	}

	total := totalOverride
	if total == 0 {
		total = uint64(offset)
	}
	info := wim.Info{TotalBytes: total}
	for i, img := range images {
		ii := img.Info
		ii.Index = i + 1
		info.Images = append(info.Images, ii)
	}

	b, err := wim.EncodeInfoXML(&info)
	if err != nil {
		return wim.ResourceEntry{}, err
	}
	if _, err := out.Write(b); err != nil {
		return wim.ResourceEntry{}, errors.Wrap(wim.ErrWrite, err.Error())
	}

	return wim.ResourceEntry{
		Offset:       uint64(offset),
		Size:         uint64(len(b)),
		OriginalSize: uint64(len(b)),
	}, nil
}
