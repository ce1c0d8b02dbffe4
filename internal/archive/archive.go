// Package archive assembles complete WIM files: stream payloads, lookup
// table, XML metadata, optional integrity table, and the header that is
// overwritten last. It implements both finalization policies: in-place
// append and rebuild via a temporary file.
package archive

import (
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/skyline93/wim/internal/wim"
	"github.com/skyline93/wim/internal/writer"
)

// WriteFlags adjust a write or overwrite invocation. Only the public subset
// is accepted from callers; the unexported bits are set internally by the
// overwrite machinery.
type WriteFlags uint32

const (
	// CheckIntegrity appends a whole-archive integrity table.
	CheckIntegrity WriteFlags = 1 << iota
	noLookupTable
	reuseIntegrityTable
	checkpointAfterXML
	// Fsync flushes the output file before closing it.
	Fsync
	// Recompress forces recompression of already-compressed sources.
	Recompress
	// Rebuild forces the temp-file rebuild policy on overwrite.
	Rebuild
	// SoftDelete keeps appending even after images were deleted, leaving
	// the dead streams in place.
	SoftDelete
)

const publicFlags = CheckIntegrity | Fsync | Recompress | Rebuild | SoftDelete

// AllImages selects every image of the archive.
const AllImages = -1

// Options bundles the knobs for Write and Overwrite.
type Options struct {
	Flags   WriteFlags
	Threads uint

	// LockWait bounds how long Overwrite retries acquiring the advisory
	// lock. Zero fails immediately with ErrAlreadyLocked.
	LockWait time.Duration

	Progress writer.ProgressFunc
}

// Image is one image record: its XML metadata, the content streams its
// directory tree references, and the optional metadata resource holding the
// serialized tree itself.
type Image struct {
	Info     wim.ImageInfo
	Streams  []*wim.Stream
	Metadata *wim.Stream
	Modified bool
}

// Archive is an in-memory view of a WIM being built or modified.
type Archive struct {
	path string
	f    *os.File // backing file of an opened archive, read-only

	hdr        wim.Header
	totalBytes uint64 // TOTALBYTES of the source XML, carried on append
	images     []*Image

	// byHash dedupes streams across images; order preserves insertion
	// order for deterministic lookup tables.
	byHash map[wim.ID]*wim.Stream
	order  []*wim.Stream

	deletionOccurred bool
	locked           bool
}

// New returns an empty archive that will compress streams with ctype.
func New(ctype wim.CompressionType) *Archive {
	return &Archive{
		hdr:    wim.NewHeader(ctype),
		byHash: make(map[wim.ID]*wim.Stream),
	}
}

// CompressionType returns the archive's chunk codec.
func (a *Archive) CompressionType() wim.CompressionType {
	return a.hdr.CompressionType()
}

// Images returns the image records.
func (a *Archive) Images() []*Image {
	return a.images
}

// Lookup returns the stream with the given hash, if known.
func (a *Archive) Lookup(id wim.ID) (*wim.Stream, bool) {
	s, ok := a.byHash[id]
	return s, ok
}

// addStream registers a stream, deduplicating by hash. The returned stream
// is the canonical one; its reference count has been bumped.
func (a *Archive) addStream(s *wim.Stream) *wim.Stream {
	if s.RefCount == 0 {
		s.RefCount = 1
	}
	if !s.Hash.IsNull() {
		if have, ok := a.byHash[s.Hash]; ok {
			have.RefCount += s.RefCount
			return have
		}
	}
	a.byHash[s.Hash] = s
	a.order = append(a.order, s)
	return s
}

// AddImage appends a new image built from the given streams. Streams already
// present (by hash) are shared; the image's entries are rewritten to the
// canonical descriptors.
func (a *Archive) AddImage(info wim.ImageInfo, streams []*wim.Stream, metadata *wim.Stream) *Image {
	img := &Image{Info: info, Modified: true}
	for _, s := range streams {
		img.Streams = append(img.Streams, a.addStream(s))
	}
	if metadata != nil {
		metadata.Entry.Flags |= wim.ResFlagMetadata
		img.Metadata = metadata
	}
	img.Info.Index = len(a.images) + 1
	a.images = append(a.images, img)
	a.hdr.ImageCount = uint32(len(a.images))
	return img
}

// DeleteImage removes image index (1-based). Streams that lose their last
// reference are dropped from the lookup table; their bytes remain in the
// file until the next rebuild. Images loaded by Open carry no stream list,
// so deleting one of them removes only the image record.
func (a *Archive) DeleteImage(index int) error {
	if index < 1 || index > len(a.images) {
		return errors.Wrapf(wim.ErrInvalidImage, "image %d", index)
	}
	img := a.images[index-1]
	for _, s := range img.Streams {
		if s.RefCount > 0 {
			s.RefCount--
		}
		if s.RefCount == 0 {
			delete(a.byHash, s.Hash)
			for i, o := range a.order {
				if o == s {
					a.order = append(a.order[:i], a.order[i+1:]...)
					break
				}
			}
		}
	}
	a.images = append(a.images[:index-1], a.images[index:]...)
	for i, im := range a.images {
		im.Info.Index = i + 1
	}
	a.hdr.ImageCount = uint32(len(a.images))
	a.deletionOccurred = true
	log.Debugf("deleted image %d, %d images remain", index, len(a.images))
	return nil
}

// Close releases the backing file of an opened archive.
func (a *Archive) Close() error {
	if a.f != nil {
		err := a.f.Close()
		a.f = nil
		return err
	}
	return nil
}

// anyImagesModified reports whether any image metadata changed since open.
func (a *Archive) anyImagesModified() bool {
	for _, img := range a.images {
		if img.Modified {
			return true
		}
	}
	return false
}

// selectImages validates the image argument of Write and returns the images
// to include.
func (a *Archive) selectImages(image int) ([]*Image, error) {
	if image == AllImages {
		return a.images, nil
	}
	if image < 1 || image > len(a.images) {
		return nil, errors.Wrapf(wim.ErrInvalidImage, "image %d of %d", image, len(a.images))
	}
	return a.images[image-1 : image], nil
}
