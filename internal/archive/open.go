package archive

import (
	"os"

	"github.com/pkg/errors"

	"github.com/skyline93/wim/internal/wim"
)

// Open reads an existing archive's header, lookup table and XML metadata so
// that images and streams can be appended to it. Stream contents are not
// read; descriptors point back into the file.
func Open(path string) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(wim.ErrOpen, "%s: %v", path, err)
	}

	a := &Archive{
		path:   path,
		f:      f,
		byHash: make(map[wim.ID]*wim.Stream),
	}
	if err := a.load(); err != nil {
		f.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) load() error {
	hdr, err := wim.ReadHeader(a.f)
	if err != nil {
		return err
	}
	a.hdr = hdr

	ctype := hdr.CompressionType()

	var metadata []*wim.Stream
	if lt := hdr.LookupTable; lt.Size != 0 {
		b := make([]byte, lt.Size)
		if _, err := a.f.ReadAt(b, int64(lt.Offset)); err != nil {
			return errors.Wrap(wim.ErrRead, err.Error())
		}
		for off := 0; off+wim.LookupEntrySize <= len(b); off += wim.LookupEntrySize {
			entry, refCount, hash, err := wim.ParseLookupEntry(b[off:])
			if err != nil {
				return err
			}
			s := &wim.Stream{
				Hash:     hash,
				Size:     entry.OriginalSize,
				Entry:    entry,
				RefCount: refCount,
				Source:   &wim.ArchiveSource{ReaderAt: a.f, Compression: ctype},
			}
			if entry.Flags&wim.ResFlagMetadata != 0 {
				metadata = append(metadata, s)
				continue
			}
			a.byHash[hash] = s
			a.order = append(a.order, s)
		}
	}

	var info *wim.Info
	if xe := hdr.XMLData; xe.Size != 0 {
		b := make([]byte, xe.Size)
		if _, err := a.f.ReadAt(b, int64(xe.Offset)); err != nil {
			return errors.Wrap(wim.ErrRead, err.Error())
		}
		if info, err = wim.DecodeInfoXML(b); err != nil {
			return err
		}
		a.totalBytes = info.TotalBytes
	}

	for i := uint32(0); i < hdr.ImageCount; i++ {
		img := &Image{}
		if int(i) < len(metadata) {
			img.Metadata = metadata[i]
		}
		if info != nil {
			for _, ii := range info.Images {
				if ii.Index == int(i)+1 {
					img.Info = ii
					break
				}
			}
		}
		img.Info.Index = int(i) + 1
		a.images = append(a.images, img)
	}
	return nil
}
