// Package capture builds stream descriptors from a host directory tree. It
// is the POSIX adapter in front of the writing engine: it resolves hard
// links, hashes file contents, and turns symlink targets and extended
// attribute values into additional inline streams.
package capture

import (
	"crypto/sha1"
	"io"
	"io/fs"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/pkg/xattr"
	log "github.com/sirupsen/logrus"

	wimfs "github.com/skyline93/wim/internal/fs"
	"github.com/skyline93/wim/internal/wim"
)

// maxAttrStream is the ceiling for reparse-style data carried inline
// (symlink targets, extended attributes).
const maxAttrStream = 0xffff

// Result is what a capture run produces: the stream list in discovery order
// and the aggregate counters for the image's XML record. Hard-linked files
// share one descriptor; separate files with equal contents each get their
// own.
type Result struct {
	Streams []*wim.Stream
	Info    wim.ImageInfo
}

type inodeKey struct {
	dev uint64
	ino uint64
}

// Dir walks the tree rooted at root and returns the streams a new image of
// it needs. Hard-linked files share one descriptor with a bumped reference
// count.
func Dir(root, name string) (*Result, error) {
	res := &Result{
		Info: wim.ImageInfo{
			Name:         name,
			CreationTime: wim.FiletimeFromTime(time.Now()),
			ModTime:      wim.FiletimeFromTime(time.Now()),
		},
	}
	inodes := make(map[inodeKey]*wim.Stream)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return errors.Wrapf(wim.ErrOpen, "%s: %v", path, err)
		}

		switch {
		case d.IsDir():
			res.Info.DirCount++
			return nil
		case d.Type()&fs.ModeSymlink != 0:
			return res.captureSymlink(path)
		case !d.Type().IsRegular():
			log.Debugf("skipping special file %s", path)
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return errors.Wrapf(wim.ErrOpen, "%s: %v", path, err)
		}
		res.Info.FileCount++
		res.Info.TotalBytes += uint64(info.Size())

		if st, ok := info.Sys().(*syscall.Stat_t); ok && st.Nlink > 1 {
			key := inodeKey{dev: uint64(st.Dev), ino: uint64(st.Ino)}
			if s, ok := inodes[key]; ok {
				s.RefCount++
				return nil
			}
			s, err := res.captureFile(path, uint64(info.Size()))
			if err != nil {
				return err
			}
			inodes[key] = s
			return nil
		}

		_, err = res.captureFile(path, uint64(info.Size()))
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// captureFile hashes the file and appends its content stream plus one
// stream per extended attribute.
func (res *Result) captureFile(path string, size uint64) (*wim.Stream, error) {
	f, err := wimfs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(wim.ErrOpen, "%s: %v", path, err)
	}
	defer f.Close()

	sha := sha1.New()
	if _, err := io.Copy(sha, f); err != nil {
		return nil, errors.Wrapf(wim.ErrRead, "%s: %v", path, err)
	}

	s := &wim.Stream{
		Hash:     wim.IDFromHash(sha.Sum(nil)),
		Size:     size,
		RefCount: 1,
		Source:   &wim.FileSource{Path: path},
	}
	res.Streams = append(res.Streams, s)

	if err := res.captureXattrs(path); err != nil {
		return nil, err
	}
	return s, nil
}

// captureXattrs stores each extended attribute value as an inline stream;
// the attribute name is not recorded. Values at or above the inline ceiling
// are skipped with a warning.
func (res *Result) captureXattrs(path string) error {
	names, err := xattr.LList(path)
	if err != nil {
		// Not all filesystems support listing; treat as no attributes.
		log.Debugf("cannot list extended attributes of %s: %v", path, err)
		return nil
	}

	for _, name := range names {
		value, err := xattr.LGet(path, name)
		if err != nil {
			return errors.Wrapf(wim.ErrRead, "xattr %s of %s: %v", name, path, err)
		}
		if len(value) >= maxAttrStream {
			log.Warnf("skipping oversized attribute %s of %s (%d bytes)", name, path, len(value))
			continue
		}
		res.Streams = append(res.Streams, &wim.Stream{
			Hash:     wim.Hash(value),
			Size:     uint64(len(value)),
			RefCount: 1,
			Source:   &wim.BufferSource{Data: value},
		})
	}
	return nil
}

// captureSymlink stores the link target as an inline stream, the way
// reparse data is carried.
func (res *Result) captureSymlink(path string) error {
	target, err := wimfs.Readlink(path)
	if err != nil {
		return errors.Wrapf(wim.ErrRead, "%s: %v", path, err)
	}
	if len(target) >= maxAttrStream {
		return errors.Wrapf(wim.ErrInvalidParam, "link target of %s too long", path)
	}
	data := []byte(target)
	res.Streams = append(res.Streams, &wim.Stream{
		Hash:     wim.Hash(data),
		Size:     uint64(len(data)),
		RefCount: 1,
		Source:   &wim.BufferSource{Data: data},
	})
	res.Info.FileCount++
	res.Info.TotalBytes += uint64(len(data))
	return nil
}
