// Package fs wraps the host filesystem calls the capture adapter and the
// archive finalizer need.
package fs

import (
	"os"
)

func fixpath(name string) string {
	return name
}

// Open opens a file for reading.
func Open(name string) (*os.File, error) {
	return os.Open(fixpath(name))
}

// OpenFile is the generalized open call; most users will use Open instead.
func OpenFile(name string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(fixpath(name), flag, perm)
}

// Lstat returns the FileInfo structure describing the named file without
// following symbolic links.
func Lstat(name string) (os.FileInfo, error) {
	return os.Lstat(fixpath(name))
}

// Readlink returns the destination of the named symbolic link.
func Readlink(name string) (string, error) {
	return os.Readlink(fixpath(name))
}

// Remove removes the named file or directory.
func Remove(name string) error {
	return os.Remove(fixpath(name))
}

// RemoveIfExists removes a file, returning no error if it does not exist.
func RemoveIfExists(filename string) error {
	err := os.Remove(filename)
	if err != nil && os.IsNotExist(err) {
		err = nil
	}
	return err
}

// Rename renames (moves) oldpath to newpath.
func Rename(oldpath, newpath string) error {
	return os.Rename(fixpath(oldpath), fixpath(newpath))
}
