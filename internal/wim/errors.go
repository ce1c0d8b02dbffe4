package wim

import "github.com/pkg/errors"

// Errors returned by the writer. Callers match these with errors.Is; most
// are wrapped with file names or offsets on the way up.
var (
	ErrOpen                = errors.New("failed to open resource")
	ErrRead                = errors.New("failed to read resource")
	ErrWrite               = errors.New("failed to write to output archive")
	ErrInvalidResourceHash = errors.New("resource has incorrect hash")
	ErrResourceOrder       = errors.New("resources are not in the expected order")
	ErrAlreadyLocked       = errors.New("archive is locked by another process")
	ErrSplitUnsupported    = errors.New("split archives are not supported")
	ErrRename              = errors.New("failed to rename temporary file")
	ErrReopen              = errors.New("failed to re-open archive")
	ErrInvalidParam        = errors.New("invalid parameter")
	ErrInvalidImage        = errors.New("no such image in archive")
	ErrNoFilename          = errors.New("archive has no backing file")
)
