package archive

import (
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/skyline93/wim/internal/wim"
)

// lockFile takes an advisory exclusive lock on the output file before an
// in-place modification. A held lock fails with ErrAlreadyLocked, unless
// wait is non-zero, in which case acquisition is retried with exponential
// backoff until the deadline. Lock errors other than contention are
// downgraded to warnings.
func (a *Archive) lockFile(out *os.File, wait time.Duration) error {
	if a.locked {
		return nil
	}

	try := func() error {
		err := unix.Flock(int(out.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			a.locked = true
			return nil
		}
		if errors.Is(err, unix.EWOULDBLOCK) {
			return errors.Wrapf(wim.ErrAlreadyLocked,
				"%s is being modified by another process", a.path)
		}
		log.Warnf("failed to lock %s: %v", a.path, err)
		return nil
	}

	if wait <= 0 {
		return try()
	}

	// Retry stops as soon as the next sleep would overrun the bound, so
	// single sleeps are kept short against it.
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = wait / 20
	policy.MaxInterval = wait / 10
	policy.MaxElapsedTime = wait
	return backoff.Retry(try, policy)
}

// unlockFile drops the advisory lock. The lock also dies with the file
// descriptor, so this only matters when the handle is kept open.
func (a *Archive) unlockFile(out *os.File) {
	if !a.locked {
		return
	}
	if err := unix.Flock(int(out.Fd()), unix.LOCK_UN); err != nil {
		log.Warnf("failed to unlock %s: %v", a.path, err)
	}
	a.locked = false
}
