//go:build !(darwin || dragonfly || freebsd || linux || netbsd || openbsd)

package snapshot

import (
	"os"

	"github.com/pkg/errors"
)

// Lock is an exclusive lock over a snapshot path. On this platform it's
// implemented as an exclusively-created lock file, which a crashed process
// may leave behind and which must then be removed by hand.
type Lock struct {
	path string
	file *os.File
}

// LockPath returns the path of the lock file of snapshot |path|.
func LockPath(path string) string { return path + ".lock" }

// AcquireLock of the snapshot at |path|, without blocking. If another
// process holds the lock, an error having Cause ErrLocked is returned.
func AcquireLock(path string) (*Lock, error) {
	var f, err = os.OpenFile(LockPath(path), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if os.IsExist(err) {
		return nil, errors.WithMessagef(ErrLocked, "%s", LockPath(path))
	} else if err != nil {
		return nil, errors.WithMessage(err, "creating lock file")
	}
	return &Lock{path: LockPath(path), file: f}, nil
}

// Release the Lock.
func (l *Lock) Release() error {
	if err := l.file.Close(); err != nil {
		return err
	}
	return os.Remove(l.path)
}
