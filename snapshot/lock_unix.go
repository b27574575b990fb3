//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd

package snapshot

import (
	"os"
	"syscall"

	"github.com/pkg/errors"
)

// Lock is an exclusive, advisory lock over a snapshot path, which is held by
// the single process permitted to read and write the snapshot.
type Lock struct {
	file *os.File
}

// LockPath returns the path of the lock file of snapshot |path|.
func LockPath(path string) string { return path + ".lock" }

// AcquireLock of the snapshot at |path|, without blocking. If another
// process holds the lock, an error having Cause ErrLocked is returned.
func AcquireLock(path string) (*Lock, error) {
	var f, err = os.OpenFile(LockPath(path), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.WithMessage(err, "opening lock file")
	}
	if err = setFileLock(f, true); err == syscall.EWOULDBLOCK {
		_ = f.Close()
		return nil, errors.WithMessagef(ErrLocked, "%s", LockPath(path))
	} else if err != nil {
		_ = f.Close()
		return nil, errors.WithMessage(err, "locking lock file")
	}
	return &Lock{file: f}, nil
}

// Release the Lock.
func (l *Lock) Release() error {
	if err := setFileLock(l.file, false); err != nil {
		return err
	}
	return l.file.Close()
}

func setFileLock(f *os.File, lock bool) error {
	var how = syscall.LOCK_UN
	if lock {
		how = syscall.LOCK_EX
	}
	return syscall.Flock(int(f.Fd()), how|syscall.LOCK_NB)
}
