package snapshot

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// BackupPath returns the path of the backup of the file at |path|.
func BackupPath(path string) string { return path + "~" }

// nextPath returns the path to which a replacement of |path| is written
// before being renamed into place.
func nextPath(path string) string { return path + ".next" }

// BackupFile copies the file at |path| to BackupPath(path), replacing any
// previous backup. The copy is synced before BackupFile returns.
func BackupFile(fs afero.Fs, path string) error {
	var src, err = fs.Open(path)
	if err != nil {
		return errors.WithMessage(err, "opening source")
	}
	defer src.Close()

	dst, err := fs.OpenFile(BackupPath(path), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return errors.WithMessage(err, "creating backup")
	}

	if _, err = io.Copy(dst, src); err != nil {
		err = errors.WithMessage(err, "copying to backup")
	} else if err = dst.Sync(); err != nil {
		err = errors.WithMessage(err, "syncing backup")
	}
	if closeErr := dst.Close(); err == nil && closeErr != nil {
		err = errors.WithMessage(closeErr, "closing backup")
	}

	if err != nil {
		_ = fs.Remove(BackupPath(path))
	}
	return err
}

// RecoverFile restores the file at |path| from its backup, if a backup
// exists. It returns whether a backup was restored. A backup is present only
// if a prior write of |path| was interrupted or failed, in which case it's
// the last known-good copy of |path|.
func RecoverFile(fs afero.Fs, path string) (bool, error) {
	if ok, err := afero.Exists(fs, BackupPath(path)); err != nil {
		return false, errors.WithMessage(err, "checking for backup")
	} else if !ok {
		return false, nil
	}

	if err := fs.Rename(BackupPath(path), path); err != nil {
		return false, errors.WithMessage(err, "restoring backup")
	}
	return true, nil
}

// writeAtomic writes content produced by |fn| to nextPath(path), syncs it,
// and then renames it over |path|. A failed writeAtomic never modifies |path|.
func writeAtomic(fs afero.Fs, path string, fn func(io.Writer) error) (size int64, err error) {
	var f afero.File
	if f, err = fs.OpenFile(nextPath(path), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600); err != nil {
		return 0, errors.WithMessage(err, "creating next file")
	}
	var cw = &countingWriter{w: f}

	if err = fn(cw); err != nil {
		// Pass.
	} else if err = f.Sync(); err != nil {
		err = errors.WithMessage(err, "syncing next file")
	}
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = errors.WithMessage(closeErr, "closing next file")
	}
	if err == nil {
		if err = fs.Rename(nextPath(path), path); err != nil {
			err = errors.WithMessage(err, "renaming next => current")
		}
	}

	if err != nil {
		_ = fs.Remove(nextPath(path))
		return 0, err
	}
	return cw.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	var n, err = c.w.Write(p)
	c.n += int64(n)
	return n, err
}
