// Package snapshot persists a pending.Set to a single file, such that pending
// rows survive a restart of the process.
//
// A snapshot is written by first copying any current snapshot to a backup
// (see BackupFile), then writing the new snapshot to a temporary file which
// is renamed into place. The backup is removed only once the new snapshot is
// in place, so that at every moment at least one complete snapshot is on
// disk. On open, a remaining backup signals an interrupted or failed write,
// and is restored if the current snapshot cannot be decoded.
package snapshot

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/wmib/rowshim/metrics"
	"github.com/wmib/rowshim/pending"
)

// Store persists and loads the snapshot file at Path.
type Store struct {
	fs          afero.Fs
	path        string
	compression Compression

	// Serializes file operations of the Store.
	mu sync.Mutex
}

// NewStore returns a Store of the snapshot at |path| of the afero.Fs, which
// writes snapshots using Compression |c|. Snapshots of any Compression are
// read.
func NewStore(fs afero.Fs, path string, c Compression) *Store {
	return &Store{fs: fs, path: path, compression: c}
}

// Path of the snapshot file.
func (s *Store) Path() string { return s.path }

// Exists returns whether the snapshot file exists.
func (s *Store) Exists() bool {
	var ok, _ = afero.Exists(s.fs, s.path)
	return ok
}

// Persist writes |set| as the current snapshot. Failures are logged and not
// returned: the in-memory pending.Queue remains authoritative until the next
// successful Persist, and if the snapshot cannot be written the prior
// snapshot is preserved wherever possible.
func (s *Store) Persist(set pending.Set) {
	var err = s.persist(set)
	metrics.SnapshotWritesTotal.WithLabelValues(metrics.Status(err)).Inc()

	if err != nil {
		log.WithFields(log.Fields{
			"err":     err,
			"path":    s.path,
			"entries": len(set),
		}).Error("failed to persist pending rows snapshot")
	}
}

func (s *Store) persist(set pending.Set) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ok, err := afero.Exists(s.fs, s.path); err != nil {
		return errors.WithMessage(err, "checking for snapshot")
	} else if ok {
		// Refuse to overwrite the current snapshot unless a backup of it is
		// in place.
		if err = BackupFile(s.fs, s.path); err != nil {
			return errors.WithMessage(err, "backing up snapshot")
		} else if ok, _ = afero.Exists(s.fs, BackupPath(s.path)); !ok {
			return errors.Errorf("backup %s was not created", BackupPath(s.path))
		}
	}

	var size, err = writeAtomic(s.fs, s.path, func(w io.Writer) error {
		return Encode(w, set, s.compression)
	})
	if err != nil {
		if restored, rErr := RecoverFile(s.fs, s.path); rErr != nil {
			log.WithFields(log.Fields{"err": rErr, "path": s.path}).
				Error("failed to restore snapshot from backup")
		} else if restored {
			metrics.SnapshotRestoresTotal.Inc()
			log.WithField("path", s.path).Warn("restored snapshot from backup after failed write")
		}
		return err
	}

	if err = s.fs.Remove(BackupPath(s.path)); err != nil && !os.IsNotExist(err) {
		log.WithFields(log.Fields{"err": err, "path": BackupPath(s.path)}).
			Warn("failed to remove snapshot backup")
	}
	metrics.SnapshotBytes.Set(float64(size))

	log.WithFields(log.Fields{
		"path":    s.path,
		"entries": len(set),
		"size":    humanize.Bytes(uint64(size)),
	}).Debug("persisted pending rows snapshot")

	return nil
}

// Load the snapshot, returning its Set and whether a snapshot was present.
// A present snapshot indicates the prior process exited with rows still
// pending. If the snapshot cannot be decoded but its backup can, the backup
// is restored and returned. Otherwise an error having Cause ErrCorrupt is
// returned, and the snapshot file is left in place.
func (s *Store) Load() (pending.Set, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A remaining next file is a partial write which was never renamed into place.
	if err := s.fs.Remove(nextPath(s.path)); err != nil && !os.IsNotExist(err) {
		return nil, false, errors.WithMessage(err, "removing partial snapshot")
	}

	var set, err = s.decodeFile(s.path)
	if err == nil {
		// The snapshot is good, so a remaining backup is stale.
		if rmErr := s.fs.Remove(BackupPath(s.path)); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, false, errors.WithMessage(rmErr, "removing stale backup")
		}
		return set, true, nil
	} else if !os.IsNotExist(errors.Cause(err)) && errors.Cause(err) != ErrCorrupt {
		return nil, false, err
	}

	// The snapshot is missing or corrupt. Attempt to fall back to a backup.
	var backup, bErr = s.decodeFile(BackupPath(s.path))
	if os.IsNotExist(errors.Cause(bErr)) {
		if os.IsNotExist(errors.Cause(err)) {
			return nil, false, nil // No snapshot, and no backup.
		}
		return nil, true, err
	} else if bErr != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return nil, true, bErr
		}
		return nil, true, errors.WithMessagef(err, "backup also failed (%s)", bErr)
	}

	if _, rErr := RecoverFile(s.fs, s.path); rErr != nil {
		return nil, true, rErr
	}
	metrics.SnapshotRestoresTotal.Inc()

	log.WithFields(log.Fields{
		"path":     s.path,
		"entries":  len(backup),
		"snapshot": err,
	}).Warn("recovered pending rows from snapshot backup")

	return backup, true, nil
}

func (s *Store) decodeFile(path string) (pending.Set, error) {
	var f, err = s.fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	set, err := Decode(f)
	if err != nil {
		return nil, errors.WithMessage(err, path)
	}
	return set, nil
}

// DeleteIfEmpty removes the snapshot if |queued| returns zero and a
// snapshot exists, returning whether it was removed. |queued| is typically
// pending.Queue.Len, and is called while holding the Store's lock: a row
// queued after it's called is persisted only once the removal completes,
// re-creating the snapshot.
func (s *Store) DeleteIfEmpty(queued func() int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if queued() != 0 {
		return false
	}
	if err := s.fs.Remove(s.path); os.IsNotExist(err) {
		return false
	} else if err != nil {
		log.WithFields(log.Fields{"err": err, "path": s.path}).
			Warn("failed to remove empty snapshot")
		return false
	}
	log.WithField("path", s.path).Debug("removed empty snapshot")
	return true
}

// Quarantine renames a snapshot which cannot be loaded to a unique path
// alongside it, so that processing may continue. It returns the new path.
func (s *Store) Quarantine(now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dest = fmt.Sprintf("%s.corrupt-%d", s.path, now.Unix())
	if err := s.fs.Rename(s.path, dest); err != nil && !os.IsNotExist(err) {
		return "", errors.WithMessage(err, "renaming corrupt snapshot")
	}
	if err := s.fs.Remove(BackupPath(s.path)); err != nil && !os.IsNotExist(err) {
		return "", errors.WithMessage(err, "removing backup")
	}
	return dest, nil
}
