package snapshot

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/wmib/rowshim/pending"
)

// Info describes a snapshot file.
type Info struct {
	Path    string    `json:"path" yaml:"path"`
	Size    int64     `json:"size" yaml:"size"`
	ModTime time.Time `json:"modTime" yaml:"modTime"`
	Header  Header    `json:"header" yaml:"header"`
}

// ReadFile decodes the snapshot at |path|. Unlike Store.Load it's read-only:
// neither the snapshot nor its backup is modified.
func ReadFile(fs afero.Fs, path string) (Info, pending.Set, error) {
	var info = Info{Path: path}

	var fi, err = fs.Stat(path)
	if err != nil {
		return info, nil, err
	}
	info.Size, info.ModTime = fi.Size(), fi.ModTime()

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return info, nil, errors.WithMessage(err, "reading snapshot")
	}
	if ind := bytes.IndexByte(data, '\n'); ind != -1 {
		_ = json.Unmarshal(data[:ind], &info.Header) // Decode checks the header.
	}

	set, err := Decode(bytes.NewReader(data))
	if err != nil {
		return info, nil, errors.WithMessage(err, path)
	}
	return info, set, nil
}
