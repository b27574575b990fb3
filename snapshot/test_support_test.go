package snapshot

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// faultyFs wraps an afero.Fs to inject failures into writes of files having
// a given suffix.
type faultyFs struct {
	afero.Fs

	// Writes to files ending in |suffix| fail once |failAfter| bytes have
	// been written. A negative |failAfter| disables injection.
	suffix    string
	failAfter int
	// Opens for writing of files ending in |suffix| fail outright.
	failOpen bool
}

var errInjected = errors.New("injected failure")

func (f *faultyFs) OpenFile(name string, flags int, perm os.FileMode) (afero.File, error) {
	if !strings.HasSuffix(name, f.suffix) || flags&(os.O_WRONLY|os.O_RDWR) == 0 {
		return f.Fs.OpenFile(name, flags, perm)
	} else if f.failOpen {
		return nil, &os.PathError{Op: "open", Path: name, Err: errInjected}
	}
	var file, err = f.Fs.OpenFile(name, flags, perm)
	if err != nil || f.failAfter < 0 {
		return file, err
	}
	return &faultyFile{File: file, remaining: f.failAfter}, nil
}

type faultyFile struct {
	afero.File
	remaining int
}

func (f *faultyFile) Write(p []byte) (int, error) {
	if len(p) <= f.remaining {
		f.remaining -= len(p)
		return f.File.Write(p)
	}
	var n, _ = f.File.Write(p[:f.remaining])
	f.remaining = 0
	return n, errInjected
}
