package snapshot

import (
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// Compression is the codec with which a snapshot body is encoded.
type Compression string

const (
	None      Compression = "NONE"
	Gzip      Compression = "GZIP"
	Snappy    Compression = "SNAPPY"
	Zstandard Compression = "ZSTANDARD"
)

// Validate returns an error if the Compression is not a known codec.
func (c Compression) Validate() error {
	switch c {
	case None, Gzip, Snappy, Zstandard:
		return nil
	default:
		return errors.Errorf("unsupported compression %q", string(c))
	}
}

// decompressor is a ReadCloser where Close releases decompressor state,
// but does not Close or affect the underlying Reader.
type decompressor io.ReadCloser

// compressor is a WriteCloser where Close flushes final content to the
// underlying Writer, but does not Close the underlying Writer.
type compressor io.WriteCloser

func newCodecReader(r io.Reader, c Compression) (decompressor, error) {
	switch c {
	case None:
		return io.NopCloser(r), nil
	case Gzip:
		return gzip.NewReader(r)
	case Snappy:
		return io.NopCloser(snappy.NewReader(r)), nil
	case Zstandard:
		return zstdNewReader(r)
	default:
		return nil, fmt.Errorf("unsupported compression %q", string(c))
	}
}

func newCodecWriter(w io.Writer, c Compression) (compressor, error) {
	switch c {
	case None:
		return nopWriteCloser{w}, nil
	case Gzip:
		return gzip.NewWriter(w), nil
	case Snappy:
		return snappy.NewBufferedWriter(w), nil
	case Zstandard:
		return zstdNewWriter(w)
	default:
		return nil, fmt.Errorf("unsupported compression %q", string(c))
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

var (
	zstdNewReader = func(io.Reader) (io.ReadCloser, error) {
		return nil, fmt.Errorf("ZSTANDARD was not enabled at compile time")
	}
	zstdNewWriter = func(io.Writer) (io.WriteCloser, error) {
		return nil, fmt.Errorf("ZSTANDARD was not enabled at compile time")
	}
)
