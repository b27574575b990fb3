package snapshot

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	"github.com/wmib/rowshim/pending"
	"github.com/wmib/rowshim/row"
)

const (
	// FormatName identifies rowshim snapshot files.
	FormatName = "rowshim.snapshot"
	// FormatVersion is the current version of the snapshot schema.
	FormatVersion = 1
)

// ErrCorrupt is the Cause of errors returned when a snapshot is present but
// cannot be decoded. The pending rows it held are unrecoverable unless a
// backup can be restored.
var ErrCorrupt = errors.New("snapshot is corrupt")

// ErrLocked is the Cause of errors returned by AcquireLock when another
// process holds the Lock of a snapshot.
var ErrLocked = errors.New("snapshot is locked by another process")

// Header is the first line of a snapshot file. It's always encoded as
// uncompressed JSON, and describes the encoding of the remaining body.
type Header struct {
	Format      string      `json:"format"`
	Version     int         `json:"version"`
	Compression Compression `json:"compression"`
	Entries     int         `json:"entries"`
}

// entryRecord is the encoded form of a pending.Entry. It's decoupled from
// pending.Entry so that the in-memory representation may change without
// changing the snapshot schema.
type entryRecord struct {
	Table string      `json:"table"`
	Row   []row.Value `json:"row"`
}

// Encode a Set to |w| using Compression |c|. The snapshot body is a
// sequence of JSON entries, one per line.
func Encode(w io.Writer, set pending.Set, c Compression) error {
	if err := c.Validate(); err != nil {
		return err
	}
	var hdr, err = json.Marshal(Header{
		Format:      FormatName,
		Version:     FormatVersion,
		Compression: c,
		Entries:     len(set),
	})
	if err != nil {
		return errors.WithMessage(err, "encoding header")
	} else if _, err = w.Write(append(hdr, '\n')); err != nil {
		return errors.WithMessage(err, "writing header")
	}

	cw, err := newCodecWriter(w, c)
	if err != nil {
		return err
	}
	var enc = json.NewEncoder(cw)

	for i, e := range set {
		if err = enc.Encode(entryRecord{Table: e.Table, Row: e.Row.Values}); err != nil {
			return errors.WithMessagef(err, "encoding entry %d", i)
		}
	}
	if err = cw.Close(); err != nil {
		return errors.WithMessage(err, "closing compressor")
	}
	return nil
}

// Decode a Set from |r|. All decoding failures have Cause ErrCorrupt.
func Decode(r io.Reader) (pending.Set, error) {
	var br = bufio.NewReader(r)
	var hdr Header

	if line, err := br.ReadBytes('\n'); err != nil {
		return nil, corrupt(err, "reading header")
	} else if err = json.Unmarshal(line, &hdr); err != nil {
		return nil, corrupt(err, "decoding header")
	}

	if hdr.Format != FormatName {
		return nil, corrupt(errors.Errorf("unexpected format %q", hdr.Format), "checking header")
	} else if hdr.Version != FormatVersion {
		return nil, corrupt(errors.Errorf("unsupported version %d", hdr.Version), "checking header")
	} else if hdr.Entries < 0 {
		return nil, corrupt(errors.Errorf("invalid entry count %d", hdr.Entries), "checking header")
	}

	var dr, err = newCodecReader(br, hdr.Compression)
	if err != nil {
		return nil, corrupt(err, "checking header")
	}
	defer dr.Close()

	var dec = json.NewDecoder(dr)
	var set = make(pending.Set, 0, hdr.Entries)

	for {
		var rec entryRecord
		if err = dec.Decode(&rec); err == io.EOF {
			break
		} else if err != nil {
			return nil, corrupt(err, "decoding entry %d", len(set))
		} else if rec.Table == "" {
			return nil, corrupt(errors.New("missing table"), "decoding entry %d", len(set))
		}
		set = append(set, pending.Entry{Table: rec.Table, Row: row.Row{Values: rec.Row}})
	}

	if len(set) != hdr.Entries {
		return nil, corrupt(errors.Errorf("header has %d entries, but body has %d",
			hdr.Entries, len(set)), "checking entry count")
	}
	return set, nil
}

func corrupt(err error, format string, args ...interface{}) error {
	return errors.WithMessagef(ErrCorrupt, format+": %v", append(args, err)...)
}
