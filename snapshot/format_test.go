package snapshot

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/wmib/rowshim/pending"
	"github.com/wmib/rowshim/row"
)

func buildSet(n int) pending.Set {
	var set = pending.Set{}
	for i := 0; i != n; i++ {
		set = append(set, pending.Entry{
			Table: fmt.Sprintf("table_%d", i%3),
			Row: row.New(
				row.Int(int64(i)),
				row.Bool(i%2 == 0),
				row.Varchar(fmt.Sprintf("it's \"row\" %d", i)),
				row.Text("line one\nline two|three"),
				row.Value{Type: row.DateType, Data: "2024-01-02 03:04:05"},
			),
		})
	}
	return set
}

func TestRoundTripAcrossCompressions(t *testing.T) {
	for _, c := range []Compression{None, Gzip, Snappy, Zstandard} {
		for _, n := range []int{0, 1, 3, 250} {
			var buf bytes.Buffer
			require.NoError(t, Encode(&buf, buildSet(n), c))

			var out, err = Decode(&buf)
			require.NoError(t, err, "compression %s n %d", c, n)
			require.Len(t, out, n)
			require.Equal(t, buildSet(n), out, "compression %s n %d", c, n)
		}
	}
}

func TestHeaderIsPlainJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, buildSet(2), Snappy))

	var line, err = buf.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t,
		`{"format":"rowshim.snapshot","version":1,"compression":"SNAPPY","entries":2}`+"\n", line)
}

func TestUncompressedBodyFixture(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, pending.Set{
		{Table: "logs", Row: row.New(row.Int(1), row.Varchar("hi"))},
	}, None))

	require.Equal(t, `{"format":"rowshim.snapshot","version":1,"compression":"NONE","entries":1}
{"table":"logs","row":[{"type":"INTEGER","data":"1"},{"type":"VARCHAR","data":"hi"}]}
`, buf.String())
}

func TestEncodeRejectsUnknownCompression(t *testing.T) {
	require.EqualError(t, Encode(new(bytes.Buffer), nil, "LZMA"), `unsupported compression "LZMA"`)
}

func TestDecodeCorruptionCases(t *testing.T) {
	var valid = func(c Compression, n int) []byte {
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, buildSet(n), c))
		return buf.Bytes()
	}
	var cases = []struct {
		name   string
		input  []byte
		expect string
	}{
		{"empty", nil, "reading header: EOF: snapshot is corrupt"},
		{"header not json", []byte("<Unwritten/>\n"),
			"decoding header: invalid character '<' looking for beginning of value: snapshot is corrupt"},
		{"wrong format", []byte(`{"format":"other","version":1,"compression":"NONE","entries":0}` + "\n"),
			`checking header: unexpected format "other": snapshot is corrupt`},
		{"wrong version", []byte(`{"format":"rowshim.snapshot","version":9,"compression":"NONE","entries":0}` + "\n"),
			"checking header: unsupported version 9: snapshot is corrupt"},
		{"bad compression", []byte(`{"format":"rowshim.snapshot","version":1,"compression":"LZMA","entries":0}` + "\n"),
			`checking header: unsupported compression "LZMA": snapshot is corrupt`},
		{"negative count", []byte(`{"format":"rowshim.snapshot","version":1,"compression":"NONE","entries":-1}` + "\n"),
			"checking header: invalid entry count -1: snapshot is corrupt"},
		{"count mismatch", append(valid(None, 2),
			[]byte(`{"table":"extra","row":[]}`+"\n")...),
			"checking entry count: header has 2 entries, but body has 3: snapshot is corrupt"},
		{"missing table", []byte(`{"format":"rowshim.snapshot","version":1,"compression":"NONE","entries":1}
{"row":[]}
`), "decoding entry 0: missing table: snapshot is corrupt"},
		{"unknown type", []byte(`{"format":"rowshim.snapshot","version":1,"compression":"NONE","entries":1}
{"table":"t","row":[{"type":"BLOB","data":""}]}
`), `decoding entry 0: unknown DataType "BLOB": snapshot is corrupt`},
	}
	for _, tc := range cases {
		var _, err = Decode(bytes.NewReader(tc.input))
		require.EqualError(t, err, tc.expect, tc.name)
		require.Equal(t, ErrCorrupt, errors.Cause(err), tc.name)
	}
}

func TestDecodeTruncatedBodies(t *testing.T) {
	for _, c := range []Compression{None, Gzip, Snappy, Zstandard} {
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, buildSet(50), c))
		var b = buf.Bytes()

		var _, err = Decode(bytes.NewReader(b[:len(b)*2/3]))
		require.Error(t, err, "compression %s", c)
		require.Equal(t, ErrCorrupt, errors.Cause(err), "compression %s", c)
	}
}
