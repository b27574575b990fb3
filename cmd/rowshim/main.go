package main

import (
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/spf13/afero"
	mbp "github.com/wmib/rowshim/mainboilerplate"
	"github.com/wmib/rowshim/recovery"
	"github.com/wmib/rowshim/snapshot"
	"github.com/wmib/rowshim/sqldb"
)

const iniFilename = "rowshim.ini"

// SnapshotConfig configures the snapshot of pending rows.
type SnapshotConfig struct {
	Path           string `long:"path" env:"PATH" default:"unwritten.snapshot" description:"Path of the snapshot file of pending rows"`
	Compression    string `long:"compression" env:"COMPRESSION" default:"SNAPPY" choice:"NONE" choice:"GZIP" choice:"SNAPPY" choice:"ZSTANDARD" description:"Compression of written snapshots. Snapshots of any compression are read"`
	DiscardCorrupt bool   `long:"discard-corrupt" env:"DISCARD_CORRUPT" description:"Move aside a snapshot which cannot be decoded, rather than refusing to start"`
}

// Config is the top-level configuration object of rowshim.
var Config = new(struct {
	Database struct {
		sqldb.Config
	} `group:"Database" namespace:"database" env-namespace:"DATABASE"`

	Snapshot SnapshotConfig `group:"Snapshot" namespace:"snapshot" env-namespace:"SNAPSHOT"`

	Recovery struct {
		recovery.Config
	} `group:"Recovery" namespace:"recovery" env-namespace:"RECOVERY"`

	Gateway struct {
		Separator string `long:"separator" env:"SEPARATOR" default:"|" description:"Separator joining the cells of select results"`
	} `group:"Gateway" namespace:"gateway" env-namespace:"GATEWAY"`

	Service     mbp.ServiceConfig     `group:"Service" namespace:"service" env-namespace:"SERVICE"`
	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
})

func newStore(fs afero.Fs) *snapshot.Store {
	return snapshot.NewStore(fs, Config.Snapshot.Path, snapshot.Compression(Config.Snapshot.Compression))
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve the rowshim gateway", `
Serve the HTTP row gateway with the provided configuration, until signaled to
exit (via SIGTERM or SIGINT). Rows which cannot be written to the database are
held in a snapshot file and replayed until they succeed. Upon exit, rows still
pending are persisted and are recovered by the next process.
`, &cmdServe{})

	_, _ = parser.AddCommand("inspect", "Print the pending rows of a snapshot", `
Print the pending rows held in the snapshot file, without modifying it.
`, &cmdInspect{})

	_, _ = parser.AddCommand("replay", "Replay a snapshot against the database and exit", `
Load the snapshot file, run a single recovery pass against the database, and
exit. Rows which still fail remain in the snapshot, which is removed if no
rows remain.
`, &cmdReplay{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename, os.Args[1:])
}
