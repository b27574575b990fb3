package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	mbp "github.com/wmib/rowshim/mainboilerplate"
	"github.com/wmib/rowshim/row"
	"github.com/wmib/rowshim/snapshot"
	"gopkg.in/yaml.v2"
)

type cmdInspect struct {
	Format string `long:"format" short:"o" default:"table" choice:"table" choice:"yaml" choice:"json" description:"Output format"`
}

func (cmd cmdInspect) Execute([]string) error {
	mbp.InitLog(Config.Log)
	return inspect(os.Stdout, afero.NewOsFs(), Config.Snapshot.Path, cmd.Format)
}

// inspectOutput is the yaml and json output of the inspect command.
type inspectOutput struct {
	Snapshot snapshot.Info  `json:"snapshot" yaml:"snapshot"`
	Entries  []inspectEntry `json:"entries" yaml:"entries"`
}

type inspectEntry struct {
	Table string      `json:"table" yaml:"table"`
	Row   []row.Value `json:"row" yaml:"row"`
}

func inspect(w io.Writer, fs afero.Fs, path, format string) error {
	var info, set, err = snapshot.ReadFile(fs, path)
	if os.IsNotExist(errors.Cause(err)) {
		_, err = fmt.Fprintf(w, "No snapshot at %s: nothing is pending.\n", path)
		return err
	} else if err != nil {
		return err
	}

	var out = inspectOutput{Snapshot: info, Entries: []inspectEntry{}}
	for _, e := range set {
		out.Entries = append(out.Entries, inspectEntry{Table: e.Table, Row: e.Row.Values})
	}

	switch format {
	case "json":
		var enc = json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	case "yaml":
		var b, err = yaml.Marshal(out)
		if err == nil {
			_, err = w.Write(b)
		}
		return err
	}

	if _, err = fmt.Fprintf(w, "%s: %d pending rows, %s %s, written %s.\n",
		info.Path,
		info.Header.Entries,
		humanize.Bytes(uint64(info.Size)),
		info.Header.Compression,
		humanize.Time(info.ModTime),
	); err != nil {
		return err
	}

	var table = tablewriter.NewWriter(w)
	table.Header("#", "Table", "Values")

	for i, e := range out.Entries {
		var cells []string
		for _, v := range e.Row {
			cells = append(cells, fmt.Sprintf("%s(%s)", v.Type, v.Data))
		}
		if err = table.Append([]string{
			humanize.Comma(int64(i)),
			e.Table,
			strings.Join(cells, ", "),
		}); err != nil {
			return err
		}
	}
	return table.Render()
}
