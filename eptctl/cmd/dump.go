// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/google/subcommands"

	"github.com/Bareflank/extended-apis-sub001/eptctl/config"
	"github.com/Bareflank/extended-apis-sub001/pkg/ept"
)

// Dump implements subcommands.Command for the "dump" command.
type Dump struct {
	format format
	tables bool
}

// Name implements subcommands.Command.Name.
func (*Dump) Name() string {
	return "dump"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Dump) Synopsis() string {
	return "list every leaf of the map built from a layout"
}

// Usage implements subcommands.Command.Usage.
func (*Dump) Usage() string {
	return `dump [flags] [layout] - list leaves in guest-physical order
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Dump) SetFlags(f *flag.FlagSet) {
	f.Var(&d.format, "format", "output format: text (default), json, or yaml.")
	f.BoolVar(&d.tables, "tables", false, "also list the physical address of every table, root first.")
}

// leaf describes one mapping.
type leaf struct {
	GPA   string `json:"gpa" yaml:"gpa"`
	Size  string `json:"size" yaml:"size"`
	Entry string `json:"entry" yaml:"entry"`
}

// dumpOutput is the structured form of the dump.
type dumpOutput struct {
	Leaves []leaf   `json:"leaves" yaml:"leaves"`
	Tables []string  `json:"tables,omitempty" yaml:"tables,omitempty"`
}

func dumpMap(m *ept.Map, withTables bool) dumpOutput {
	var out dumpOutput
	m.Walk(func(gpa uint64, size ept.PageSize, e *ept.Entry) bool {
		out.Leaves = append(out.Leaves, leaf{
			GPA:   fmt.Sprintf("%#x", gpa),
			Size:  size.String(),
			Entry: e.String(),
		})
		return true
	})
	if withTables {
		for _, physical := range m.Tables() {
			out.Tables = append(out.Tables, fmt.Sprintf("%#x", physical))
		}
	}
	return out
}

// Execute implements subcommands.Command.Execute.
func (d *Dump) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	path, rest := layoutPath(conf, f.Args())
	if len(rest) != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	m, _, destroy, err := buildMap(conf, path)
	if err != nil {
		return Errorf("%v", err)
	}
	defer destroy()

	out := dumpMap(m, d.tables)
	err = d.format.write(Output, out, func(w io.Writer) {
		for _, l := range out.Leaves {
			fmt.Fprintf(w, "%-16s %s %s\n", l.GPA, l.Size, l.Entry)
		}
		for i, t := range out.Tables {
			fmt.Fprintf(w, "table %d: %s\n", i, t)
		}
	})
	if err != nil {
		return Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}
