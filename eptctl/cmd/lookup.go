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
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/google/subcommands"

	"github.com/Bareflank/extended-apis-sub001/eptctl/config"
	"github.com/Bareflank/extended-apis-sub001/pkg/ept"
)

// Lookup implements subcommands.Command for the "lookup" command.
type Lookup struct {
	format format
}

// Name implements subcommands.Command.Name.
func (*Lookup) Name() string {
	return "lookup"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Lookup) Synopsis() string {
	return "translate guest-physical addresses through a layout"
}

// Usage implements subcommands.Command.Usage.
func (*Lookup) Usage() string {
	return `lookup [flags] [layout] <gpa>... - translate addresses, as the EPT violation handler would

Exits with status 1 if any address is not mapped.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Lookup) SetFlags(f *flag.FlagSet) {
	f.Var(&l.format, "format", "output format: text (default), json, or yaml.")
}

// translation is the result of one lookup.
type translation struct {
	GPA    string `json:"gpa" yaml:"gpa"`
	Mapped bool   `json:"mapped" yaml:"mapped"`
	Size   string `json:"size,omitempty" yaml:"size,omitempty"`
	Base   string `json:"base,omitempty" yaml:"base,omitempty"`
	HPA    string `json:"hpa,omitempty" yaml:"hpa,omitempty"`
	Entry  string `json:"entry,omitempty" yaml:"entry,omitempty"`
}

func translate(m *ept.Map, gpa uint64) (translation, error) {
	t := translation{GPA: fmt.Sprintf("%#x", gpa)}
	e, err := m.Entry(gpa)
	if errors.Is(err, ept.ErrNotFound) {
		return t, nil
	}
	if err != nil {
		return t, err
	}
	size, err := m.From(gpa)
	if err != nil {
		return t, err
	}
	base, err := m.VirtToPhys(gpa)
	if err != nil {
		return t, err
	}
	t.Mapped = true
	t.Size = size.String()
	t.Base = fmt.Sprintf("%#x", base)
	t.HPA = fmt.Sprintf("%#x", ept.EffectiveAddress(*e, ept.PageOffset(gpa, size)))
	t.Entry = e.String()
	return t, nil
}

// Execute implements subcommands.Command.Execute.
func (l *Lookup) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	path, rest := layoutPath(conf, f.Args())
	if len(rest) == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	gpas, err := parseAddrs(rest)
	if err != nil {
		return Errorf("%v", err)
	}

	m, _, destroy, err := buildMap(conf, path)
	if err != nil {
		return Errorf("%v", err)
	}
	defer destroy()

	var (
		results  []translation
		unmapped int
	)
	for _, gpa := range gpas {
		t, err := translate(m, gpa)
		if err != nil {
			return Errorf("%v", err)
		}
		if !t.Mapped {
			unmapped++
		}
		results = append(results, t)
	}

	err = l.format.write(Output, results, func(w io.Writer) {
		for _, t := range results {
			if !t.Mapped {
				fmt.Fprintf(w, "%s: not mapped\n", t.GPA)
				continue
			}
			fmt.Fprintf(w, "%s: %s page at %s, hpa %s [%s]\n", t.GPA, t.Size, t.Base, t.HPA, t.Entry)
		}
	})
	if err != nil {
		return Errorf("%v", err)
	}
	if unmapped > 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
