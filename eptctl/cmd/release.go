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
	"github.com/Bareflank/extended-apis-sub001/pkg/log"
)

// Release implements subcommands.Command for the "release" command.
type Release struct {
	format format
	length uint64
	unmap  bool
}

// Name implements subcommands.Command.Name.
func (*Release) Name() string {
	return "release"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Release) Synopsis() string {
	return "apply a layout, release addresses and report the tables left"
}

// Usage implements subcommands.Command.Usage.
func (*Release) Usage() string {
	return `release [flags] [layout] <gpa>... - release the leaves covering each address
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Release) SetFlags(f *flag.FlagSet) {
	f.Var(&r.format, "format", "output format: text (default), json, or yaml.")
	f.Uint64Var(&r.length, "length", 0, "release every leaf overlapping [gpa, gpa+length) instead of only the leaf covering gpa.")
	f.BoolVar(&r.unmap, "unmap", false, "only unmap, leaving tables in place.")
}

// Execute implements subcommands.Command.Execute.
func (r *Release) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
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

	before := m.TableCount()
	for _, gpa := range gpas {
		switch {
		case r.unmap && r.length > 0:
			m.UnmapRange(gpa, r.length)
		case r.unmap:
			m.Unmap(gpa)
		case r.length > 0:
			m.ReleaseRange(gpa, r.length)
		default:
			m.Release(gpa)
		}
	}
	log.Debugf("Released %d addresses, tables %d -> %d", len(gpas), before, m.TableCount())

	s := mapStats(m)
	err = r.format.write(Output, s, func(w io.Writer) {
		fmt.Fprintf(w, "Freed:   %d tables\n", before-s.Tables)
		s.print(w)
	})
	if err != nil {
		return Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}
