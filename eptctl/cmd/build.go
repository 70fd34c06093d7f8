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
	"io"

	"github.com/google/subcommands"
	yaml "gopkg.in/yaml.v2"

	"github.com/Bareflank/extended-apis-sub001/eptctl/config"
)

// Build implements subcommands.Command for the "build" command.
type Build struct {
	format     format
	showLayout bool
}

// Name implements subcommands.Command.Name.
func (*Build) Name() string {
	return "build"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Build) Synopsis() string {
	return "apply a layout and print the resulting EPT pointer and table usage"
}

// Usage implements subcommands.Command.Usage.
func (*Build) Usage() string {
	return `build [flags] [layout] - apply a layout to a new map and summarize it
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Build) SetFlags(f *flag.FlagSet) {
	f.Var(&b.format, "format", "output format: text (default), json, or yaml.")
	f.BoolVar(&b.showLayout, "show-layout", false, "print the layout with defaults filled in before the summary.")
}

// Execute implements subcommands.Command.Execute.
func (b *Build) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	path, rest := layoutPath(conf, f.Args())
	if len(rest) != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	m, l, destroy, err := buildMap(conf, path)
	if err != nil {
		return Errorf("%v", err)
	}
	defer destroy()

	if b.showLayout {
		out, err := yaml.Marshal(l.Normalized())
		if err != nil {
			return Errorf("error marshaling layout: %v", err)
		}
		Output.Write(out)
	}
	s := mapStats(m)
	if err := b.format.write(Output, s, func(w io.Writer) { s.print(w) }); err != nil {
		return Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}
