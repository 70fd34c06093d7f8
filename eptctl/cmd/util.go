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

// Package cmd holds implementations of the eptctl commands.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/google/subcommands"

	"github.com/Bareflank/extended-apis-sub001/eptctl/config"
	"github.com/Bareflank/extended-apis-sub001/pkg/ept"
	"github.com/Bareflank/extended-apis-sub001/pkg/hostmem"
	"github.com/Bareflank/extended-apis-sub001/pkg/log"
)

// ErrorLogger is where error messages should be written to. These messages
// are consumed by scripts driving eptctl.
var ErrorLogger io.Writer

// Output is where command results are written.
var Output io.Writer = os.Stdout

type jsonError struct {
	Msg   string    `json:"msg"`
	Level string    `json:"level"`
	Time  time.Time `json:"time"`
}

func writeError(format string, args ...any) {
	if ErrorLogger == nil {
		return
	}
	b, err := json.Marshal(jsonError{
		Msg:   fmt.Sprintf(format, args...),
		Level: "error",
		Time:  time.Now(),
	})
	if err != nil {
		panic(err)
	}
	ErrorLogger.Write(append(b, '\n'))
}

// Errorf logs the error to stderr, the error logger and debug logs. It
// returns subcommands.ExitFailure for convenience with subcommand.Execute()
// methods:
//
//	return Errorf("Danger! Danger!")
func Errorf(format string, args ...any) subcommands.ExitStatus {
	log.Warningf(format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	writeError(format, args...)
	return subcommands.ExitFailure
}

// Fatalf logs the same way as Errorf() does, plus *exits* the process.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	// Return an error that is unlikely to be used by the application.
	os.Exit(128)
}

// newMap creates an empty map backed by the allocator named in conf. The
// returned function destroys the map and releases the allocator.
func newMap(conf *config.Config) (*ept.Map, func(), error) {
	var (
		alloc   ept.Allocator
		closeFn = func() {}
	)
	switch conf.Allocator {
	case config.AllocatorRuntime:
		alloc = ept.NewRuntimeAllocator(ept.RuntimeAllocatorOpts{MaxTables: conf.MaxTables})
	case config.AllocatorHostmem:
		arena, err := hostmem.New(conf.ArenaTables())
		if err != nil {
			return nil, nil, err
		}
		alloc = arena
		closeFn = func() {
			if err := arena.Close(); err != nil {
				log.Warningf("closing table arena: %v", err)
			}
		}
	default:
		return nil, nil, fmt.Errorf("unknown allocator %v", conf.Allocator)
	}

	m, err := ept.New(alloc)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return m, func() {
		m.Destroy()
		closeFn()
	}, nil
}

// layoutPath returns the layout named on the command line, falling back to
// --layout.
func layoutPath(conf *config.Config, args []string) (string, []string) {
	if conf.Layout != "" {
		return conf.Layout, args
	}
	if len(args) > 0 {
		return args[0], args[1:]
	}
	return "", args
}

// buildMap loads the layout at path and applies it to a new map.
func buildMap(conf *config.Config, path string) (*ept.Map, *config.Layout, func(), error) {
	if path == "" {
		return nil, nil, nil, fmt.Errorf("no layout given, use --layout or pass a path")
	}
	l, err := config.LoadLayout(path)
	if err != nil {
		return nil, nil, nil, err
	}
	m, destroy, err := newMap(conf)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := l.Apply(m); err != nil {
		destroy()
		return nil, nil, nil, fmt.Errorf("applying layout %q: %w", path, err)
	}
	log.Infof("Applied layout %q (%d regions), %d tables", path, len(l.Regions), m.TableCount())
	return m, l, destroy, nil
}

// parseAddrs parses guest-physical addresses in any base accepted by
// strconv, e.g. 0x1000.
func parseAddrs(args []string) ([]uint64, error) {
	addrs := make([]uint64, 0, len(args))
	for _, a := range args {
		v, err := strconv.ParseUint(a, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %v", a, err)
		}
		addrs = append(addrs, v)
	}
	return addrs, nil
}

// stats summarizes a map.
type stats struct {
	EPTP    string         `json:"eptp" yaml:"eptp"`
	Root    string         `json:"root" yaml:"root"`
	Tables  int            `json:"tables" yaml:"tables"`
	Present int            `json:"present" yaml:"present"`
	Leaves  map[string]int `json:"leaves" yaml:"leaves"`
}

func mapStats(m *ept.Map) stats {
	root, _, _, _ := ept.DecodeEPTP(m.EPTP())
	s := stats{
		EPTP:    fmt.Sprintf("%#x", m.EPTP()),
		Root:    fmt.Sprintf("%#x", root),
		Tables:  m.TableCount(),
		Present: m.PresentEntries(),
		Leaves:  map[string]int{ept.Size1G.String(): 0, ept.Size2M.String(): 0, ept.Size4K.String(): 0},
	}
	m.Walk(func(_ uint64, size ept.PageSize, _ *ept.Entry) bool {
		s.Leaves[size.String()]++
		return true
	})
	return s
}

func (s stats) print(w io.Writer) {
	fmt.Fprintf(w, "EPTP:    %s\n", s.EPTP)
	fmt.Fprintf(w, "Root:    %s\n", s.Root)
	fmt.Fprintf(w, "Tables:  %d\n", s.Tables)
	fmt.Fprintf(w, "Present: %d\n", s.Present)
	fmt.Fprintf(w, "Leaves:  1G=%d 2M=%d 4K=%d\n", s.Leaves["1G"], s.Leaves["2M"], s.Leaves["4K"])
}
