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
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"github.com/Bareflank/extended-apis-sub001/eptctl/config"
	"github.com/Bareflank/extended-apis-sub001/pkg/ept"
	"github.com/Bareflank/extended-apis-sub001/pkg/log"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	format  format
	workers int
	pages   int
	size    string
	shared  bool
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "map and release pages from concurrent workers"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - map pages from several workers, release them and check that only the root table is left
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.Var(&s.format, "format", "output format: text (default), json, or yaml.")
	f.IntVar(&s.workers, "workers", 4, "number of concurrent workers.")
	f.IntVar(&s.pages, "pages", 1024, "pages mapped by each worker.")
	f.StringVar(&s.size, "size", "4k", "page size: 4k, 2m or 1g.")
	f.BoolVar(&s.shared, "shared", false, "share one locked map between workers instead of one map per worker.")
}

// stressResult is the outcome of a stress run.
type stressResult struct {
	Workers  int    `json:"workers" yaml:"workers"`
	Pages    int    `json:"pages" yaml:"pages"`
	Size     string `json:"size" yaml:"size"`
	Shared   bool   `json:"shared" yaml:"shared"`
	Peak     int    `json:"peakTables" yaml:"peakTables"`
	Duration string `json:"duration" yaml:"duration"`
}

// stressGPA returns the guest-physical address of page i of worker w.
func stressGPA(w, i, pages int, size ept.PageSize) uint64 {
	return uint64(w*pages+i) * size.Bytes()
}

// run executes the workload. Each worker maps its own disjoint range and
// then releases it. The peak number of tables seen is returned.
func (s *Stress) run(ctx context.Context, conf *config.Config, size ept.PageSize) (int, error) {
	if s.shared {
		return s.runShared(ctx, conf, size)
	}
	peaks := make([]int, s.workers)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < s.workers; w++ {
		w := w
		g.Go(func() error {
			m, destroy, err := newMap(conf)
			if err != nil {
				return err
			}
			defer destroy()
			for i := 0; i < s.pages; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				gpa := stressGPA(w, i, s.pages, size)
				if _, err := m.MapPage(gpa, gpa, size, ept.DefaultMapOpts); err != nil {
					return fmt.Errorf("worker %d: %w", w, err)
				}
			}
			peaks[w] = m.TableCount()
			for i := 0; i < s.pages; i++ {
				m.Release(stressGPA(w, i, s.pages, size))
			}
			if n := m.TableCount(); n != 1 {
				return fmt.Errorf("worker %d: %d tables left after release, want 1", w, n)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	peak := 0
	for _, p := range peaks {
		peak = max(peak, p)
	}
	return peak, nil
}

func (s *Stress) runShared(ctx context.Context, conf *config.Config, size ept.PageSize) (int, error) {
	m, destroy, err := newMap(conf)
	if err != nil {
		return 0, err
	}
	defer destroy()
	gm := ept.NewGuarded(m)

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < s.workers; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < s.pages; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				gpa := stressGPA(w, i, s.pages, size)
				if err := gm.MapPage(gpa, gpa, size, ept.DefaultMapOpts); err != nil {
					return fmt.Errorf("worker %d: %w", w, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	var peak int
	gm.Do(func(m *ept.Map) error {
		peak = m.TableCount()
		return nil
	})

	g, gctx = errgroup.WithContext(ctx)
	for w := 0; w < s.workers; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < s.pages; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				gm.Release(stressGPA(w, i, s.pages, size))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	return peak, gm.Do(func(m *ept.Map) error {
		if n := m.TableCount(); n != 1 {
			return fmt.Errorf("%d tables left after release, want 1", n)
		}
		return nil
	})
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	size, err := ept.ParsePageSize(s.size)
	if err != nil {
		return Errorf("%v", err)
	}
	if s.workers <= 0 || s.pages <= 0 {
		return Errorf("workers and pages must be positive")
	}

	start := time.Now()
	peak, err := s.run(ctx, conf, size)
	if err != nil {
		return Errorf("stress failed: %v", err)
	}
	res := stressResult{
		Workers:  s.workers,
		Pages:    s.pages,
		Size:     size.String(),
		Shared:   s.shared,
		Peak:     peak,
		Duration: time.Since(start).String(),
	}
	log.Infof("Stress run of %d workers x %d %s pages took %s", s.workers, s.pages, size, res.Duration)

	err = s.format.write(Output, res, func(w io.Writer) {
		fmt.Fprintf(w, "Workers:     %d\n", res.Workers)
		fmt.Fprintf(w, "Pages:       %d x %s\n", res.Pages, res.Size)
		fmt.Fprintf(w, "Shared:      %t\n", res.Shared)
		fmt.Fprintf(w, "Peak tables: %d\n", res.Peak)
		fmt.Fprintf(w, "Duration:    %s\n", res.Duration)
	})
	if err != nil {
		return Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}
