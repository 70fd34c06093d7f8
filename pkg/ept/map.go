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

package ept

import (
	"fmt"
	"time"

	"github.com/Bareflank/extended-apis-sub001/pkg/cleanup"
	"github.com/Bareflank/extended-apis-sub001/pkg/log"
)

// Map is a set of extended page tables.
type Map struct {
	// alloc supplies every table, including the root.
	alloc Allocator

	// root is the PML4 table.
	root *Table

	// rootPhys is the physical address of root.
	rootPhys uint64

	// log receives table allocation and reclaim events.
	log log.Logger

	// warn is a rate limited view of log for rollback warnings.
	warn log.Logger
}

// Option configures a Map.
type Option func(*Map)

// WithLogger sets the logger used by the map. By default the map logs to
// whatever the global logger is at the time of each call, so a later
// log.SetTarget or log.SetLevel takes effect.
func WithLogger(l log.Logger) Option {
	return func(m *Map) {
		m.log = l
	}
}

// globalLogger forwards to the global logger as it is when called.
type globalLogger struct{}

func (globalLogger) Debugf(format string, v ...any) {
	log.Log().DebugfAtDepth(1, format, v...)
}

func (globalLogger) Infof(format string, v ...any) {
	log.Log().InfofAtDepth(1, format, v...)
}

func (globalLogger) Warningf(format string, v ...any) {
	log.Log().WarningfAtDepth(1, format, v...)
}

func (globalLogger) IsLogging(level log.Level) bool {
	return log.IsLogging(level)
}

// rollbackWarnEvery bounds how often rollbacks are reported.
const rollbackWarnEvery = time.Second

// New returns a map with an empty root table.
func New(alloc Allocator, opts ...Option) (*Map, error) {
	m := &Map{
		alloc: alloc,
		log:   globalLogger{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.warn = log.RateLimitedLogger(m.log, rollbackWarnEvery)

	root, err := alloc.NewTable()
	if err != nil {
		return nil, noMemory(0, LevelPML4, err)
	}
	m.root = root
	m.rootPhys = alloc.PhysicalFor(root)
	m.log.Debugf("ept: root table at %#x", m.rootPhys)
	return m, nil
}

// Map1G maps a 1 GiB page read/write/execute and write-back.
func (m *Map) Map1G(gpa, hpa uint64) (*Entry, error) {
	return m.MapPage(gpa, hpa, Size1G, DefaultMapOpts)
}

// Map2M maps a 2 MiB page read/write/execute and write-back.
func (m *Map) Map2M(gpa, hpa uint64) (*Entry, error) {
	return m.MapPage(gpa, hpa, Size2M, DefaultMapOpts)
}

// Map4K maps a 4 KiB page read/write/execute and write-back.
func (m *Map) Map4K(gpa, hpa uint64) (*Entry, error) {
	return m.MapPage(gpa, hpa, Size4K, DefaultMapOpts)
}

// MapPage maps the page of the given size containing gpa to the page of the
// same size containing hpa, and returns the leaf entry written.
//
// Absent tables on the path are allocated. If the target slot is in use, or
// a leaf sits on the path, MapPage fails with ErrConflict. On any failure the
// tables allocated by this call are freed again and the map is unchanged.
func (m *Map) MapPage(gpa, hpa uint64, size PageSize, opts MapOpts) (*Entry, error) {
	if !size.Valid() {
		return nil, fmt.Errorf("mapping gpa %#x: page size %v: %w", gpa, size, ErrInvalidArgument)
	}
	if !opts.MemoryType.Valid() {
		return nil, fmt.Errorf("mapping gpa %#x: memory type %v: %w", gpa, opts.MemoryType, ErrInvalidArgument)
	}

	var cu cleanup.Cleanup
	defer func() {
		if cu.Len() > 0 {
			m.warn.Warningf("ept: rolling back %d new tables for gpa %#x", cu.Len(), gpa)
			cu.Clean()
		}
	}()

	target := size.Level()
	t := m.root
	for l := LevelPML4; l < target; l++ {
		e := &t[Index(gpa, l)]
		switch {
		case isLeaf(e, l):
			return nil, fmt.Errorf("mapping %v page at gpa %#x: %v leaf on path: %w", size, gpa, leafSize(l), ErrConflict)
		case e.Present():
			t = m.tableAt(e)
		default:
			next, err := m.alloc.NewTable()
			if err != nil {
				return nil, noMemory(gpa, l+1, err)
			}
			physical := m.alloc.PhysicalFor(next)
			e.setTable(physical)
			cu.Add(func() {
				e.Clear()
				m.alloc.FreeTable(next)
			})
			m.log.Debugf("ept: new %v table at %#x for gpa %#x", l+1, physical, gpa)
			t = next
		}
	}

	e := &t[Index(gpa, target)]
	if e.inUse() {
		what := "table"
		if e.Leaf() {
			what = "leaf"
		}
		return nil, fmt.Errorf("mapping %v page at gpa %#x: slot holds a %s: %w", size, gpa, what, ErrConflict)
	}
	e.setLeaf(Align(hpa, size), opts)
	cu.Release()
	return e, nil
}

// Unmap clears the leaf covering gpa, if any. Tables are not reclaimed; use
// Release for that.
func (m *Map) Unmap(gpa uint64) {
	e, l, ok := m.find(gpa)
	if !ok {
		return
	}
	e.Clear()
	m.log.Debugf("ept: unmapped %v page at gpa %#x", leafSize(l), gpa)
}

// Release clears the leaf covering gpa, if any, and then frees every table
// on the path to gpa that no longer has an entry in use, from the bottom up.
// The root is never freed. Empty tables left behind by Unmap are reclaimed as
// well.
func (m *Map) Release(gpa uint64) {
	var (
		tables  [numLevels]*Table
		entries [numLevels]*Entry
	)

	// Descend until the path ends, clearing the leaf if there is one.
	stop := LevelPML4
	t := m.root
	for l := LevelPML4; ; l++ {
		e := &t[Index(gpa, l)]
		tables[l], entries[l], stop = t, e, l
		if !e.inUse() {
			break
		}
		if isLeaf(e, l) {
			e.Clear()
			break
		}
		t = m.tableAt(e)
	}

	// Reclaim empty tables, deepest first.
	for l := stop; l > LevelPML4; l-- {
		if !tables[l].Empty() {
			return
		}
		physical := entries[l-1].PhysAddr()
		entries[l-1].Clear()
		m.alloc.FreeTable(tables[l])
		m.log.Debugf("ept: freed %v table at %#x for gpa %#x", l, physical, gpa)
	}
}

// Entry returns the leaf entry covering gpa. The pointer refers into the
// table and stays valid until the leaf's table is released.
func (m *Map) Entry(gpa uint64) (*Entry, error) {
	e, _, ok := m.find(gpa)
	if !ok {
		return nil, fmt.Errorf("entry for gpa %#x: %w", gpa, ErrNotFound)
	}
	return e, nil
}

// VirtToPhys returns the host-physical base of the page covering gpa. The
// offset of gpa within the page is not added.
func (m *Map) VirtToPhys(gpa uint64) (uint64, error) {
	e, l, ok := m.find(gpa)
	if !ok {
		return 0, fmt.Errorf("translating gpa %#x: %w", gpa, ErrNotFound)
	}
	return Align(e.PhysAddr(), leafSize(l)), nil
}

// From returns the size of the page covering gpa.
func (m *Map) From(gpa uint64) (PageSize, error) {
	_, l, ok := m.find(gpa)
	if !ok {
		return 0, fmt.Errorf("page size of gpa %#x: %w", gpa, ErrNotFound)
	}
	return leafSize(l), nil
}

// Is1G returns true if gpa is covered by a 1 GiB page.
func (m *Map) Is1G(gpa uint64) (bool, error) {
	return m.is(gpa, Size1G)
}

// Is2M returns true if gpa is covered by a 2 MiB page.
func (m *Map) Is2M(gpa uint64) (bool, error) {
	return m.is(gpa, Size2M)
}

// Is4K returns true if gpa is covered by a 4 KiB page.
func (m *Map) Is4K(gpa uint64) (bool, error) {
	return m.is(gpa, Size4K)
}

func (m *Map) is(gpa uint64, size PageSize) (bool, error) {
	s, err := m.From(gpa)
	if err != nil {
		return false, err
	}
	return s == size, nil
}

// isLeaf returns true if e, found at level l, ends translation.
func isLeaf(e *Entry, l Level) bool {
	return l == LevelPT || (l != LevelPML4 && e.Leaf())
}

// find returns the leaf covering gpa and its level. If there is none, ok is
// false and l is the level at which the path ended.
func (m *Map) find(gpa uint64) (e *Entry, l Level, ok bool) {
	t := m.root
	for l = LevelPML4; ; l++ {
		e = &t[Index(gpa, l)]
		if !e.inUse() {
			return nil, l, false
		}
		if isLeaf(e, l) {
			return e, l, true
		}
		t = m.tableAt(e)
	}
}

// tableAt returns the table that e points to.
func (m *Map) tableAt(e *Entry) *Table {
	t := m.alloc.LookupTable(e.PhysAddr())
	if t == nil {
		panic(fmt.Sprintf("ept: entry %v names a table the allocator does not own", *e))
	}
	return t
}
