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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRuntimeAllocator(t *testing.T) {
	a := NewRuntimeAllocator(RuntimeAllocatorOpts{Base: 0x200123})
	var tables []*Table
	for i := 0; i < 3; i++ {
		tbl, err := a.NewTable()
		if err != nil {
			t.Fatalf("NewTable failed: %v", err)
		}
		tables = append(tables, tbl)
	}
	if diff := cmp.Diff([]uint64{0x200000, 0x201000, 0x202000}, a.Addresses()); diff != "" {
		t.Errorf("addresses mismatch (-want +got):\n%s", diff)
	}
	for _, tbl := range tables {
		if got := a.LookupTable(a.PhysicalFor(tbl)); got != tbl {
			t.Errorf("LookupTable(PhysicalFor(%p)) = %p", tbl, got)
		}
	}
	if a.LookupTable(0x300000) != nil {
		t.Errorf("LookupTable of unknown address returned a table")
	}

	// Freed addresses are reused and come back zeroed.
	tables[1][7] = Entry(0xFFFF)
	a.FreeTable(tables[1])
	if a.LookupTable(0x201000) != nil {
		t.Errorf("freed table still found")
	}
	tbl, err := a.NewTable()
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	if a.PhysicalFor(tbl) != 0x201000 {
		t.Errorf("reused address got %#x, want 0x201000", a.PhysicalFor(tbl))
	}
	if !tbl.Empty() {
		t.Errorf("reused table is not zeroed")
	}
	if a.Live() != 3 || a.Allocs() != 4 || a.Frees() != 1 {
		t.Errorf("counters got live %d allocs %d frees %d", a.Live(), a.Allocs(), a.Frees())
	}
}

func TestRuntimeAllocatorLimit(t *testing.T) {
	a := NewRuntimeAllocator(RuntimeAllocatorOpts{MaxTables: 1})
	tbl, err := a.NewTable()
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	if a.PhysicalFor(tbl) != DefaultRuntimeBase {
		t.Errorf("first address got %#x, want %#x", a.PhysicalFor(tbl), DefaultRuntimeBase)
	}
	if _, err := a.NewTable(); !errors.Is(err, ErrNoMemory) {
		t.Errorf("NewTable over limit got %v, want ErrNoMemory", err)
	}
	a.FreeTable(tbl)
	if _, err := a.NewTable(); err != nil {
		t.Errorf("NewTable after free failed: %v", err)
	}
}
