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
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Bareflank/extended-apis-sub001/pkg/log"
)

type mapping struct {
	GPA  uint64
	Size PageSize
	HPA  uint64
	Opts MapOpts
}

func newTestMap(t *testing.T) (*Map, *RuntimeAllocator) {
	t.Helper()
	a := NewRuntimeAllocator(RuntimeAllocatorOpts{})
	m, err := New(a)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return m, a
}

func entryOpts(e *Entry) MapOpts {
	return MapOpts{
		Attr:       e.Attr(),
		MemoryType: e.MemoryType(),
		IgnorePAT:  e.IgnorePAT(),
		SuppressVE: e.SuppressVE(),
	}
}

func checkMappings(t *testing.T, m *Map, want []mapping) {
	t.Helper()
	var got []mapping
	m.Walk(func(gpa uint64, size PageSize, e *Entry) bool {
		got = append(got, mapping{GPA: gpa, Size: size, HPA: e.PhysAddr(), Opts: entryOpts(e)})
		return true
	})
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}
}

func TestNewAllocatesRoot(t *testing.T) {
	m, a := newTestMap(t)
	if a.Live() != 1 {
		t.Errorf("live tables got %d, want 1", a.Live())
	}
	if m.TableCount() != 1 {
		t.Errorf("TableCount got %d, want 1", m.TableCount())
	}
	checkMappings(t, m, nil)
}

func TestMapLookup(t *testing.T) {
	for _, tc := range []struct {
		name string
		gpa  uint64
		hpa  uint64
		size PageSize
	}{
		{"1g", 0x40000000, 0x80000000, Size1G},
		{"1g unaligned", 0x4000002A, 0x8123456A, Size1G},
		{"2m", 0x200000, 0x600000, Size2M},
		{"2m unaligned", 0x30102A, 0x7FF02A, Size2M},
		{"4k", 0x1000, 0x5000, Size4K},
		{"4k unaligned", 0x102A, 0x9876F2A, Size4K},
		{"4k high", 0x7FFFFFFFF000, 0xFFFFFFFFFF000, Size4K},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m, _ := newTestMap(t)
			e, err := m.MapPage(tc.gpa, tc.hpa, tc.size, DefaultMapOpts)
			if err != nil {
				t.Fatalf("MapPage failed: %v", err)
			}

			got, err := m.Entry(tc.gpa)
			if err != nil {
				t.Fatalf("Entry failed: %v", err)
			}
			if got != e {
				t.Errorf("Entry returned %p, MapPage wrote %p", got, e)
			}
			if size, err := m.From(tc.gpa); err != nil || size != tc.size {
				t.Errorf("From got %v, %v, want %v", size, err, tc.size)
			}
			if hpa, err := m.VirtToPhys(tc.gpa); err != nil || hpa != Align(tc.hpa, tc.size) {
				t.Errorf("VirtToPhys got %#x, %v, want %#x", hpa, err, Align(tc.hpa, tc.size))
			}

			// Every address in the page resolves to the same leaf.
			last := Align(tc.gpa, tc.size) + tc.size.Bytes() - 1
			if got, err := m.Entry(last); err != nil || got != e {
				t.Errorf("Entry(%#x) got %p, %v, want %p", last, got, err, e)
			}
			if !e.Leaf() || e.Attr() != ReadWriteExecute || e.MemoryType() != WriteBack {
				t.Errorf("leaf entry got %v", *e)
			}
		})
	}
}

func TestGranularityQueries(t *testing.T) {
	m, _ := newTestMap(t)
	if _, err := m.Map1G(0x40000000, 0x40000000); err != nil {
		t.Fatalf("Map1G failed: %v", err)
	}
	if _, err := m.Map2M(0x200000, 0x200000); err != nil {
		t.Fatalf("Map2M failed: %v", err)
	}
	if _, err := m.Map4K(0x1000, 0x1000); err != nil {
		t.Fatalf("Map4K failed: %v", err)
	}

	for _, tc := range []struct {
		gpa              uint64
		is1G, is2M, is4K bool
	}{
		{0x40000000, true, false, false},
		{0x200000, false, true, false},
		{0x1000, false, false, true},
	} {
		if got, err := m.Is1G(tc.gpa); err != nil || got != tc.is1G {
			t.Errorf("Is1G(%#x) = %v, %v", tc.gpa, got, err)
		}
		if got, err := m.Is2M(tc.gpa); err != nil || got != tc.is2M {
			t.Errorf("Is2M(%#x) = %v, %v", tc.gpa, got, err)
		}
		if got, err := m.Is4K(tc.gpa); err != nil || got != tc.is4K {
			t.Errorf("Is4K(%#x) = %v, %v", tc.gpa, got, err)
		}
	}
}

func TestLookupUnmapped(t *testing.T) {
	m, _ := newTestMap(t)
	if _, err := m.Map4K(0x1000, 0x1000); err != nil {
		t.Fatalf("Map4K failed: %v", err)
	}

	const gpa = 0x2000
	if _, err := m.Entry(gpa); !errors.Is(err, ErrNotFound) {
		t.Errorf("Entry got %v, want ErrNotFound", err)
	}
	if _, err := m.VirtToPhys(gpa); !errors.Is(err, ErrNotFound) {
		t.Errorf("VirtToPhys got %v, want ErrNotFound", err)
	}
	if _, err := m.From(gpa); !errors.Is(err, ErrNotFound) {
		t.Errorf("From got %v, want ErrNotFound", err)
	}
	for name, is := range map[string]func(uint64) (bool, error){"Is1G": m.Is1G, "Is2M": m.Is2M, "Is4K": m.Is4K} {
		if _, err := is(gpa); !errors.Is(err, ErrNotFound) {
			t.Errorf("%s got %v, want ErrNotFound", name, err)
		}
	}
	if _, err := m.Entry(gpa); err == nil || !strings.Contains(err.Error(), "0x2000") {
		t.Errorf("error %v does not name the gpa", err)
	}
}

func TestDoubleMap(t *testing.T) {
	m, a := newTestMap(t)
	if _, err := m.Map1G(0x2A, 0x2A); err != nil {
		t.Fatalf("first Map1G failed: %v", err)
	}
	live := a.Live()

	_, err := m.Map1G(0x2A, 0x2A)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("second Map1G got %v, want ErrConflict", err)
	}
	if !strings.Contains(err.Error(), "0x2a") {
		t.Errorf("error %q does not name the gpa", err)
	}
	if _, err := m.Map1G(0x2A, 0x80000000); !errors.Is(err, ErrConflict) {
		t.Errorf("Map1G to another hpa got %v, want ErrConflict", err)
	}
	if a.Live() != live {
		t.Errorf("live tables changed from %d to %d", live, a.Live())
	}
	checkMappings(t, m, []mapping{{0, Size1G, 0, DefaultMapOpts}})
}

func TestConflicts(t *testing.T) {
	for _, tc := range []struct {
		name  string
		first func(m *Map) error
		then  func(m *Map) error
	}{
		{
			name:  "4k under 2m leaf",
			first: func(m *Map) error { _, err := m.Map2M(0x200000, 0x200000); return err },
			then:  func(m *Map) error { _, err := m.Map4K(0x201000, 0x201000); return err },
		},
		{
			name:  "2m under 1g leaf",
			first: func(m *Map) error { _, err := m.Map1G(0x40000000, 0); return err },
			then:  func(m *Map) error { _, err := m.Map2M(0x40200000, 0); return err },
		},
		{
			name:  "2m over 4k table",
			first: func(m *Map) error { _, err := m.Map4K(0x1000, 0x1000); return err },
			then:  func(m *Map) error { _, err := m.Map2M(0x0, 0x0); return err },
		},
		{
			name:  "1g over 2m table",
			first: func(m *Map) error { _, err := m.Map2M(0x40200000, 0); return err },
			then:  func(m *Map) error { _, err := m.Map1G(0x40000000, 0); return err },
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m, a := newTestMap(t)
			if err := tc.first(m); err != nil {
				t.Fatalf("first mapping failed: %v", err)
			}
			var before []mapping
			m.Walk(func(gpa uint64, size PageSize, e *Entry) bool {
				before = append(before, mapping{gpa, size, e.PhysAddr(), entryOpts(e)})
				return true
			})
			live := a.Live()

			if err := tc.then(m); !errors.Is(err, ErrConflict) {
				t.Fatalf("conflicting mapping got %v, want ErrConflict", err)
			}
			if a.Live() != live {
				t.Errorf("live tables changed from %d to %d", live, a.Live())
			}
			checkMappings(t, m, before)
		})
	}
}

func TestGranularityChangeNeedsRelease(t *testing.T) {
	m, _ := newTestMap(t)
	if _, err := m.Map4K(0x102A, 0x102A); err != nil {
		t.Fatalf("Map4K failed: %v", err)
	}

	// Unmap leaves the PT behind, so a 2M leaf still conflicts.
	m.Unmap(0x102A)
	if _, err := m.Map2M(0x102A, 0x102A); !errors.Is(err, ErrConflict) {
		t.Fatalf("Map2M after Unmap got %v, want ErrConflict", err)
	}

	m.Release(0x102A)
	if _, err := m.Map2M(0x102A, 0x102A); err != nil {
		t.Fatalf("Map2M after Release failed: %v", err)
	}
	if size, err := m.From(0x102A); err != nil || size != Size2M {
		t.Errorf("From got %v, %v, want 2M", size, err)
	}
	checkMappings(t, m, []mapping{{0, Size2M, 0, DefaultMapOpts}})
}

func TestReleaseDesperatePages(t *testing.T) {
	m, a := newTestMap(t)
	gpas := []uint64{0x40000000, 0x1000000000, 0x200000000000, 0x40000000000000}
	for _, gpa := range gpas {
		if _, err := m.Map1G(gpa, gpa); err != nil {
			t.Fatalf("Map1G(%#x) failed: %v", gpa, err)
		}
	}
	// Bit 54 does not take part in translation, so the last page shares the
	// first PDPT.
	if got := a.Live(); got != 3 {
		t.Errorf("live tables got %d, want 3", got)
	}
	for _, gpa := range gpas {
		if _, err := m.Entry(gpa); err != nil {
			t.Errorf("Entry(%#x) failed: %v", gpa, err)
		}
	}

	for _, gpa := range gpas {
		m.Release(gpa)
	}
	if got := a.Live(); got != 1 {
		t.Errorf("live tables after release got %d, want 1", got)
	}
	if diff := cmp.Diff([]uint64{m.Tables()[0]}, a.Addresses()); diff != "" {
		t.Errorf("remaining tables mismatch (-want +got):\n%s", diff)
	}
	checkMappings(t, m, nil)
}

func TestSiblingReclaim(t *testing.T) {
	m, a := newTestMap(t)
	gpas := []uint64{0x1000, 0x2000, 0x3000}
	for _, gpa := range gpas {
		if _, err := m.Map4K(gpa, gpa+0x100000); err != nil {
			t.Fatalf("Map4K(%#x) failed: %v", gpa, err)
		}
	}
	if got := a.Live(); got != 4 {
		t.Fatalf("live tables got %d, want 4", got)
	}

	for _, gpa := range gpas[:2] {
		m.Release(gpa)
		if got := a.Live(); got != 4 {
			t.Errorf("after Release(%#x) live tables got %d, want 4", gpa, got)
		}
	}
	if hpa, err := m.VirtToPhys(0x3000); err != nil || hpa != 0x103000 {
		t.Errorf("VirtToPhys of last sibling got %#x, %v", hpa, err)
	}

	m.Release(0x3000)
	if got := a.Live(); got != 1 {
		t.Errorf("after releasing last sibling live tables got %d, want 1", got)
	}
}

func TestReleaseKeepsSharedUpperTables(t *testing.T) {
	m, a := newTestMap(t)
	// Same PD, different PTs.
	if _, err := m.Map4K(0x1000, 0x1000); err != nil {
		t.Fatalf("Map4K failed: %v", err)
	}
	if _, err := m.Map4K(0x201000, 0x201000); err != nil {
		t.Fatalf("Map4K failed: %v", err)
	}
	if got := a.Live(); got != 5 {
		t.Fatalf("live tables got %d, want 5", got)
	}

	m.Release(0x1000)
	if got := a.Live(); got != 4 {
		t.Errorf("live tables got %d, want 4", got)
	}
	checkMappings(t, m, []mapping{{0x201000, Size4K, 0x201000, DefaultMapOpts}})
}

func TestReleaseReclaimsAfterUnmap(t *testing.T) {
	m, a := newTestMap(t)
	if _, err := m.Map4K(0x5000, 0x5000); err != nil {
		t.Fatalf("Map4K failed: %v", err)
	}
	m.Unmap(0x5000)
	if got := a.Live(); got != 4 {
		t.Errorf("Unmap reclaimed tables: live got %d, want 4", got)
	}
	m.Release(0x5000)
	if got := a.Live(); got != 1 {
		t.Errorf("Release after Unmap left %d tables, want 1", got)
	}
}

func TestUnmapReleaseIdempotent(t *testing.T) {
	m, a := newTestMap(t)
	if _, err := m.Map2M(0x400000, 0x400000); err != nil {
		t.Fatalf("Map2M failed: %v", err)
	}
	if _, err := m.Map2M(0x600000, 0x800000); err != nil {
		t.Fatalf("Map2M failed: %v", err)
	}
	want := []mapping{{0x600000, Size2M, 0x800000, DefaultMapOpts}}

	for i := 0; i < 3; i++ {
		m.Unmap(0x400000)
		checkMappings(t, m, want)
		if got := a.Live(); got != 3 {
			t.Errorf("Unmap #%d: live tables got %d, want 3", i, got)
		}
	}
	for i := 0; i < 3; i++ {
		m.Release(0x400000)
		checkMappings(t, m, want)
		if got := a.Live(); got != 3 {
			t.Errorf("Release #%d: live tables got %d, want 3", i, got)
		}
	}

	// Never mapped anywhere.
	m.Unmap(0x7F0000000000)
	m.Release(0x7F0000000000)
	checkMappings(t, m, want)
}

func TestRoundTrip(t *testing.T) {
	for _, size := range []PageSize{Size1G, Size2M, Size4K} {
		t.Run(size.String(), func(t *testing.T) {
			m, _ := newTestMap(t)
			gpa, hpa := 3*size.Bytes(), 7*size.Bytes()
			opts := MapOpts{Attr: ReadExecute, MemoryType: WriteThrough}
			if _, err := m.MapPage(gpa, hpa, size, opts); err != nil {
				t.Fatalf("MapPage failed: %v", err)
			}
			want := []mapping{{gpa, size, hpa, opts}}
			checkMappings(t, m, want)

			m.Unmap(gpa)
			checkMappings(t, m, nil)

			if _, err := m.MapPage(gpa, hpa, size, opts); err != nil {
				t.Fatalf("MapPage after Unmap failed: %v", err)
			}
			checkMappings(t, m, want)
		})
	}
}

func TestNonInterference(t *testing.T) {
	m, _ := newTestMap(t)
	stable := []mapping{
		{0x40000000, Size1G, 0x1C0000000, DefaultMapOpts},
		{0x8000600000, Size2M, 0x600000, DefaultMapOpts},
		{0x7F0000001000, Size4K, 0xFEE00000, MapOpts{Attr: ReadWrite, MemoryType: Uncacheable}},
	}
	for _, mp := range stable {
		if _, err := m.MapPage(mp.GPA, mp.HPA, mp.Size, mp.Opts); err != nil {
			t.Fatalf("MapPage(%#x) failed: %v", mp.GPA, err)
		}
	}

	// Churn on unrelated pages, including neighbours sharing tables.
	for _, gpa := range []uint64{0x0, 0x8000800000, 0x7F0000002000, 0x100000000000} {
		if _, err := m.Map4K(gpa, gpa); err != nil {
			t.Fatalf("Map4K(%#x) failed: %v", gpa, err)
		}
		m.Unmap(gpa)
		if _, err := m.Map4K(gpa, gpa); err != nil {
			t.Fatalf("Map4K(%#x) after Unmap failed: %v", gpa, err)
		}
		m.Release(gpa)
	}
	checkMappings(t, m, stable)
}

func TestAttrNoneIsMapped(t *testing.T) {
	m, _ := newTestMap(t)
	opts := MapOpts{Attr: AttrNone, MemoryType: WriteBack}
	if _, err := m.MapPage(0x3000, 0x3000, Size4K, opts); err != nil {
		t.Fatalf("MapPage failed: %v", err)
	}
	e, err := m.Entry(0x3000)
	if err != nil {
		t.Fatalf("Entry failed: %v", err)
	}
	if e.Present() {
		t.Errorf("entry with no access is present: %v", *e)
	}
	if _, err := m.Map4K(0x3000, 0x3000); !errors.Is(err, ErrConflict) {
		t.Errorf("remapping got %v, want ErrConflict", err)
	}
}

func TestTrapOnAccessKeepsMapping(t *testing.T) {
	m, a := newTestMap(t)
	e, err := m.Map2M(0x200000, 0x200000)
	if err != nil {
		t.Fatalf("Map2M failed: %v", err)
	}
	e.TrapOnAccess()

	if size, err := m.From(0x200000); err != nil || size != Size2M {
		t.Errorf("From got %v, %v, want 2M", size, err)
	}
	m.Release(0x200000)
	if got := a.Live(); got != 1 {
		t.Errorf("live tables got %d, want 1", got)
	}

	e, err = m.Map2M(0x200000, 0x200000)
	if err != nil {
		t.Fatalf("Map2M failed: %v", err)
	}
	e.TrapOnAccess()
	e.PassThroughAccess()
	if e.Attr() != ReadWriteExecute {
		t.Errorf("attr after PassThroughAccess got %v", e.Attr())
	}
}

func TestRollbackOnExhaustion(t *testing.T) {
	m, a := newTestMap(t)

	// Room for the PDPT only.
	a.SetMaxTables(2)
	_, err := m.Map4K(0x1000, 0x1000)
	if !errors.Is(err, ErrNoMemory) {
		t.Fatalf("Map4K got %v, want ErrNoMemory", err)
	}
	if got := a.Live(); got != 1 {
		t.Errorf("live tables after rollback got %d, want 1", got)
	}
	if got := m.PresentEntries(); got != 0 {
		t.Errorf("present entries after rollback got %d, want 0", got)
	}

	a.SetMaxTables(0)
	if _, err := m.Map4K(0x1000, 0x1000); err != nil {
		t.Fatalf("Map4K failed: %v", err)
	}

	// Reuse the PDPT, allocate a PD, fail on the PT.
	a.SetMaxTables(5)
	if _, err := m.Map4K(0x40000000, 0x40000000); !errors.Is(err, ErrNoMemory) {
		t.Fatalf("Map4K got %v, want ErrNoMemory", err)
	}
	if got := a.Live(); got != 4 {
		t.Errorf("live tables after rollback got %d, want 4", got)
	}
	if got := a.Allocs() - a.Frees(); got != 4 {
		t.Errorf("allocs minus frees got %d, want 4", got)
	}
	checkMappings(t, m, []mapping{{0x1000, Size4K, 0x1000, DefaultMapOpts}})
}

// failingAllocator fails with a non-sentinel error.
type failingAllocator struct {
	*RuntimeAllocator
	fail bool
}

func (f *failingAllocator) NewTable() (*Table, error) {
	if f.fail {
		return nil, errors.New("hypervisor heap exhausted")
	}
	return f.RuntimeAllocator.NewTable()
}

func TestAllocatorErrorsAreNoMemory(t *testing.T) {
	fa := &failingAllocator{RuntimeAllocator: NewRuntimeAllocator(RuntimeAllocatorOpts{})}
	m, err := New(fa)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	fa.fail = true
	_, err = m.Map2M(0x200000, 0x200000)
	if !errors.Is(err, ErrNoMemory) {
		t.Errorf("Map2M got %v, want ErrNoMemory", err)
	}
	if err == nil || !strings.Contains(err.Error(), "hypervisor heap exhausted") {
		t.Errorf("error %v lost the allocator's cause", err)
	}

	fa.fail = true
	if _, err := New(fa); !errors.Is(err, ErrNoMemory) {
		t.Errorf("New got %v, want ErrNoMemory", err)
	}
}

func TestInvalidArguments(t *testing.T) {
	m, a := newTestMap(t)
	if _, err := m.MapPage(0x1000, 0x1000, PageSize(0x3000), DefaultMapOpts); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("bad size got %v, want ErrInvalidArgument", err)
	}
	if _, err := m.MapPage(0x1000, 0x1000, Size4K, MapOpts{Attr: ReadWrite, MemoryType: 2}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("reserved memory type got %v, want ErrInvalidArgument", err)
	}
	if got := a.Live(); got != 1 {
		t.Errorf("live tables got %d, want 1", got)
	}
}

func TestLeafOptions(t *testing.T) {
	m, _ := newTestMap(t)
	opts := MapOpts{Attr: ExecuteOnly, MemoryType: WriteProtected, IgnorePAT: true, SuppressVE: true}
	e, err := m.MapPage(0x1234000, 0xABCD000, Size4K, opts)
	if err != nil {
		t.Fatalf("MapPage failed: %v", err)
	}
	want := Entry(0xABCD000) | entryExecute | Entry(WriteProtected)<<memoryTypeShift | entryIgnorePAT | entryLeaf | entrySuppressVE
	if *e != want {
		t.Errorf("entry got %#x, want %#x", uint64(*e), uint64(want))
	}
}

func TestTableEntries(t *testing.T) {
	m, a := newTestMap(t)
	if _, err := m.Map4K(0x1000, 0x1000); err != nil {
		t.Fatalf("Map4K failed: %v", err)
	}
	tables := m.Tables()
	if len(tables) != 4 {
		t.Fatalf("Tables got %v, want 4 tables", tables)
	}
	// Each table pointer carries full access and no leaf bit.
	for i, physical := range tables[1:] {
		parent := a.LookupTable(tables[i])
		e := parent[0]
		if e.PhysAddr() != physical || e.Attr() != ReadWriteExecute || e.Leaf() {
			t.Errorf("pointer to table %d got %v", i+1, e)
		}
	}
	if got := m.PresentEntries(); got != 4 {
		t.Errorf("PresentEntries got %d, want 4", got)
	}
	if got := m.TableCount(); got != 4 {
		t.Errorf("TableCount got %d, want 4", got)
	}
}

func TestWalkStops(t *testing.T) {
	m, _ := newTestMap(t)
	if err := m.MapContiguous(0, 0, 8, Size4K, DefaultMapOpts); err != nil {
		t.Fatalf("MapContiguous failed: %v", err)
	}
	var seen []uint64
	m.Walk(func(gpa uint64, _ PageSize, _ *Entry) bool {
		seen = append(seen, gpa)
		return len(seen) < 3
	})
	if diff := cmp.Diff([]uint64{0, 0x1000, 0x2000}, seen); diff != "" {
		t.Errorf("walk mismatch (-want +got):\n%s", diff)
	}
}

func TestEPTP(t *testing.T) {
	m, _ := newTestMap(t)
	eptp := m.EPTP()
	if eptp == 0 {
		t.Fatalf("EPTP is zero")
	}
	if got := eptp & 0xFFF; got != 0x1E {
		t.Errorf("EPTP low bits got %#x, want 0x1e", got)
	}
	if _, err := m.Map4K(0x1000, 0x1000); err != nil {
		t.Fatalf("Map4K failed: %v", err)
	}
	m.Release(0x1000)
	if m.EPTP() != eptp {
		t.Errorf("EPTP changed from %#x to %#x", eptp, m.EPTP())
	}

	root, mt, walk, ad := DecodeEPTP(eptp)
	if root != m.Tables()[0] || mt != WriteBack || walk != 4 || ad {
		t.Errorf("DecodeEPTP got %#x, %v, %d, %v", root, mt, walk, ad)
	}
}

func TestDestroy(t *testing.T) {
	m, a := newTestMap(t)
	if err := m.MapBestFit(0x1000, 0x1000, 0x40400000, DefaultMapOpts); err != nil {
		t.Fatalf("MapBestFit failed: %v", err)
	}
	m.Destroy()
	if got := a.Live(); got != 0 {
		t.Errorf("live tables after Destroy got %d, want 0", got)
	}
}

func TestDefaultLoggerFollowsGlobal(t *testing.T) {
	m, _ := newTestMap(t)

	old := log.Log()
	oldLevel := old.Level
	t.Cleanup(func() {
		log.SetTarget(old.Emitter)
		log.SetLevel(oldLevel)
	})
	var buf bytes.Buffer
	log.SetTarget(&log.Writer{Next: &buf})
	log.SetLevel(log.Debug)

	if _, err := m.Map4K(0x1000, 0x1000); err != nil {
		t.Fatalf("Map4K failed: %v", err)
	}
	if !strings.Contains(buf.String(), "ept: new") {
		t.Errorf("log target set after New got %q, want table allocation messages", buf.String())
	}
}
