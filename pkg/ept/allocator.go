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

	"github.com/google/btree"
)

// Allocator supplies and reclaims table storage.
//
// The engine calls an Allocator only for tables. Guest pages named by leaf
// entries belong to the caller.
type Allocator interface {
	// NewTable returns a zeroed table. Failures should wrap ErrNoMemory.
	NewTable() (*Table, error)

	// PhysicalFor returns the physical address of the given table. It is
	// 4 KiB aligned and non-zero.
	PhysicalFor(*Table) uint64

	// LookupTable returns the table at the given physical address, or nil
	// if the allocator does not own one there.
	LookupTable(physical uint64) *Table

	// FreeTable returns a table to the allocator.
	FreeTable(*Table)
}

// tableRecord indexes a live table by physical address.
type tableRecord struct {
	physical uint64
	table    *Table
}

func lessRecord(a, b tableRecord) bool {
	return a.physical < b.physical
}

// DefaultRuntimeBase is the first physical address handed out by a
// RuntimeAllocator.
const DefaultRuntimeBase = 0x100000

// RuntimeAllocatorOpts configure a RuntimeAllocator.
type RuntimeAllocatorOpts struct {
	// Base is the first physical address assigned. Zero means
	// DefaultRuntimeBase.
	Base uint64

	// MaxTables bounds the number of live tables. Zero means unbounded.
	MaxTables int
}

// RuntimeAllocator allocates tables on the Go heap and assigns them
// synthetic physical addresses. Freed addresses are reused.
//
// It is the allocator for tests and for building tables that are later
// copied into real memory. It is not safe for concurrent use.
type RuntimeAllocator struct {
	opts RuntimeAllocatorOpts

	// next is the next never-used physical address.
	next uint64

	// free holds released physical addresses for reuse, most recent last.
	free []uint64

	// live indexes tables by physical address.
	live *btree.BTreeG[tableRecord]

	// physical maps tables back to their address.
	physical map[*Table]uint64

	allocs int
	frees  int
}

// NewRuntimeAllocator returns an allocator with the given options.
func NewRuntimeAllocator(opts RuntimeAllocatorOpts) *RuntimeAllocator {
	if opts.Base == 0 {
		opts.Base = DefaultRuntimeBase
	}
	opts.Base = Align(opts.Base, Size4K)
	return &RuntimeAllocator{
		opts:     opts,
		next:     opts.Base,
		live:     btree.NewG(2, lessRecord),
		physical: make(map[*Table]uint64),
	}
}

// NewTable implements Allocator.NewTable.
func (r *RuntimeAllocator) NewTable() (*Table, error) {
	if r.opts.MaxTables > 0 && r.live.Len() >= r.opts.MaxTables {
		return nil, fmt.Errorf("%d tables live: %w", r.live.Len(), ErrNoMemory)
	}
	var physical uint64
	if n := len(r.free); n > 0 {
		physical = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		physical = r.next
		r.next += TableBytes
	}
	t := new(Table)
	r.live.ReplaceOrInsert(tableRecord{physical: physical, table: t})
	r.physical[t] = physical
	r.allocs++
	return t, nil
}

// PhysicalFor implements Allocator.PhysicalFor.
func (r *RuntimeAllocator) PhysicalFor(t *Table) uint64 {
	physical, ok := r.physical[t]
	if !ok {
		panic(fmt.Sprintf("table %p not owned by allocator", t))
	}
	return physical
}

// LookupTable implements Allocator.LookupTable.
func (r *RuntimeAllocator) LookupTable(physical uint64) *Table {
	rec, ok := r.live.Get(tableRecord{physical: physical})
	if !ok {
		return nil
	}
	return rec.table
}

// FreeTable implements Allocator.FreeTable.
func (r *RuntimeAllocator) FreeTable(t *Table) {
	physical, ok := r.physical[t]
	if !ok {
		panic(fmt.Sprintf("double free of table %p", t))
	}
	delete(r.physical, t)
	r.live.Delete(tableRecord{physical: physical})
	r.free = append(r.free, physical)
	r.frees++
}

// Live returns the number of tables currently allocated.
func (r *RuntimeAllocator) Live() int {
	return r.live.Len()
}

// Allocs returns the number of NewTable calls that succeeded.
func (r *RuntimeAllocator) Allocs() int {
	return r.allocs
}

// Frees returns the number of FreeTable calls.
func (r *RuntimeAllocator) Frees() int {
	return r.frees
}

// Addresses returns the physical addresses of all live tables in ascending
// order.
func (r *RuntimeAllocator) Addresses() []uint64 {
	addrs := make([]uint64, 0, r.live.Len())
	r.live.Ascend(func(rec tableRecord) bool {
		addrs = append(addrs, rec.physical)
		return true
	})
	return addrs
}

// SetMaxTables changes the live table limit. Zero removes the limit.
func (r *RuntimeAllocator) SetMaxTables(n int) {
	r.opts.MaxTables = n
}
