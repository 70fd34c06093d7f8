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

// Package hostmem provides an EPT table allocator backed by an anonymous
// memory mapping.
//
// Tables handed out by an Arena live outside the Go heap at page aligned
// addresses, so they can be handed to code that expects real page frames.
// The "physical" address of a table is its address in this process.
package hostmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/Bareflank/extended-apis-sub001/pkg/ept"
	"github.com/Bareflank/extended-apis-sub001/pkg/log"
)

// Arena is a fixed-size pool of tables. It implements ept.Allocator and is
// not safe for concurrent use.
type Arena struct {
	// mem is the mapping holding every table.
	mem []byte

	// base is the address of mem[0].
	base uint64

	// free holds the indices of unused tables, lowest last.
	free []int

	// used marks tables currently handed out.
	used []bool

	// release is true if freed tables can be returned to the host
	// individually, i.e. a table is a whole host page.
	release bool
}

var _ ept.Allocator = (*Arena)(nil)

// New maps an arena with room for n tables.
func New(n int) (*Arena, error) {
	if n <= 0 {
		return nil, fmt.Errorf("arena of %d tables: %w", n, ept.ErrInvalidArgument)
	}
	pageSize := unix.Getpagesize()
	length := n * ept.TableBytes
	if rem := length % pageSize; rem != 0 {
		length += pageSize - rem
	}

	mem, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap %d byte table arena: %v", length, err)
	}
	a := &Arena{
		mem:     mem,
		base:    uint64(uintptr(unsafe.Pointer(&mem[0]))),
		free:    make([]int, 0, n),
		used:    make([]bool, n),
		release: pageSize == ept.TableBytes,
	}
	for i := n - 1; i >= 0; i-- {
		a.free = append(a.free, i)
	}
	log.Debugf("hostmem: mapped %d tables at %#x", n, a.base)
	return a, nil
}

// Close unmaps the arena. Tables handed out by it must no longer be used.
func (a *Arena) Close() error {
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	return err
}

// Cap returns the number of tables in the arena.
func (a *Arena) Cap() int {
	return len(a.used)
}

// Available returns the number of tables not handed out.
func (a *Arena) Available() int {
	return len(a.free)
}

func (a *Arena) table(i int) *ept.Table {
	return (*ept.Table)(unsafe.Pointer(&a.mem[i*ept.TableBytes]))
}

// index returns the index of the table at physical, or -1.
func (a *Arena) index(physical uint64) int {
	if physical < a.base {
		return -1
	}
	off := physical - a.base
	if off%ept.TableBytes != 0 || off/ept.TableBytes >= uint64(len(a.used)) {
		return -1
	}
	return int(off / ept.TableBytes)
}

// NewTable implements ept.Allocator.NewTable.
func (a *Arena) NewTable() (*ept.Table, error) {
	n := len(a.free)
	if n == 0 {
		return nil, fmt.Errorf("all %d arena tables in use: %w", len(a.used), ept.ErrNoMemory)
	}
	i := a.free[n-1]
	a.free = a.free[:n-1]
	a.used[i] = true
	t := a.table(i)
	*t = ept.Table{}
	return t, nil
}

// PhysicalFor implements ept.Allocator.PhysicalFor.
func (a *Arena) PhysicalFor(t *ept.Table) uint64 {
	physical := uint64(uintptr(unsafe.Pointer(t)))
	if a.index(physical) < 0 {
		panic(fmt.Sprintf("table %p is not in arena at %#x", t, a.base))
	}
	return physical
}

// LookupTable implements ept.Allocator.LookupTable.
func (a *Arena) LookupTable(physical uint64) *ept.Table {
	i := a.index(physical)
	if i < 0 || !a.used[i] {
		return nil
	}
	return a.table(i)
}

// FreeTable implements ept.Allocator.FreeTable.
func (a *Arena) FreeTable(t *ept.Table) {
	i := a.index(a.PhysicalFor(t))
	if !a.used[i] {
		panic(fmt.Sprintf("double free of arena table %d", i))
	}
	a.used[i] = false
	a.free = append(a.free, i)
	if a.release {
		off := i * ept.TableBytes
		if err := unix.Madvise(a.mem[off:off+ept.TableBytes], unix.MADV_DONTNEED); err != nil {
			log.Warningf("hostmem: madvise of table %d failed: %v", i, err)
		}
	}
}
