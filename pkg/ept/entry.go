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

// Package ept implements Intel VT-x extended page tables.
//
// A Map owns a four level tree of 512-entry tables (PML4, PDPT, PD and PT)
// translating guest-physical addresses to host-physical addresses with
// 1 GiB, 2 MiB and 4 KiB leaves. Tables are created the first time a map
// operation crosses an absent slot and are returned to the Allocator by
// Release once every entry in them is absent.
//
// A Map does no locking. Callers that share one between goroutines must
// serialize every call, for example through Guarded. The engine never
// invalidates TLBs; callers must issue INVEPT after structural changes.
package ept

import (
	"fmt"
	"strings"
)

// Entry is a single EPT paging-structure entry, laid out exactly as the
// hardware reads it.
type Entry uint64

// Entry bits.
const (
	entryRead        Entry = 1 << 0
	entryWrite       Entry = 1 << 1
	entryExecute     Entry = 1 << 2
	entryIgnorePAT   Entry = 1 << 6
	entryLeaf        Entry = 1 << 7
	entryAccessed    Entry = 1 << 8
	entryDirty       Entry = 1 << 9
	entryExecuteUser Entry = 1 << 10
	entrySuppressVE  Entry = 1 << 63

	memoryTypeShift       = 3
	memoryTypeMask  Entry = 0x7 << memoryTypeShift

	// physMask covers bits 12 through 51.
	physMask Entry = 0x000FFFFFFFFFF000

	accessMask  = entryRead | entryWrite | entryExecute
	presentMask = accessMask | entryExecuteUser
)

func (e Entry) has(bit Entry) bool {
	return e&bit != 0
}

func (e *Entry) set(bit Entry, v bool) {
	if v {
		*e |= bit
	} else {
		*e &^= bit
	}
}

// Read returns true if guest reads are allowed.
func (e Entry) Read() bool { return e.has(entryRead) }

// SetRead sets the read access bit.
func (e *Entry) SetRead(v bool) { e.set(entryRead, v) }

// Write returns true if guest writes are allowed.
func (e Entry) Write() bool { return e.has(entryWrite) }

// SetWrite sets the write access bit.
func (e *Entry) SetWrite(v bool) { e.set(entryWrite, v) }

// Execute returns true if supervisor-mode instruction fetches are allowed.
func (e Entry) Execute() bool { return e.has(entryExecute) }

// SetExecute sets the supervisor execute access bit.
func (e *Entry) SetExecute(v bool) { e.set(entryExecute, v) }

// ExecuteUser returns true if user-mode instruction fetches are allowed.
func (e Entry) ExecuteUser() bool { return e.has(entryExecuteUser) }

// SetExecuteUser sets the user execute access bit.
func (e *Entry) SetExecuteUser(v bool) { e.set(entryExecuteUser, v) }

// MemoryType returns the memory type field (bits 3-5).
func (e Entry) MemoryType() MemoryType {
	return MemoryType((e & memoryTypeMask) >> memoryTypeShift)
}

// SetMemoryType sets the memory type field. Bits of t outside the field
// are discarded.
func (e *Entry) SetMemoryType(t MemoryType) {
	*e = (*e &^ memoryTypeMask) | ((Entry(t) << memoryTypeShift) & memoryTypeMask)
}

// IgnorePAT returns the ignore-PAT bit.
func (e Entry) IgnorePAT() bool { return e.has(entryIgnorePAT) }

// SetIgnorePAT sets the ignore-PAT bit.
func (e *Entry) SetIgnorePAT(v bool) { e.set(entryIgnorePAT, v) }

// Leaf returns true if the entry maps a page rather than a table.
func (e Entry) Leaf() bool { return e.has(entryLeaf) }

// SetLeaf sets the page size bit.
func (e *Entry) SetLeaf(v bool) { e.set(entryLeaf, v) }

// Accessed returns the accessed bit.
func (e Entry) Accessed() bool { return e.has(entryAccessed) }

// SetAccessed sets the accessed bit.
func (e *Entry) SetAccessed(v bool) { e.set(entryAccessed, v) }

// Dirty returns the dirty bit.
func (e Entry) Dirty() bool { return e.has(entryDirty) }

// SetDirty sets the dirty bit.
func (e *Entry) SetDirty(v bool) { e.set(entryDirty, v) }

// SuppressVE returns the suppress-#VE bit.
func (e Entry) SuppressVE() bool { return e.has(entrySuppressVE) }

// SetSuppressVE sets the suppress-#VE bit.
func (e *Entry) SetSuppressVE(v bool) { e.set(entrySuppressVE, v) }

// PhysAddr returns the physical address field, 4 KiB aligned.
func (e Entry) PhysAddr() uint64 {
	return uint64(e & physMask)
}

// SetPhysAddr sets the physical address field. The low 12 bits and any bits
// above bit 51 of addr are discarded.
func (e *Entry) SetPhysAddr(addr uint64) {
	*e = (*e &^ physMask) | (Entry(addr) & physMask)
}

// HPA is an alias for PhysAddr.
func (e Entry) HPA() uint64 { return e.PhysAddr() }

// SetHPA is an alias for SetPhysAddr.
func (e *Entry) SetHPA(addr uint64) { e.SetPhysAddr(addr) }

// Present returns true if any access bit (read, write, execute or user
// execute) is set.
func (e Entry) Present() bool {
	return e&presentMask != 0
}

// inUse returns true if the slot holds a table pointer or a leaf. A leaf
// whose access bits were all cleared by TrapOnAccess still occupies its slot.
func (e Entry) inUse() bool {
	return e.Present() || e.Leaf()
}

// Clear zeroes the entry.
func (e *Entry) Clear() {
	*e = 0
}

// TrapOnAccess clears the read, write and execute bits so that any guest
// access to the page causes an EPT violation. Other bits are preserved.
func (e *Entry) TrapOnAccess() {
	*e &^= accessMask
}

// PassThroughAccess sets the read, write and execute bits.
func (e *Entry) PassThroughAccess() {
	*e |= accessMask
}

// Attr returns the read, write and execute bits as an Attr.
func (e Entry) Attr() Attr {
	return Attr(e & accessMask)
}

// SetAttr replaces the read, write and execute bits.
func (e *Entry) SetAttr(a Attr) {
	*e = (*e &^ accessMask) | (Entry(a) & accessMask)
}

// setTable points the entry at a table.
func (e *Entry) setTable(physical uint64) {
	*e = 0
	e.SetPhysAddr(physical)
	e.PassThroughAccess()
}

// setLeaf makes the entry a leaf for the page at physical.
//
// Bit 7 is set at every level. The processor ignores it in PT entries, and
// it keeps a leaf mapped with AttrNone distinguishable from an empty slot.
func (e *Entry) setLeaf(physical uint64, opts MapOpts) {
	*e = entryLeaf
	e.SetPhysAddr(physical)
	e.SetAttr(opts.Attr)
	e.SetMemoryType(opts.MemoryType)
	e.SetIgnorePAT(opts.IgnorePAT)
	e.SetSuppressVE(opts.SuppressVE)
}

// String renders the entry for diagnostics, for example
// "0x00000000fee00000 rwx- wb leaf".
func (e Entry) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "0x%016x ", e.PhysAddr())
	for _, f := range []struct {
		set bool
		c   byte
	}{
		{e.Read(), 'r'},
		{e.Write(), 'w'},
		{e.Execute(), 'x'},
		{e.ExecuteUser(), 'u'},
	} {
		if f.set {
			b.WriteByte(f.c)
		} else {
			b.WriteByte('-')
		}
	}
	b.WriteByte(' ')
	b.WriteString(e.MemoryType().String())
	if e.Leaf() {
		b.WriteString(" leaf")
	}
	if e.IgnorePAT() {
		b.WriteString(" ipat")
	}
	if e.Accessed() {
		b.WriteString(" a")
	}
	if e.Dirty() {
		b.WriteString(" d")
	}
	if e.SuppressVE() {
		b.WriteString(" sve")
	}
	return b.String()
}
