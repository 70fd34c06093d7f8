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

import "fmt"

// Level identifies one of the four paging levels.
type Level int

// Paging levels, root first.
const (
	LevelPML4 Level = iota
	LevelPDPT
	LevelPD
	LevelPT

	numLevels = 4
)

const (
	// Entries is the number of entries in a table.
	Entries = 512

	// TableBytes is the size of a table.
	TableBytes = Entries * 8

	indexBits = 9
	indexMask = Entries - 1
	pageShift = 12
)

// shift returns the position of the lowest gpa bit indexing this level.
func (l Level) shift() uint {
	return pageShift + indexBits*uint(LevelPT-l)
}

// span returns the number of bytes of guest-physical space covered by one
// entry at this level.
func (l Level) span() uint64 {
	return 1 << l.shift()
}

// String implements fmt.Stringer.
func (l Level) String() string {
	switch l {
	case LevelPML4:
		return "PML4"
	case LevelPDPT:
		return "PDPT"
	case LevelPD:
		return "PD"
	case LevelPT:
		return "PT"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// PageSize is a leaf granularity in bytes.
type PageSize uint64

// Leaf granularities.
const (
	Size4K PageSize = 1 << 12
	Size2M PageSize = 1 << 21
	Size1G PageSize = 1 << 30
)

// Valid returns true for Size4K, Size2M and Size1G.
func (s PageSize) Valid() bool {
	return s == Size4K || s == Size2M || s == Size1G
}

// Bytes returns the page size in bytes.
func (s PageSize) Bytes() uint64 {
	return uint64(s)
}

// Level returns the level whose entries hold leaves of this size.
func (s PageSize) Level() Level {
	switch s {
	case Size1G:
		return LevelPDPT
	case Size2M:
		return LevelPD
	case Size4K:
		return LevelPT
	}
	panic(fmt.Sprintf("invalid page size %#x", uint64(s)))
}

// String implements fmt.Stringer.
func (s PageSize) String() string {
	switch s {
	case Size1G:
		return "1G"
	case Size2M:
		return "2M"
	case Size4K:
		return "4K"
	default:
		return fmt.Sprintf("PageSize(%#x)", uint64(s))
	}
}

// ParsePageSize parses "1g", "2m" or "4k".
func ParsePageSize(s string) (PageSize, error) {
	switch s {
	case "1g", "1G":
		return Size1G, nil
	case "2m", "2M":
		return Size2M, nil
	case "4k", "4K":
		return Size4K, nil
	}
	return 0, fmt.Errorf("unknown page size %q: %w", s, ErrInvalidArgument)
}

// leafSize returns the page size of a leaf held at level l.
func leafSize(l Level) PageSize {
	switch l {
	case LevelPDPT:
		return Size1G
	case LevelPD:
		return Size2M
	case LevelPT:
		return Size4K
	}
	panic(fmt.Sprintf("no leaves at level %v", l))
}

// Index returns the table index (0-511) of gpa at level l. Bits of gpa above
// bit 47 do not take part in translation.
func Index(gpa uint64, l Level) int {
	return int((gpa >> l.shift()) & indexMask)
}

// PageOffset returns the offset of gpa within its page of the given size.
func PageOffset(gpa uint64, size PageSize) uint64 {
	return gpa & (uint64(size) - 1)
}

// EffectiveAddress combines the base stored in e with offset by OR. The
// caller is responsible for passing an offset within the page.
func EffectiveAddress(e Entry, offset uint64) uint64 {
	return e.PhysAddr() | offset
}

// IsAligned returns true if addr is a multiple of size.
func IsAligned(addr uint64, size PageSize) bool {
	return PageOffset(addr, size) == 0
}

// Align rounds addr down to a multiple of size.
func Align(addr uint64, size PageSize) uint64 {
	return addr &^ (uint64(size) - 1)
}
