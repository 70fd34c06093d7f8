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

// MapContiguous maps n consecutive pages of the given size starting at gpa
// to consecutive pages starting at hpa. Either all n pages are mapped or, on
// error, the pages mapped by this call are released again.
func (m *Map) MapContiguous(gpa, hpa uint64, n uint64, size PageSize, opts MapOpts) error {
	if !size.Valid() {
		return fmt.Errorf("mapping %d pages at gpa %#x: page size %v: %w", n, gpa, size, ErrInvalidArgument)
	}
	step := size.Bytes()
	if n > 0 {
		last := (n - 1) * step
		if n-1 > ^uint64(0)/step || gpa > ^uint64(0)-last || hpa > ^uint64(0)-last {
			return fmt.Errorf("mapping %d %v pages at gpa %#x, hpa %#x: range wraps: %w", n, size, gpa, hpa, ErrInvalidArgument)
		}
	}
	var done []uint64
	for i := uint64(0); i < n; i++ {
		if _, err := m.MapPage(gpa+i*step, hpa+i*step, size, opts); err != nil {
			m.undo(done)
			return err
		}
		done = append(done, gpa+i*step)
	}
	return nil
}

// MapRange maps the pages of the given size covering [start, end], both
// ends inclusive, to consecutive pages starting at hpa.
func (m *Map) MapRange(start, end, hpa uint64, size PageSize, opts MapOpts) error {
	if start >= end {
		return fmt.Errorf("mapping range [%#x, %#x]: %w", start, end, ErrInvalidArgument)
	}
	if !size.Valid() {
		return fmt.Errorf("mapping range [%#x, %#x]: page size %v: %w", start, end, size, ErrInvalidArgument)
	}
	return m.MapContiguous(start, hpa, (end-start)/size.Bytes()+1, size, opts)
}

// IdentityMapRange maps [start, end] onto itself with pages of the given
// size.
func (m *Map) IdentityMapRange(start, end uint64, size PageSize, opts MapOpts) error {
	return m.MapRange(start, end, start, size, opts)
}

// MapBestFit maps length bytes at gpa to hpa using the largest pages that
// both addresses are aligned to and that fit in what remains. gpa, hpa and
// length must be 4 KiB aligned. The call is all-or-nothing like
// MapContiguous.
func (m *Map) MapBestFit(gpa, hpa, length uint64, opts MapOpts) error {
	if !IsAligned(gpa, Size4K) || !IsAligned(hpa, Size4K) || !IsAligned(length, Size4K) {
		return fmt.Errorf("best fit mapping of %#x bytes at gpa %#x to hpa %#x: unaligned: %w", length, gpa, hpa, ErrInvalidArgument)
	}
	var done []uint64
	for remaining := length; remaining > 0; {
		size := bestFit(gpa, hpa, remaining)
		if _, err := m.MapPage(gpa, hpa, size, opts); err != nil {
			m.undo(done)
			return err
		}
		done = append(done, gpa)
		gpa += size.Bytes()
		hpa += size.Bytes()
		remaining -= size.Bytes()
	}
	return nil
}

// bestFit returns the largest page size usable at gpa and hpa for at most
// remaining bytes.
func bestFit(gpa, hpa, remaining uint64) PageSize {
	for _, size := range []PageSize{Size1G, Size2M} {
		if remaining >= size.Bytes() && IsAligned(gpa, size) && IsAligned(hpa, size) {
			return size
		}
	}
	return Size4K
}

// undo releases the pages at the given gpas, last first.
func (m *Map) undo(gpas []uint64) {
	if len(gpas) == 0 {
		return
	}
	m.warn.Warningf("ept: releasing %d pages mapped before failure at gpa %#x", len(gpas), gpas[0])
	for i := len(gpas) - 1; i >= 0; i-- {
		m.Release(gpas[i])
	}
}

// UnmapRange unmaps every leaf that overlaps [start, start+length). Leaves
// that extend outside the range are unmapped whole.
func (m *Map) UnmapRange(start, length uint64) {
	m.eachInRange(start, length, func(gpa uint64, found bool) {
		if found {
			m.Unmap(gpa)
		}
	})
}

// ReleaseRange releases every leaf that overlaps [start, start+length), and
// reclaims empty tables along the way. Leaves that extend outside the range
// are released whole.
func (m *Map) ReleaseRange(start, length uint64) {
	m.eachInRange(start, length, func(gpa uint64, _ bool) {
		m.Release(gpa)
	})
}

// eachInRange calls fn once per leaf overlapping the range and once per
// absent slot, skipping over unmapped space a whole slot at a time.
func (m *Map) eachInRange(start, length uint64, fn func(gpa uint64, found bool)) {
	end := start + length
	if end < start {
		end = ^uint64(0)
	}
	for gpa := start; gpa < end; {
		_, l, ok := m.find(gpa)
		span := l.span()
		fn(gpa, ok)
		next := Align(gpa, PageSize(span)) + span
		if next <= gpa {
			return
		}
		gpa = next
	}
}
