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
	"fmt"
)

var (
	// ErrConflict is returned when a mapping collides with an existing
	// leaf or with table structure at the requested level.
	ErrConflict = errors.New("mapping conflict")

	// ErrNotFound is returned by lookups of an unmapped gpa.
	ErrNotFound = errors.New("gpa not mapped")

	// ErrNoMemory is returned when the Allocator cannot supply a table.
	ErrNoMemory = errors.New("out of table memory")

	// ErrInvalidArgument is returned for unknown page sizes, reserved
	// memory types and malformed ranges.
	ErrInvalidArgument = errors.New("invalid argument")
)

// noMemory wraps an allocator failure so that it always matches
// ErrNoMemory.
func noMemory(gpa uint64, l Level, err error) error {
	if errors.Is(err, ErrNoMemory) {
		return fmt.Errorf("allocating %v table for gpa %#x: %w", l, gpa, err)
	}
	return fmt.Errorf("allocating %v table for gpa %#x: %w: %w", l, gpa, ErrNoMemory, err)
}
