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
	"strings"
)

// Attr is a set of guest access permissions. Its bits line up with the
// read, write and execute bits of an Entry.
type Attr uint8

// Access permissions.
const (
	AttrNone         Attr = 0
	ReadOnly         Attr = Attr(entryRead)
	WriteOnly        Attr = Attr(entryWrite)
	ExecuteOnly      Attr = Attr(entryExecute)
	ReadWrite        Attr = ReadOnly | WriteOnly
	ReadExecute      Attr = ReadOnly | ExecuteOnly
	ReadWriteExecute Attr = ReadOnly | WriteOnly | ExecuteOnly
)

var attrNames = map[string]Attr{
	"none": AttrNone,
	"ro":   ReadOnly,
	"wo":   WriteOnly,
	"eo":   ExecuteOnly,
	"rw":   ReadWrite,
	"re":   ReadExecute,
	"rwx":  ReadWriteExecute,
}

// ParseAttr parses a permission preset name: "none", "ro", "wo", "eo",
// "rw", "re" or "rwx".
func ParseAttr(s string) (Attr, error) {
	if a, ok := attrNames[strings.ToLower(s)]; ok {
		return a, nil
	}
	return 0, fmt.Errorf("unknown access attribute %q: %w", s, ErrInvalidArgument)
}

// String implements fmt.Stringer.
func (a Attr) String() string {
	for name, v := range attrNames {
		if v == a {
			return name
		}
	}
	return fmt.Sprintf("Attr(%#x)", uint8(a))
}

// MemoryType is an EPT memory type.
type MemoryType uint8

// Memory types accepted by the processor. Values 2, 3 and 7 are reserved.
const (
	Uncacheable    MemoryType = 0
	WriteCombining MemoryType = 1
	WriteThrough   MemoryType = 4
	WriteProtected MemoryType = 5
	WriteBack      MemoryType = 6
)

// Valid returns true if t is not a reserved encoding.
func (t MemoryType) Valid() bool {
	switch t {
	case Uncacheable, WriteCombining, WriteThrough, WriteProtected, WriteBack:
		return true
	}
	return false
}

// String implements fmt.Stringer.
func (t MemoryType) String() string {
	switch t {
	case Uncacheable:
		return "uc"
	case WriteCombining:
		return "wc"
	case WriteThrough:
		return "wt"
	case WriteProtected:
		return "wp"
	case WriteBack:
		return "wb"
	default:
		return fmt.Sprintf("mt%d", uint8(t))
	}
}

// ParseMemoryType parses "uc", "wc", "wt", "wp" or "wb".
func ParseMemoryType(s string) (MemoryType, error) {
	for _, t := range []MemoryType{Uncacheable, WriteCombining, WriteThrough, WriteProtected, WriteBack} {
		if strings.EqualFold(s, t.String()) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown memory type %q: %w", s, ErrInvalidArgument)
}

// MapOpts are the leaf options for a mapping.
type MapOpts struct {
	// Attr is the guest access permission.
	Attr Attr

	// MemoryType is the effective memory type of the page.
	MemoryType MemoryType

	// IgnorePAT makes MemoryType override the guest PAT.
	IgnorePAT bool

	// SuppressVE suppresses #VE for violations on this page.
	SuppressVE bool
}

// DefaultMapOpts maps memory read/write/execute and write-back.
var DefaultMapOpts = MapOpts{
	Attr:       ReadWriteExecute,
	MemoryType: WriteBack,
}
