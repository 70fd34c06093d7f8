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

const (
	eptpMemoryTypeMask = 0x7
	eptpWalkShift      = 3
	eptpWalkMask       = 0x7 << eptpWalkShift
	eptpAccessedDirty  = 1 << 6

	// walkLength is the number of levels the processor walks.
	walkLength = numLevels
)

// EPTP returns the EPT pointer for this map: the root table's physical
// address, write-back paging-structure memory type and a page walk length
// of four. Accessed and dirty flags are disabled.
//
// The value is stable for the lifetime of the map.
func (m *Map) EPTP() uint64 {
	return m.rootPhys&uint64(physMask) |
		uint64(WriteBack) |
		uint64(walkLength-1)<<eptpWalkShift
}

// DecodeEPTP splits an EPT pointer into the root table address, the paging
// structure memory type, the page walk length and the accessed/dirty enable.
func DecodeEPTP(v uint64) (root uint64, mt MemoryType, walk int, accessedDirty bool) {
	root = v & uint64(physMask)
	mt = MemoryType(v & eptpMemoryTypeMask)
	walk = int((v&eptpWalkMask)>>eptpWalkShift) + 1
	accessedDirty = v&eptpAccessedDirty != 0
	return root, mt, walk, accessedDirty
}
