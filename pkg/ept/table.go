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

// Table is a single 4 KiB paging structure.
type Table [Entries]Entry

// Empty returns true if no entry of t is in use.
func (t *Table) Empty() bool {
	for i := range t {
		if t[i].inUse() {
			return false
		}
	}
	return true
}

// PresentCount returns the number of present entries in t.
func (t *Table) PresentCount() int {
	n := 0
	for i := range t {
		if t[i].Present() {
			n++
		}
	}
	return n
}
