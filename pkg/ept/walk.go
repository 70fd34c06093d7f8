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

// Walk calls fn for every leaf in ascending gpa order. The gpa passed is the
// base of the leaf's page. Walk stops early if fn returns false.
//
// fn must not modify the map.
func (m *Map) Walk(fn func(gpa uint64, size PageSize, e *Entry) bool) {
	m.walkTable(m.root, LevelPML4, 0, fn)
}

func (m *Map) walkTable(t *Table, l Level, base uint64, fn func(uint64, PageSize, *Entry) bool) bool {
	for i := range t {
		e := &t[i]
		if !e.inUse() {
			continue
		}
		gpa := base | uint64(i)<<l.shift()
		if isLeaf(e, l) {
			if !fn(gpa, leafSize(l), e) {
				return false
			}
			continue
		}
		if !m.walkTable(m.tableAt(e), l+1, gpa, fn) {
			return false
		}
	}
	return true
}

// visitTables calls fn for every table, parents before children.
func (m *Map) visitTables(fn func(t *Table, l Level)) {
	var visit func(t *Table, l Level)
	visit = func(t *Table, l Level) {
		fn(t, l)
		if l == LevelPT {
			return
		}
		for i := range t {
			if e := &t[i]; e.inUse() && !isLeaf(e, l) {
				visit(m.tableAt(e), l+1)
			}
		}
	}
	visit(m.root, LevelPML4)
}

// Tables returns the physical address of every table owned by the map,
// root first, each table before its children.
func (m *Map) Tables() []uint64 {
	var addrs []uint64
	m.visitTables(func(t *Table, _ Level) {
		addrs = append(addrs, m.alloc.PhysicalFor(t))
	})
	return addrs
}

// TableCount returns the number of tables owned by the map, including the
// root.
func (m *Map) TableCount() int {
	n := 0
	m.visitTables(func(*Table, Level) { n++ })
	return n
}

// PresentEntries returns the number of present entries across all tables,
// table pointers included.
func (m *Map) PresentEntries() int {
	n := 0
	m.visitTables(func(t *Table, _ Level) { n += t.PresentCount() })
	return n
}

// Destroy frees every table, including the root. The map must not be used
// afterwards.
func (m *Map) Destroy() {
	var tables []*Table
	m.visitTables(func(t *Table, _ Level) {
		tables = append(tables, t)
	})
	// Children first.
	for i := len(tables) - 1; i >= 0; i-- {
		m.alloc.FreeTable(tables[i])
	}
	m.log.Debugf("ept: destroyed map with root %#x, %d tables freed", m.rootPhys, len(tables))
	m.root = nil
}
