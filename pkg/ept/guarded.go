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
	"context"
	"errors"
	"sync"

	"github.com/cenkalti/backoff"
)

// Guarded serializes access to a Map with a mutex. It is the locking
// discipline a Map requires when it is shared, for example between vCPUs
// handling EPT violations.
type Guarded struct {
	mu sync.Mutex
	m  *Map
}

// NewGuarded wraps m. m must not be used directly afterwards.
func NewGuarded(m *Map) *Guarded {
	return &Guarded{m: m}
}

// Do calls fn with the lock held.
func (g *Guarded) Do(fn func(m *Map) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn(g.m)
}

// EPTP returns the EPT pointer of the map.
func (g *Guarded) EPTP() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.m.EPTP()
}

// MapPage implements Map.MapPage. The entry itself is not returned since it
// may only be accessed with the lock held.
func (g *Guarded) MapPage(gpa, hpa uint64, size PageSize, opts MapOpts) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, err := g.m.MapPage(gpa, hpa, size, opts)
	return err
}

// Unmap implements Map.Unmap.
func (g *Guarded) Unmap(gpa uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.m.Unmap(gpa)
}

// Release implements Map.Release.
func (g *Guarded) Release(gpa uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.m.Release(gpa)
}

// Lookup returns a copy of the leaf covering gpa and its page size.
func (g *Guarded) Lookup(gpa uint64) (Entry, PageSize, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, err := g.m.Entry(gpa)
	if err != nil {
		return 0, 0, err
	}
	size, err := g.m.From(gpa)
	if err != nil {
		return 0, 0, err
	}
	return *e, size, nil
}

// VirtToPhys implements Map.VirtToPhys.
func (g *Guarded) VirtToPhys(gpa uint64) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.m.VirtToPhys(gpa)
}

// MapRetry maps a page, retrying under b while the allocator is out of
// memory. Other errors are returned immediately. The lock is dropped between
// attempts so that other callers can release memory.
func (g *Guarded) MapRetry(ctx context.Context, gpa, hpa uint64, size PageSize, opts MapOpts, b backoff.BackOff) error {
	op := func() error {
		err := g.MapPage(gpa, hpa, size, opts)
		if err != nil && !errors.Is(err, ErrNoMemory) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}
