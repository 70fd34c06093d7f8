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

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	yaml "gopkg.in/yaml.v2"

	"github.com/Bareflank/extended-apis-sub001/pkg/ept"
)

// Layout is a guest memory plan: a list of regions to map.
type Layout struct {
	// Name is informational.
	Name string `toml:"name" yaml:"name"`

	// Regions are applied in order.
	Regions []Region `toml:"region" yaml:"regions"`
}

// Region is one contiguous run of guest-physical memory.
type Region struct {
	Name string `toml:"name" yaml:"name"`

	// GPA is the first guest-physical address.
	GPA uint64 `toml:"gpa" yaml:"gpa"`

	// HPA is the first host-physical address. Ignored if Identity is set.
	HPA uint64 `toml:"hpa" yaml:"hpa"`

	// Identity maps the region onto itself.
	Identity bool `toml:"identity" yaml:"identity"`

	// Size is the length in bytes. Either Size or Pages must be set.
	Size uint64 `toml:"size" yaml:"size"`

	// Pages is the length in pages of Granularity.
	Pages uint64 `toml:"pages" yaml:"pages"`

	// Granularity is "1g", "2m", "4k" or "best". Default "best".
	Granularity string `toml:"granularity" yaml:"granularity"`

	// Attr is an access preset such as "rwx" or "ro". Default "rwx".
	Attr string `toml:"attr" yaml:"attr"`

	// MemType is a memory type such as "wb" or "uc". Default "wb".
	MemType string `toml:"memtype" yaml:"memtype"`
}

// GranularityBest picks the largest page size that fits at each step.
const GranularityBest = "best"

// LoadLayout reads a layout from a .toml, .yaml or .yml file.
func LoadLayout(path string) (*Layout, error) {
	var l Layout
	switch ext := filepath.Ext(path); ext {
	case ".toml":
		md, err := toml.DecodeFile(path, &l)
		if err != nil {
			return nil, fmt.Errorf("unable to decode %q: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown keys in %q: %v", path, undecoded)
		}
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("unable to open layout: %w", err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.SetStrict(true)
		if err := dec.Decode(&l); err != nil {
			return nil, fmt.Errorf("unable to decode %q: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unknown layout file type %q for %q", ext, path)
	}
	if err := l.Validate(); err != nil {
		return nil, fmt.Errorf("layout %q: %w", path, err)
	}
	return &l, nil
}

// Clone returns a deep copy of the layout.
func (l *Layout) Clone() *Layout {
	return deepcopy.Copy(l).(*Layout)
}

// Normalized returns a copy of the layout with defaults filled in, identity
// regions resolved and Pages converted to Size.
func (l *Layout) Normalized() *Layout {
	n := l.Clone()
	for i := range n.Regions {
		r := &n.Regions[i]
		if r.Granularity == "" {
			r.Granularity = GranularityBest
		}
		if r.Attr == "" {
			r.Attr = ept.ReadWriteExecute.String()
		}
		if r.MemType == "" {
			r.MemType = ept.WriteBack.String()
		}
		if r.Identity {
			r.HPA = r.GPA
		}
		if r.Size == 0 && r.Pages != 0 {
			size, _ := ept.ParsePageSize(r.Granularity)
			r.Size = r.Pages * size.Bytes()
			r.Pages = 0
		}
	}
	return n
}

// Validate checks every region.
func (l *Layout) Validate() error {
	for i := range l.Regions {
		if err := l.Regions[i].validate(); err != nil {
			return fmt.Errorf("region %d (%s): %w", i, l.Regions[i].Name, err)
		}
	}
	return nil
}

func (r *Region) validate() error {
	if _, err := r.MapOpts(); err != nil {
		return err
	}
	if (r.Size == 0) == (r.Pages == 0) {
		return fmt.Errorf("exactly one of size and pages must be set")
	}
	best := r.Granularity == "" || r.Granularity == GranularityBest
	if best {
		if r.Pages != 0 {
			return fmt.Errorf("pages needs an explicit granularity")
		}
		if !ept.IsAligned(r.GPA, ept.Size4K) || !ept.IsAligned(r.hpa(), ept.Size4K) || !ept.IsAligned(r.Size, ept.Size4K) {
			return fmt.Errorf("best fit regions must be 4k aligned")
		}
		return nil
	}
	size, err := ept.ParsePageSize(r.Granularity)
	if err != nil {
		return err
	}
	if !ept.IsAligned(r.GPA, size) || !ept.IsAligned(r.hpa(), size) {
		return fmt.Errorf("gpa %#x and hpa %#x must be %v aligned", r.GPA, r.hpa(), size)
	}
	return nil
}

func (r *Region) hpa() uint64 {
	if r.Identity {
		return r.GPA
	}
	return r.HPA
}

// MapOpts returns the leaf options of the region.
func (r *Region) MapOpts() (ept.MapOpts, error) {
	opts := ept.DefaultMapOpts
	if r.Attr != "" {
		a, err := ept.ParseAttr(r.Attr)
		if err != nil {
			return opts, err
		}
		opts.Attr = a
	}
	if r.MemType != "" {
		mt, err := ept.ParseMemoryType(r.MemType)
		if err != nil {
			return opts, err
		}
		opts.MemoryType = mt
	}
	return opts, nil
}

// Apply maps the region into m. On error nothing of the region is mapped.
func (r *Region) Apply(m *ept.Map) error {
	if err := r.validate(); err != nil {
		return err
	}
	opts, err := r.MapOpts()
	if err != nil {
		return err
	}
	if r.Granularity == "" || r.Granularity == GranularityBest {
		return m.MapBestFit(r.GPA, r.hpa(), r.Size, opts)
	}
	size, err := ept.ParsePageSize(r.Granularity)
	if err != nil {
		return err
	}
	pages := r.Pages
	if pages == 0 {
		pages = (r.Size + size.Bytes() - 1) / size.Bytes()
	}
	return m.MapContiguous(r.GPA, r.hpa(), pages, size, opts)
}

// Apply maps every region into m in order. On error, regions applied before
// the failing one are released again.
func (l *Layout) Apply(m *ept.Map) error {
	for i := range l.Regions {
		r := &l.Regions[i]
		if err := r.Apply(m); err != nil {
			for j := i - 1; j >= 0; j-- {
				l.Regions[j].release(m)
			}
			return fmt.Errorf("region %d (%s): %w", i, r.Name, err)
		}
	}
	return nil
}

// release releases every page of the region.
func (r *Region) release(m *ept.Map) {
	length := r.Size
	if length == 0 {
		size, _ := ept.ParsePageSize(r.Granularity)
		length = r.Pages * size.Bytes()
	}
	m.ReleaseRange(r.GPA, length)
}
