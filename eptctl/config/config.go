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

// Package config provides basic infrastructure to set configuration settings
// for eptctl. Each setting that can be changed from the command line has a
// field in Config tagged with the name of its flag.
package config

import (
	"fmt"

	"github.com/Bareflank/extended-apis-sub001/pkg/log"
)

// Config holds configuration that is not part of a layout file.
type Config struct {
	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// LogFormat is the log format: text, json or json-k8s.
	LogFormat string `flag:"log-format"`

	// DebugLog is the path of a log file. %COMMAND% and %TIMESTAMP% are
	// expanded.
	DebugLog string `flag:"debug-log"`

	// AlsoLogToStderr also sends log output to stderr when DebugLog is set.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// Allocator selects where tables live.
	Allocator AllocatorType `flag:"allocator"`

	// MaxTables bounds the number of tables. Zero means unbounded for the
	// runtime allocator and DefaultArenaTables for hostmem.
	MaxTables int `flag:"max-tables"`

	// Layout is the path of the layout file to apply.
	Layout string `flag:"layout"`
}

// DefaultArenaTables is the hostmem arena size used when MaxTables is zero.
const DefaultArenaTables = 4096

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json", "json-k8s":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', or 'json-k8s'", c.LogFormat)
	}
	if c.MaxTables < 0 {
		return fmt.Errorf("max-tables must be zero or positive, got %d", c.MaxTables)
	}
	return nil
}

// ArenaTables returns the number of tables to map for a hostmem arena.
func (c *Config) ArenaTables() int {
	if c.MaxTables == 0 {
		return DefaultArenaTables
	}
	return c.MaxTables
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.Debug: %t", c.Debug)
	log.Infof("Config.LogFormat: %s", c.LogFormat)
	log.Infof("Config.Allocator: %s", c.Allocator)
	log.Infof("Config.MaxTables: %d", c.MaxTables)
	log.Infof("Config.Layout: %q", c.Layout)
}

// AllocatorType tells which allocator supplies tables.
type AllocatorType int

const (
	// AllocatorRuntime keeps tables on the Go heap with synthetic physical
	// addresses.
	AllocatorRuntime AllocatorType = iota

	// AllocatorHostmem keeps tables in an anonymous mapping.
	AllocatorHostmem
)

func allocatorTypePtr(v AllocatorType) *AllocatorType {
	return &v
}

// Set implements flag.Value.
func (a *AllocatorType) Set(v string) error {
	switch v {
	case "runtime":
		*a = AllocatorRuntime
	case "hostmem":
		*a = AllocatorHostmem
	default:
		return fmt.Errorf("invalid allocator type %q", v)
	}
	return nil
}

// Get implements flag.Getter.
func (a *AllocatorType) Get() any {
	return *a
}

// String implements flag.Value.
func (a AllocatorType) String() string {
	switch a {
	case AllocatorRuntime:
		return "runtime"
	case AllocatorHostmem:
		return "hostmem"
	}
	panic(fmt.Sprintf("Invalid allocator type %d", a))
}
