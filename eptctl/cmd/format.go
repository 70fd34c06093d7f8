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

package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	yaml "gopkg.in/yaml.v2"
)

// format is an output format flag value.
type format string

const (
	formatText format = "text"
	formatJSON format = "json"
	formatYAML format = "yaml"
)

// Set implements flag.Value.
func (f *format) Set(v string) error {
	switch format(v) {
	case formatText, formatJSON, formatYAML:
		*f = format(v)
		return nil
	}
	return fmt.Errorf("invalid format %q, must be 'text', 'json', or 'yaml'", v)
}

// String implements flag.Value.
func (f *format) String() string {
	if *f == "" {
		return string(formatText)
	}
	return string(*f)
}

// write renders v in the format. text is used for formatText.
func (f format) write(w io.Writer, v any, text func(io.Writer)) error {
	switch f {
	case formatJSON:
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("error marshaling json: %v", err)
		}
		_, err = fmt.Fprintf(w, "%s\n", b)
		return err
	case formatYAML:
		b, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("error marshaling yaml: %v", err)
		}
		_, err = w.Write(b)
		return err
	default:
		text(w)
		return nil
	}
}
