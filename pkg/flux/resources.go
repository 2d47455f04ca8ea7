// Copyright 2025 Tom Barlow
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

package flux

import (
	"fmt"
	"strconv"
	"strings"
)

// ResourceRequest declares what a workflow needs from a worker.
type ResourceRequest struct {
	// CPU is the number of cores required (fractional allowed).
	CPU float64 `json:"cpu,omitempty" yaml:"cpu,omitempty"`

	// MemoryBytes is the required memory in bytes.
	MemoryBytes int64 `json:"memory_bytes,omitempty" yaml:"memory_bytes,omitempty"`

	// Packages are package names that must be installed on the worker.
	Packages []string `json:"packages,omitempty" yaml:"packages,omitempty"`

	// Tags restrict eligibility to workers advertising all of them.
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Capabilities describes what a worker offers. GPU count is advertised but
// not part of the matching rule.
type Capabilities struct {
	CPU         float64  `json:"cpu" yaml:"cpu"`
	MemoryBytes int64    `json:"memory_bytes" yaml:"memory_bytes"`
	GPU         int      `json:"gpu,omitempty" yaml:"gpu,omitempty"`
	Packages    []string `json:"packages,omitempty" yaml:"packages,omitempty"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Satisfies reports whether these capabilities cover the request:
// available CPU and memory at least as large, packages and tags supersets.
func (c Capabilities) Satisfies(req ResourceRequest) bool {
	if c.CPU < req.CPU {
		return false
	}
	if c.MemoryBytes < req.MemoryBytes {
		return false
	}
	if !superset(c.Packages, req.Packages) {
		return false
	}
	if !superset(c.Tags, req.Tags) {
		return false
	}
	return true
}

// Minus returns the capabilities remaining after reserving req.
func (c Capabilities) Minus(req ResourceRequest) Capabilities {
	out := c
	out.CPU -= req.CPU
	out.MemoryBytes -= req.MemoryBytes
	return out
}

// Plus returns the capabilities with req released back.
func (c Capabilities) Plus(req ResourceRequest) Capabilities {
	out := c
	out.CPU += req.CPU
	out.MemoryBytes += req.MemoryBytes
	return out
}

func superset(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[h] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; !ok {
			return false
		}
	}
	return true
}

// ParseByteSize parses human byte sizes like "512MB", "2GiB", or "1024".
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	units := []struct {
		suffix string
		mult   int64
	}{
		{"GIB", 1 << 30}, {"GB", 1 << 30}, {"G", 1 << 30},
		{"MIB", 1 << 20}, {"MB", 1 << 20}, {"M", 1 << 20},
		{"KIB", 1 << 10}, {"KB", 1 << 10}, {"K", 1 << 10},
		{"B", 1},
	}

	upper := strings.ToUpper(s)
	for _, u := range units {
		if strings.HasSuffix(upper, u.suffix) {
			num := strings.TrimSpace(strings.TrimSuffix(upper, u.suffix))
			v, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
			}
			return int64(v * float64(u.mult)), nil
		}
	}

	v, err := strconv.ParseInt(upper, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return v, nil
}
