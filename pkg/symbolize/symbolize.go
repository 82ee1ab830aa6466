// Copyright 2024 The Hotstack Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package symbolize resolves raw instruction addresses to function names by
// delegating to the system symbolication tool, one invocation per binary.
// Symbolication never fails a run: a group that cannot be resolved simply
// keeps its addresses unresolved.
package symbolize

import (
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hotstack-dev/hotstack/pkg/cache"
)

const defaultTool = "atos"

// IsUnresolved reports whether a frame name is a raw address, which is the
// case exactly when it is a 0x-prefixed hexadecimal literal and nothing else.
func IsUnresolved(name string) bool {
	if len(name) < 3 || name[0] != '0' || name[1] != 'x' {
		return false
	}
	for i := 2; i < len(name); i++ {
		c := name[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

type cacheKey struct {
	path string
	load uint64
	addr uint64
}

// Atos shells out to the symbolication tool. Lookups are cached per (binary,
// load address, address) so repeated runs over the same hot addresses spawn
// one subprocess per binary group at most.
type Atos struct {
	logger log.Logger
	tool   string
	cache  *cache.LRU[cacheKey, string]

	// run is swapped in tests for a fake subprocess.
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func NewAtos(logger log.Logger, reg prometheus.Registerer) *Atos {
	return &Atos{
		logger: logger,
		tool:   defaultTool,
		cache:  cache.NewLRU[cacheKey, string](reg, 1<<16),
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		},
	}
}

// Resolve maps addresses of one (binary, load address) group to symbol names.
// Addresses the tool cannot name are absent from the result. A failed
// invocation degrades to an empty mapping.
func (a *Atos) Resolve(ctx context.Context, binaryPath string, loadAddr uint64, addrs []uint64) map[uint64]string {
	res := make(map[uint64]string, len(addrs))
	var missing []uint64
	for _, addr := range addrs {
		if name, ok := a.cache.Get(cacheKey{binaryPath, loadAddr, addr}); ok {
			if name != "" {
				res[addr] = name
			}
			continue
		}
		missing = append(missing, addr)
	}
	if len(missing) == 0 {
		return res
	}

	args := []string{"-o", binaryPath, "-l", "0x" + strconv.FormatUint(loadAddr, 16)}
	for _, addr := range missing {
		args = append(args, "0x"+strconv.FormatUint(addr, 16))
	}
	out, err := a.run(ctx, a.tool, args...)
	if err != nil {
		level.Warn(a.logger).Log("msg", "symbolication failed", "binary", binaryPath, "err", err)
		return res
	}

	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	if len(lines) != len(missing) {
		level.Warn(a.logger).Log("msg", "symbolication output mismatch", "binary", binaryPath, "want", len(missing), "got", len(lines))
		return res
	}
	for i, line := range lines {
		name := stripBinaryAnnotation(strings.TrimSpace(line))
		key := cacheKey{binaryPath, loadAddr, missing[i]}
		if name == "" || IsUnresolved(name) {
			// Negative result, cached so the group is not retried.
			a.cache.Add(key, "")
			continue
		}
		a.cache.Add(key, name)
		res[missing[i]] = name
	}
	return res
}

// stripBinaryAnnotation removes the tool's " (in <binary>)" suffix and any
// trailing source annotation, leaving the bare symbol name.
func stripBinaryAnnotation(line string) string {
	if i := strings.Index(line, " (in "); i >= 0 {
		return line[:i]
	}
	return line
}
