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

// Package aggregate folds a sequence of profile samples into ranked
// per-(program, function) hot-spot statistics with a caller/callee breakdown.
package aggregate

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/hotstack-dev/hotstack/pkg/symbolize"
)

// Mode selects how samples are weighted.
type Mode int

const (
	// SampleFrequency weights every sample as one observation.
	SampleFrequency Mode = iota
	// TimeWeighted weights every sample by the elapsed time since the
	// previous sample observed on the same thread.
	TimeWeighted
)

const (
	// DefaultTopN is how many ranked entries are considered for output.
	DefaultTopN = 30
	// DefaultPruneThreshold is the callee share (percent) above which an
	// entry is suppressed as a pass-through wrapper.
	DefaultPruneThreshold = 90.0
	// DefaultMinWeight is the weight assigned to the first sample seen on a
	// thread in time-weighted mode, matching the profiler's sampling period.
	DefaultMinWeight = time.Millisecond
)

// Frame is one stack entry of an input sample, with enough binary identity to
// symbolicate and coalesce raw addresses later.
type Frame struct {
	Name           string
	Addr           uint64
	BinaryPath     string
	BinaryLoadAddr uint64
}

// Sample is the common aggregation input produced from either trace source.
// Frames are ordered innermost first.
type Sample struct {
	TimeNanos int64
	Program   string
	ThreadID  uint64
	Count     int64 // sample-weight count, minimum one
	Frames    []Frame
}

// Config tunes an Aggregator. Zero fields fall back to the defaults above.
type Config struct {
	Mode           Mode
	TopN           int
	PruneThreshold float64
	MinWeight      time.Duration
}

// Row is one ranked output entry. Value is the normalized metric: a relative
// frequency in (0,1] for SampleFrequency, elapsed seconds for TimeWeighted.
type Row struct {
	Program  string
	Function string
	Samples  int64
	Weight   time.Duration
	Value    float64
}

type fnKey struct {
	program    string
	name       string
	binaryPath string
	loadAddr   uint64
}

type calleeKey struct {
	name       string
	binaryPath string
	loadAddr   uint64
}

type acc struct {
	samples int64
	weight  int64
}

func (a *acc) add(o acc) {
	a.samples += o.samples
	a.weight += o.weight
}

type entry struct {
	acc
	callees map[calleeKey]*acc
}

// Aggregator accumulates samples; Rank produces the final table. It is not
// safe for concurrent use, matching the strictly sequential batch pass.
type Aggregator struct {
	cfg Config

	totalCount   int64
	lastByThread map[uint64]int64
	entries      map[fnKey]*entry
}

func New(cfg Config) *Aggregator {
	if cfg.TopN == 0 {
		cfg.TopN = DefaultTopN
	}
	if cfg.PruneThreshold == 0 {
		cfg.PruneThreshold = DefaultPruneThreshold
	}
	if cfg.MinWeight == 0 {
		cfg.MinWeight = DefaultMinWeight
	}
	return &Aggregator{
		cfg:          cfg,
		lastByThread: map[uint64]int64{},
		entries:      map[fnKey]*entry{},
	}
}

// Add folds one sample in. Every distinct function in the stack is visited
// once (recursion collapsed); each visited function's own accumulators grow by
// the sample's weight, and so does its breakdown slot for the function it
// directly calls in this stack.
func (a *Aggregator) Add(s Sample) {
	count := s.Count
	if count <= 0 {
		count = 1
	}

	weight := int64(a.cfg.MinWeight)
	if last, ok := a.lastByThread[s.ThreadID]; ok && s.TimeNanos > last {
		weight = s.TimeNanos - last
	}
	a.lastByThread[s.ThreadID] = s.TimeNanos
	a.totalCount += count

	inc := acc{samples: count, weight: weight}
	seen := make(map[string]struct{}, len(s.Frames))
	for i, f := range s.Frames {
		if _, dup := seen[f.Name]; dup {
			continue
		}
		seen[f.Name] = struct{}{}

		e := a.entry(fnKey{s.Program, f.Name, f.BinaryPath, f.BinaryLoadAddr})
		e.add(inc)
		if i > 0 {
			callee := s.Frames[i-1]
			ck := calleeKey{callee.Name, callee.BinaryPath, callee.BinaryLoadAddr}
			ca := e.callees[ck]
			if ca == nil {
				ca = &acc{}
				e.callees[ck] = ca
			}
			ca.add(inc)
		}
	}
}

func (a *Aggregator) entry(k fnKey) *entry {
	e := a.entries[k]
	if e == nil {
		e = &entry{callees: map[calleeKey]*acc{}}
		a.entries[k] = e
	}
	return e
}

func (a *Aggregator) metric(v acc) int64 {
	if a.cfg.Mode == TimeWeighted {
		return v.weight
	}
	return v.samples
}

// Rank sorts entries descending by the active metric, considers the top N,
// and suppresses pass-through wrappers: an entry whose single largest callee
// accounts for at least PruneThreshold percent of its own total is not a
// meaningful hot spot of its own.
func (a *Aggregator) Rank() []Row {
	type ranked struct {
		k fnKey
		e *entry
	}
	all := make([]ranked, 0, len(a.entries))
	for k, e := range a.entries {
		all = append(all, ranked{k, e})
	}
	sort.Slice(all, func(i, j int) bool {
		mi, mj := a.metric(all[i].e.acc), a.metric(all[j].e.acc)
		if mi != mj {
			return mi > mj
		}
		if all[i].k.program != all[j].k.program {
			return all[i].k.program < all[j].k.program
		}
		return all[i].k.name < all[j].k.name
	})

	if len(all) > a.cfg.TopN {
		all = all[:a.cfg.TopN]
	}

	rows := make([]Row, 0, len(all))
	for _, r := range all {
		total := a.metric(r.e.acc)
		var maxCallee int64
		for _, ca := range r.e.callees {
			if m := a.metric(*ca); m > maxCallee {
				maxCallee = m
			}
		}
		if total > 0 && float64(maxCallee) >= float64(total)*a.cfg.PruneThreshold/100 {
			continue
		}

		row := Row{
			Program:  r.k.program,
			Function: r.k.name,
			Samples:  r.e.samples,
			Weight:   time.Duration(r.e.weight),
		}
		if a.cfg.Mode == TimeWeighted {
			row.Value = float64(r.e.weight) / float64(time.Second)
		} else if a.totalCount > 0 {
			row.Value = float64(r.e.samples) / float64(a.totalCount)
		}
		rows = append(rows, row)
	}
	return rows
}

// Symbolizer resolves raw addresses of one binary into function names.
// Implemented by symbolize.Atos; a nil Symbolizer coalesces without renaming.
type Symbolizer interface {
	Resolve(ctx context.Context, binaryPath string, loadAddr uint64, addrs []uint64) map[uint64]string
}

// Coalesce neutralizes address-space layout randomization: entries whose
// function name is a raw address are resolved to symbol names, and entries are
// then re-keyed by (program, function, binary path) — dropping the load
// address — merging statistics gathered across runs that loaded the same
// binary at different addresses.
func (a *Aggregator) Coalesce(ctx context.Context, sym Symbolizer) {
	names := a.resolveNames(ctx, sym)

	resolve := func(name, path string, load uint64) string {
		key := name
		if symbolize.IsUnresolved(name) {
			// Canonical lowercase form, so 0x1A2B and 0x1a2b meet one entry.
			if addr, err := strconv.ParseUint(name[2:], 16, 64); err == nil {
				key = "0x" + strconv.FormatUint(addr, 16)
			}
		}
		if n, ok := names[resKey{path, load, key}]; ok {
			return n
		}
		return name
	}

	merged := make(map[fnKey]*entry, len(a.entries))
	for k, e := range a.entries {
		nk := fnKey{
			program:    k.program,
			name:       resolve(k.name, k.binaryPath, k.loadAddr),
			binaryPath: k.binaryPath,
		}
		me := merged[nk]
		if me == nil {
			me = &entry{callees: map[calleeKey]*acc{}}
			merged[nk] = me
		}
		me.add(e.acc)
		for ck, ca := range e.callees {
			nck := calleeKey{
				name:       resolve(ck.name, ck.binaryPath, ck.loadAddr),
				binaryPath: ck.binaryPath,
			}
			mca := me.callees[nck]
			if mca == nil {
				mca = &acc{}
				me.callees[nck] = mca
			}
			mca.add(*ca)
		}
	}
	a.entries = merged
}

type resKey struct {
	path string
	load uint64
	name string
}

func (a *Aggregator) resolveNames(ctx context.Context, sym Symbolizer) map[resKey]string {
	names := map[resKey]string{}
	if sym == nil {
		return names
	}

	type groupKey struct {
		path string
		load uint64
	}
	groups := map[groupKey]map[uint64]struct{}{}
	collect := func(name, path string, load uint64) {
		if path == "" || !symbolize.IsUnresolved(name) {
			return
		}
		addr, err := strconv.ParseUint(name[2:], 16, 64)
		if err != nil {
			return
		}
		gk := groupKey{path, load}
		if groups[gk] == nil {
			groups[gk] = map[uint64]struct{}{}
		}
		groups[gk][addr] = struct{}{}
	}
	for k, e := range a.entries {
		collect(k.name, k.binaryPath, k.loadAddr)
		for ck := range e.callees {
			collect(ck.name, ck.binaryPath, ck.loadAddr)
		}
	}

	for gk, addrSet := range groups {
		addrs := make([]uint64, 0, len(addrSet))
		for addr := range addrSet {
			addrs = append(addrs, addr)
		}
		sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

		for addr, name := range sym.Resolve(ctx, gk.path, gk.load, addrs) {
			names[resKey{gk.path, gk.load, "0x" + strconv.FormatUint(addr, 16)}] = name
		}
	}
	return names
}
