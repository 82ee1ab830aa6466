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

// Package convert renders the aggregation input stream as a pprof profile, so
// the same trace can be inspected with the standard pprof tooling.
package convert

import (
	"io"
	"time"

	"github.com/google/pprof/profile"

	"github.com/hotstack-dev/hotstack/pkg/aggregate"
)

// ToPprof builds a CPU profile from samples. period is the sampling period;
// every sample accounts for count*period nanoseconds of CPU.
func ToPprof(samples []aggregate.Sample, period time.Duration) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{
			Type: "cpu",
			Unit: "nanoseconds",
		}, {
			Type: "samples",
			Unit: "count",
		}},
		PeriodType: &profile.ValueType{
			Type: "cpu",
			Unit: "nanoseconds",
		},
		Period:    int64(period),
		TimeNanos: time.Now().UnixNano(),
	}

	locations := map[string]*profile.Location{}
	location := func(name string, addr uint64) *profile.Location {
		if l, ok := locations[name]; ok {
			return l
		}
		id := uint64(len(locations) + 1)
		f := &profile.Function{ID: id, Name: name}
		l := &profile.Location{
			ID:      id,
			Address: addr,
			Line:    []profile.Line{{Function: f}},
		}
		locations[name] = l
		p.Function = append(p.Function, f)
		p.Location = append(p.Location, l)
		return l
	}

	for _, s := range samples {
		if len(s.Frames) == 0 {
			continue
		}
		count := s.Count
		if count <= 0 {
			count = 1
		}
		locs := make([]*profile.Location, 0, len(s.Frames))
		for _, f := range s.Frames {
			locs = append(locs, location(f.Name, f.Addr))
		}
		p.Sample = append(p.Sample, &profile.Sample{
			Location: locs,
			Value:    []int64{count * int64(period), count},
		})
	}
	return p
}

// WritePprof writes the profile in the gzip-compressed wire format.
func WritePprof(w io.Writer, samples []aggregate.Sample, period time.Duration) error {
	p := ToPprof(samples, period)
	if err := p.CheckValid(); err != nil {
		return err
	}
	return p.Write(w)
}
