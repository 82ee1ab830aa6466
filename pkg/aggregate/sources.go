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

package aggregate

import (
	"strconv"
	"time"

	"github.com/hotstack-dev/hotstack/pkg/profile"
)

// FromTable converts parsed sample-table rows into aggregation input. Samples
// without a backtrace still count toward the totals and the per-thread time
// chain; they just visit no functions.
func FromTable(tbl *profile.Table, samples []profile.Sample) []Sample {
	out := make([]Sample, 0, len(samples))
	for _, s := range samples {
		as := Sample{
			TimeNanos: s.Time.Nanos,
			Program:   tbl.Process(s.Process).Name,
			ThreadID:  tbl.Thread(s.Thread).TID,
			Count:     1,
		}
		if s.Backtrace != profile.NoBacktrace {
			frames := tbl.Backtrace(s.Backtrace)
			as.Frames = make([]Frame, 0, len(frames))
			for _, fh := range frames {
				f := tbl.Frame(fh)
				af := Frame{Name: f.Name, Addr: f.Addr}
				if af.Name == "" {
					af.Name = "0x" + strconv.FormatUint(f.Addr, 16)
				}
				if f.Binary != profile.NoBinary {
					b := tbl.Binary(f.Binary)
					af.BinaryPath = b.Path
					af.BinaryLoadAddr = b.LoadAddr
				}
				as.Frames = append(as.Frames, af)
			}
		}
		out = append(out, as)
	}
	return out
}

// FromProfileSamples converts reconstructed event-dump records. tick is the
// duration of one trace tick and scales the time offsets for time-weighted
// aggregation.
func FromProfileSamples(samples []profile.ProfileSample, tick time.Duration) []Sample {
	if tick <= 0 {
		tick = time.Nanosecond
	}
	out := make([]Sample, 0, len(samples))
	for _, s := range samples {
		as := Sample{
			TimeNanos: int64(s.TimeOffset) * int64(tick),
			Program:   s.Program,
			ThreadID:  s.TID,
			Count:     s.Count,
			Frames:    make([]Frame, 0, len(s.Stack)),
		}
		for _, name := range s.Stack {
			as.Frames = append(as.Frames, Frame{Name: name})
		}
		out = append(out, as)
	}
	return out
}
