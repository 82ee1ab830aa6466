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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hotstack-dev/hotstack/pkg/profile"
)

func TestFromTable(t *testing.T) {
	tbl := profile.NewTable()
	p := tbl.AddProcess(profile.SampledProcess{Name: "swift-frontend", PID: 42})
	th := tbl.AddThread(profile.SampledThread{Name: "main", TID: 7, Process: p})
	c := tbl.AddCore(profile.Core{Index: 0})
	st := tbl.AddState("Running")
	bin := tbl.AddBinary(profile.Binary{Path: "/bin/hot", LoadAddr: 0x1000})
	named := tbl.AddFrame(profile.Frame{Name: "compute", Addr: 0x1010, Binary: bin, Source: profile.NoSource})
	raw := tbl.AddFrame(profile.Frame{Addr: 0x1a2b, Binary: bin, Source: profile.NoSource})
	bt := tbl.AddBacktrace([]profile.FrameHandle{named, raw})

	samples := []profile.Sample{
		{
			Time:      profile.SampleTime{Nanos: 100},
			Weight:    profile.Weight{Nanos: 1000},
			Thread:    th,
			Process:   p,
			Core:      c,
			State:     st,
			Backtrace: bt,
		},
		{
			Time:      profile.SampleTime{Nanos: 200},
			Weight:    profile.Weight{Nanos: 1000},
			Thread:    th,
			Process:   p,
			Core:      c,
			State:     st,
			Backtrace: profile.NoBacktrace,
		},
	}

	in := FromTable(tbl, samples)
	require.Len(t, in, 2)
	require.Equal(t, "swift-frontend", in[0].Program)
	require.Equal(t, uint64(7), in[0].ThreadID)
	require.Equal(t, []Frame{
		{Name: "compute", Addr: 0x1010, BinaryPath: "/bin/hot", BinaryLoadAddr: 0x1000},
		{Name: "0x1a2b", Addr: 0x1a2b, BinaryPath: "/bin/hot", BinaryLoadAddr: 0x1000},
	}, in[0].Frames)
	require.Empty(t, in[1].Frames)
}

func TestFromProfileSamples(t *testing.T) {
	in := FromProfileSamples([]profile.ProfileSample{{
		TimeOffset: 500,
		Program:    "swift-frontend",
		TID:        7,
		Count:      2,
		Stack:      []string{"foo", "bar"},
	}}, 10*time.Nanosecond)

	require.Len(t, in, 1)
	require.Equal(t, int64(5000), in[0].TimeNanos)
	require.Equal(t, int64(2), in[0].Count)
	require.Equal(t, []Frame{{Name: "foo"}, {Name: "bar"}}, in[0].Frames)
}
