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

package profile

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTableHandlesAreIdentity(t *testing.T) {
	tbl := NewTable()

	p := tbl.AddProcess(SampledProcess{Name: "swift-frontend", PID: 42})
	th1 := tbl.AddThread(SampledThread{Name: "main", TID: 0x1001, Process: p})
	th2 := tbl.AddThread(SampledThread{Name: "worker", TID: 0x1002, Process: p})

	// Two threads owned by the one process share its handle.
	require.Equal(t, tbl.Thread(th1).Process, tbl.Thread(th2).Process)
	require.Equal(t, SampledProcess{Name: "swift-frontend", PID: 42}, tbl.Process(p))
	require.NotEqual(t, th1, th2)
}

func TestValueEqualityByScalar(t *testing.T) {
	a := SampleTime{Nanos: 204139916, Label: "00:00.204"}
	b := SampleTime{Nanos: 204139916, Label: "0.204s"}
	c := SampleTime{Nanos: 204139917, Label: "00:00.204"}
	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))

	w := Weight{Nanos: 10_000_000, Label: "10.00 ms"}
	require.True(t, w.Equal(Weight{Nanos: 10_000_000}))
}

func TestTruncateDiscardsLargeObjects(t *testing.T) {
	tbl := NewTable()
	p := tbl.AddProcess(SampledProcess{Name: "kept", PID: 1})

	mark := tbl.Mark()
	b := tbl.AddBinary(Binary{Name: "libfoo", Path: "/usr/lib/libfoo.dylib"})
	f := tbl.AddFrame(Frame{Name: "foo", Addr: 0x1000, Binary: b, Source: NoSource})
	tbl.AddBacktrace([]FrameHandle{f})
	tbl.AddSource(SourceLocation{Path: "/src/foo.swift", Line: 7})

	tbl.Truncate(mark)

	require.Equal(t, 0, tbl.NumBinaries())
	require.Equal(t, 0, tbl.NumFrames())
	require.Equal(t, 0, tbl.NumBacktraces())
	require.Equal(t, 0, tbl.NumSources())
	// Scalar arenas are untouched.
	require.Equal(t, 1, tbl.NumProcesses())
	require.Equal(t, SampledProcess{Name: "kept", PID: 1}, tbl.Process(p))
}
