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

package convert

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/pprof/profile"
	"github.com/stretchr/testify/require"

	"github.com/hotstack-dev/hotstack/pkg/aggregate"
)

func TestToPprofDeduplicatesLocations(t *testing.T) {
	samples := []aggregate.Sample{
		{Count: 1, Frames: []aggregate.Frame{{Name: "foo", Addr: 0x10}, {Name: "main"}}},
		{Count: 2, Frames: []aggregate.Frame{{Name: "foo", Addr: 0x10}}},
		{Count: 1}, // no backtrace, contributes nothing
	}
	p := ToPprof(samples, time.Millisecond)
	require.NoError(t, p.CheckValid())

	require.Len(t, p.Sample, 2)
	require.Len(t, p.Function, 2)
	require.Len(t, p.Location, 2)
	// Both samples reference the one "foo" location.
	require.Same(t, p.Sample[0].Location[0], p.Sample[1].Location[0])
	require.Equal(t, []int64{2 * int64(time.Millisecond), 2}, p.Sample[1].Value)
}

func TestWritePprofRoundTrips(t *testing.T) {
	samples := []aggregate.Sample{
		{Count: 3, Frames: []aggregate.Frame{{Name: "compute"}, {Name: "main"}}},
	}
	var buf bytes.Buffer
	require.NoError(t, WritePprof(&buf, samples, time.Millisecond))

	p, err := profile.Parse(&buf)
	require.NoError(t, err)
	require.Len(t, p.Sample, 1)
	require.Equal(t, "compute", p.Sample[0].Location[0].Line[0].Function.Name)
}
