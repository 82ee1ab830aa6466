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

package ktrace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/hotstack-dev/hotstack/pkg/profile"
)

func read(t *testing.T, dump string) (*Trace, error) {
	t.Helper()
	return Read(log.NewNopLogger(), prometheus.NewRegistry(), strings.NewReader(dump), Options{})
}

const preamble = "some banner line\nanother header line\n*** END HEADER ***\nhost, mac-mini, Trace Start:100, ticks\n"

func TestReadReconstructsSample(t *testing.T) {
	dump := preamble +
		"PERF_THD_Sample, 500, K, swift-frontend(42), 7, 1, foo\n" +
		"PERF_THD_Data, 500, K, , , , bar, baz\n"
	tr, err := read(t, dump)
	require.NoError(t, err)
	require.Equal(t, uint64(100), tr.StartTicks)
	require.Equal(t, []profile.ProfileSample{{
		TimeOffset: 500,
		Program:    "swift-frontend",
		PID:        42,
		TID:        7,
		Count:      1,
		Stack:      []string{"foo", "bar", "baz"},
	}}, tr.Samples)
}

func TestReadCRLFAndMultipleRecords(t *testing.T) {
	dump := strings.ReplaceAll(preamble, "\n", "\r\n") +
		"PERF_THD_Sample, 500, K1, swift-frontend(42), 7, 1, foo\r\n" +
		"PERF_THD_Data, 500, K1, , , , bar\r\n" +
		"PERF_THD_Sample, 600, K2, swiftc(43), 8, 2, main\r\n"
	tr, err := read(t, dump)
	require.NoError(t, err)
	require.Len(t, tr.Samples, 2)
	require.Equal(t, []string{"foo", "bar"}, tr.Samples[0].Stack)
	require.Equal(t, []string{"main"}, tr.Samples[1].Stack)
	require.Equal(t, int64(2), tr.Samples[1].Count)
}

func TestReadDropsRepeatedLeadingFrame(t *testing.T) {
	dump := preamble +
		"PERF_THD_Sample, 500, K, swift-frontend(42), 7, 1, foo\n" +
		"PERF_THD_Data, 500, K, , , , foo, bar\n"
	tr, err := read(t, dump)
	require.NoError(t, err)
	require.Equal(t, []string{"foo", "bar"}, tr.Samples[0].Stack)
}

func TestReadCorrelationMismatchDropsPending(t *testing.T) {
	dump := preamble +
		"PERF_THD_Sample, 500, K1, swift-frontend(42), 7, 1, foo\n" +
		"PERF_THD_Data, 500, K2, , , , bar\n"
	tr, err := read(t, dump)
	require.NoError(t, err)
	require.Empty(t, tr.Samples)
}

func TestReadIgnoresOtherSubjectsAndEvents(t *testing.T) {
	dump := preamble +
		"MACH_Sched, 400, X, kernel_task(0), 1, , \n" +
		"PERF_THD_Sample, 500, K, clang(99), 7, 1, foo\n" +
		"PERF_THD_Sample, 600, K2, swift-frontend(42), 7, 1, main\n" +
		"DBG_Misc, 650, Y, , , , \n" +
		"PERF_THD_Data, 600, K2, , , , caller\n"
	tr, err := read(t, dump)
	require.NoError(t, err)
	require.Len(t, tr.Samples, 1)
	require.Equal(t, []string{"main", "caller"}, tr.Samples[0].Stack)
}

func TestReadMissingTraceStartIsFatal(t *testing.T) {
	dump := "banner\n*** END HEADER ***\nhost, mac-mini, ticks\nPERF_THD_Sample, 500, K, swift(1), 7, 1, foo\n"
	_, err := read(t, dump)
	require.ErrorIs(t, err, ErrNoTraceStart)
}

func TestReadMissingHeaderIsFatal(t *testing.T) {
	_, err := read(t, "just, some, rows\nwithout, any, header\n")
	require.ErrorIs(t, err, ErrNoHeader)
}

func TestReadFlushesPendingAtEOF(t *testing.T) {
	dump := preamble + "PERF_THD_Sample, 500, K, swift-frontend(42), 7, 1, foo"
	tr, err := read(t, dump)
	require.NoError(t, err)
	require.Len(t, tr.Samples, 1)
}

func TestReadFileGzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.trace.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	_, err = gz.Write([]byte(preamble + "PERF_THD_Sample, 500, K, swift-frontend(42), 7, 1, foo\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())

	tr, err := ReadFile(log.NewNopLogger(), prometheus.NewRegistry(), path, Options{})
	require.NoError(t, err)
	require.Len(t, tr.Samples, 1)
	require.Equal(t, "swift-frontend", tr.Samples[0].Program)
}

func TestParseSubject(t *testing.T) {
	for _, tc := range []struct {
		in   string
		name string
		pid  int
	}{
		{"swift-frontend(42)", "swift-frontend", 42},
		{"swiftc(0)", "swiftc", 0},
		{"swift-frontend", "swift-frontend", -1},
		{"weird(name)(7)", "weird(name)", 7},
		{"broken(x)", "broken(x)", -1},
	} {
		name, pid := parseSubject(tc.in)
		require.Equal(t, tc.name, name, tc.in)
		require.Equal(t, tc.pid, pid, tc.in)
	}
}
