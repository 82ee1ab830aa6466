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

package symbolize

import (
	"context"
	"errors"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestIsUnresolved(t *testing.T) {
	for name, want := range map[string]bool{
		"0x1a2b":         true,
		"0x7ff7ee6f157c": true,
		"0x1A2B":         true,
		"main":           false,
		"0x":             false,
		"0xzz":           false,
		"0x1234 (in hot)": false,
		"deadbeef":        false,
	} {
		require.Equal(t, want, IsUnresolved(name), name)
	}
}

func newFakeAtos(t *testing.T, output string, err error) (*Atos, *[][]string) {
	t.Helper()
	a := NewAtos(log.NewNopLogger(), prometheus.NewRegistry())
	var calls [][]string
	a.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		calls = append(calls, append([]string{name}, args...))
		return []byte(output), err
	}
	return a, &calls
}

func TestResolveStripsAnnotation(t *testing.T) {
	a, calls := newFakeAtos(t, "main (in hot) (main.swift:12)\ncompute (in hot)\n0x103\n", nil)

	res := a.Resolve(context.Background(), "/bin/hot", 0x100000000, []uint64{0x101, 0x102, 0x103})
	require.Equal(t, map[uint64]string{
		0x101: "main",
		0x102: "compute",
	}, res)

	require.Len(t, *calls, 1)
	require.Equal(t, []string{
		"atos", "-o", "/bin/hot", "-l", "0x100000000", "0x101", "0x102", "0x103",
	}, (*calls)[0])
}

func TestResolveUsesCache(t *testing.T) {
	a, calls := newFakeAtos(t, "main\n", nil)

	first := a.Resolve(context.Background(), "/bin/hot", 0x1000, []uint64{0x42})
	require.Equal(t, map[uint64]string{0x42: "main"}, first)

	second := a.Resolve(context.Background(), "/bin/hot", 0x1000, []uint64{0x42})
	require.Equal(t, first, second)
	require.Len(t, *calls, 1, "second lookup must not spawn a subprocess")
}

func TestResolveFailureDegrades(t *testing.T) {
	a, _ := newFakeAtos(t, "", errors.New("exec: \"atos\": executable file not found"))
	res := a.Resolve(context.Background(), "/bin/hot", 0x1000, []uint64{0x42})
	require.Empty(t, res)
}

func TestResolveLineCountMismatchDegrades(t *testing.T) {
	a, _ := newFakeAtos(t, "only-one-line\n", nil)
	res := a.Resolve(context.Background(), "/bin/hot", 0x1000, []uint64{0x1, 0x2})
	require.Empty(t, res)
}
