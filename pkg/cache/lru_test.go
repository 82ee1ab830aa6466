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

package cache

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestLRUEvictsOldest(t *testing.T) {
	c := NewLRU[int, string](prometheus.NewRegistry(), 2)
	c.Add(1, "one")
	c.Add(2, "two")

	// Touch 1 so 2 becomes the eviction candidate.
	v, ok := c.Get(1)
	require.True(t, ok)
	require.Equal(t, "one", v)

	c.Add(3, "three")
	require.Equal(t, 2, c.Len())

	_, ok = c.Get(2)
	require.False(t, ok)
	_, ok = c.Get(1)
	require.True(t, ok)
	_, ok = c.Get(3)
	require.True(t, ok)
}

func TestLRUUpdateExisting(t *testing.T) {
	c := NewLRU[string, int](prometheus.NewRegistry(), 4)
	c.Add("a", 1)
	c.Add("a", 2)
	require.Equal(t, 1, c.Len())
	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 2, v)
}
