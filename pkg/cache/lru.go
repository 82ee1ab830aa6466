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

// Package cache provides a small bounded LRU used to deduplicate repeated
// symbolication lookups within one run.
package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type lruEntry[K comparable, V any] struct {
	key        K
	value      V
	prev, next *lruEntry[K, V]
}

// LRU is a fixed-capacity least-recently-used cache. Not safe for concurrent
// use; the whole run is single-threaded.
type LRU[K comparable, V any] struct {
	hits, misses, evictions prometheus.Counter

	maxEntries int
	items      map[K]*lruEntry[K, V]
	head, tail *lruEntry[K, V]
}

func NewLRU[K comparable, V any](reg prometheus.Registerer, maxEntries int) *LRU[K, V] {
	requests := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "cache_requests_total",
		Help: "Total number of cache requests.",
	}, []string{"result"})
	return &LRU[K, V]{
		hits:   requests.WithLabelValues("hit"),
		misses: requests.WithLabelValues("miss"),
		evictions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cache_evictions_total",
			Help: "Total number of cache evictions.",
		}),
		maxEntries: maxEntries,
		items:      map[K]*lruEntry[K, V]{},
	}
}

func (c *LRU[K, V]) Add(key K, value V) {
	if e, ok := c.items[key]; ok {
		e.value = value
		c.moveToFront(e)
		return
	}
	e := &lruEntry[K, V]{key: key, value: value}
	c.items[key] = e
	c.pushFront(e)
	if len(c.items) > c.maxEntries {
		c.removeOldest()
		c.evictions.Inc()
	}
}

func (c *LRU[K, V]) Get(key K) (V, bool) {
	if e, ok := c.items[key]; ok {
		c.moveToFront(e)
		c.hits.Inc()
		return e.value, true
	}
	c.misses.Inc()
	var zero V
	return zero, false
}

func (c *LRU[K, V]) Len() int { return len(c.items) }

func (c *LRU[K, V]) pushFront(e *lruEntry[K, V]) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *LRU[K, V]) unlink(e *lruEntry[K, V]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

func (c *LRU[K, V]) moveToFront(e *lruEntry[K, V]) {
	if c.head == e {
		return
	}
	c.unlink(e)
	c.pushFront(e)
}

func (c *LRU[K, V]) removeOldest() {
	oldest := c.tail
	if oldest == nil {
		return
	}
	c.unlink(oldest)
	delete(c.items, oldest.key)
}
