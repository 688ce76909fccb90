// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package cache

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tomtom215/catalogsync/internal/metrics"
)

type lruEntry[V any] struct {
	key       string
	value     V
	size      int64
	prev      *lruEntry[V]
	next      *lruEntry[V]
	expiresAt time.Time
}

// LRU is a thread-safe least recently used cache with TTL and byte-size
// accounting. Get, Add and eviction are O(1): a hashmap indexes nodes of a
// doubly-linked list ordered by recency.
type LRU[V any] struct {
	mu    sync.Mutex
	name  string
	clock clockwork.Clock

	capacity int
	maxBytes int64
	ttl      time.Duration

	items map[string]*lruEntry[V]
	bytes int64

	// head.next is the most recently used, tail.prev the least.
	head *lruEntry[V]
	tail *lruEntry[V]

	hits      int64
	misses    int64
	evictions int64
}

// LRUOption configures an LRU.
type LRUOption func(*lruOptions)

type lruOptions struct {
	maxBytes int64
	clock    clockwork.Clock
}

// WithMaxBytes bounds the summed entry sizes; 0 means unbounded.
func WithMaxBytes(n int64) LRUOption {
	return func(o *lruOptions) { o.maxBytes = n }
}

// WithClock injects a clock for TTL checks.
func WithClock(c clockwork.Clock) LRUOption {
	return func(o *lruOptions) { o.clock = c }
}

// NewLRU creates a cache named name (used as the metrics label).
func NewLRU[V any](name string, capacity int, ttl time.Duration, opts ...LRUOption) *LRU[V] {
	if capacity <= 0 {
		capacity = 10000
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	o := lruOptions{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}

	c := &LRU[V]{
		name:     name,
		clock:    o.clock,
		capacity: capacity,
		maxBytes: o.maxBytes,
		ttl:      ttl,
		items:    make(map[string]*lruEntry[V]),
		head:     &lruEntry[V]{},
		tail:     &lruEntry[V]{},
	}
	c.head.next = c.tail
	c.tail.prev = c.head
	return c
}

// Name returns the cache name.
func (c *LRU[V]) Name() string { return c.name }

// Get returns the value and true if present and unexpired.
func (c *LRU[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	entry, ok := c.items[key]
	if !ok {
		c.misses++
		metrics.CacheMisses.WithLabelValues(c.name).Inc()
		return zero, false
	}
	if c.clock.Now().After(entry.expiresAt) {
		c.removeEntry(entry)
		c.misses++
		metrics.CacheMisses.WithLabelValues(c.name).Inc()
		return zero, false
	}
	c.moveToFront(entry)
	c.hits++
	metrics.CacheHits.WithLabelValues(c.name).Inc()
	return entry.value, true
}

// Add inserts or replaces key with an accounted size of size bytes.
func (c *LRU[V]) Add(key string, value V, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.clock.Now().Add(c.ttl)
	if entry, ok := c.items[key]; ok {
		c.bytes += size - entry.size
		entry.value = value
		entry.size = size
		entry.expiresAt = expiresAt
		c.moveToFront(entry)
	} else {
		entry := &lruEntry[V]{key: key, value: value, size: size, expiresAt: expiresAt}
		c.addToFront(entry)
		c.items[key] = entry
		c.bytes += size
	}

	for len(c.items) > c.capacity || (c.maxBytes > 0 && c.bytes > c.maxBytes && len(c.items) > 1) {
		c.evictOldest()
	}
}

// Remove deletes key and reports whether it was present.
func (c *LRU[V]) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.items[key]; ok {
		c.removeEntry(entry)
		return true
	}
	return false
}

// Len returns the number of entries.
func (c *LRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Bytes returns the summed size of all entries.
func (c *LRU[V]) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Clear removes every entry.
func (c *LRU[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*lruEntry[V])
	c.bytes = 0
	c.head.next = c.tail
	c.tail.prev = c.head
}

// CleanupExpired removes expired entries and returns how many were removed.
func (c *LRU[V]) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for entry := c.tail.prev; entry != c.head; {
		prev := entry.prev
		if now.After(entry.expiresAt) {
			c.removeEntry(entry)
			removed++
		}
		entry = prev
	}
	return removed
}

// EvictFraction drops expired entries, then the least recently used
// fraction (0..1) of what remains. Returns the number of entries removed.
func (c *LRU[V]) EvictFraction(fraction float64) int {
	removed := c.CleanupExpired()
	if fraction <= 0 {
		return removed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	target := len(c.items)
	if fraction < 1 {
		target = int(float64(len(c.items)) * fraction)
	}
	for i := 0; i < target; i++ {
		c.evictOldest()
	}
	return removed + target
}

// Stats returns hit/miss/eviction counters and the current size.
func (c *LRU[V]) Stats() (hits, misses, evictions int64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.evictions, len(c.items)
}

// Internal methods (must be called with lock held)

func (c *LRU[V]) addToFront(entry *lruEntry[V]) {
	entry.prev = c.head
	entry.next = c.head.next
	c.head.next.prev = entry
	c.head.next = entry
}

func (c *LRU[V]) moveToFront(entry *lruEntry[V]) {
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
	c.addToFront(entry)
}

func (c *LRU[V]) removeEntry(entry *lruEntry[V]) {
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
	delete(c.items, entry.key)
	c.bytes -= entry.size
}

func (c *LRU[V]) evictOldest() {
	oldest := c.tail.prev
	if oldest == c.head {
		return
	}
	c.removeEntry(oldest)
	c.evictions++
}
