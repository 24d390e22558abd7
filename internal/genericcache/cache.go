// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package genericcache implements a sharded, reference counted cache of
// values that are expensive to create, such as open file readers. Capacity
// is a number of values, not bytes.
package genericcache

import (
	"context"
	"sync/atomic"

	"github.com/cockroachdb/blobdb/internal/invariants"
)

// Key is implemented by the key type of a Cache.
type Key interface {
	comparable

	// Shard maps the key to a shard in [0, numShards).
	Shard(numShards int) int
}

// InitValueFn initializes the value for a key that is being added to the
// cache. There are no concurrent calls for the same key. A failed
// initialization leaves nothing in the cache.
type InitValueFn[K Key, V any] func(context.Context, K, ValueRef[K, V]) error

// ReleaseValueFn releases a value that was evicted and has no remaining
// references.
type ReleaseValueFn[V any] func(*V)

// Cache associates keys with lazily initialized values, replacing them with
// CLOCK-Pro.
type Cache[K Key, V any] struct {
	shards []shard[K, V]
}

// New creates a Cache holding up to capacity values across numShards shards.
func New[K Key, V any](
	capacity int, numShards int, initValueFn InitValueFn[K, V], releaseValueFn ReleaseValueFn[V],
) *Cache[K, V] {
	c := &Cache[K, V]{}
	c.Init(capacity, numShards, initValueFn, releaseValueFn)
	return c
}

// Init is New for a Cache embedded in another struct.
func (c *Cache[K, V]) Init(
	capacity int, numShards int, initValueFn InitValueFn[K, V], releaseValueFn ReleaseValueFn[V],
) {
	perShard := (capacity + numShards - 1) / numShards
	c.shards = make([]shard[K, V], numShards)
	for i := range c.shards {
		c.shards[i].init(perShard, initValueFn, releaseValueFn)
	}
}

// Close releases every resident value and waits for pending releases. No
// references may be outstanding.
func (c *Cache[K, V]) Close() {
	for i := range c.shards {
		c.shards[i].checkUnreferenced()
	}
	for i := range c.shards {
		c.shards[i].close()
	}
	c.shards = nil
}

// FindOrCreate returns a reference on the value for key, initializing it on
// a miss. Concurrent callers for a missing key wait for a single
// initialization. The caller must Unref the result.
func (c *Cache[K, V]) FindOrCreate(ctx context.Context, key K) (ValueRef[K, V], error) {
	s := c.shard(key)
	v := s.findOrCreate(ctx, key)
	if v.err != nil {
		err := v.err
		s.unref(v)
		return ValueRef[K, V]{}, err
	}
	return ValueRef[K, V]{shard: s, value: v}, nil
}

// Evict removes key from the cache, releasing its value before returning.
// No references on the value may be outstanding.
func (c *Cache[K, V]) Evict(key K) {
	c.shard(key).evict(key)
}

func (c *Cache[K, V]) shard(key K) *shard[K, V] {
	return &c.shards[key.Shard(len(c.shards))]
}

// Metrics holds metrics for the cache.
type Metrics struct {
	// Count is the number of resident values.
	Count int64
	Hits  int64
	// Misses counts initializations, including failed ones.
	Misses int64
	// Evictions counts values evicted by the replacement policy. Explicit
	// Evict calls are not counted.
	Evictions int64
}

// Metrics returns the current metrics of the cache.
func (c *Cache[K, V]) Metrics() Metrics {
	var m Metrics
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		m.Count += int64(s.mu.sizes[hot] + s.mu.sizes[cold])
		s.mu.RUnlock()
		m.Hits += s.hits.Load()
		m.Misses += s.misses.Load()
		m.Evictions += s.evictions.Load()
	}
	return m
}

// ValueRef is a reference on a cached value. The value stays alive while
// the reference is held, even if the cache evicts it.
type ValueRef[K Key, V any] struct {
	shard *shard[K, V]
	value *value[V]
}

// Value returns the value. Neither it nor the returned pointer may be used
// after Unref.
func (ref ValueRef[K, V]) Value() *V {
	if invariants.Enabled && ref.value.err != nil {
		panic("genericcache: reference on a failed value")
	}
	return &ref.value.v
}

// Unref drops the reference.
func (ref ValueRef[K, V]) Unref() {
	ref.shard.unref(ref.value)
}

type value[V any] struct {
	// v and err are set before initialized is closed.
	v   V
	err error

	initialized chan struct{}
	// refs counts the cache's own reference, if still resident, plus one per
	// ValueRef.
	refs atomic.Int32
}
