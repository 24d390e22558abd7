// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package cache

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// ErrEntryTooLarge is returned by Insert when the charge of the value exceeds
// the capacity of the shard it maps to.
var ErrEntryTooLarge = errors.New("blobdb: cache entry larger than cache capacity")

// Cache implements the primary tier of the blob value cache. The Clock-PRO
// algorithm is used for page replacement
// (http://static.usenix.org/event/usenix05/tech/general/full_papers/jiang/jiang_html/html.html). In
// order to provide better concurrency, the cache is split into shards, with
// each shard being given 1/n of the capacity. The Clock-PRO algorithm is run
// independently on each shard.
//
// Values are keyed by a (session, fileNum, offset) triple. The session is
// derived from the database identity and the id of the current open, and
// serves as a namespace for file numbers, allowing a single Cache to be
// shared between multiple databases.
//
// Values are reference counted. Every Handle returned by Insert or Lookup
// must be released. A value evicted or erased from the cache stays valid
// until its last handle is released.
//
// If a SecondaryCache is configured, values evicted by the clock hands are
// inserted into it, and LookupWithSecondary consults it on a primary miss.
type Cache struct {
	refs      atomic.Int64
	maxSize   int64
	shards    []shard
	secondary SecondaryCache

	inserts         atomic.Int64
	insertFailures  atomic.Int64
	secondaryHits   atomic.Int64
	secondaryMisses atomic.Int64
	demotions       atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithShards sets the number of shards.
func WithShards(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.shards = make([]shard, n)
		}
	}
}

// WithSecondary configures the secondary tier.
func WithSecondary(sc SecondaryCache) Option {
	return func(c *Cache) {
		c.secondary = sc
	}
}

// New creates a new cache of the specified capacity in bytes. The cache is
// created with a reference count of 1.
func New(size int64, opts ...Option) *Cache {
	c := &Cache{maxSize: size}
	for _, opt := range opts {
		opt(c)
	}
	if c.shards == nil {
		// Contention contributes to tail latencies at 2 shards per
		// processor; 4 per processor avoids it.
		m := 4 * runtime.GOMAXPROCS(0)
		// Avoid shards so small that a single large blob cannot fit.
		const minimumShardSize = 4 << 20 // 4 MiB
		if m > 4 && int(size)/m < minimumShardSize {
			m = 4
		}
		c.shards = make([]shard, m)
	}
	c.refs.Store(1)
	for i := range c.shards {
		c.shards[i].init(size / int64(len(c.shards)))
	}
	return c
}

// Ref adds a reference to the cache. The cache only remains valid as long a
// reference is maintained to it.
func (c *Cache) Ref() {
	if v := c.refs.Add(1); v <= 1 {
		panic(fmt.Sprintf("blobdb: inconsistent reference count: %d", v))
	}
}

// Unref releases a reference on the cache. Dropping the last reference frees
// all cached values.
func (c *Cache) Unref() {
	switch v := c.refs.Add(-1); {
	case v < 0:
		panic(fmt.Sprintf("blobdb: inconsistent reference count: %d", v))
	case v == 0:
		for i := range c.shards {
			releaseAll(c.shards[i].free())
		}
	}
}

// Insert adds the value under the given key with the given charge, replacing
// any existing value. The returned handle must be released. Insert fails with
// ErrEntryTooLarge if the value could never fit.
func (c *Cache) Insert(k Key, value []byte, charge int64) (Handle, error) {
	h, evicted, err := c.getShard(k).insert(k, value, charge)
	if err != nil {
		c.insertFailures.Add(1)
		return Handle{}, err
	}
	c.inserts.Add(1)
	c.demote(evicted)
	return h, nil
}

// Lookup returns a handle on the value for the key in the primary tier. The
// returned handle is invalid on a miss; otherwise it must be released.
func (c *Cache) Lookup(k Key) Handle {
	return c.getShard(k).lookup(k)
}

// LookupWithSecondary probes the primary tier and, on a miss, the secondary
// tier. A value found in the secondary tier is inserted into the primary tier
// if promote is set; a failed promotion is ignored and the value is returned
// through a handle that is not attached to the cache. The second return value
// reports whether the value came from the secondary tier.
func (c *Cache) LookupWithSecondary(k Key, promote bool) (Handle, bool) {
	if h := c.Lookup(k); h.Valid() {
		return h, false
	}
	if c.secondary == nil {
		return Handle{}, false
	}
	buf, ok := c.secondary.Lookup(k)
	if !ok {
		c.secondaryMisses.Add(1)
		return Handle{}, false
	}
	c.secondaryHits.Add(1)
	if promote {
		if h, err := c.Insert(k, buf, int64(len(buf))); err == nil {
			return h, true
		}
	}
	return Handle{value: newValue(buf, 1)}, true
}

// Erase removes the value for the key from both tiers. Outstanding handles
// remain valid.
func (c *Cache) Erase(k Key) {
	if v := c.getShard(k).erase(k); v != nil {
		v.release()
	}
	if c.secondary != nil {
		c.secondary.Erase(k)
	}
}

// EraseUnrefEntries removes every primary tier value that is not referenced
// by an outstanding handle.
func (c *Cache) EraseUnrefEntries() {
	for i := range c.shards {
		releaseAll(c.shards[i].eraseUnref())
	}
}

// Capacity returns the capacity of the primary tier in bytes.
func (c *Cache) Capacity() int64 {
	return c.maxSize
}

// Usage returns the total charge of the values resident in the primary tier.
func (c *Cache) Usage() int64 {
	var size int64
	for i := range c.shards {
		size += c.shards[i].usage()
	}
	return size
}

// Secondary returns the secondary tier, or nil.
func (c *Cache) Secondary() SecondaryCache {
	return c.secondary
}

func (c *Cache) getShard(k Key) *shard {
	return &c.shards[k.shardIdx(len(c.shards))]
}

func (c *Cache) demote(evicted []evictedValue) {
	for _, ev := range evicted {
		if c.secondary != nil {
			if err := c.secondary.Insert(ev.key, ev.value.buf); err == nil {
				c.demotions.Add(1)
			}
		}
		ev.value.release()
	}
}

func releaseAll(values []*value) {
	for _, v := range values {
		v.release()
	}
}
