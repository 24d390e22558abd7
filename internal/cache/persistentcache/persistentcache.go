// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package persistentcache implements a non-volatile secondary tier for the
// blob value cache. Values are stored in a bitcask log-structured hash table
// in a local directory and survive restarts; an in-memory bloom filter, built
// from the keys on open, lets most cold lookups skip the store entirely.
package persistentcache

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cockroachdb/blobdb/internal/cache"
	"github.com/cockroachdb/errors"
	"go.mills.io/bitcask/v2"
)

// Options configures a Cache.
type Options struct {
	// MaxValueSize is the largest value the cache accepts. Larger values are
	// rejected by Insert.
	MaxValueSize uint64
	// ExpectedKeys and FalsePositiveRate size the bloom filter.
	ExpectedKeys      uint
	FalsePositiveRate float64
}

// EnsureDefaults fills in zero fields with default values.
func (o *Options) EnsureDefaults() {
	if o.MaxValueSize == 0 {
		o.MaxValueSize = 1 << 20
	}
	if o.ExpectedKeys == 0 {
		o.ExpectedKeys = 1 << 20
	}
	if o.FalsePositiveRate == 0 {
		o.FalsePositiveRate = 0.01
	}
}

// Cache is a cache.SecondaryCache persisted on local disk.
type Cache struct {
	db   *bitcask.Bitcask
	opts Options

	mu struct {
		sync.RWMutex
		filter *bloom.BloomFilter
	}

	hits     atomic.Int64
	misses   atomic.Int64
	filtered atomic.Int64
}

var _ cache.SecondaryCache = (*Cache)(nil)

// Open opens (creating if necessary) a persistent cache in dir.
func Open(dir string, opts Options) (*Cache, error) {
	opts.EnsureDefaults()
	db, err := bitcask.Open(dir, bitcask.WithMaxValueSize(opts.MaxValueSize))
	if err != nil {
		return nil, errors.Wrapf(err, "blobdb: opening persistent cache in %q", dir)
	}
	c := &Cache{db: db, opts: opts}
	c.mu.filter = bloom.NewWithEstimates(opts.ExpectedKeys, opts.FalsePositiveRate)
	if err := db.ForEach(func(key bitcask.Key) error {
		c.mu.filter.Add(key)
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "blobdb: loading persistent cache keys from %q", dir)
	}
	return c, nil
}

func encodeKey(k cache.Key) []byte {
	var b [24]byte
	binary.BigEndian.PutUint64(b[0:], k.Session)
	binary.BigEndian.PutUint64(b[8:], uint64(k.FileNum))
	binary.BigEndian.PutUint64(b[16:], k.Offset)
	return b[:]
}

// Name implements cache.SecondaryCache.
func (c *Cache) Name() string { return "persistent" }

// Insert implements cache.SecondaryCache.
func (c *Cache) Insert(k cache.Key, value []byte) error {
	if uint64(len(value)) > c.opts.MaxValueSize {
		return errors.Errorf("blobdb: value of %d bytes exceeds persistent cache limit of %d bytes",
			errors.Safe(len(value)), errors.Safe(c.opts.MaxValueSize))
	}
	key := encodeKey(k)
	if err := c.db.Put(key, value); err != nil {
		return err
	}
	c.mu.Lock()
	c.mu.filter.Add(key)
	c.mu.Unlock()
	return nil
}

// Lookup implements cache.SecondaryCache.
func (c *Cache) Lookup(k cache.Key) ([]byte, bool) {
	key := encodeKey(k)
	c.mu.RLock()
	maybe := c.mu.filter.Test(key)
	c.mu.RUnlock()
	if !maybe {
		c.filtered.Add(1)
		c.misses.Add(1)
		return nil, false
	}
	v, err := c.db.Get(key)
	if err != nil {
		// Not-found and read failures alike are misses; the caller falls
		// back to the blob file.
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return append([]byte(nil), v...), true
}

// Erase implements cache.SecondaryCache. The key stays in the bloom filter
// until the cache is reopened.
func (c *Cache) Erase(k cache.Key) {
	_ = c.db.Delete(encodeKey(k))
}

// Stats returns the number of hits and misses, and how many of the misses
// were answered by the bloom filter alone.
func (c *Cache) Stats() (hits, misses, filtered int64) {
	return c.hits.Load(), c.misses.Load(), c.filtered.Load()
}

// Close closes the underlying store.
func (c *Cache) Close() error {
	return c.db.Close()
}
