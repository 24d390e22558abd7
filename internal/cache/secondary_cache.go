// Copyright 2022 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package cache

import (
	"github.com/cockroachdb/blobdb/internal/compression"
	"github.com/cockroachdb/errors"
)

// SecondaryCache is a tier below the primary in-memory cache. It receives the
// values evicted from the primary tier and is consulted on primary misses.
//
// Implementations must be safe for concurrent use, must copy the buffers they
// are given, and may drop entries at any time.
type SecondaryCache interface {
	// Name identifies the implementation in logs and options.
	Name() string
	// Insert stores a copy of value under the key.
	Insert(k Key, value []byte) error
	// Lookup returns the value stored under the key. The returned buffer is
	// owned by the caller.
	Lookup(k Key) ([]byte, bool)
	// Erase removes the value stored under the key, if any.
	Erase(k Key)
}

// CompressedSecondaryCache is an in-memory SecondaryCache that stores values
// compressed. It is itself backed by a CLOCK-Pro Cache, charged by compressed
// size.
type CompressedSecondaryCache struct {
	cache       *Cache
	compression compression.Type
}

var _ SecondaryCache = (*CompressedSecondaryCache)(nil)

// NewCompressedSecondaryCache returns a compressed secondary tier holding up
// to capacity bytes of compressed values.
func NewCompressedSecondaryCache(capacity int64, algorithm compression.Type) (*CompressedSecondaryCache, error) {
	if !algorithm.Valid() {
		return nil, errors.Errorf("blobdb: invalid compression type %d for secondary cache", errors.Safe(uint8(algorithm)))
	}
	return &CompressedSecondaryCache{
		cache:       New(capacity, WithShards(4)),
		compression: algorithm,
	}, nil
}

// Close releases the values held by the cache. The cache must not be used
// afterwards.
func (c *CompressedSecondaryCache) Close() error {
	c.cache.Unref()
	return nil
}

// Name implements SecondaryCache.
func (c *CompressedSecondaryCache) Name() string {
	return "compressed:" + c.compression.String()
}

// Insert implements SecondaryCache.
func (c *CompressedSecondaryCache) Insert(k Key, value []byte) error {
	compressed, err := compression.Compress(c.compression, nil, value)
	if err != nil {
		return err
	}
	h, err := c.cache.Insert(k, compressed, int64(len(compressed)))
	if err != nil {
		return err
	}
	h.Release()
	return nil
}

// Lookup implements SecondaryCache.
func (c *CompressedSecondaryCache) Lookup(k Key) ([]byte, bool) {
	h := c.cache.Lookup(k)
	if !h.Valid() {
		return nil, false
	}
	defer h.Release()
	v, err := compression.Decompress(c.compression, h.Value())
	if err != nil {
		// A value that cannot be decompressed is useless; drop it and report
		// a miss so the caller reads from storage.
		c.cache.Erase(k)
		return nil, false
	}
	return v, true
}

// Erase implements SecondaryCache.
func (c *CompressedSecondaryCache) Erase(k Key) {
	c.cache.Erase(k)
}

// Metrics returns the metrics of the underlying cache.
func (c *CompressedSecondaryCache) Metrics() Metrics {
	return c.cache.Metrics()
}
