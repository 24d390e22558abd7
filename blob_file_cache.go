// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package blobdb

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/cockroachdb/blobdb/internal/base"
	"github.com/cockroachdb/blobdb/internal/genericcache"
	"github.com/cockroachdb/blobdb/metrics"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// BlobFileCache is a shareable cache of open BlobFileReaders, keyed by file
// number. Its capacity is the number of readers kept open.
type BlobFileCache struct {
	refs atomic.Int64
	// open is the number of readers currently open, including evicted readers
	// that still have outstanding handles.
	open atomic.Int64

	opts *Options
	c    genericcache.Cache[blobFileCacheKey, blobFileCacheValue]
}

type blobFileCacheKey DiskFileNum

// Shard implements the genericcache.Key interface.
func (k blobFileCacheKey) Shard(numShards int) int {
	return int(uint64(k) % uint64(numShards))
}

type blobFileCacheValue struct {
	reader *BlobFileReader
}

// NewBlobFileCache creates a cache holding up to opts.MaxOpenBlobFiles open
// readers for the blob files in opts.Dir. The cache starts with one reference;
// it is the caller's responsibility to call Unref (or Close) when done.
func NewBlobFileCache(opts *Options) *BlobFileCache {
	size := opts.MaxOpenBlobFiles
	if size <= 0 {
		panic("blobdb: cannot create a blob file cache of size 0")
	}
	numShards := min(4*runtime.GOMAXPROCS(0), size)

	c := &BlobFileCache{opts: opts}

	// initFn opens the file on a miss. It is never called concurrently for the
	// same file number.
	initFn := func(
		ctx context.Context,
		key blobFileCacheKey,
		vRef genericcache.ValueRef[blobFileCacheKey, blobFileCacheValue],
	) error {
		fileNum := DiskFileNum(key)
		path := base.MakeFilepath(opts.FS, opts.Dir, base.FileTypeBlob, fileNum)
		reader, err := NewBlobFileReader(ctx, opts.FS, path, fileNum, BlobFileReaderOptions{
			Statistics: opts.Statistics,
		})
		if err != nil {
			return errors.Wrapf(err, "blobdb: blob file %s error", redact.Safe(fileNum))
		}
		vRef.Value().reader = reader
		c.open.Add(1)
		opts.Statistics.RecordTick(metrics.BlobFileOpened, 1)
		return nil
	}

	releaseFn := func(v *blobFileCacheValue) {
		if v.reader != nil {
			c.open.Add(-1)
			if err := v.reader.Close(); err != nil {
				opts.EventListener.BackgroundError(err)
			}
			v.reader = nil
		}
	}

	c.c.Init(size, numShards, initFn, releaseFn)
	c.refs.Store(1)
	return c
}

// Ref adds a reference to the cache. Once a cache is constructed, it only
// remains valid while there is at least one reference to it.
func (c *BlobFileCache) Ref() {
	v := c.refs.Add(1)
	// A count of 0 means the cache is closed and must not be revived.
	if v <= 1 {
		panic(fmt.Sprintf("blobdb: inconsistent reference count: %d", v))
	}
}

// Unref removes a reference to the cache, closing it when the last reference
// goes away.
func (c *BlobFileCache) Unref() {
	v := c.refs.Add(-1)
	switch {
	case v < 0:
		panic(fmt.Sprintf("blobdb: inconsistent reference count: %d", v))
	case v == 0:
		c.c.Close()
		c.c = genericcache.Cache[blobFileCacheKey, blobFileCacheValue]{}
	}
}

// Close drops the reference obtained in NewBlobFileCache.
func (c *BlobFileCache) Close() {
	c.Unref()
}

// BlobFileReaderHandle pins an open BlobFileReader. Release must be called on
// every path once the reader is no longer needed.
type BlobFileReaderHandle struct {
	ref genericcache.ValueRef[blobFileCacheKey, blobFileCacheValue]
}

// Reader returns the pinned reader. It must not be used after Release.
func (h BlobFileReaderHandle) Reader() *BlobFileReader {
	return h.ref.Value().reader
}

// Release unpins the reader. An evicted reader is closed by the last
// Release.
func (h BlobFileReaderHandle) Release() {
	h.ref.Unref()
}

// GetBlobFileReader returns a handle on the reader for fileNum, opening the
// file on a miss. A missing or unreadable file is an IOError; nothing is left
// in the cache in that case, so a later call retries the open.
func (c *BlobFileCache) GetBlobFileReader(
	ctx context.Context, fileNum DiskFileNum,
) (BlobFileReaderHandle, error) {
	ref, err := c.c.FindOrCreate(ctx, blobFileCacheKey(fileNum))
	if err != nil {
		return BlobFileReaderHandle{}, err
	}
	return BlobFileReaderHandle{ref: ref}, nil
}

// Evict closes the reader for fileNum, if one is open. There must be no
// outstanding handles on it. It is used when a blob file is deleted.
func (c *BlobFileCache) Evict(fileNum DiskFileNum) {
	c.c.Evict(blobFileCacheKey(fileNum))
}

// BlobFileCacheMetrics describes the state of a BlobFileCache.
type BlobFileCacheMetrics struct {
	genericcache.Metrics
	// OpenReaders is the number of readers currently open.
	OpenReaders int64
}

// String implements fmt.Stringer.
func (m BlobFileCacheMetrics) String() string {
	return redact.StringWithoutMarkers(m)
}

// SafeFormat implements redact.SafeFormatter.
func (m BlobFileCacheMetrics) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("open: %d  entries: %d  hits: %d  misses: %d  evictions: %d",
		redact.Safe(m.OpenReaders), redact.Safe(m.Count), redact.Safe(m.Hits),
		redact.Safe(m.Misses), redact.Safe(m.Evictions))
}

// Metrics returns the current metrics of the cache.
func (c *BlobFileCache) Metrics() BlobFileCacheMetrics {
	return BlobFileCacheMetrics{
		Metrics:     c.c.Metrics(),
		OpenReaders: c.open.Load(),
	}
}
