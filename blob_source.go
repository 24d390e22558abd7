// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package blobdb

import (
	"context"
	"slices"

	"github.com/cockroachdb/blobdb/bloblog"
	"github.com/cockroachdb/blobdb/internal/base"
	"github.com/cockroachdb/blobdb/internal/cache"
	"github.com/cockroachdb/blobdb/internal/compression"
	"github.com/cockroachdb/blobdb/metrics"
	"github.com/cockroachdb/errors"
)

// BlobSource is the read path for values stored in blob files. It consults
// the blob cache (Options.BlobCache) before reading through the
// BlobFileCache. BlobSource holds no mutable state of its own and is safe for
// concurrent use.
type BlobSource struct {
	opts      *Options
	session   uint64
	fileCache *BlobFileCache
	// blobCache may be nil.
	blobCache *cache.Cache
}

// NewBlobSource returns a BlobSource for the database identified by dbID,
// opened as sessionID. Values in the blob cache are keyed under both, so
// values cached by an earlier open of the database are never returned for a
// reused file number.
func NewBlobSource(
	opts *Options, dbID, sessionID string, fileCache *BlobFileCache,
) *BlobSource {
	return &BlobSource{
		opts:      opts,
		session:   base.SessionHash(dbID, sessionID),
		fileCache: fileCache,
		blobCache: opts.BlobCache,
	}
}

// PinnedValue is a value returned by BlobSource.GetBlob. It either owns its
// buffer or pins a blob cache entry. Release must be called once the value is
// no longer needed.
type PinnedValue struct {
	buf    []byte
	handle cache.Handle
}

// Value returns the value. It must not be modified, nor used after Release.
func (v *PinnedValue) Value() []byte {
	if v.handle.Valid() {
		return v.handle.Value()
	}
	return v.buf
}

// IsCached returns true if the value pins a blob cache entry.
func (v *PinnedValue) IsCached() bool {
	return v.handle.Valid()
}

// Release unpins the value.
func (v *PinnedValue) Release() {
	v.handle.Release()
	*v = PinnedValue{}
}

// GetBlob returns the value stored at offset in blob file fileNum. bytesRead
// is the size of the record holding the value whether or not it was read from
// the file; it is 0 on error.
//
// fileSize bounds offset; bloblog.UnknownFileSize disables the bound. A read
// restricted to the cache by ro.ReadTier that misses fails with an Incomplete
// error.
func (s *BlobSource) GetBlob(
	ctx context.Context,
	ro ReadOptions,
	key []byte,
	fileNum DiskFileNum,
	offset, fileSize, valueSize uint64,
	c compression.Type,
	prefetch *PrefetchBuffer,
) (_ PinnedValue, bytesRead uint64, _ error) {
	if !bloblog.IsValidBlobOffset(offset, uint64(len(key)), valueSize, fileSize) {
		return PinnedValue{}, 0, base.CorruptionErrorf("blobdb: invalid blob offset %d (size %d) in file %s",
			errors.Safe(offset), errors.Safe(valueSize), fileNum)
	}
	recordSize := bloblog.RecordSize(uint64(len(key)), valueSize)

	k := makeCacheKey(s.session, fileNum, offset)
	if h := s.lookupCache(k); h.Valid() {
		if prefetch != nil {
			prefetch.RecordCacheHit(offset-bloblog.AdjustmentForRecordHeader(uint64(len(key))), recordSize)
		}
		return PinnedValue{handle: h}, recordSize, nil
	}

	if ro.ReadTier == BlockCacheTier {
		return PinnedValue{}, 0, base.IncompleteErrorf(
			"blobdb: blob cache miss for file %s and no blocking io is allowed", fileNum)
	}

	rh, err := s.fileCache.GetBlobFileReader(ctx, fileNum)
	if err != nil {
		return PinnedValue{}, 0, err
	}
	defer rh.Release()

	value, n, err := rh.Reader().GetBlob(key, offset, valueSize, c, prefetch)
	if err != nil {
		return PinnedValue{}, 0, err
	}
	if ro.FillCache && s.blobCache != nil {
		// The value is owned by this call, so the cache can adopt it. A failed
		// insert still returns the value.
		if h, err := insertIntoBlobCache(s.blobCache, s.opts.Statistics, k, value); err == nil {
			return PinnedValue{handle: h}, n, nil
		}
	}
	return PinnedValue{buf: value}, n, nil
}

// BlobFileReadRequests groups the requests against one blob file.
type BlobFileReadRequests struct {
	FileNum DiskFileNum
	// FileSize bounds the offsets of the requests; bloblog.UnknownFileSize
	// disables the bound.
	FileSize uint64
	Requests []*BlobReadRequest
}

// MultiGetBlobFromOneFile serves requests against a single blob file. Requests
// that hit the blob cache are served from it; the remaining ones are read in a
// single pass through one reader. Each request records its own outcome in
// Value and Err. The returned byte count sums the record sizes of the
// requests that succeeded.
func (s *BlobSource) MultiGetBlobFromOneFile(
	ctx context.Context,
	ro ReadOptions,
	fileNum DiskFileNum,
	fileSize uint64,
	reqs []*BlobReadRequest,
) (bytesRead uint64) {
	misses := make([]*BlobReadRequest, 0, len(reqs))
	for _, req := range reqs {
		req.Value, req.Err = nil, nil
		if !bloblog.IsValidBlobOffset(req.Offset, uint64(len(req.Key)), req.Size, fileSize) {
			req.Err = base.CorruptionErrorf("blobdb: invalid blob offset %d (size %d) in file %s",
				errors.Safe(req.Offset), errors.Safe(req.Size), fileNum)
			continue
		}
		if h := s.lookupCache(makeCacheKey(s.session, fileNum, req.Offset)); h.Valid() {
			req.Value = slices.Clone(h.Value())
			h.Release()
			bytesRead += bloblog.RecordSize(uint64(len(req.Key)), req.Size)
			continue
		}
		misses = append(misses, req)
	}
	if len(misses) == 0 {
		return bytesRead
	}

	if ro.ReadTier == BlockCacheTier {
		for _, req := range misses {
			req.Err = base.IncompleteErrorf(
				"blobdb: blob cache miss for file %s and no blocking io is allowed", fileNum)
		}
		return bytesRead
	}

	rh, err := s.fileCache.GetBlobFileReader(ctx, fileNum)
	if err != nil {
		for _, req := range misses {
			req.Err = err
		}
		return bytesRead
	}
	defer rh.Release()

	bytesRead += rh.Reader().MultiGetBlob(misses)
	if ro.FillCache && s.blobCache != nil {
		for _, req := range misses {
			if req.Err != nil {
				continue
			}
			k := makeCacheKey(s.session, fileNum, req.Offset)
			if h, err := insertIntoBlobCache(s.blobCache, s.opts.Statistics, k, slices.Clone(req.Value)); err == nil {
				h.Release()
			}
		}
	}
	return bytesRead
}

// MultiGetBlob serves requests against several blob files, one group per
// file. Failures stay within their request: a group whose file cannot be
// opened fails all of its requests and no others.
func (s *BlobSource) MultiGetBlob(
	ctx context.Context, ro ReadOptions, groups []BlobFileReadRequests,
) (bytesRead uint64) {
	for i := range groups {
		g := &groups[i]
		bytesRead += s.MultiGetBlobFromOneFile(ctx, ro, g.FileNum, g.FileSize, g.Requests)
	}
	return bytesRead
}

// BlobInCacheForTesting returns true if the value at offset in file fileNum
// is resident in the primary tier of the blob cache. It does not record
// statistics.
func (s *BlobSource) BlobInCacheForTesting(fileNum DiskFileNum, fileSize, offset uint64) bool {
	if s.blobCache == nil {
		return false
	}
	if fileSize != bloblog.UnknownFileSize && offset >= fileSize {
		return false
	}
	h := s.blobCache.Lookup(makeCacheKey(s.session, fileNum, offset))
	defer h.Release()
	return h.Valid()
}

// lookupCache probes the blob cache, including the secondary tier when the
// configured cache tier allows it, and records hit and miss statistics.
func (s *BlobSource) lookupCache(k cache.Key) cache.Handle {
	if s.blobCache == nil {
		return cache.Handle{}
	}
	var h cache.Handle
	if s.opts.BlobCacheTier == NonVolatileBlockTier {
		h, _ = s.blobCache.LookupWithSecondary(k, true /* promote */)
	} else {
		h = s.blobCache.Lookup(k)
	}
	if !h.Valid() {
		s.opts.Statistics.RecordTick(metrics.BlobCacheMiss, 1)
		return h
	}
	s.opts.Statistics.RecordTick(metrics.BlobCacheHit, 1)
	s.opts.Statistics.RecordTick(metrics.BlobCacheBytesRead, uint64(len(h.Value())))
	return h
}
