// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package blobdb

import (
	"context"
	"fmt"
	"testing"

	"github.com/cockroachdb/blobdb/bloblog"
	"github.com/cockroachdb/blobdb/internal/base"
	"github.com/cockroachdb/blobdb/internal/cache"
	"github.com/cockroachdb/blobdb/internal/compression"
	"github.com/cockroachdb/blobdb/metrics"
	"github.com/cockroachdb/blobdb/vfs"
	"github.com/cockroachdb/blobdb/vfs/errorfs"
	"github.com/cockroachdb/crlib/testutils/leaktest"
	"github.com/stretchr/testify/require"
)

type sourceTestEnv struct {
	mem       *vfs.MemFS
	counter   *errorfs.Counter
	opts      *Options
	cache     *cache.Cache
	fileCache *BlobFileCache
	source    *BlobSource
	blobs     []testBlob
	addition  BlobFileAddition
}

// newSourceTestEnv writes "blob0".."blob<n-1>" under "key0".."key<n-1>" into
// a single uncompressed blob file and sets up a BlobSource over it.
func newSourceTestEnv(t *testing.T, n int, fn func(*Options)) *sourceTestEnv {
	t.Helper()
	env := &sourceTestEnv{
		mem:     vfs.NewMem(),
		counter: &errorfs.Counter{},
		cache:   cache.New(2048, cache.WithShards(4)),
	}
	env.opts = newTestOptions(t, env.mem, func(o *Options) {
		o.FS = errorfs.Wrap(env.mem, env.counter)
		o.BlobCache = env.cache
		o.MaxOpenBlobFiles = 10
		if fn != nil {
			fn(o)
		}
	})
	values := make([][]byte, n)
	for i := range values {
		values[i] = []byte(fmt.Sprintf("blob%d", i))
	}
	var b *BlobFileBuilder
	env.blobs, b = writeTestBlobs(t, env.opts, testBuilderParams(BlobFileCreationFlush), values)
	require.Len(t, b.Additions(), 1)
	env.addition = b.Additions()[0]
	env.fileCache = NewBlobFileCache(env.opts)
	env.source = NewBlobSource(env.opts, testDBID, testSessionID, env.fileCache)
	return env
}

func (env *sourceTestEnv) Close() {
	env.fileCache.Close()
	env.cache.Unref()
}

func (env *sourceTestEnv) get(
	ro ReadOptions, blob testBlob, prefetch *PrefetchBuffer,
) (PinnedValue, uint64, error) {
	return env.source.GetBlob(context.Background(), ro, blob.key, blob.index.FileNum,
		blob.index.Offset, env.addition.Size, blob.index.Size, blob.index.Compression, prefetch)
}

func (env *sourceTestEnv) inCache(blob testBlob) bool {
	return env.source.BlobInCacheForTesting(blob.index.FileNum, env.addition.Size, blob.index.Offset)
}

func TestBlobSourceGetBlob(t *testing.T) {
	defer leaktest.AfterTest(t)()
	env := newSourceTestEnv(t, 16, nil)
	defer env.Close()
	stats := env.opts.Statistics

	// With fill_cache=true the first read misses and fills the cache.
	ro := ReadOptions{FillCache: true}
	for i, blob := range env.blobs {
		require.False(t, env.inCache(blob))
		v, n, err := env.get(ro, blob, nil)
		require.NoError(t, err)
		require.Equal(t, blob.value, v.Value())
		require.Equal(t, uint64(bloblog.RecordHeaderSize+len(blob.key)+len(blob.value)), n)
		v.Release()
		require.True(t, env.inCache(blob))
		require.EqualValues(t, i+1, stats.Ticker(metrics.BlobCacheMiss))
		require.EqualValues(t, i+1, stats.Ticker(metrics.BlobCacheAdd))
	}
	require.EqualValues(t, 1, env.fileCache.Metrics().OpenReaders)

	// Every subsequent read is a hit and performs no I/O. The reported byte
	// count does not change.
	reads := env.counter.Reads()
	for i, blob := range env.blobs {
		v, n, err := env.get(ro, blob, nil)
		require.NoError(t, err)
		require.True(t, v.IsCached())
		require.Equal(t, blob.value, v.Value())
		require.Equal(t, uint64(bloblog.RecordHeaderSize+len(blob.key)+len(blob.value)), n)
		v.Release()
		require.EqualValues(t, i+1, stats.Ticker(metrics.BlobCacheHit))
	}
	require.Equal(t, reads, env.counter.Reads())
	require.EqualValues(t, 16, stats.Ticker(metrics.BlobCacheAdd))

	// With fill_cache=false reads never populate the cache.
	env.cache.EraseUnrefEntries()
	ro.FillCache = false
	for _, blob := range env.blobs {
		require.False(t, env.inCache(blob))
		for range 2 {
			v, n, err := env.get(ro, blob, nil)
			require.NoError(t, err)
			require.False(t, v.IsCached())
			require.Equal(t, blob.value, v.Value())
			require.Equal(t, uint64(bloblog.RecordHeaderSize+len(blob.key)+len(blob.value)), n)
			v.Release()
		}
		require.False(t, env.inCache(blob))
	}
	require.EqualValues(t, 16, stats.Ticker(metrics.BlobCacheHit))
	require.EqualValues(t, 16, stats.Ticker(metrics.BlobCacheAdd))
}

func TestBlobSourceCacheOnlyTier(t *testing.T) {
	defer leaktest.AfterTest(t)()
	env := newSourceTestEnv(t, 4, nil)
	defer env.Close()

	// Remove the file: a cache-only read must not notice.
	require.NoError(t, env.mem.Remove(env.addition.Path))
	reads := env.counter.Reads()
	for _, blob := range env.blobs {
		v, n, err := env.get(ReadOptions{ReadTier: BlockCacheTier, FillCache: true}, blob, nil)
		require.Error(t, err)
		require.True(t, base.IsIncomplete(err), "%+v", err)
		require.Nil(t, v.Value())
		require.Zero(t, n)
	}
	require.Equal(t, reads, env.counter.Reads())
	require.Zero(t, env.fileCache.Metrics().OpenReaders)
	require.Zero(t, env.opts.Statistics.Ticker(metrics.BlobCacheAdd))

	reqs := makeReadRequests(env.blobs)
	n := env.source.MultiGetBlobFromOneFile(context.Background(), ReadOptions{ReadTier: BlockCacheTier},
		env.addition.FileNum, env.addition.Size, reqs)
	require.Zero(t, n)
	for _, req := range reqs {
		require.True(t, base.IsIncomplete(req.Err))
	}
	require.Equal(t, reads, env.counter.Reads())
}

func TestBlobSourceUnknownFile(t *testing.T) {
	defer leaktest.AfterTest(t)()
	env := newSourceTestEnv(t, 2, nil)
	defer env.Close()

	blob := env.blobs[0]
	const missing = DiskFileNum(999)
	v, n, err := env.source.GetBlob(context.Background(), ReadOptions{FillCache: true}, blob.key,
		missing, blob.index.Offset, env.addition.Size, blob.index.Size, compression.None, nil)
	require.True(t, base.IsIOError(err), "%+v", err)
	require.Nil(t, v.Value())
	require.Zero(t, n)
	require.False(t, env.source.BlobInCacheForTesting(missing, env.addition.Size, blob.index.Offset))
	require.Zero(t, env.fileCache.Metrics().Count)
}

func TestBlobSourceCorruption(t *testing.T) {
	defer leaktest.AfterTest(t)()
	env := newSourceTestEnv(t, 4, nil)
	defer env.Close()
	ctx := context.Background()

	// Flip a byte of the second value.
	corrupted := env.blobs[1]
	require.NoError(t, env.mem.Corrupt(env.addition.Path, int64(corrupted.index.Offset)))

	v, n, err := env.get(ReadOptions{FillCache: true}, corrupted, nil)
	require.True(t, base.IsCorruptionError(err), "%+v", err)
	require.Nil(t, v.Value())
	require.Zero(t, n)
	require.False(t, env.inCache(corrupted))
	require.EqualValues(t, 1, env.opts.Statistics.Ticker(metrics.BlobCorruptions))

	// Siblings in a batch are unaffected. The cache stays cold so that the
	// reads below reach the file.
	reqs := makeReadRequests(env.blobs)
	n = env.source.MultiGetBlobFromOneFile(ctx, ReadOptions{},
		env.addition.FileNum, env.addition.Size, reqs)
	var expected uint64
	for i, req := range reqs {
		if i == 1 {
			require.True(t, base.IsCorruptionError(req.Err))
			require.Nil(t, req.Value)
			continue
		}
		require.NoError(t, req.Err)
		require.Equal(t, env.blobs[i].value, req.Value)
		expected += bloblog.RecordSize(uint64(len(req.Key)), req.Size)
	}
	require.Equal(t, expected, n)

	// Requests that do not match the file are corruption errors too.
	blob := env.blobs[0]
	wrongKey := []byte("kez0")
	_, _, err = env.source.GetBlob(ctx, ReadOptions{}, wrongKey, blob.index.FileNum,
		blob.index.Offset, env.addition.Size, blob.index.Size, compression.None, nil)
	require.True(t, base.IsCorruptionError(err), "%+v", err)
	require.Contains(t, err.Error(), "key mismatch")

	_, _, err = env.source.GetBlob(ctx, ReadOptions{}, blob.key, blob.index.FileNum,
		blob.index.Offset, env.addition.Size, blob.index.Size, compression.Snappy, nil)
	require.True(t, base.IsCorruptionError(err), "%+v", err)
	require.Contains(t, err.Error(), "compression type mismatch")

	_, _, err = env.source.GetBlob(ctx, ReadOptions{}, blob.key, blob.index.FileNum,
		0, env.addition.Size, blob.index.Size, compression.None, nil)
	require.True(t, base.IsCorruptionError(err), "%+v", err)
	require.Contains(t, err.Error(), "invalid blob offset")

	_, _, err = env.source.GetBlob(ctx, ReadOptions{}, blob.key, blob.index.FileNum,
		blob.index.Offset, env.addition.Size, env.addition.Size, compression.None, nil)
	require.True(t, base.IsCorruptionError(err), "%+v", err)
}

func TestBlobSourceMultiGetBlob(t *testing.T) {
	defer leaktest.AfterTest(t)()
	env := newSourceTestEnv(t, 8, nil)
	defer env.Close()
	ctx := context.Background()

	good := makeReadRequests(env.blobs)
	bad := makeReadRequests(env.blobs[:3])
	groups := []BlobFileReadRequests{
		{FileNum: 999, FileSize: env.addition.Size, Requests: bad},
		{FileNum: env.addition.FileNum, FileSize: env.addition.Size, Requests: good},
	}
	n := env.source.MultiGetBlob(ctx, ReadOptions{FillCache: true}, groups)

	var expected uint64
	for i, req := range good {
		require.NoError(t, req.Err)
		require.Equal(t, env.blobs[i].value, req.Value)
		require.True(t, env.inCache(env.blobs[i]))
		expected += bloblog.RecordSize(uint64(len(req.Key)), req.Size)
	}
	require.Equal(t, expected, n)
	for _, req := range bad {
		require.True(t, base.IsIOError(req.Err), "%+v", req.Err)
		require.Nil(t, req.Value)
	}

	// A second pass is served entirely by the cache.
	reads := env.counter.Reads()
	again := makeReadRequests(env.blobs)
	n = env.source.MultiGetBlobFromOneFile(ctx, ReadOptions{}, env.addition.FileNum, env.addition.Size, again)
	require.Equal(t, expected, n)
	for i, req := range again {
		require.NoError(t, req.Err)
		require.Equal(t, env.blobs[i].value, req.Value)
	}
	require.Equal(t, reads, env.counter.Reads())
}

func TestBlobSourceSecondaryTier(t *testing.T) {
	defer leaktest.AfterTest(t)()
	secondary, err := cache.NewCompressedSecondaryCache(1<<20, compression.Snappy)
	require.NoError(t, err)
	defer func() { require.NoError(t, secondary.Close()) }()
	c := cache.New(2048, cache.WithShards(1), cache.WithSecondary(secondary))
	defer c.Unref()

	mem := vfs.NewMem()
	opts := newTestOptions(t, mem, func(o *Options) {
		o.BlobCache = c
		o.BlobCacheTier = NonVolatileBlockTier
	})
	blobs, b := writeTestBlobs(t, opts, testBuilderParams(BlobFileCreationFlush),
		[][]byte{[]byte("value0"), []byte("value1")})
	addition := b.Additions()[0]
	fileCache := NewBlobFileCache(opts)
	defer fileCache.Close()
	source := NewBlobSource(opts, testDBID, testSessionID, fileCache)

	// Seed only the secondary tier; a cache-only read finds it there and
	// promotes it.
	blob := blobs[0]
	k := makeCacheKey(base.SessionHash(testDBID, testSessionID), blob.index.FileNum, blob.index.Offset)
	require.NoError(t, secondary.Insert(k, blob.value))
	require.False(t, source.BlobInCacheForTesting(blob.index.FileNum, addition.Size, blob.index.Offset))

	v, _, err := source.GetBlob(context.Background(), ReadOptions{ReadTier: BlockCacheTier}, blob.key,
		blob.index.FileNum, blob.index.Offset, addition.Size, blob.index.Size, compression.None, nil)
	require.NoError(t, err)
	require.Equal(t, blob.value, v.Value())
	v.Release()
	require.True(t, source.BlobInCacheForTesting(blob.index.FileNum, addition.Size, blob.index.Offset))
	require.Zero(t, fileCache.Metrics().OpenReaders)
}

func TestBlobSourceSessionIsolation(t *testing.T) {
	defer leaktest.AfterTest(t)()
	env := newSourceTestEnv(t, 2, nil)
	defer env.Close()

	blob := env.blobs[0]
	v, _, err := env.get(ReadOptions{FillCache: true}, blob, nil)
	require.NoError(t, err)
	v.Release()
	require.True(t, env.inCache(blob))

	// A later open of the same database does not see values cached under an
	// earlier session.
	other := NewBlobSource(env.opts, testDBID, "other-session", env.fileCache)
	require.False(t, other.BlobInCacheForTesting(blob.index.FileNum, env.addition.Size, blob.index.Offset))
}

func TestBlobSourcePrefetch(t *testing.T) {
	defer leaktest.AfterTest(t)()
	env := newSourceTestEnv(t, 64, nil)
	defer env.Close()

	prefetch := NewPrefetchBuffer()
	for _, blob := range env.blobs {
		v, n, err := env.get(ReadOptions{}, blob, prefetch)
		require.NoError(t, err)
		require.Equal(t, blob.value, v.Value())
		require.Equal(t, bloblog.RecordSize(uint64(len(blob.key)), uint64(len(blob.value))), n)
		v.Release()
	}
	// After a couple of sequential reads the rest of the file is read ahead.
	require.Greater(t, prefetch.Hits(), uint64(len(env.blobs)/2))
}

func makeReadRequests(blobs []testBlob) []*BlobReadRequest {
	reqs := make([]*BlobReadRequest, len(blobs))
	for i, blob := range blobs {
		reqs[i] = &BlobReadRequest{
			Key:         blob.key,
			Offset:      blob.index.Offset,
			Size:        blob.index.Size,
			Compression: blob.index.Compression,
		}
	}
	return reqs
}
