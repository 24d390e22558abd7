// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package blobdb

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/blobdb/bloblog"
	"github.com/cockroachdb/blobdb/internal/base"
	"github.com/cockroachdb/blobdb/internal/compression"
	"github.com/cockroachdb/blobdb/metrics"
	"github.com/cockroachdb/blobdb/vfs"
	"github.com/cockroachdb/blobdb/vfs/errorfs"
	"github.com/cockroachdb/crlib/testutils/leaktest"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

// writeTestFile writes n values of valueSize bytes into a single blob file
// and returns them along with the finished file.
func writeTestFile(
	t *testing.T, mem *vfs.MemFS, n, valueSize int,
) ([]testBlob, BlobFileAddition) {
	t.Helper()
	opts := newTestOptions(t, mem, nil)
	values := make([][]byte, n)
	for i := range values {
		values[i] = make([]byte, valueSize)
		for j := range values[i] {
			values[i][j] = byte(i + j)
		}
	}
	blobs, b := writeTestBlobs(t, opts, testBuilderParams(BlobFileCreationFlush), values)
	require.Len(t, b.Additions(), 1)
	return blobs, b.Additions()[0]
}

func TestBlobFileReaderOpen(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	mem := vfs.NewMem()
	_, a := writeTestFile(t, mem, 3, 10)

	r, err := NewBlobFileReader(ctx, mem, a.Path, a.FileNum, BlobFileReaderOptions{})
	require.NoError(t, err)
	require.Equal(t, a.FileNum, r.FileNum())
	require.Equal(t, a.Size, r.FileSize())
	require.Equal(t, compression.None, r.Compression())
	require.EqualValues(t, 1, r.Header().ColumnFamilyID)
	require.EqualValues(t, 3, r.Footer().BlobCount)
	require.NoError(t, r.VerifyFileChecksum())
	require.NoError(t, r.Close())

	t.Run("missing", func(t *testing.T) {
		_, err := NewBlobFileReader(ctx, mem, "blobs/000999.blob", 999, BlobFileReaderOptions{})
		require.True(t, base.IsIOError(err), "%+v", err)
	})

	t.Run("too-small", func(t *testing.T) {
		f, err := mem.Create("blobs/000010.blob")
		require.NoError(t, err)
		_, err = f.Write(make([]byte, bloblog.HeaderSize))
		require.NoError(t, err)
		require.NoError(t, f.Close())
		_, err = NewBlobFileReader(ctx, mem, "blobs/000010.blob", 10, BlobFileReaderOptions{})
		require.True(t, base.IsCorruptionError(err), "%+v", err)
	})

	t.Run("bad-header", func(t *testing.T) {
		mem := vfs.NewMem()
		_, a := writeTestFile(t, mem, 1, 10)
		require.NoError(t, mem.Corrupt(a.Path, 0))
		_, err := NewBlobFileReader(ctx, mem, a.Path, a.FileNum, BlobFileReaderOptions{})
		require.True(t, base.IsCorruptionError(err), "%+v", err)
	})

	t.Run("truncated-footer", func(t *testing.T) {
		mem := vfs.NewMem()
		_, a := writeTestFile(t, mem, 1, 10)
		require.NoError(t, mem.Truncate(a.Path, int64(a.Size-1)))
		_, err := NewBlobFileReader(ctx, mem, a.Path, a.FileNum, BlobFileReaderOptions{})
		require.True(t, base.IsCorruptionError(err), "%+v", err)
	})

	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := NewBlobFileReader(ctx, mem, a.Path, a.FileNum, BlobFileReaderOptions{})
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestBlobFileReaderVerifyFileChecksum(t *testing.T) {
	defer leaktest.AfterTest(t)()
	mem := vfs.NewMem()
	blobs, a := writeTestFile(t, mem, 5, 20)
	// Damage a value without touching the framing.
	require.NoError(t, mem.Corrupt(a.Path, int64(blobs[2].index.Offset+3)))

	stats := metrics.NewStatistics()
	r, err := NewBlobFileReader(context.Background(), mem, a.Path, a.FileNum,
		BlobFileReaderOptions{Statistics: stats})
	require.NoError(t, err)
	defer func() { require.NoError(t, r.Close()) }()
	require.True(t, base.IsCorruptionError(r.VerifyFileChecksum()))
	require.NotZero(t, stats.HistogramCount(metrics.ChecksumMicros))
}

func TestBlobFileReaderMultiGetCoalesces(t *testing.T) {
	defer leaktest.AfterTest(t)()
	mem := vfs.NewMem()
	blobs, a := writeTestFile(t, mem, 8, 100)

	counter := &errorfs.Counter{}
	fs := errorfs.Wrap(mem, counter)
	r, err := NewBlobFileReader(context.Background(), fs, a.Path, a.FileNum, BlobFileReaderOptions{})
	require.NoError(t, err)
	defer func() { require.NoError(t, r.Close()) }()

	// Requests arrive out of order; the result is positional.
	reqs := makeReadRequests(blobs)
	reqs[0], reqs[7] = reqs[7], reqs[0]
	reads := counter.Reads()
	n := r.MultiGetBlob(reqs)
	require.Equal(t, reads+1, counter.Reads())

	var expected uint64
	for _, req := range reqs {
		require.NoError(t, req.Err)
		idx := int(req.Key[len(req.Key)-1] - '0')
		require.Equal(t, blobs[idx].value, req.Value)
		expected += bloblog.RecordSize(uint64(len(req.Key)), req.Size)
	}
	require.Equal(t, expected, n)
}

func TestBlobFileReaderMultiGetRetriesFailedRead(t *testing.T) {
	defer leaktest.AfterTest(t)()
	mem := vfs.NewMem()
	blobs, a := writeTestFile(t, mem, 4, 50)

	// Fail the next ReadAt once armed.
	var armed atomic.Bool
	fs := errorfs.Wrap(mem, errorfs.InjectorFunc(func(op errorfs.Op, _ string) error {
		if op == errorfs.OpFileReadAt && armed.CompareAndSwap(true, false) {
			return errors.WithStack(errorfs.ErrInjected)
		}
		return nil
	}))
	r, err := NewBlobFileReader(context.Background(), fs, a.Path, a.FileNum, BlobFileReaderOptions{})
	require.NoError(t, err)
	defer func() { require.NoError(t, r.Close()) }()

	armed.Store(true)
	reqs := makeReadRequests(blobs)
	n := r.MultiGetBlob(reqs)
	for i, req := range reqs {
		require.NoError(t, req.Err)
		require.Equal(t, blobs[i].value, req.Value)
	}
	require.Equal(t, 4*bloblog.RecordSize(4, 50), n)
}

func TestBlobFileReaderMultiGetIsolation(t *testing.T) {
	defer leaktest.AfterTest(t)()
	mem := vfs.NewMem()
	blobs, a := writeTestFile(t, mem, 6, 50)

	r, err := NewBlobFileReader(context.Background(), mem, a.Path, a.FileNum, BlobFileReaderOptions{})
	require.NoError(t, err)
	defer func() { require.NoError(t, r.Close()) }()

	// Cut the file in the middle of the fourth record. The earlier records
	// are still served; the later ones fail with an I/O error.
	cut := blobs[3].index.Offset
	require.NoError(t, mem.Truncate(a.Path, int64(cut)))

	reqs := makeReadRequests(blobs)
	reqs = append(reqs, &BlobReadRequest{
		Key: blobs[0].key, Offset: blobs[0].index.Offset, Size: blobs[0].index.Size,
		Compression: compression.Zstd,
	})
	n := r.MultiGetBlob(reqs)
	for i, req := range reqs[:6] {
		if i < 3 {
			require.NoError(t, req.Err)
			require.Equal(t, blobs[i].value, req.Value)
			continue
		}
		require.True(t, base.IsIOError(req.Err), "%d: %+v", i, req.Err)
		require.Nil(t, req.Value)
	}
	require.True(t, base.IsCorruptionError(reqs[6].Err))
	require.Equal(t, 3*bloblog.RecordSize(4, 50), n)
}

func TestBlobFileReaderPrefetch(t *testing.T) {
	defer leaktest.AfterTest(t)()
	mem := vfs.NewMem()
	blobs, a := writeTestFile(t, mem, 32, 100)

	counter := &errorfs.Counter{}
	r, err := NewBlobFileReader(context.Background(), errorfs.Wrap(mem, counter), a.Path, a.FileNum,
		BlobFileReaderOptions{})
	require.NoError(t, err)
	defer func() { require.NoError(t, r.Close()) }()

	prefetch := NewPrefetchBuffer()
	reads := counter.Reads()
	for _, blob := range blobs {
		v, n, err := r.GetBlob(blob.key, blob.index.Offset, blob.index.Size, compression.None, prefetch)
		require.NoError(t, err)
		require.Equal(t, blob.value, v)
		require.Equal(t, bloblog.RecordSize(uint64(len(blob.key)), 100), n)
	}
	// Two reads establish the sequential pattern, the third reads ahead past
	// the end of the file.
	require.Equal(t, reads+3, counter.Reads())
	require.EqualValues(t, len(blobs)-3, prefetch.Hits())
}
