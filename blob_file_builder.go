// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package blobdb

import (
	"slices"

	"github.com/cockroachdb/blobdb/bloblog"
	"github.com/cockroachdb/blobdb/internal/base"
	"github.com/cockroachdb/blobdb/internal/cache"
	"github.com/cockroachdb/blobdb/internal/compression"
	"github.com/cockroachdb/blobdb/metrics"
	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/tokenbucket"
)

// BlobFileBuilderParams identify the job a BlobFileBuilder writes for.
type BlobFileBuilderParams struct {
	// DBID and SessionID identify the database and the current open. They
	// namespace the keys of values warmed into the blob cache.
	DBID      string
	SessionID string
	JobID     int
	// ColumnFamilyID is recorded in every blob file header.
	ColumnFamilyID   uint32
	ColumnFamilyName string
	Reason           BlobFileCreationReason
	// Callback is notified when files are started and finished. If nil, the
	// options' EventListener is used, combined with the options' FileManager
	// when one is set.
	Callback BlobFileCompletionCallback
}

// BlobFileAddition describes a blob file that a BlobFileBuilder finished.
type BlobFileAddition struct {
	FileNum DiskFileNum
	Path    string
	// Size is the physical size of the file.
	Size           uint64
	BlobCount      uint64
	BlobBytes      uint64
	ChecksumMethod string
	ChecksumValue  string
}

// BlobFileBuilder writes the values of one flush or compaction job to blob
// files, rotating files once they reach Options.BlobFileSize. It is used by a
// single goroutine: Add zero or more times, then Finish, or Abandon after an
// error.
//
// Paths of created files are recorded before anything is written to them, so
// that a caller can remove every file of a failed job with DeleteBlobFiles.
type BlobFileBuilder struct {
	opts     *Options
	params   BlobFileBuilderParams
	fileNums FileNumGenerator
	callback BlobFileCompletionCallback
	session  uint64
	limiter  *tokenbucket.TokenBucket

	writer    *bloblog.Writer
	blobCount uint64
	blobBytes uint64

	filePaths []string
	additions []BlobFileAddition

	compressBuf []byte
}

// NewBlobFileBuilder creates a builder. opts must have had EnsureDefaults
// called.
func NewBlobFileBuilder(
	fileNums FileNumGenerator, opts *Options, params BlobFileBuilderParams,
) *BlobFileBuilder {
	b := &BlobFileBuilder{
		opts:     opts,
		params:   params,
		fileNums: fileNums,
		callback: params.Callback,
		session:  base.SessionHash(params.DBID, params.SessionID),
	}
	if b.callback == nil {
		if opts.FileManager != nil {
			b.callback = FileManagerCallback(opts.EventListener, opts.FileManager)
		} else {
			b.callback = opts.EventListener
		}
	}
	if rate := opts.BlobFileWriteBytesPerSec; rate > 0 {
		b.limiter = &tokenbucket.TokenBucket{}
		b.limiter.Init(tokenbucket.TokensPerSecond(rate), tokenbucket.Tokens(rate))
	}
	return b
}

// Add writes value to the current blob file and returns the encoded
// BlobIndex pointing at it. Values shorter than Options.MinBlobSize are not
// written; Add returns a nil index for them and the caller keeps the value
// inline.
//
// After an error the caller must call Abandon and is responsible for removing
// the files listed by FilePaths.
func (b *BlobFileBuilder) Add(key, value []byte) ([]byte, error) {
	if uint64(len(value)) < b.opts.MinBlobSize {
		b.opts.Statistics.RecordTick(metrics.BlobsInlined, 1)
		return nil, nil
	}
	if err := b.openBlobFileIfNeeded(); err != nil {
		return nil, err
	}
	blob, err := b.compressBlobIfNeeded(value)
	if err != nil {
		return nil, err
	}
	fileNum, offset, err := b.writeBlobToFile(key, blob)
	if err != nil {
		return nil, err
	}
	if err := b.closeBlobFileIfNeeded(); err != nil {
		return nil, err
	}
	if err := b.putBlobIntoCacheIfNeeded(value, fileNum, offset); err != nil {
		b.opts.Logger.Infof("failed to pre-populate the blob into blob cache: %s", err)
	}
	return EncodeBlob(nil, fileNum, offset, uint64(len(blob)), b.opts.BlobCompression), nil
}

// Finish closes the current blob file, if any.
func (b *BlobFileBuilder) Finish() error {
	if b.writer == nil {
		return nil
	}
	return b.closeBlobFile()
}

// Abandon gives up on the current blob file after an error. No footer is
// written. The completion callback is notified with err and the counters
// accumulated so far. The file itself is left on disk.
func (b *BlobFileBuilder) Abandon(err error) {
	if b.writer == nil {
		return
	}
	// The callback's verdict on an abandoned file is irrelevant.
	_ = b.callback.OnBlobFileCompleted(BlobFileInfo{
		JobID:        b.params.JobID,
		Reason:       b.params.Reason,
		ColumnFamily: b.params.ColumnFamilyName,
		Path:         b.filePaths[len(b.filePaths)-1],
		FileNum:      b.writer.FileNum(),
		BlobCount:    b.blobCount,
		BlobBytes:    b.blobBytes,
		Err:          err,
	})
	if closeErr := b.writer.Abandon(); closeErr != nil {
		b.opts.EventListener.BackgroundError(closeErr)
	}
	b.writer = nil
	b.blobCount = 0
	b.blobBytes = 0
}

// FilePaths returns the paths of every blob file created so far, including
// unfinished ones.
func (b *BlobFileBuilder) FilePaths() []string {
	return b.filePaths
}

// Additions returns the blob files finished so far.
func (b *BlobFileBuilder) Additions() []BlobFileAddition {
	return b.additions
}

func (b *BlobFileBuilder) openBlobFileIfNeeded() error {
	if b.writer != nil {
		return nil
	}
	if b.blobCount != 0 || b.blobBytes != 0 {
		return errors.AssertionFailedf("blobdb: counters not reset before opening a blob file")
	}

	fileNum := b.fileNums.NextFileNum()
	path := base.MakeFilepath(b.opts.FS, b.opts.Dir, base.FileTypeBlob, fileNum)
	b.callback.OnBlobFileCreationStarted(BlobFileCreateInfo{
		JobID:        b.params.JobID,
		Reason:       b.params.Reason,
		ColumnFamily: b.params.ColumnFamilyName,
		Path:         path,
		FileNum:      fileNum,
	})

	f, err := b.opts.FS.Create(path)
	if err != nil {
		return base.MarkIOError(errors.Wrapf(err, "blobdb: creating blob file %s", path))
	}
	// Record the path right after the create so that the file can be cleaned
	// up if anything below fails.
	b.filePaths = append(b.filePaths, path)

	w := bloblog.NewWriter(f, fileNum, b.opts.Statistics, bloblog.WriterOptions{
		DisableSync:    b.opts.DisableSync,
		ChecksumMethod: b.opts.BlobFileChecksum,
		RateLimiter:    b.limiter,
	})
	if err := w.WriteHeader(bloblog.Header{
		ColumnFamilyID: b.params.ColumnFamilyID,
		Compression:    b.opts.BlobCompression,
	}); err != nil {
		_ = w.Abandon()
		return err
	}
	b.writer = w
	return nil
}

func (b *BlobFileBuilder) compressBlobIfNeeded(value []byte) ([]byte, error) {
	if b.opts.BlobCompression == compression.None {
		return value, nil
	}
	start := crtime.NowMono()
	out, err := compression.Compress(b.opts.BlobCompression, b.compressBuf, value)
	b.opts.Statistics.RecordInHistogram(metrics.CompressionMicros, start.Elapsed())
	if err != nil {
		return nil, base.MarkCorruptionError(errors.Wrap(err, "blobdb: error compressing blob"))
	}
	b.compressBuf = out
	return out, nil
}

func (b *BlobFileBuilder) writeBlobToFile(
	key, blob []byte,
) (fileNum DiskFileNum, offset uint64, err error) {
	_, offset, err = b.writer.AddRecord(key, blob)
	if err != nil {
		return 0, 0, err
	}
	b.blobCount++
	b.blobBytes += bloblog.RecordSize(uint64(len(key)), uint64(len(blob)))
	b.opts.Statistics.RecordTick(metrics.BlobsWritten, 1)
	return b.writer.FileNum(), offset, nil
}

// closeBlobFileIfNeeded rotates the current file once its physical size
// reaches the configured bound. It runs after the record is written, so a
// record is never split across files.
func (b *BlobFileBuilder) closeBlobFileIfNeeded() error {
	if b.writer.Size() < b.opts.BlobFileSize {
		return nil
	}
	return b.closeBlobFile()
}

func (b *BlobFileBuilder) closeBlobFile() error {
	fileNum := b.writer.FileNum()
	method, value, err := b.writer.AppendFooter(bloblog.Footer{BlobCount: b.blobCount})
	if err != nil {
		return err
	}
	path := b.filePaths[len(b.filePaths)-1]
	err = b.callback.OnBlobFileCompleted(BlobFileInfo{
		JobID:          b.params.JobID,
		Reason:         b.params.Reason,
		ColumnFamily:   b.params.ColumnFamilyName,
		Path:           path,
		FileNum:        fileNum,
		ChecksumMethod: method,
		ChecksumValue:  value,
		BlobCount:      b.blobCount,
		BlobBytes:      b.blobBytes,
	})
	b.additions = append(b.additions, BlobFileAddition{
		FileNum:        fileNum,
		Path:           path,
		Size:           b.writer.Size(),
		BlobCount:      b.blobCount,
		BlobBytes:      b.blobBytes,
		ChecksumMethod: method,
		ChecksumValue:  value,
	})
	b.opts.Logger.Infof("[%s] [JOB %d] Generated blob file %s: %d total blobs, %d total bytes",
		b.params.ColumnFamilyName, b.params.JobID, fileNum, b.blobCount, b.blobBytes)

	b.writer = nil
	b.blobCount = 0
	b.blobBytes = 0
	return err
}

// putBlobIntoCacheIfNeeded warms the blob cache with a value just written,
// according to the prepopulate policy. Only files written without compression
// are warmed: the value at hand is then exactly what the read path caches.
func (b *BlobFileBuilder) putBlobIntoCacheIfNeeded(
	value []byte, fileNum DiskFileNum, offset uint64,
) error {
	if b.opts.BlobCache == nil || b.opts.BlobCompression != compression.None {
		return nil
	}
	var warmCache bool
	switch b.opts.PrepopulateBlobCache {
	case PrepopulateBlobFlushOnly:
		warmCache = b.params.Reason == BlobFileCreationFlush
	case PrepopulateBlobAlways:
		warmCache = true
	case PrepopulateBlobDisable:
		warmCache = false
	default:
		panic(errors.AssertionFailedf("blobdb: unknown prepopulate blob cache policy %d",
			errors.Safe(int8(b.opts.PrepopulateBlobCache))))
	}
	if !warmCache {
		return nil
	}
	// The final size of the file is not known yet, which is why cache keys do
	// not include it: a reader that knows the size finds this entry.
	h, err := insertIntoBlobCache(b.opts.BlobCache, b.opts.Statistics,
		makeCacheKey(b.session, fileNum, offset), slices.Clone(value))
	if err != nil {
		return err
	}
	h.Release()
	return nil
}

// DeleteBlobFiles removes the files at paths using the configured Cleaner,
// typically the FilePaths of an abandoned BlobFileBuilder. It keeps going
// after a failure and returns the combined errors.
func DeleteBlobFiles(opts *Options, paths []string) error {
	var err error
	for _, path := range paths {
		if cleanErr := opts.Cleaner.Clean(opts.FS, base.FileTypeBlob, path); cleanErr != nil {
			err = errors.CombineErrors(err, errors.Wrapf(cleanErr, "blobdb: removing %s", path))
			continue
		}
		if opts.FileManager != nil {
			opts.FileManager.OnDeleteFile(path)
		}
		opts.EventListener.BlobFileDeleted(path)
	}
	return err
}

func makeCacheKey(session uint64, fileNum DiskFileNum, offset uint64) cache.Key {
	return cache.Key{Session: session, FileNum: fileNum, Offset: offset}
}

// insertIntoBlobCache inserts value, which the cache takes ownership of, and
// records the outcome. On success the returned handle must be released.
func insertIntoBlobCache(
	c *cache.Cache, stats *metrics.Statistics, k cache.Key, value []byte,
) (cache.Handle, error) {
	h, err := c.Insert(k, value, int64(len(value)))
	if err != nil {
		stats.RecordTick(metrics.BlobCacheAddFailures, 1)
		return cache.Handle{}, err
	}
	stats.RecordTick(metrics.BlobCacheAdd, 1)
	stats.RecordTick(metrics.BlobCacheBytesWrite, uint64(len(value)))
	return h, nil
}
