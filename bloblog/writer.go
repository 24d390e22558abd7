// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package bloblog implements the on-disk format of blob files: a fixed-size
// header, a sequence of key/value records, and a fixed-size footer.
package bloblog

import (
	"time"

	"github.com/cockroachdb/blobdb/internal/base"
	"github.com/cockroachdb/blobdb/metrics"
	"github.com/cockroachdb/blobdb/vfs"
	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/tokenbucket"
)

// WriterOptions configures a Writer.
type WriterOptions struct {
	// DisableSync skips the fsync performed when the footer is appended.
	DisableSync bool
	// ChecksumMethod selects the whole-file digest recorded in the footer.
	ChecksumMethod ChecksumMethod
	// RateLimiter, if set, paces record and footer writes. Its token unit is
	// bytes.
	RateLimiter *tokenbucket.TokenBucket
}

// Writer appends a blob file to a vfs.File. It is not safe for concurrent
// use.
//
// A Writer goes through these states: a header is written exactly once, then
// any number of records, then either a footer (AppendFooter) or nothing
// (Abandon). Errors are sticky: once a write fails every later call returns
// the same error.
type Writer struct {
	f       vfs.File
	fileNum base.DiskFileNum
	stats   *metrics.Statistics
	opts    WriterOptions

	offset        uint64
	headerWritten bool
	closed        bool
	digest        Digest
	buf           []byte
	err           error
}

// NewWriter returns a Writer that writes to f. The writer takes ownership of
// f and closes it in AppendFooter or Abandon. stats may be nil.
func NewWriter(
	f vfs.File, fileNum base.DiskFileNum, stats *metrics.Statistics, opts WriterOptions,
) *Writer {
	return &Writer{
		f:       f,
		fileNum: fileNum,
		stats:   stats,
		opts:    opts,
		digest:  MakeDigest(opts.ChecksumMethod),
	}
}

// FileNum returns the number of the file being written.
func (w *Writer) FileNum() base.DiskFileNum { return w.fileNum }

// Size returns the number of bytes written so far.
func (w *Writer) Size() uint64 { return w.offset }

// WriteHeader writes the file header. It must be called exactly once, before
// any record.
func (w *Writer) WriteHeader(h Header) error {
	if w.err != nil {
		return w.err
	}
	if w.headerWritten {
		return base.MarkIOError(errors.Newf("blobdb: header of blob file %s already written", w.fileNum))
	}
	w.buf = h.Encode(w.buf[:0])
	if err := w.write(w.buf); err != nil {
		return err
	}
	w.headerWritten = true
	return nil
}

// AddRecord appends a record without expiration. It returns the offsets of
// the key and value bytes within the file.
func (w *Writer) AddRecord(key, value []byte) (keyOffset, valueOffset uint64, err error) {
	return w.AddRecordWithExpiration(key, value, 0)
}

// AddRecordWithExpiration appends a record. The record is written with a
// single Write call.
func (w *Writer) AddRecordWithExpiration(
	key, value []byte, expiration uint64,
) (keyOffset, valueOffset uint64, err error) {
	if w.err != nil {
		return 0, 0, w.err
	}
	if !w.headerWritten {
		return 0, 0, errors.AssertionFailedf("blobdb: record added to blob file %s before its header", w.fileNum)
	}
	r := Record{Key: key, Value: value, Expiration: expiration}
	w.buf = r.EncodeHeader(w.buf[:0])
	w.buf = append(w.buf, key...)
	w.buf = append(w.buf, value...)

	keyOffset = w.offset + RecordHeaderSize
	valueOffset = keyOffset + uint64(len(key))
	start := crtime.NowMono()
	if err := w.write(w.buf); err != nil {
		return 0, 0, err
	}
	w.digest.Write(w.buf)
	w.stats.RecordInHistogram(metrics.BlobFileWriteMicros, start.Elapsed())
	return keyOffset, valueOffset, nil
}

// AppendFooter fills in the footer checksum, writes the footer, syncs the
// file unless syncing is disabled and closes it. It returns the checksum
// method name and hex value recorded for the file.
func (w *Writer) AppendFooter(footer Footer) (method, value string, err error) {
	if w.err != nil {
		return "", "", w.err
	}
	if !w.headerWritten {
		return "", "", errors.AssertionFailedf("blobdb: footer appended to blob file %s before its header", w.fileNum)
	}
	footer.ChecksumMethod = w.opts.ChecksumMethod
	footer.ChecksumValue = w.digest.Sum64()
	w.buf = footer.Encode(w.buf[:0])
	if err := w.write(w.buf); err != nil {
		return "", "", err
	}
	if !w.opts.DisableSync {
		start := crtime.NowMono()
		if err := w.f.Sync(); err != nil {
			return "", "", w.fail(err)
		}
		w.stats.RecordInHistogram(metrics.BlobFileSyncMicros, start.Elapsed())
		w.stats.RecordTick(metrics.BlobFileSynced, 1)
	}
	if err := w.close(); err != nil {
		return "", "", err
	}
	return footer.ChecksumMethod.String(), FormatChecksumValue(footer.ChecksumMethod, footer.ChecksumValue), nil
}

// Abandon closes the file without writing a footer. The partially written
// file is left on disk for the caller to remove.
func (w *Writer) Abandon() error {
	if w.closed {
		return nil
	}
	return w.close()
}

func (w *Writer) close() error {
	w.closed = true
	if err := w.f.Close(); err != nil {
		return w.fail(err)
	}
	return nil
}

func (w *Writer) write(b []byte) error {
	if w.closed {
		return errors.AssertionFailedf("blobdb: write to closed blob file %s", w.fileNum)
	}
	if w.opts.RateLimiter != nil {
		w.waitForTokens(len(b))
	}
	n, err := w.f.Write(b)
	if err == nil && n != len(b) {
		err = errors.Errorf("short write: %d of %d bytes", n, len(b))
	}
	if err != nil {
		return w.fail(err)
	}
	w.offset += uint64(len(b))
	w.stats.RecordTick(metrics.BlobFileBytesWritten, uint64(len(b)))
	return nil
}

func (w *Writer) waitForTokens(n int) {
	for {
		ok, d := w.opts.RateLimiter.TryToFulfill(tokenbucket.Tokens(n))
		if ok {
			return
		}
		time.Sleep(d)
	}
}

func (w *Writer) fail(err error) error {
	if w.err == nil {
		w.err = base.MarkIOError(errors.Wrapf(err, "blobdb: writing blob file %s", w.fileNum))
	}
	return w.err
}
