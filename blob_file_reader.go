// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package blobdb

import (
	"bytes"
	"cmp"
	"context"
	"slices"

	"github.com/cockroachdb/blobdb/bloblog"
	"github.com/cockroachdb/blobdb/internal/base"
	"github.com/cockroachdb/blobdb/internal/compression"
	"github.com/cockroachdb/blobdb/metrics"
	"github.com/cockroachdb/blobdb/vfs"
	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
)

// readCoalesceGap is the largest gap between two records that MultiGetBlob
// still reads with a single ReadAt.
const readCoalesceGap = 4 << 10

// BlobFileReaderOptions configures a BlobFileReader.
type BlobFileReaderOptions struct {
	// Statistics may be nil.
	Statistics *metrics.Statistics
}

// BlobReadRequest is one value lookup within a single blob file, as used by
// the batched read paths.
type BlobReadRequest struct {
	// Key is the user key the value was written under.
	Key []byte
	// Offset and Size locate the stored value; they come from a BlobIndex.
	Offset      uint64
	Size        uint64
	Compression compression.Type

	// Value and Err are the outcome of the request. Value is owned by the
	// request.
	Value []byte
	Err   error
}

// BlobFileReader reads values from one finished blob file. The header and
// footer are validated when the reader is opened. A BlobFileReader is safe for
// concurrent use; a PrefetchBuffer passed to GetBlob is not.
type BlobFileReader struct {
	file     vfs.File
	fileNum  DiskFileNum
	path     string
	fileSize uint64
	header   bloblog.Header
	footer   bloblog.Footer
	stats    *metrics.Statistics
}

// NewBlobFileReader opens the blob file at path. A file that does not exist or
// cannot be opened is an IOError; a file whose header or footer does not
// decode is a corruption error.
func NewBlobFileReader(
	ctx context.Context, fs vfs.FS, path string, fileNum DiskFileNum, opts BlobFileReaderOptions,
) (*BlobFileReader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := fs.Open(path, vfs.RandomReadsOption)
	if err != nil {
		err = base.AddDetailsToNotExistError(fs, path, err)
		return nil, base.MarkIOError(errors.Wrapf(err, "blobdb: opening blob file %s", fileNum))
	}
	r := &BlobFileReader{
		file:    f,
		fileNum: fileNum,
		path:    path,
		stats:   opts.Statistics,
	}
	if err := r.init(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

func (r *BlobFileReader) init() error {
	size, err := vfs.Size(r.file)
	if err != nil {
		return base.MarkIOError(errors.Wrapf(err, "blobdb: stat of blob file %s", r.fileNum))
	}
	r.fileSize = uint64(size)
	if r.fileSize < bloblog.HeaderSize+bloblog.FooterSize {
		return base.CorruptionErrorf("blobdb: blob file %s too small: %d bytes",
			r.fileNum, errors.Safe(r.fileSize))
	}
	var buf [max(bloblog.HeaderSize, bloblog.FooterSize)]byte
	if err := r.readAt(buf[:bloblog.HeaderSize], 0); err != nil {
		return err
	}
	if err := r.header.Decode(buf[:bloblog.HeaderSize]); err != nil {
		return errors.Wrapf(err, "blob file %s", r.fileNum)
	}
	if err := r.readAt(buf[:bloblog.FooterSize], r.fileSize-bloblog.FooterSize); err != nil {
		return err
	}
	if err := r.footer.Decode(buf[:bloblog.FooterSize]); err != nil {
		return errors.Wrapf(err, "blob file %s", r.fileNum)
	}
	return nil
}

// Close closes the underlying file.
func (r *BlobFileReader) Close() error {
	return r.file.Close()
}

// FileNum returns the number of the file.
func (r *BlobFileReader) FileNum() DiskFileNum { return r.fileNum }

// FileSize returns the physical size of the file.
func (r *BlobFileReader) FileSize() uint64 { return r.fileSize }

// Compression returns the compression type all values in the file share.
func (r *BlobFileReader) Compression() compression.Type { return r.header.Compression }

// Header returns the decoded file header.
func (r *BlobFileReader) Header() bloblog.Header { return r.header }

// Footer returns the decoded file footer.
func (r *BlobFileReader) Footer() bloblog.Footer { return r.footer }

// GetBlob reads the record holding the value at offset, verifies it, and
// returns the uncompressed value along with the size of the record. The record
// size is returned even when prefetch served the read without I/O.
//
// The record's key must equal key; a mismatch means the offset is wrong or the
// file is damaged and is reported as corruption.
func (r *BlobFileReader) GetBlob(
	key []byte, offset, valueSize uint64, c compression.Type, prefetch *PrefetchBuffer,
) (value []byte, bytesRead uint64, err error) {
	if err := r.checkRequest(key, offset, valueSize, c); err != nil {
		return nil, 0, err
	}
	recordOffset := offset - bloblog.AdjustmentForRecordHeader(uint64(len(key)))
	recordSize := bloblog.RecordSize(uint64(len(key)), valueSize)

	var rec []byte
	if prefetch != nil {
		start := crtime.NowMono()
		rec, err = prefetch.readAt(r.file, r.fileSize-bloblog.FooterSize, recordOffset, recordSize)
		if err != nil {
			return nil, 0, base.MarkIOError(errors.Wrapf(err, "blobdb: reading blob file %s", r.fileNum))
		}
		r.stats.RecordInHistogram(metrics.BlobFileReadMicros, start.Elapsed())
		r.stats.RecordTick(metrics.BlobFileBytesRead, recordSize)
	} else {
		rec = make([]byte, recordSize)
		if err := r.readAt(rec, recordOffset); err != nil {
			return nil, 0, err
		}
	}

	value, err = r.decodeRecord(key, rec, valueSize, c)
	if err != nil {
		return nil, 0, err
	}
	return value, recordSize, nil
}

// MultiGetBlob serves several requests against this file in one pass. The
// requests are processed in offset order and records that lie close together
// are read with a single ReadAt. Every request is verified on its own, so a
// damaged record fails only its request. The returned byte count covers the
// records of the requests that succeeded.
func (r *BlobFileReader) MultiGetBlob(reqs []*BlobReadRequest) (bytesRead uint64) {
	valid := make([]*BlobReadRequest, 0, len(reqs))
	for _, req := range reqs {
		req.Value = nil
		if req.Err = r.checkRequest(req.Key, req.Offset, req.Size, req.Compression); req.Err == nil {
			valid = append(valid, req)
		}
	}
	slices.SortStableFunc(valid, func(a, b *BlobReadRequest) int {
		return cmp.Compare(recordStart(a), recordStart(b))
	})

	var buf []byte
	for i := 0; i < len(valid); {
		start, end := recordStart(valid[i]), recordEnd(valid[i])
		j := i + 1
		for ; j < len(valid) && recordStart(valid[j]) <= end+readCoalesceGap; j++ {
			end = max(end, recordEnd(valid[j]))
		}
		group := valid[i:j]
		i = j

		if uint64(cap(buf)) < end-start {
			buf = make([]byte, end-start)
		}
		buf = buf[:end-start]
		if err := r.readAt(buf, start); err != nil {
			// Retry each request on its own so that one bad range does not
			// fail its neighbors.
			for _, req := range group {
				req.Value, _, req.Err = r.GetBlob(req.Key, req.Offset, req.Size, req.Compression, nil)
				if req.Err == nil {
					bytesRead += bloblog.RecordSize(uint64(len(req.Key)), req.Size)
				}
			}
			continue
		}
		for _, req := range group {
			rec := buf[recordStart(req)-start : recordEnd(req)-start]
			req.Value, req.Err = r.decodeRecord(req.Key, rec, req.Size, req.Compression)
			if req.Err == nil {
				bytesRead += uint64(len(rec))
			}
		}
	}
	return bytesRead
}

// VerifyFileChecksum reads every record of the file and checks the record
// count and whole-file digest recorded in the footer.
func (r *BlobFileReader) VerifyFileChecksum() error {
	start := crtime.NowMono()
	defer func() {
		r.stats.RecordInHistogram(metrics.ChecksumMicros, start.Elapsed())
	}()
	it, err := bloblog.NewIterator(r.file, r.fileSize)
	if err != nil {
		return errors.Wrapf(err, "blob file %s", r.fileNum)
	}
	if err := it.Verify(); err != nil {
		return errors.Wrapf(err, "blob file %s", r.fileNum)
	}
	return nil
}

func (r *BlobFileReader) checkRequest(
	key []byte, offset, valueSize uint64, c compression.Type,
) error {
	if c != r.header.Compression {
		return base.CorruptionErrorf("blobdb: compression type mismatch when reading blob from file %s: %s, file has %s",
			r.fileNum, c, r.header.Compression)
	}
	if !bloblog.IsValidBlobOffset(offset, uint64(len(key)), valueSize, r.fileSize) {
		return base.CorruptionErrorf("blobdb: invalid blob offset %d (size %d) in file %s",
			errors.Safe(offset), errors.Safe(valueSize), r.fileNum)
	}
	return nil
}

// decodeRecord verifies the record framing in rec and returns an owned copy
// of the uncompressed value.
func (r *BlobFileReader) decodeRecord(
	key, rec []byte, valueSize uint64, c compression.Type,
) ([]byte, error) {
	var record bloblog.Record
	if err := record.DecodeHeaderFrom(rec); err != nil {
		r.stats.RecordTick(metrics.BlobCorruptions, 1)
		return nil, errors.Wrapf(err, "blob file %s", r.fileNum)
	}
	if record.KeySize != uint64(len(key)) || record.ValueSize != valueSize {
		r.stats.RecordTick(metrics.BlobCorruptions, 1)
		return nil, base.CorruptionErrorf("blobdb: blob record in file %s has key size %d and value size %d, expected %d and %d",
			r.fileNum, errors.Safe(record.KeySize), errors.Safe(record.ValueSize),
			errors.Safe(len(key)), errors.Safe(valueSize))
	}
	keyEnd := bloblog.RecordHeaderSize + record.KeySize
	record.Key = rec[bloblog.RecordHeaderSize:keyEnd]
	record.Value = rec[keyEnd:]
	if !bytes.Equal(record.Key, key) {
		r.stats.RecordTick(metrics.BlobCorruptions, 1)
		return nil, base.CorruptionErrorf("blobdb: blob record key mismatch in file %s", r.fileNum)
	}

	start := crtime.NowMono()
	err := record.CheckBlobCRC()
	r.stats.RecordInHistogram(metrics.ChecksumMicros, start.Elapsed())
	if err != nil {
		r.stats.RecordTick(metrics.BlobCorruptions, 1)
		return nil, errors.Wrapf(err, "blob file %s", r.fileNum)
	}

	if c == compression.None {
		return slices.Clone(record.Value), nil
	}
	start = crtime.NowMono()
	value, err := compression.Decompress(c, record.Value)
	r.stats.RecordInHistogram(metrics.DecompressionMicros, start.Elapsed())
	if err != nil {
		r.stats.RecordTick(metrics.BlobCorruptions, 1)
		return nil, errors.Wrapf(err, "blob file %s", r.fileNum)
	}
	return value, nil
}

func (r *BlobFileReader) readAt(buf []byte, offset uint64) error {
	start := crtime.NowMono()
	n, err := r.file.ReadAt(buf, int64(offset))
	if err == nil && n != len(buf) {
		err = errors.Errorf("short read: %d of %d bytes", n, len(buf))
	}
	if err != nil {
		return base.MarkIOError(errors.Wrapf(err, "blobdb: reading blob file %s at offset %d",
			r.fileNum, errors.Safe(offset)))
	}
	r.stats.RecordInHistogram(metrics.BlobFileReadMicros, start.Elapsed())
	r.stats.RecordTick(metrics.BlobFileBytesRead, uint64(len(buf)))
	return nil
}

func recordStart(req *BlobReadRequest) uint64 {
	return req.Offset - bloblog.AdjustmentForRecordHeader(uint64(len(req.Key)))
}

func recordEnd(req *BlobReadRequest) uint64 {
	return req.Offset + req.Size
}
