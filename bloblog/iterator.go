// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package bloblog

import (
	"io"

	"github.com/cockroachdb/blobdb/internal/base"
	"github.com/cockroachdb/errors"
)

// Iterator walks the records of a complete blob file sequentially. It is used
// by offline tooling; point reads go through the blob file reader.
type Iterator struct {
	r        io.ReaderAt
	fileSize uint64
	end      uint64
	header   Header
	footer   Footer

	offset uint64
	rec    Record
	// valueOffset is the file offset of rec.Value.
	valueOffset uint64
	digest      Digest
	count       uint64
	err         error
}

// NewIterator decodes the header and footer of a blob file of the given size
// and returns an iterator positioned before the first record.
func NewIterator(r io.ReaderAt, fileSize uint64) (*Iterator, error) {
	if fileSize < HeaderSize+FooterSize {
		return nil, base.CorruptionErrorf("blobdb: blob file too small: %d bytes", errors.Safe(fileSize))
	}
	it := &Iterator{r: r, fileSize: fileSize, end: fileSize - FooterSize, offset: HeaderSize}
	var buf [max(HeaderSize, FooterSize)]byte
	if _, err := r.ReadAt(buf[:HeaderSize], 0); err != nil {
		return nil, base.MarkIOError(err)
	}
	if err := it.header.Decode(buf[:HeaderSize]); err != nil {
		return nil, err
	}
	if _, err := r.ReadAt(buf[:FooterSize], int64(it.end)); err != nil {
		return nil, base.MarkIOError(err)
	}
	if err := it.footer.Decode(buf[:FooterSize]); err != nil {
		return nil, err
	}
	it.digest = MakeDigest(it.footer.ChecksumMethod)
	return it, nil
}

// Header returns the decoded file header.
func (it *Iterator) Header() Header { return it.header }

// Footer returns the decoded file footer.
func (it *Iterator) Footer() Footer { return it.footer }

// Next advances to the next record, returning false at the end of the records
// region or on error. The returned record's Key and Value are only valid
// until the next call.
func (it *Iterator) Next() (*Record, bool) {
	if it.err != nil || it.offset >= it.end {
		return nil, false
	}
	if it.end-it.offset < RecordHeaderSize {
		it.err = base.CorruptionErrorf("blobdb: truncated record at offset %d", errors.Safe(it.offset))
		return nil, false
	}
	var hdr [RecordHeaderSize]byte
	if _, err := it.r.ReadAt(hdr[:], int64(it.offset)); err != nil {
		it.err = base.MarkIOError(err)
		return nil, false
	}
	if err := it.rec.DecodeHeaderFrom(hdr[:]); err != nil {
		it.err = errors.Wrapf(err, "record at offset %d", errors.Safe(it.offset))
		return nil, false
	}
	remaining := it.end - it.offset - RecordHeaderSize
	if it.rec.KeySize > remaining || it.rec.ValueSize > remaining-it.rec.KeySize {
		it.err = base.CorruptionErrorf("blobdb: record at offset %d overruns the records region", errors.Safe(it.offset))
		return nil, false
	}
	body := make([]byte, it.rec.KeySize+it.rec.ValueSize)
	if _, err := it.r.ReadAt(body, int64(it.offset+RecordHeaderSize)); err != nil {
		it.err = base.MarkIOError(err)
		return nil, false
	}
	it.rec.Key = body[:it.rec.KeySize]
	it.rec.Value = body[it.rec.KeySize:]
	if err := it.rec.CheckBlobCRC(); err != nil {
		it.err = errors.Wrapf(err, "record at offset %d", errors.Safe(it.offset))
		return nil, false
	}
	it.digest.Write(hdr[:])
	it.digest.Write(body)
	it.valueOffset = it.offset + RecordHeaderSize + it.rec.KeySize
	it.offset += RecordSize(it.rec.KeySize, it.rec.ValueSize)
	it.count++
	return &it.rec, true
}

// ValueOffset returns the file offset of the current record's value.
func (it *Iterator) ValueOffset() uint64 { return it.valueOffset }

// Error returns the error that stopped iteration, if any.
func (it *Iterator) Error() error { return it.err }

// Verify exhausts the iterator and then checks the record count and the
// whole-file digest against the footer.
func (it *Iterator) Verify() error {
	for {
		if _, ok := it.Next(); !ok {
			break
		}
	}
	if it.err != nil {
		return it.err
	}
	if it.count != it.footer.BlobCount {
		return base.CorruptionErrorf("blobdb: blob file holds %d records, footer claims %d",
			errors.Safe(it.count), errors.Safe(it.footer.BlobCount))
	}
	if sum := it.digest.Sum64(); sum != it.footer.ChecksumValue {
		return base.CorruptionErrorf("blobdb: blob file %s checksum mismatch: %s, expected %s",
			errors.Safe(it.footer.ChecksumMethod),
			errors.Safe(FormatChecksumValue(it.footer.ChecksumMethod, sum)),
			errors.Safe(FormatChecksumValue(it.footer.ChecksumMethod, it.footer.ChecksumValue)))
	}
	return nil
}
