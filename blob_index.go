// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package blobdb

import (
	"encoding/binary"

	"github.com/cockroachdb/blobdb/internal/base"
	"github.com/cockroachdb/blobdb/internal/compression"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// BlobIndexType identifies the variant of an encoded BlobIndex. The value is
// the first byte of the encoding.
type BlobIndexType uint8

// The BlobIndexType enumeration.
const (
	// BlobIndexInlinedTTL holds a small value with an expiration inline.
	BlobIndexInlinedTTL BlobIndexType = 0
	// BlobIndexBlob points at a value in a blob file.
	BlobIndexBlob BlobIndexType = 1
	// BlobIndexBlobTTL points at a value in a blob file and carries an
	// expiration.
	BlobIndexBlobTTL BlobIndexType = 2
)

// MaxBlobIndexLength is the maximum length of an encoded blob pointer (not
// counting inlined values): a type byte, up to four varints and a
// compression byte.
const MaxBlobIndexLength = 2 + 4*binary.MaxVarintLen64

// BlobIndex is the pointer stored in place of a value that was written to a
// blob file.
//
// Encoding:
//
//	InlinedTTL: type, varint expiration, value bytes
//	Blob:       type, varint file number, varint offset, varint size, compression
//	BlobTTL:    type, varint expiration, varint file number, varint offset,
//	            varint size, compression
type BlobIndex struct {
	Type       BlobIndexType
	Expiration uint64
	FileNum    base.DiskFileNum
	// Offset is the file offset of the stored value.
	Offset uint64
	// Size is the stored (possibly compressed) length of the value.
	Size        uint64
	Compression compression.Type
	// Value is set for BlobIndexInlinedTTL only.
	Value []byte
}

// HasTTL returns true if the index carries an expiration.
func (bi BlobIndex) HasTTL() bool {
	return bi.Type != BlobIndexBlob
}

// IsInlined returns true if the value is held in the index itself.
func (bi BlobIndex) IsInlined() bool {
	return bi.Type == BlobIndexInlinedTTL
}

// String implements fmt.Stringer.
func (bi BlobIndex) String() string {
	return redact.StringWithoutMarkers(bi)
}

// SafeFormat implements redact.SafeFormatter. Inlined values are redacted.
func (bi BlobIndex) SafeFormat(w redact.SafePrinter, _ rune) {
	switch bi.Type {
	case BlobIndexInlinedTTL:
		w.Printf("[inlined blob] value:%s exp:%d", redact.Unsafe(string(bi.Value)), redact.Safe(bi.Expiration))
	case BlobIndexBlob, BlobIndexBlobTTL:
		w.Printf("[blob ref] file:%s offset:%d size:%d compression:%s",
			bi.FileNum, redact.Safe(bi.Offset), redact.Safe(bi.Size), bi.Compression)
		if bi.Type == BlobIndexBlobTTL {
			w.Printf(" exp:%d", redact.Safe(bi.Expiration))
		}
	default:
		w.Printf("[unknown blob index type %d]", redact.SafeUint(bi.Type))
	}
}

// EncodeBlob appends the encoding of a pointer without expiration to dst.
func EncodeBlob(
	dst []byte, fileNum base.DiskFileNum, offset, size uint64, c compression.Type,
) []byte {
	dst = append(dst, byte(BlobIndexBlob))
	return appendPointer(dst, fileNum, offset, size, c)
}

// EncodeBlobTTL appends the encoding of a pointer with an expiration to dst.
func EncodeBlobTTL(
	dst []byte, expiration uint64, fileNum base.DiskFileNum, offset, size uint64, c compression.Type,
) []byte {
	dst = append(dst, byte(BlobIndexBlobTTL))
	dst = binary.AppendUvarint(dst, expiration)
	return appendPointer(dst, fileNum, offset, size, c)
}

// EncodeInlinedTTL appends the encoding of an inlined value with an
// expiration to dst.
func EncodeInlinedTTL(dst []byte, expiration uint64, value []byte) []byte {
	dst = append(dst, byte(BlobIndexInlinedTTL))
	dst = binary.AppendUvarint(dst, expiration)
	return append(dst, value...)
}

func appendPointer(
	dst []byte, fileNum base.DiskFileNum, offset, size uint64, c compression.Type,
) []byte {
	dst = binary.AppendUvarint(dst, uint64(fileNum))
	dst = binary.AppendUvarint(dst, offset)
	dst = binary.AppendUvarint(dst, size)
	return append(dst, byte(c))
}

// DecodeBlobIndex decodes an encoded BlobIndex. For inlined values, Value
// aliases src. Malformed encodings are corruption errors.
func DecodeBlobIndex(src []byte) (BlobIndex, error) {
	var bi BlobIndex
	if len(src) == 0 {
		return bi, base.CorruptionErrorf("blobdb: empty blob index")
	}
	bi.Type = BlobIndexType(src[0])
	src = src[1:]

	varint := func(field string) (uint64, error) {
		v, n := binary.Uvarint(src)
		if n <= 0 {
			return 0, base.CorruptionErrorf("blobdb: error decoding blob index %s", errors.Safe(field))
		}
		src = src[n:]
		return v, nil
	}

	var err error
	switch bi.Type {
	case BlobIndexInlinedTTL:
		if bi.Expiration, err = varint("expiration"); err != nil {
			return BlobIndex{}, err
		}
		bi.Value = src
		return bi, nil
	case BlobIndexBlobTTL:
		if bi.Expiration, err = varint("expiration"); err != nil {
			return BlobIndex{}, err
		}
	case BlobIndexBlob:
	default:
		return BlobIndex{}, base.CorruptionErrorf("blobdb: unknown blob index type %d", errors.Safe(uint8(bi.Type)))
	}

	var fileNum uint64
	if fileNum, err = varint("file number"); err != nil {
		return BlobIndex{}, err
	}
	bi.FileNum = base.DiskFileNum(fileNum)
	if bi.Offset, err = varint("offset"); err != nil {
		return BlobIndex{}, err
	}
	if bi.Size, err = varint("size"); err != nil {
		return BlobIndex{}, err
	}
	if len(src) != 1 {
		return BlobIndex{}, base.CorruptionErrorf("blobdb: error decoding blob index compression")
	}
	bi.Compression = compression.Type(src[0])
	if !bi.Compression.Valid() {
		return BlobIndex{}, base.CorruptionErrorf("blobdb: blob index has unknown compression type %d",
			errors.Safe(src[0]))
	}
	return bi, nil
}
