// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package compression implements the value codecs available to blob files.
// Keys are never compressed; a codec only ever sees a record's value payload.
package compression

import (
	"strings"

	"github.com/cockroachdb/blobdb/internal/base"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// Type identifies the codec applied to the values of a blob file. The value is
// persisted in the blob file header and in every BlobIndex, so existing values
// must never be renumbered.
type Type uint8

// The available compression types.
const (
	None   Type = 0x0
	Snappy Type = 0x1
	LZ4    Type = 0x4
	Zstd   Type = 0x7
	MinLZ  Type = 0x8
	S2     Type = 0x9
)

var typeNames = map[Type]string{
	None:   "NoCompression",
	Snappy: "Snappy",
	LZ4:    "LZ4",
	Zstd:   "ZSTD",
	MinLZ:  "MinLZ",
	S2:     "S2",
}

// Types lists every supported compression type.
var Types = []Type{None, Snappy, LZ4, Zstd, MinLZ, S2}

// String implements fmt.Stringer.
func (t Type) String() string {
	return redact.StringWithoutMarkers(t)
}

// SafeFormat implements redact.SafeFormatter.
func (t Type) SafeFormat(w redact.SafePrinter, _ rune) {
	if n, ok := typeNames[t]; ok {
		w.Print(redact.SafeString(n))
		return
	}
	w.Printf("Unknown(%d)", redact.SafeUint(t))
}

// Valid returns true if t is a known compression type.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// ParseType parses the name of a compression type. The match is case
// insensitive, and "none" is accepted as an alias of NoCompression.
func ParseType(s string) (Type, error) {
	if strings.EqualFold(s, "none") {
		return None, nil
	}
	for t, n := range typeNames {
		if strings.EqualFold(s, n) {
			return t, nil
		}
	}
	return 0, errors.Errorf("unknown compression type %q", errors.Safe(s))
}

// Compressor is an interface for compressing data. An instance is associated
// with a specific Type.
type Compressor interface {
	// Type returns the compression type produced by this compressor.
	Type() Type
	// Compress a value, using dst as the output buffer when it has enough
	// capacity (dst can be nil). The returned slice may alias dst.
	Compress(dst, src []byte) ([]byte, error)
	// Close must be called when the Compressor is no longer needed. After
	// Close is called, the Compressor must not be used again.
	Close()
}

// Decompressor is an interface for decompressing data. An instance is
// associated with a specific Type.
type Decompressor interface {
	// DecompressInto decompresses compressed into buf. The buf slice must have
	// the exact size as the decompressed value. Callers may use
	// DecompressedLen to determine the correct size.
	DecompressInto(buf, compressed []byte) error
	// DecompressedLen returns the length of the provided value once
	// decompressed.
	DecompressedLen(b []byte) (decompressedLen int, err error)
	// Close must be called when the Decompressor is no longer needed. After
	// Close is called, the Decompressor must not be used again.
	Close()
}

// GetCompressor returns a Compressor for the given type. It panics if t is not
// a known type.
func GetCompressor(t Type) Compressor {
	switch t {
	case None:
		return noopCompressor{}
	case Snappy:
		return snappyCompressor{}
	case LZ4:
		return lz4Compressor{}
	case Zstd:
		return getZstdCompressor(defaultZstdLevel)
	case MinLZ:
		return getMinlzCompressor()
	case S2:
		return s2Compressor{}
	default:
		panic(errors.AssertionFailedf("invalid compression type %d", errors.Safe(uint8(t))))
	}
}

// GetDecompressor returns a Decompressor for the given type. It panics if t
// is not a known type.
func GetDecompressor(t Type) Decompressor {
	switch t {
	case None:
		return noopDecompressor{}
	case Snappy:
		return snappyDecompressor{}
	case LZ4:
		return lz4Decompressor{}
	case Zstd:
		return getZstdDecompressor()
	case MinLZ:
		return minlzDecompressor{}
	case S2:
		return s2Decompressor{}
	default:
		panic(errors.AssertionFailedf("invalid compression type %d", errors.Safe(uint8(t))))
	}
}

// Compress compresses src with the codec for t, reusing dst when it is large
// enough. Failures are returned as corruption errors.
func Compress(t Type, dst, src []byte) ([]byte, error) {
	if !t.Valid() {
		return nil, base.CorruptionErrorf("blobdb: unknown compression type %d", errors.Safe(uint8(t)))
	}
	c := GetCompressor(t)
	defer c.Close()
	out, err := c.Compress(dst, src)
	if err != nil {
		return nil, base.MarkCorruptionError(errors.Wrapf(err, "compressing with %s", t))
	}
	return out, nil
}

// Decompress decompresses src with the codec for t into a freshly allocated
// buffer. Failures, including a decompressed length that disagrees with the
// encoded one, are returned as corruption errors.
func Decompress(t Type, src []byte) ([]byte, error) {
	if !t.Valid() {
		return nil, base.CorruptionErrorf("blobdb: unknown compression type %d", errors.Safe(uint8(t)))
	}
	d := GetDecompressor(t)
	defer d.Close()
	n, err := d.DecompressedLen(src)
	if err != nil {
		return nil, base.MarkCorruptionError(errors.Wrapf(err, "decompressing with %s", t))
	}
	if n < 0 || n > maxDecompressedLen {
		return nil, base.CorruptionErrorf("blobdb: invalid decompressed length %d", errors.Safe(n))
	}
	buf := make([]byte, n)
	if err := d.DecompressInto(buf, src); err != nil {
		return nil, base.MarkCorruptionError(errors.Wrapf(err, "decompressing with %s", t))
	}
	return buf, nil
}

// maxDecompressedLen bounds the allocation made for a single value so that a
// corrupt length prefix cannot trigger an enormous allocation.
const maxDecompressedLen = 1 << 32
