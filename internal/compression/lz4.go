// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package compression

import (
	"encoding/binary"

	"github.com/cockroachdb/blobdb/internal/base"
	"github.com/cockroachdb/errors"
	"github.com/pierrec/lz4/v4"
)

// An LZ4 payload is a uvarint holding the decompressed length followed by a
// raw LZ4 block.
type lz4Compressor struct{}

var _ Compressor = lz4Compressor{}

func (lz4Compressor) Type() Type { return LZ4 }

func (lz4Compressor) Compress(dst, src []byte) ([]byte, error) {
	bound := binary.MaxVarintLen64 + lz4.CompressBlockBound(len(src))
	if cap(dst) < bound {
		dst = make([]byte, bound)
	}
	dst = dst[:bound]
	varIntLen := binary.PutUvarint(dst, uint64(len(src)))
	var c lz4.Compressor
	n, err := c.CompressBlock(src, dst[varIntLen:])
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// The block is incompressible; emit it as a single literal run.
		n = putLZ4Literals(dst[varIntLen:], src)
	}
	return dst[:varIntLen+n], nil
}

func (lz4Compressor) Close() {}

// putLZ4Literals encodes src as an LZ4 block made of one literal-only
// sequence. dst must hold at least lz4.CompressBlockBound(len(src)) bytes.
func putLZ4Literals(dst, src []byte) int {
	n := len(src)
	i := 1
	if n < 15 {
		dst[0] = byte(n << 4)
	} else {
		dst[0] = 0xf0
		for rem := n - 15; ; rem -= 255 {
			if rem < 255 {
				dst[i] = byte(rem)
				i++
				break
			}
			dst[i] = 255
			i++
		}
	}
	return i + copy(dst[i:], src)
}

type lz4Decompressor struct{}

var _ Decompressor = lz4Decompressor{}

func (lz4Decompressor) DecompressInto(buf, compressed []byte) error {
	_, prefixLen := binary.Uvarint(compressed)
	if prefixLen <= 0 {
		return base.CorruptionErrorf("blobdb: lz4 value has invalid length prefix")
	}
	n, err := lz4.UncompressBlock(compressed[prefixLen:], buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return base.CorruptionErrorf("blobdb: lz4 decompressed %d bytes, expected %d",
			errors.Safe(n), errors.Safe(len(buf)))
	}
	return nil
}

func (lz4Decompressor) DecompressedLen(b []byte) (decompressedLen int, err error) {
	decodedLenU64, varIntLen := binary.Uvarint(b)
	if varIntLen <= 0 {
		return 0, base.CorruptionErrorf("blobdb: compressed value has invalid length")
	}
	return int(decodedLenU64), nil
}

func (lz4Decompressor) Close() {}
