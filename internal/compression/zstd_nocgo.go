// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

//go:build !cgo

package compression

import (
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/blobdb/internal/base"
	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"
)

const defaultZstdLevel = 3

// UseStandardZstdLib indicates whether the zstd implementation is a port of the
// official one in the facebook/zstd repository.
//
// We cannot always use the official facebook/zstd implementation since it
// relies on CGo.
const UseStandardZstdLib = false

type zstdCompressor struct {
	enc *zstd.Encoder
}

var _ Compressor = (*zstdCompressor)(nil)

var zstdEncoderOnce sync.Once
var zstdEncoder *zstd.Encoder

// The klauspost encoder is safe for concurrent EncodeAll calls, so a single
// instance is shared.
func getZstdCompressor(level int) *zstdCompressor {
	zstdEncoderOnce.Do(func() {
		var err error
		zstdEncoder, err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		if err != nil {
			panic(err)
		}
	})
	return &zstdCompressor{enc: zstdEncoder}
}

func (z *zstdCompressor) Type() Type { return Zstd }

func (z *zstdCompressor) Compress(compressedBuf, b []byte) ([]byte, error) {
	if cap(compressedBuf) < binary.MaxVarintLen64 {
		compressedBuf = make([]byte, binary.MaxVarintLen64)
	}
	compressedBuf = compressedBuf[:binary.MaxVarintLen64]
	varIntLen := binary.PutUvarint(compressedBuf, uint64(len(b)))
	return z.enc.EncodeAll(b, compressedBuf[:varIntLen]), nil
}

func (z *zstdCompressor) Close() {}

type zstdDecompressor struct{}

var _ Decompressor = zstdDecompressor{}

var zstdDecoderPool = sync.Pool{
	New: func() any {
		d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			panic(err)
		}
		return d
	},
}

func (zstdDecompressor) DecompressInto(dst, src []byte) error {
	// The payload is prefixed with a varint encoding the length of
	// the decompressed value.
	_, prefixLen := binary.Uvarint(src)
	if prefixLen <= 0 {
		return base.CorruptionErrorf("blobdb: zstd value has invalid length prefix")
	}
	src = src[prefixLen:]
	decoder := zstdDecoderPool.Get().(*zstd.Decoder)
	defer zstdDecoderPool.Put(decoder)
	result, err := decoder.DecodeAll(src, dst[:0])
	if err != nil {
		return err
	}
	if len(result) != len(dst) || (len(result) > 0 && &result[0] != &dst[0]) {
		return base.CorruptionErrorf("blobdb: decompressed into unexpected buffer: %p != %p",
			errors.Safe(result), errors.Safe(dst))
	}
	return nil
}

func (zstdDecompressor) DecompressedLen(b []byte) (decompressedLen int, err error) {
	decodedLenU64, varIntLen := binary.Uvarint(b)
	if varIntLen <= 0 {
		return 0, base.CorruptionErrorf("blobdb: compressed value has invalid length")
	}
	return int(decodedLenU64), nil
}

func (zstdDecompressor) Close() {}

func getZstdDecompressor() zstdDecompressor {
	return zstdDecompressor{}
}
