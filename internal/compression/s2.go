// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package compression

import (
	"github.com/cockroachdb/blobdb/internal/base"
	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/s2"
)

type s2Compressor struct{}

var _ Compressor = s2Compressor{}

func (s2Compressor) Type() Type { return S2 }

func (s2Compressor) Compress(dst, src []byte) ([]byte, error) {
	dst = dst[:cap(dst):cap(dst)]
	return s2.Encode(dst, src), nil
}

func (s2Compressor) Close() {}

type s2Decompressor struct{}

var _ Decompressor = s2Decompressor{}

func (s2Decompressor) DecompressInto(buf, compressed []byte) error {
	result, err := s2.Decode(buf, compressed)
	if err != nil {
		return err
	}
	if len(result) != len(buf) || (len(result) > 0 && &result[0] != &buf[0]) {
		return base.CorruptionErrorf("blobdb: decompressed into unexpected buffer: %p != %p",
			errors.Safe(result), errors.Safe(buf))
	}
	return nil
}

func (s2Decompressor) DecompressedLen(b []byte) (decompressedLen int, err error) {
	return s2.DecodedLen(b)
}

func (s2Decompressor) Close() {}
