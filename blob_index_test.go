// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package blobdb

import (
	"encoding/hex"
	"fmt"
	"strings"
	"testing"

	"github.com/cockroachdb/blobdb/internal/base"
	"github.com/cockroachdb/blobdb/internal/compression"
	"github.com/cockroachdb/datadriven"
	"github.com/cockroachdb/redact"
	"github.com/stretchr/testify/require"
)

func TestBlobIndex(t *testing.T) {
	datadriven.RunTest(t, "testdata/blob_index", func(t *testing.T, td *datadriven.TestData) string {
		var enc []byte
		switch td.Cmd {
		case "encode":
			var typ string
			var exp, fileNum, offset, size uint64
			td.ScanArgs(t, "type", &typ)
			td.MaybeScanArgs(t, "exp", &exp)
			td.MaybeScanArgs(t, "file", &fileNum)
			td.MaybeScanArgs(t, "offset", &offset)
			td.MaybeScanArgs(t, "size", &size)
			c := compression.None
			if td.HasArg("compression") {
				var s string
				td.ScanArgs(t, "compression", &s)
				var err error
				c, err = compression.ParseType(s)
				require.NoError(t, err)
			}
			switch typ {
			case "blob":
				enc = EncodeBlob(nil, base.DiskFileNum(fileNum), offset, size, c)
			case "blob-ttl":
				enc = EncodeBlobTTL(nil, exp, base.DiskFileNum(fileNum), offset, size, c)
			case "inlined":
				enc = EncodeInlinedTTL(nil, exp, []byte(strings.TrimSpace(td.Input)))
			default:
				td.Fatalf(t, "unknown type %q", typ)
			}
		case "decode":
			var err error
			enc, err = hex.DecodeString(strings.ReplaceAll(strings.TrimSpace(td.Input), " ", ""))
			require.NoError(t, err)
		default:
			return fmt.Sprintf("unknown command: %s", td.Cmd)
		}

		bi, err := DecodeBlobIndex(enc)
		if err != nil {
			require.True(t, base.IsCorruptionError(err))
			return fmt.Sprintf("error: %s", err)
		}
		var buf strings.Builder
		if td.Cmd == "encode" {
			fmt.Fprintf(&buf, "% x\n", enc)
		}
		fmt.Fprintf(&buf, "%s\n", bi)
		return buf.String()
	})
}

func TestBlobIndexRedaction(t *testing.T) {
	enc := EncodeInlinedTTL(nil, 9, []byte("secret"))
	bi, err := DecodeBlobIndex(enc)
	require.NoError(t, err)
	require.True(t, bi.IsInlined())
	require.True(t, bi.HasTTL())
	require.Equal(t, "[inlined blob] value:‹×› exp:9", string(redact.Sprint(bi).Redact()))

	enc = EncodeBlob(nil, 12, 40, 8, compression.LZ4)
	require.LessOrEqual(t, len(enc), MaxBlobIndexLength)
	bi, err = DecodeBlobIndex(enc)
	require.NoError(t, err)
	require.False(t, bi.HasTTL())
	require.Equal(t, "[blob ref] file:000012 offset:40 size:8 compression:LZ4",
		string(redact.Sprint(bi).Redact()))
}

func TestBlobIndexMaxLength(t *testing.T) {
	const max = ^uint64(0)
	enc := EncodeBlob(nil, base.DiskFileNum(max), max, max, compression.Zstd)
	require.LessOrEqual(t, len(enc), MaxBlobIndexLength)
	enc = EncodeBlobTTL(nil, max, base.DiskFileNum(max), max, max, compression.Zstd)
	require.Equal(t, MaxBlobIndexLength, len(enc))
}
