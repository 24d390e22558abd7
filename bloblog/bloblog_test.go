// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package bloblog

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/blobdb/internal/base"
	"github.com/cockroachdb/blobdb/internal/compression"
	"github.com/cockroachdb/blobdb/metrics"
	"github.com/cockroachdb/blobdb/vfs"
	"github.com/cockroachdb/blobdb/vfs/errorfs"
	"github.com/cockroachdb/datadriven"
	"github.com/cockroachdb/tokenbucket"
	"github.com/stretchr/testify/require"
)

const testFile = "000001.blob"

func openIterator(t *testing.T, fs vfs.FS, name string) (*Iterator, error) {
	f, err := fs.Open(name)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	size, err := vfs.Size(f)
	require.NoError(t, err)
	return NewIterator(f, uint64(size))
}

func TestBlobLog(t *testing.T) {
	fs := vfs.NewMem()
	datadriven.RunTest(t, "testdata/bloblog", func(t *testing.T, td *datadriven.TestData) string {
		switch td.Cmd {
		case "build":
			var h Header
			var cf int
			td.MaybeScanArgs(t, "cf", &cf)
			h.ColumnFamilyID = uint32(cf)
			h.HasTTL = td.HasArg("ttl")
			opts := WriterOptions{DisableSync: true}
			if td.HasArg("checksum") {
				var s string
				td.ScanArgs(t, "checksum", &s)
				m, err := ParseChecksumMethod(s)
				require.NoError(t, err)
				opts.ChecksumMethod = m
			}
			f, err := fs.Create(testFile)
			require.NoError(t, err)
			w := NewWriter(f, 1, nil, opts)
			require.NoError(t, w.WriteHeader(h))

			var buf strings.Builder
			var footer Footer
			for _, line := range strings.Split(strings.TrimSpace(td.Input), "\n") {
				key, value, _ := strings.Cut(line, ":")
				var exp uint64
				if i := strings.IndexByte(value, '@'); i >= 0 {
					exp, err = strconv.ParseUint(value[i+1:], 10, 64)
					require.NoError(t, err)
					value = value[:i]
					footer.ExpirationRange.Extend(exp)
				}
				keyOff, valueOff, err := w.AddRecordWithExpiration([]byte(key), []byte(value), exp)
				require.NoError(t, err)
				footer.BlobCount++
				fmt.Fprintf(&buf, "%s: key=%d value=%d\n", key, keyOff, valueOff)
			}
			method, _, err := w.AppendFooter(footer)
			require.NoError(t, err)
			fmt.Fprintf(&buf, "size=%d checksum=%s\n", w.Size(), method)
			return buf.String()

		case "dump":
			it, err := openIterator(t, fs, testFile)
			if err != nil {
				return fmt.Sprintf("error: corruption=%t", base.IsCorruptionError(err))
			}
			var buf strings.Builder
			fmt.Fprintf(&buf, "header: %s\n", it.Header())
			for {
				rec, ok := it.Next()
				if !ok {
					break
				}
				fmt.Fprintf(&buf, "@%d %s=%s", it.ValueOffset(), rec.Key, rec.Value)
				if rec.Expiration != 0 {
					fmt.Fprintf(&buf, " exp=%d", rec.Expiration)
				}
				buf.WriteString("\n")
			}
			if err := it.Error(); err != nil {
				fmt.Fprintf(&buf, "error: corruption=%t\n", base.IsCorruptionError(err))
			}
			f := it.Footer()
			fmt.Fprintf(&buf, "footer: count=%d expiration=[%d,%d] checksum=%s\n",
				f.BlobCount, f.ExpirationRange.Min, f.ExpirationRange.Max, f.ChecksumMethod)
			return buf.String()

		case "verify":
			it, err := openIterator(t, fs, testFile)
			if err == nil {
				err = it.Verify()
			}
			if err != nil {
				return fmt.Sprintf("error: corruption=%t", base.IsCorruptionError(err))
			}
			return "OK"

		case "corrupt":
			var off int
			td.ScanArgs(t, "off", &off)
			require.NoError(t, fs.Corrupt(testFile, int64(off)))
			return "OK"

		case "truncate":
			var size int
			td.ScanArgs(t, "size", &size)
			require.NoError(t, fs.Truncate(testFile, int64(size)))
			return "OK"

		default:
			return fmt.Sprintf("unknown command: %s", td.Cmd)
		}
	})
}

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		ColumnFamilyID:  3,
		Compression:     compression.Zstd,
		HasTTL:          true,
		ExpirationRange: ExpirationRange{Min: 10, Max: 20},
	}
	b := h.Encode(nil)
	require.Len(t, b, HeaderSize)
	var got Header
	require.NoError(t, got.Decode(b))
	require.Equal(t, h, got)

	// Each malformed field is reported as corruption.
	for _, tc := range []struct {
		name string
		mut  func(b []byte)
	}{
		{"magic", func(b []byte) { b[0] ^= 1 }},
		{"version", func(b []byte) { b[4] = 2 }},
		{"compression", func(b []byte) { b[12] = 200 }},
		{"ttl", func(b []byte) { b[13] = 2 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := append([]byte(nil), b...)
			tc.mut(c)
			require.True(t, base.IsCorruptionError(got.Decode(c)))
		})
	}
	require.True(t, base.IsCorruptionError(got.Decode(b[:HeaderSize-1])))
}

func TestFooterRoundTrip(t *testing.T) {
	f := Footer{
		BlobCount:       42,
		ExpirationRange: ExpirationRange{Min: 1, Max: 99},
		ChecksumMethod:  ChecksumXXH64,
		ChecksumValue:   0xdeadbeefcafe,
	}
	b := f.Encode(nil)
	require.Len(t, b, FooterSize)
	var got Footer
	require.NoError(t, got.Decode(b))
	require.Equal(t, f, got)

	for i := range b {
		c := append([]byte(nil), b...)
		c[i] ^= 0x80
		require.Truef(t, base.IsCorruptionError(got.Decode(c)), "byte %d", i)
	}
}

func TestRecordHeader(t *testing.T) {
	r := Record{Key: []byte("key"), Value: []byte("value"), Expiration: 7}
	b := r.EncodeHeader(nil)
	require.Len(t, b, RecordHeaderSize)

	var got Record
	require.NoError(t, got.DecodeHeaderFrom(b))
	require.Equal(t, uint64(3), got.KeySize)
	require.Equal(t, uint64(5), got.ValueSize)
	require.Equal(t, uint64(7), got.Expiration)
	got.Key, got.Value = []byte("key"), []byte("value")
	require.NoError(t, got.CheckBlobCRC())

	got.Value = []byte("valuf")
	require.True(t, base.IsCorruptionError(got.CheckBlobCRC()))
	got.Value = []byte("val")
	require.True(t, base.IsCorruptionError(got.CheckBlobCRC()))

	b[3] ^= 1
	require.True(t, base.IsCorruptionError(got.DecodeHeaderFrom(b)))
	require.True(t, base.IsCorruptionError(got.DecodeHeaderFrom(b[:10])))
}

func TestIsValidBlobOffset(t *testing.T) {
	// A file holding a single record with a 3 byte key and a 5 byte value:
	// the value starts at 30+32+3 = 65 and the file is 65+5+41 = 111 bytes.
	const fileSize = 111
	require.True(t, IsValidBlobOffset(65, 3, 5, fileSize))
	require.False(t, IsValidBlobOffset(64, 3, 5, fileSize))
	require.False(t, IsValidBlobOffset(66, 3, 5, fileSize))
	require.False(t, IsValidBlobOffset(65, 3, 6, fileSize))
	require.True(t, IsValidBlobOffset(65, 3, 4, fileSize))
	require.False(t, IsValidBlobOffset(0, 0, 0, fileSize))
	require.False(t, IsValidBlobOffset(65, 3, 5, 50))

	require.True(t, IsValidBlobOffset(1<<40, 3, 5, UnknownFileSize))
	require.False(t, IsValidBlobOffset(math.MaxUint64, 3, math.MaxUint64, fileSize))
	require.False(t, IsValidBlobOffset(math.MaxUint64, math.MaxUint64, 0, fileSize))

	require.Equal(t, uint64(40), RecordSize(3, 5))
	require.Equal(t, uint64(35), AdjustmentForRecordHeader(3))
}

func TestChecksumMethods(t *testing.T) {
	for _, m := range []ChecksumMethod{ChecksumNone, ChecksumCRC32C, ChecksumXXH64} {
		got, err := ParseChecksumMethod(m.String())
		require.NoError(t, err)
		require.Equal(t, m, got)
	}
	_, err := ParseChecksumMethod("md5")
	require.Error(t, err)
	require.Equal(t, "unknown(9)", ChecksumMethod(9).String())

	require.Equal(t, "", FormatChecksumValue(ChecksumNone, 12))
	require.Equal(t, "0000000c", FormatChecksumValue(ChecksumCRC32C, 12))
	require.Equal(t, "000000000000000c", FormatChecksumValue(ChecksumXXH64, 12))
}

func TestWriterChecksums(t *testing.T) {
	for _, m := range []ChecksumMethod{ChecksumNone, ChecksumCRC32C, ChecksumXXH64} {
		t.Run(m.String(), func(t *testing.T) {
			fs := vfs.NewMem()
			f, err := fs.Create(testFile)
			require.NoError(t, err)
			stats := metrics.NewStatistics()
			w := NewWriter(f, 1, stats, WriterOptions{ChecksumMethod: m})
			require.NoError(t, w.WriteHeader(Header{}))
			for i := 0; i < 10; i++ {
				_, _, err := w.AddRecord([]byte(fmt.Sprintf("key%d", i)), []byte(strings.Repeat("v", i)))
				require.NoError(t, err)
			}
			method, value, err := w.AppendFooter(Footer{BlobCount: 10})
			require.NoError(t, err)
			require.Equal(t, m.String(), method)
			switch m {
			case ChecksumNone:
				require.Empty(t, value)
			case ChecksumCRC32C:
				require.Len(t, value, 8)
			case ChecksumXXH64:
				require.Len(t, value, 16)
			}
			require.Equal(t, uint64(1), stats.Ticker(metrics.BlobFileSynced))
			require.Equal(t, w.Size(), stats.Ticker(metrics.BlobFileBytesWritten))
			require.Equal(t, uint64(10), stats.HistogramCount(metrics.BlobFileWriteMicros))
			require.Equal(t, uint64(1), stats.HistogramCount(metrics.BlobFileSyncMicros))

			it, err := openIterator(t, fs, testFile)
			require.NoError(t, err)
			require.NoError(t, it.Verify())

			// Flipping a byte in the records region is caught by either the
			// record checksums or the file digest.
			require.NoError(t, fs.Corrupt(testFile, HeaderSize+RecordHeaderSize))
			it, err = openIterator(t, fs, testFile)
			require.NoError(t, err)
			require.True(t, base.IsCorruptionError(it.Verify()))
		})
	}
}

func TestWriterStickyError(t *testing.T) {
	mem := vfs.NewMem()
	// Fail the second write: the header succeeds, the first record fails.
	fs := errorfs.Wrap(mem, errorfs.OnOp(errorfs.OpFileWrite, errorfs.OnIndex(1, errorfs.Always())))
	f, err := fs.Create(testFile)
	require.NoError(t, err)
	w := NewWriter(f, 1, nil, WriterOptions{})
	require.NoError(t, w.WriteHeader(Header{}))
	_, _, err = w.AddRecord([]byte("k"), []byte("v"))
	require.Error(t, err)
	require.True(t, base.IsIOError(err))
	require.ErrorIs(t, err, errorfs.ErrInjected)

	_, _, err2 := w.AddRecord([]byte("k"), []byte("v"))
	require.Equal(t, err, err2)
	_, _, err2 = w.AppendFooter(Footer{})
	require.Equal(t, err, err2)
	require.NoError(t, w.Abandon())
	require.Equal(t, uint64(HeaderSize), w.Size())
}

func TestWriterMisuse(t *testing.T) {
	fs := vfs.NewMem()
	f, err := fs.Create(testFile)
	require.NoError(t, err)
	w := NewWriter(f, 1, nil, WriterOptions{DisableSync: true})
	_, _, err = w.AddRecord([]byte("k"), []byte("v"))
	require.Error(t, err)
	require.NoError(t, w.WriteHeader(Header{}))
	err = w.WriteHeader(Header{})
	require.Error(t, err)
	require.True(t, base.IsIOError(err))
	require.Equal(t, uint64(HeaderSize), w.Size())
	require.NoError(t, w.Abandon())
	require.NoError(t, w.Abandon())
}

func TestWriterRateLimited(t *testing.T) {
	fs := vfs.NewMem()
	f, err := fs.Create(testFile)
	require.NoError(t, err)
	var tb tokenbucket.TokenBucket
	// A frozen clock means no refill, so every byte written is accounted
	// for in the bucket.
	now := time.Now()
	tb.InitWithNowFn(tokenbucket.TokensPerSecond(1<<20), tokenbucket.Tokens(1<<20), func() time.Time { return now })
	w := NewWriter(f, 1, nil, WriterOptions{DisableSync: true, RateLimiter: &tb})
	require.NoError(t, w.WriteHeader(Header{}))
	for i := 0; i < 100; i++ {
		_, _, err := w.AddRecord([]byte("key"), make([]byte, 100))
		require.NoError(t, err)
	}
	_, _, err = w.AppendFooter(Footer{BlobCount: 100})
	require.NoError(t, err)
	require.Equal(t, uint64(HeaderSize+100*RecordSize(3, 100)+FooterSize), w.Size())
	_, _, available := tb.TestingInternalParameters()
	require.Equal(t, tokenbucket.Tokens(1<<20)-tokenbucket.Tokens(w.Size()), available)
}

func TestExpirationRange(t *testing.T) {
	var r ExpirationRange
	require.True(t, r.Empty())
	r.Extend(50)
	require.Equal(t, ExpirationRange{50, 50}, r)
	r.Extend(10)
	r.Extend(90)
	require.Equal(t, ExpirationRange{10, 90}, r)
}
