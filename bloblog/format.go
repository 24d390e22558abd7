// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package bloblog

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/blobdb/internal/base"
	"github.com/cockroachdb/blobdb/internal/compression"
	"github.com/cockroachdb/blobdb/internal/crc"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

const (
	// Magic identifies blob files. It appears at the start of the header and
	// of the footer.
	Magic uint32 = 0x00248f37
	// Version is the only supported format version.
	Version uint32 = 1

	// HeaderSize is the encoded length of a Header.
	HeaderSize = 30
	// RecordHeaderSize is the encoded length of the fixed part of a record,
	// which precedes the key and value bytes.
	RecordHeaderSize = 32
	// FooterSize is the encoded length of a Footer.
	FooterSize = 41

	// UnknownFileSize is used as the file size of a blob file whose final
	// size is not known yet, for example while it is still being written.
	// Offset validation against the file size is skipped for it.
	UnknownFileSize uint64 = math.MaxUint64
)

// ExpirationRange is the [Min, Max] range of record expirations in a file.
// The zero value means no expirations.
type ExpirationRange struct {
	Min, Max uint64
}

// Empty returns true if the range does not hold any expiration.
func (r ExpirationRange) Empty() bool {
	return r == ExpirationRange{}
}

// Extend widens the range to include the given expiration.
func (r *ExpirationRange) Extend(expiration uint64) {
	if r.Empty() {
		r.Min, r.Max = expiration, expiration
		return
	}
	r.Min = min(r.Min, expiration)
	r.Max = max(r.Max, expiration)
}

// Header is the fixed-size header written once at the start of a blob file.
//
// Header format:
//   - magic number (4 bytes)
//   - version (4 bytes)
//   - column family id (4 bytes)
//   - compression type (1 byte)
//   - has ttl (1 byte)
//   - expiration range min (8 bytes)
//   - expiration range max (8 bytes)
type Header struct {
	ColumnFamilyID  uint32
	Compression     compression.Type
	HasTTL          bool
	ExpirationRange ExpirationRange
}

// Encode appends the encoded header to dst.
func (h *Header) Encode(dst []byte) []byte {
	var b [HeaderSize]byte
	binary.LittleEndian.PutUint32(b[0:], Magic)
	binary.LittleEndian.PutUint32(b[4:], Version)
	binary.LittleEndian.PutUint32(b[8:], h.ColumnFamilyID)
	b[12] = byte(h.Compression)
	if h.HasTTL {
		b[13] = 1
	}
	binary.LittleEndian.PutUint64(b[14:], h.ExpirationRange.Min)
	binary.LittleEndian.PutUint64(b[22:], h.ExpirationRange.Max)
	return append(dst, b[:]...)
}

// Decode decodes a header from src, which must hold exactly HeaderSize bytes.
func (h *Header) Decode(src []byte) error {
	if len(src) != HeaderSize {
		return base.CorruptionErrorf("blobdb: invalid blob file header length %d", errors.Safe(len(src)))
	}
	if m := binary.LittleEndian.Uint32(src[0:]); m != Magic {
		return base.CorruptionErrorf("blobdb: invalid blob file header magic 0x%08x", errors.Safe(m))
	}
	if v := binary.LittleEndian.Uint32(src[4:]); v != Version {
		return base.CorruptionErrorf("blobdb: unsupported blob file version %d", errors.Safe(v))
	}
	h.ColumnFamilyID = binary.LittleEndian.Uint32(src[8:])
	h.Compression = compression.Type(src[12])
	if !h.Compression.Valid() {
		return base.CorruptionErrorf("blobdb: invalid compression type %d in blob file header", errors.Safe(src[12]))
	}
	switch src[13] {
	case 0:
		h.HasTTL = false
	case 1:
		h.HasTTL = true
	default:
		return base.CorruptionErrorf("blobdb: invalid has_ttl byte %d in blob file header", errors.Safe(src[13]))
	}
	h.ExpirationRange.Min = binary.LittleEndian.Uint64(src[14:])
	h.ExpirationRange.Max = binary.LittleEndian.Uint64(src[22:])
	return nil
}

// String implements fmt.Stringer.
func (h Header) String() string {
	return fmt.Sprintf("cf=%d compression=%s ttl=%t expiration=[%d,%d]",
		h.ColumnFamilyID, h.Compression, h.HasTTL, h.ExpirationRange.Min, h.ExpirationRange.Max)
}

// Record is a single key/value record. On disk a record is its 32-byte header
// followed by the key bytes and the stored (possibly compressed) value bytes.
//
// Record header format:
//   - key length (8 bytes)
//   - value length (8 bytes)
//   - expiration (8 bytes)
//   - header CRC over the preceding 24 bytes (4 bytes)
//   - blob CRC over key and value (4 bytes)
type Record struct {
	KeySize    uint64
	ValueSize  uint64
	Expiration uint64
	HeaderCRC  uint32
	BlobCRC    uint32

	Key   []byte
	Value []byte
}

// EncodeHeader appends the encoded record header to dst, computing both
// checksums from r.Key and r.Value.
func (r *Record) EncodeHeader(dst []byte) []byte {
	r.KeySize = uint64(len(r.Key))
	r.ValueSize = uint64(len(r.Value))
	var b [RecordHeaderSize]byte
	binary.LittleEndian.PutUint64(b[0:], r.KeySize)
	binary.LittleEndian.PutUint64(b[8:], r.ValueSize)
	binary.LittleEndian.PutUint64(b[16:], r.Expiration)
	r.HeaderCRC = crc.New(b[:24]).Value()
	r.BlobCRC = crc.New(r.Key).Update(r.Value).Value()
	binary.LittleEndian.PutUint32(b[24:], r.HeaderCRC)
	binary.LittleEndian.PutUint32(b[28:], r.BlobCRC)
	return append(dst, b[:]...)
}

// DecodeHeaderFrom decodes the record header held in the first
// RecordHeaderSize bytes of src, verifying the header checksum. Key and Value
// are left untouched.
func (r *Record) DecodeHeaderFrom(src []byte) error {
	if len(src) < RecordHeaderSize {
		return base.CorruptionErrorf("blobdb: truncated blob record header (%d bytes)", errors.Safe(len(src)))
	}
	r.KeySize = binary.LittleEndian.Uint64(src[0:])
	r.ValueSize = binary.LittleEndian.Uint64(src[8:])
	r.Expiration = binary.LittleEndian.Uint64(src[16:])
	r.HeaderCRC = binary.LittleEndian.Uint32(src[24:])
	r.BlobCRC = binary.LittleEndian.Uint32(src[28:])
	if computed := crc.New(src[:24]).Value(); computed != r.HeaderCRC {
		return base.CorruptionErrorf("blobdb: blob record header checksum mismatch: 0x%08x, expected 0x%08x",
			errors.Safe(computed), errors.Safe(r.HeaderCRC))
	}
	return nil
}

// CheckBlobCRC verifies the blob checksum against r.Key and r.Value.
func (r *Record) CheckBlobCRC() error {
	if uint64(len(r.Key)) != r.KeySize || uint64(len(r.Value)) != r.ValueSize {
		return base.CorruptionErrorf("blobdb: blob record length mismatch")
	}
	if computed := crc.New(r.Key).Update(r.Value).Value(); computed != r.BlobCRC {
		return base.CorruptionErrorf("blobdb: blob record checksum mismatch: 0x%08x, expected 0x%08x",
			errors.Safe(computed), errors.Safe(r.BlobCRC))
	}
	return nil
}

// ChecksumMethod identifies the whole-file digest stored in the footer.
type ChecksumMethod uint8

// The available checksum methods.
const (
	ChecksumNone ChecksumMethod = iota
	ChecksumCRC32C
	ChecksumXXH64
	numChecksumMethods
)

var checksumMethodNames = [numChecksumMethods]string{
	ChecksumNone:   "none",
	ChecksumCRC32C: "crc32c",
	ChecksumXXH64:  "xxh64",
}

// String implements fmt.Stringer.
func (m ChecksumMethod) String() string {
	return redact.StringWithoutMarkers(m)
}

// SafeFormat implements redact.SafeFormatter.
func (m ChecksumMethod) SafeFormat(w redact.SafePrinter, _ rune) {
	if m >= numChecksumMethods {
		w.Printf("unknown(%d)", redact.SafeUint(m))
		return
	}
	w.Print(redact.SafeString(checksumMethodNames[m]))
}

// ParseChecksumMethod parses the name of a checksum method.
func ParseChecksumMethod(s string) (ChecksumMethod, error) {
	for i, n := range checksumMethodNames {
		if n == s {
			return ChecksumMethod(i), nil
		}
	}
	return 0, errors.Errorf("unknown checksum method %q", errors.Safe(s))
}

// FormatChecksumValue renders a digest produced by the given method as a hex
// string. The "none" method has an empty value.
func FormatChecksumValue(m ChecksumMethod, v uint64) string {
	switch m {
	case ChecksumCRC32C:
		return fmt.Sprintf("%08x", uint32(v))
	case ChecksumXXH64:
		return fmt.Sprintf("%016x", v)
	default:
		return ""
	}
}

// Digest accumulates the whole-file digest of the records region.
type Digest struct {
	method ChecksumMethod
	crc    crc.CRC
	xxh    *xxhash.Digest
}

// MakeDigest returns an empty digest for the given method.
func MakeDigest(m ChecksumMethod) Digest {
	d := Digest{method: m}
	if m == ChecksumXXH64 {
		d.xxh = xxhash.New()
	}
	return d
}

// Write adds b to the digest.
func (d *Digest) Write(b []byte) {
	switch d.method {
	case ChecksumCRC32C:
		d.crc = d.crc.Update(b)
	case ChecksumXXH64:
		_, _ = d.xxh.Write(b)
	}
}

// Sum64 returns the digest value.
func (d *Digest) Sum64() uint64 {
	switch d.method {
	case ChecksumCRC32C:
		return uint64(d.crc.Value())
	case ChecksumXXH64:
		return d.xxh.Sum64()
	default:
		return 0
	}
}

// Footer is the fixed-size trailer written once when a blob file is closed.
//
// Footer format:
//   - magic number (4 bytes)
//   - blob count (8 bytes)
//   - expiration range min (8 bytes)
//   - expiration range max (8 bytes)
//   - checksum method (1 byte)
//   - checksum value, zero padded (8 bytes)
//   - footer CRC over the preceding 37 bytes (4 bytes)
type Footer struct {
	BlobCount       uint64
	ExpirationRange ExpirationRange
	ChecksumMethod  ChecksumMethod
	ChecksumValue   uint64
}

// Encode appends the encoded footer to dst.
func (f *Footer) Encode(dst []byte) []byte {
	var b [FooterSize]byte
	binary.LittleEndian.PutUint32(b[0:], Magic)
	binary.LittleEndian.PutUint64(b[4:], f.BlobCount)
	binary.LittleEndian.PutUint64(b[12:], f.ExpirationRange.Min)
	binary.LittleEndian.PutUint64(b[20:], f.ExpirationRange.Max)
	b[28] = byte(f.ChecksumMethod)
	binary.LittleEndian.PutUint64(b[29:], f.ChecksumValue)
	binary.LittleEndian.PutUint32(b[37:], crc.New(b[:37]).Value())
	return append(dst, b[:]...)
}

// Decode decodes a footer from src, which must hold exactly FooterSize bytes.
func (f *Footer) Decode(src []byte) error {
	if len(src) != FooterSize {
		return base.CorruptionErrorf("blobdb: invalid blob file footer length %d", errors.Safe(len(src)))
	}
	if m := binary.LittleEndian.Uint32(src[0:]); m != Magic {
		return base.CorruptionErrorf("blobdb: invalid blob file footer magic 0x%08x", errors.Safe(m))
	}
	encoded := binary.LittleEndian.Uint32(src[37:])
	if computed := crc.New(src[:37]).Value(); computed != encoded {
		return base.CorruptionErrorf("blobdb: blob file footer checksum mismatch: 0x%08x, expected 0x%08x",
			errors.Safe(computed), errors.Safe(encoded))
	}
	f.BlobCount = binary.LittleEndian.Uint64(src[4:])
	f.ExpirationRange.Min = binary.LittleEndian.Uint64(src[12:])
	f.ExpirationRange.Max = binary.LittleEndian.Uint64(src[20:])
	f.ChecksumMethod = ChecksumMethod(src[28])
	if f.ChecksumMethod >= numChecksumMethods {
		return base.CorruptionErrorf("blobdb: invalid checksum method %d in blob file footer", errors.Safe(src[28]))
	}
	f.ChecksumValue = binary.LittleEndian.Uint64(src[29:])
	return nil
}

// String implements fmt.Stringer.
func (f Footer) String() string {
	return fmt.Sprintf("count=%d expiration=[%d,%d] checksum=%s:%s",
		f.BlobCount, f.ExpirationRange.Min, f.ExpirationRange.Max,
		f.ChecksumMethod, FormatChecksumValue(f.ChecksumMethod, f.ChecksumValue))
}

// RecordSize returns the on-disk size of a record with the given key and
// stored value lengths.
func RecordSize(keySize, valueSize uint64) uint64 {
	return RecordHeaderSize + keySize + valueSize
}

// AdjustmentForRecordHeader returns the distance from the start of a record
// to its value bytes. A BlobIndex offset points at the value, so the record
// starts at offset - AdjustmentForRecordHeader(keySize).
func AdjustmentForRecordHeader(keySize uint64) uint64 {
	return RecordHeaderSize + keySize
}

// IsValidBlobOffset reports whether a value of valueSize bytes at offset,
// stored under a key of keySize bytes, lies within the records region of a
// file of fileSize bytes. UnknownFileSize disables the upper bound.
func IsValidBlobOffset(offset, keySize, valueSize, fileSize uint64) bool {
	adjustment := AdjustmentForRecordHeader(keySize)
	if adjustment < keySize || offset < HeaderSize+adjustment {
		return false
	}
	if fileSize == UnknownFileSize {
		return true
	}
	if fileSize < HeaderSize+FooterSize {
		return false
	}
	limit := fileSize - FooterSize
	return valueSize <= limit && offset <= limit-valueSize
}
