// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package blobdb

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/blobdb/bloblog"
	"github.com/cockroachdb/blobdb/internal/base"
	"github.com/cockroachdb/blobdb/internal/cache"
	"github.com/cockroachdb/blobdb/internal/compression"
	"github.com/cockroachdb/blobdb/metrics"
	"github.com/cockroachdb/blobdb/vfs"
	"github.com/cockroachdb/crlib/crhumanize"
	"github.com/cockroachdb/errors"
)

// Logger defines an interface for writing log messages.
type Logger = base.Logger

// Cleaner exports the base.Cleaner type.
type Cleaner = base.Cleaner

// DeleteCleaner exports the base.DeleteCleaner type.
type DeleteCleaner = base.DeleteCleaner

// ArchiveCleaner exports the base.ArchiveCleaner type.
type ArchiveCleaner = base.ArchiveCleaner

// ReadTier controls which storage tiers a read may consult.
type ReadTier int8

const (
	// ReadAllTier reads from the value cache and falls back to blob files.
	ReadAllTier ReadTier = iota
	// BlockCacheTier restricts reads to the value cache. A read that misses
	// the cache fails with an Incomplete error without performing I/O.
	BlockCacheTier
)

// String implements fmt.Stringer.
func (t ReadTier) String() string {
	switch t {
	case ReadAllTier:
		return "read-all"
	case BlockCacheTier:
		return "block-cache"
	}
	return fmt.Sprintf("ReadTier(%d)", int8(t))
}

// CacheTier selects the lowest tier of the value cache that reads consult.
type CacheTier int8

const (
	// VolatileTier only consults the in-memory primary tier.
	VolatileTier CacheTier = iota
	// NonVolatileBlockTier also consults the secondary tier on a primary
	// miss, promoting hits into the primary tier.
	NonVolatileBlockTier
)

// String implements fmt.Stringer.
func (t CacheTier) String() string {
	switch t {
	case VolatileTier:
		return "volatile"
	case NonVolatileBlockTier:
		return "non-volatile"
	}
	return fmt.Sprintf("CacheTier(%d)", int8(t))
}

func parseCacheTier(s string) (CacheTier, error) {
	switch s {
	case "volatile":
		return VolatileTier, nil
	case "non-volatile":
		return NonVolatileBlockTier, nil
	}
	return 0, errors.Errorf("unknown cache tier %q", errors.Safe(s))
}

// PrepopulateBlobCache is the policy deciding which freshly written blobs are
// inserted into the value cache.
type PrepopulateBlobCache int8

const (
	// PrepopulateBlobDisable never warms the cache.
	PrepopulateBlobDisable PrepopulateBlobCache = iota
	// PrepopulateBlobFlushOnly warms the cache for files created by flushes.
	PrepopulateBlobFlushOnly
	// PrepopulateBlobAlways warms the cache for every blob file.
	PrepopulateBlobAlways
)

// String implements fmt.Stringer.
func (p PrepopulateBlobCache) String() string {
	switch p {
	case PrepopulateBlobDisable:
		return "disable"
	case PrepopulateBlobFlushOnly:
		return "flush_only"
	case PrepopulateBlobAlways:
		return "always"
	}
	return fmt.Sprintf("PrepopulateBlobCache(%d)", int8(p))
}

func parsePrepopulateBlobCache(s string) (PrepopulateBlobCache, error) {
	switch s {
	case "disable":
		return PrepopulateBlobDisable, nil
	case "flush_only":
		return PrepopulateBlobFlushOnly, nil
	case "always":
		return PrepopulateBlobAlways, nil
	}
	return 0, errors.Errorf("unknown prepopulate policy %q", errors.Safe(s))
}

// ReadOptions hold the optional per-query parameters for blob reads.
type ReadOptions struct {
	// ReadTier restricts which tiers are consulted. The zero value reads from
	// every tier.
	ReadTier ReadTier
	// FillCache causes values read from blob files to be inserted into the
	// value cache.
	FillCache bool
}

const (
	defaultBlobFileSize     = 256 << 20
	defaultMaxOpenBlobFiles = 1000
)

// Options holds the optional parameters for writing and reading blob files.
type Options struct {
	// BlobCache is the tiered value cache. Reads consult it before blob
	// files and the builder may warm it. Nil disables value caching.
	BlobCache *cache.Cache

	// BlobCacheTier selects whether reads consult the secondary tier of
	// BlobCache.
	BlobCacheTier CacheTier

	// BlobCompression is the codec applied to values written to blob files.
	BlobCompression compression.Type

	// BlobFileChecksum is the whole-file digest recorded in blob file
	// footers. The zero value selects crc32c; "none" can only be selected
	// through Parse.
	BlobFileChecksum bloblog.ChecksumMethod

	// BlobFileSize is the size at which a blob file is closed and a new one is
	// started. A single record is never split, so files may exceed it.
	BlobFileSize uint64

	// BlobFileWriteBytesPerSec paces blob file writes. Zero disables pacing.
	BlobFileWriteBytesPerSec int64

	// Cleaner removes blob files left behind by abandoned builders.
	Cleaner Cleaner

	// Dir is the directory holding blob files.
	Dir string

	// DisableSync skips the fsync performed when a blob file is finished.
	DisableSync bool

	// EventListener receives notifications about blob file creation.
	EventListener *EventListener

	// FileManager, if set, tracks the space used by blob files and can
	// refuse new files once a limit is reached.
	FileManager *FileManager

	// FS is the file system blob files are read from and written to.
	FS vfs.FS

	// Logger used to write log messages.
	Logger Logger

	// MaxOpenBlobFiles bounds the number of blob file readers kept open by
	// the blob file cache.
	MaxOpenBlobFiles int

	// MinBlobSize is the smallest value stored in a blob file. Smaller values
	// stay inline in the caller's index.
	MinBlobSize uint64

	// PrepopulateBlobCache decides which freshly written blobs are inserted
	// into BlobCache.
	PrepopulateBlobCache PrepopulateBlobCache

	// Statistics receives counters and histograms. Nil discards them.
	Statistics *metrics.Statistics

	// checksumSet distinguishes an explicit ChecksumNone set by Parse from
	// the zero value.
	checksumSet bool
}

// EnsureDefaults ensures that the default values for all options are set if a
// valid value was not already specified. Returns the new options.
func (o *Options) EnsureDefaults() *Options {
	if o == nil {
		o = &Options{}
	}
	if o.BlobFileChecksum == bloblog.ChecksumNone && !o.checksumSet {
		o.BlobFileChecksum = bloblog.ChecksumCRC32C
	}
	if o.BlobFileSize == 0 {
		o.BlobFileSize = defaultBlobFileSize
	}
	if o.Cleaner == nil {
		o.Cleaner = DeleteCleaner{}
	}
	if o.FS == nil {
		o.FS = vfs.Default
	}
	if o.Logger == nil {
		o.Logger = base.DefaultLogger
	}
	if o.EventListener == nil {
		o.EventListener = &EventListener{}
	}
	o.EventListener.EnsureDefaults(o.Logger)
	if o.MaxOpenBlobFiles <= 0 {
		o.MaxOpenBlobFiles = defaultMaxOpenBlobFiles
	}
	return o
}

// String writes the options to a string in the format that Parse accepts.
func (o *Options) String() string {
	var buf bytes.Buffer

	var cacheSize int64
	if o.BlobCache != nil {
		cacheSize = o.BlobCache.Capacity()
	}

	fmt.Fprintf(&buf, "[Version]\n")
	fmt.Fprintf(&buf, "  blobdb_version=1\n")
	fmt.Fprintf(&buf, "\n")
	fmt.Fprintf(&buf, "[Options]\n")
	fmt.Fprintf(&buf, "  blob_cache_size=%d\n", cacheSize)
	fmt.Fprintf(&buf, "  blob_cache_tier=%s\n", o.BlobCacheTier)
	fmt.Fprintf(&buf, "  blob_compression=%s\n", o.BlobCompression)
	fmt.Fprintf(&buf, "  blob_file_checksum=%s\n", o.BlobFileChecksum)
	fmt.Fprintf(&buf, "  blob_file_size=%d\n", o.BlobFileSize)
	fmt.Fprintf(&buf, "  blob_file_write_bytes_per_sec=%d\n", o.BlobFileWriteBytesPerSec)
	fmt.Fprintf(&buf, "  cleaner=%s\n", o.Cleaner)
	fmt.Fprintf(&buf, "  disable_sync=%t\n", o.DisableSync)
	fmt.Fprintf(&buf, "  max_open_blob_files=%d\n", o.MaxOpenBlobFiles)
	fmt.Fprintf(&buf, "  min_blob_size=%d\n", o.MinBlobSize)
	fmt.Fprintf(&buf, "  prepopulate_blob_cache=%s\n", o.PrepopulateBlobCache)
	return buf.String()
}

type parseOptionsFuncs struct {
	visitNewSection func(section string) error
	visitKeyValue   func(section, key, value string) error
}

// parseOptions takes options serialized by Options.String() and parses them
// into keys and values.
func parseOptions(s string, fns parseOptionsFuncs) error {
	var section string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if len(line) == 0 || line[0] == ';' || line[0] == '#' {
			// Skip blank lines and comments.
			continue
		}
		n := len(line)
		if line[0] == '[' && line[n-1] == ']' {
			section = line[1 : n-1]
			if fns.visitNewSection != nil {
				if err := fns.visitNewSection(section); err != nil {
					return err
				}
			}
			continue
		}

		pos := strings.Index(line, "=")
		if pos < 0 {
			const maxLen = 50
			if len(line) > maxLen {
				line = line[:maxLen-3] + "..."
			}
			return base.CorruptionErrorf("invalid key=value syntax: %q", errors.Safe(line))
		}

		key := strings.TrimSpace(line[:pos])
		value := strings.TrimSpace(line[pos+1:])
		if fns.visitKeyValue != nil {
			if err := fns.visitKeyValue(section, key, value); err != nil {
				return err
			}
		}
	}
	return nil
}

// ParseHooks contains callbacks to create options fields which can have
// user-defined implementations.
type ParseHooks struct {
	NewCleaner  func(name string) (Cleaner, error)
	SkipUnknown func(name, value string) bool
}

// Parse parses the options from the specified string. The blob cache itself
// cannot be parsed; a non-zero blob_cache_size is only validated.
func (o *Options) Parse(s string, hooks *ParseHooks) error {
	visitKeyValue := func(section, key, value string) error {
		unknown := func() error {
			if hooks != nil && hooks.SkipUnknown != nil && hooks.SkipUnknown(section+"."+key, value) {
				return nil
			}
			return errors.Errorf("blobdb: unknown option: %s.%s",
				errors.Safe(section), errors.Safe(key))
		}

		switch section {
		case "Version":
			if key != "blobdb_version" {
				return unknown()
			}
			return nil

		case "Options":
			var err error
			switch key {
			case "blob_cache_size":
				_, err = strconv.ParseInt(value, 10, 64)
			case "blob_cache_tier":
				o.BlobCacheTier, err = parseCacheTier(value)
			case "blob_compression":
				o.BlobCompression, err = compression.ParseType(value)
			case "blob_file_checksum":
				o.BlobFileChecksum, err = bloblog.ParseChecksumMethod(value)
				o.checksumSet = err == nil
			case "blob_file_size":
				o.BlobFileSize, err = strconv.ParseUint(value, 10, 64)
			case "blob_file_write_bytes_per_sec":
				o.BlobFileWriteBytesPerSec, err = strconv.ParseInt(value, 10, 64)
			case "cleaner":
				switch value {
				case "archive":
					o.Cleaner = ArchiveCleaner{}
				case "delete":
					o.Cleaner = DeleteCleaner{}
				default:
					if hooks != nil && hooks.NewCleaner != nil {
						o.Cleaner, err = hooks.NewCleaner(value)
					}
				}
			case "disable_sync":
				o.DisableSync, err = strconv.ParseBool(value)
			case "max_open_blob_files":
				o.MaxOpenBlobFiles, err = strconv.Atoi(value)
			case "min_blob_size":
				o.MinBlobSize, err = strconv.ParseUint(value, 10, 64)
			case "prepopulate_blob_cache":
				o.PrepopulateBlobCache, err = parsePrepopulateBlobCache(value)
			default:
				return unknown()
			}
			if err != nil {
				return errors.Wrapf(err, "blobdb: parsing %s.%s", errors.Safe(section), errors.Safe(key))
			}
			return nil
		}
		return unknown()
	}
	return parseOptions(s, parseOptionsFuncs{visitKeyValue: visitKeyValue})
}

// Validate verifies that the options are mutually consistent. For example,
// warming the cache requires a cache.
func (o *Options) Validate() error {
	// Note that we can presume Options.EnsureDefaults has been called, so there
	// is no need to check for zero values.

	var buf strings.Builder
	if !o.BlobCompression.Valid() {
		fmt.Fprintf(&buf, "BlobCompression (%d) is not a known compression type\n", uint8(o.BlobCompression))
	}
	if o.BlobFileSize < bloblog.HeaderSize+bloblog.FooterSize {
		fmt.Fprintf(&buf, "BlobFileSize (%s) must be >= %d\n",
			crhumanize.Bytes(o.BlobFileSize, crhumanize.Compact), bloblog.HeaderSize+bloblog.FooterSize)
	}
	if o.BlobFileWriteBytesPerSec < 0 {
		fmt.Fprintf(&buf, "BlobFileWriteBytesPerSec (%d) must be >= 0\n", o.BlobFileWriteBytesPerSec)
	}
	if o.MaxOpenBlobFiles < 1 {
		fmt.Fprintf(&buf, "MaxOpenBlobFiles (%d) must be >= 1\n", o.MaxOpenBlobFiles)
	}
	if o.PrepopulateBlobCache != PrepopulateBlobDisable && o.BlobCache == nil {
		fmt.Fprintf(&buf, "PrepopulateBlobCache (%s) requires a BlobCache\n", o.PrepopulateBlobCache)
	}
	if o.BlobCacheTier == NonVolatileBlockTier && (o.BlobCache == nil || o.BlobCache.Secondary() == nil) {
		fmt.Fprintf(&buf, "BlobCacheTier (%s) requires a BlobCache with a secondary tier\n", o.BlobCacheTier)
	}
	if o.Dir == "" {
		fmt.Fprintf(&buf, "Dir must be set\n")
	}

	if buf.Len() == 0 {
		return nil
	}
	return errors.New(buf.String())
}
