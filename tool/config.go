// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"fmt"
	"io"
	"strings"

	"github.com/cockroachdb/blobdb"
	"github.com/cockroachdb/blobdb/internal/cache"
	"github.com/cockroachdb/blobdb/internal/cache/persistentcache"
	"github.com/cockroachdb/blobdb/internal/compression"
	"github.com/cockroachdb/blobdb/metrics"
	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

const defaultBlobCacheSize = 128 << 20 /* 128 MB */

// Config is the YAML configuration accepted through --config. Zero fields
// keep the defaults.
type Config struct {
	// BlobCacheSize is the capacity of the primary value cache. Zero selects
	// 128 MB and a negative size disables the cache.
	BlobCacheSize            int64                `yaml:"blob_cache_size"`
	BlobCacheTier            string               `yaml:"blob_cache_tier"`
	BlobCompression          string               `yaml:"blob_compression"`
	BlobFileChecksum         string               `yaml:"blob_file_checksum"`
	BlobFileSize             uint64               `yaml:"blob_file_size"`
	BlobFileWriteBytesPerSec int64                `yaml:"blob_file_write_bytes_per_sec"`
	DisableSync              bool                 `yaml:"disable_sync"`
	MaxOpenBlobFiles         int                  `yaml:"max_open_blob_files"`
	MinBlobSize              uint64               `yaml:"min_blob_size"`
	PrepopulateBlobCache     string               `yaml:"prepopulate_blob_cache"`
	SecondaryCache           SecondaryCacheConfig `yaml:"secondary_cache"`
}

// SecondaryCacheConfig configures the secondary tier of the value cache.
type SecondaryCacheConfig struct {
	// Type is empty (no secondary tier), "compressed" or "persistent".
	Type string `yaml:"type"`
	// Capacity bounds the compressed tier.
	Capacity int64 `yaml:"capacity"`
	// Compression is the codec of the compressed tier.
	Compression string `yaml:"compression"`
	// Dir is the directory of the persistent tier.
	Dir string `yaml:"dir"`
}

// ParseConfig decodes a YAML configuration. Unknown fields are errors.
func ParseConfig(r io.Reader) (Config, error) {
	var c Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && err != io.EOF {
		return Config{}, errors.Wrap(err, "parsing config")
	}
	return c, nil
}

// optionsString renders the configuration in the format accepted by
// blobdb.Options.Parse.
func (c *Config) optionsString() string {
	var b strings.Builder
	b.WriteString("[Options]\n")
	str := func(key, value string) {
		if value != "" {
			fmt.Fprintf(&b, "  %s=%s\n", key, value)
		}
	}
	num := func(key string, value int64) {
		if value != 0 {
			fmt.Fprintf(&b, "  %s=%d\n", key, value)
		}
	}
	str("blob_cache_tier", c.BlobCacheTier)
	str("blob_compression", c.BlobCompression)
	str("blob_file_checksum", c.BlobFileChecksum)
	num("blob_file_size", int64(c.BlobFileSize))
	num("blob_file_write_bytes_per_sec", c.BlobFileWriteBytesPerSec)
	if c.DisableSync {
		str("disable_sync", "true")
	}
	num("max_open_blob_files", int64(c.MaxOpenBlobFiles))
	num("min_blob_size", int64(c.MinBlobSize))
	str("prepopulate_blob_cache", c.PrepopulateBlobCache)
	return b.String()
}

// loadConfig reads the file named by --config, if any.
func (e *env) loadConfig() error {
	if e.configPath == "" {
		return nil
	}
	f, err := e.fs.Open(e.configPath)
	if err != nil {
		return err
	}
	defer f.Close()
	e.config, err = ParseConfig(f)
	return err
}

// openOptions returns options for the blob files in dir, with the value
// cache described by the configuration. The returned function releases the
// cache.
func (e *env) openOptions(dir string) (*blobdb.Options, func(), error) {
	opts := &blobdb.Options{
		Dir:        dir,
		FS:         e.fs,
		Logger:     e.logger,
		Statistics: metrics.NewStatistics(),
	}
	if err := opts.Parse(e.config.optionsString(), nil); err != nil {
		return nil, nil, err
	}

	closeFn := func() {}
	if size := e.config.BlobCacheSize; size >= 0 {
		if size == 0 {
			size = defaultBlobCacheSize
		}
		var cacheOpts []cache.Option
		switch sc := e.config.SecondaryCache; sc.Type {
		case "":
		case "compressed":
			algo := compression.Snappy
			if sc.Compression != "" {
				var err error
				if algo, err = compression.ParseType(sc.Compression); err != nil {
					return nil, nil, err
				}
			}
			capacity := sc.Capacity
			if capacity == 0 {
				capacity = size
			}
			secondary, err := cache.NewCompressedSecondaryCache(capacity, algo)
			if err != nil {
				return nil, nil, err
			}
			cacheOpts = append(cacheOpts, cache.WithSecondary(secondary))
			closeFn = func() { _ = secondary.Close() }
		case "persistent":
			if sc.Dir == "" {
				return nil, nil, errors.New("secondary_cache.dir must be set for a persistent cache")
			}
			secondary, err := persistentcache.Open(sc.Dir, persistentcache.Options{})
			if err != nil {
				return nil, nil, err
			}
			cacheOpts = append(cacheOpts, cache.WithSecondary(secondary))
			closeFn = func() {
				if err := secondary.Close(); err != nil {
					e.logger.Errorf("closing persistent cache: %s", err)
				}
			}
		default:
			return nil, nil, errors.Errorf("unknown secondary cache type %q", sc.Type)
		}
		opts.BlobCache = cache.New(size, cacheOpts...)
		closeSecondary := closeFn
		closeFn = func() {
			opts.BlobCache.Unref()
			closeSecondary()
		}
	}

	opts.EnsureDefaults()
	if err := opts.Validate(); err != nil {
		closeFn()
		return nil, nil, err
	}
	return opts, closeFn, nil
}
