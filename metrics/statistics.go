// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package metrics holds the statistics sink shared by the blob write and read
// paths.
package metrics

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/crlib/crhumanize"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Ticker names a monotonically increasing counter.
type Ticker int

// The set of tickers maintained by Statistics.
const (
	// BlobCacheHit counts value cache lookups that found the blob.
	BlobCacheHit Ticker = iota
	// BlobCacheMiss counts value cache lookups that did not.
	BlobCacheMiss
	// BlobCacheAdd counts successful value cache insertions.
	BlobCacheAdd
	// BlobCacheAddFailures counts value cache insertions that were rejected.
	BlobCacheAddFailures
	// BlobCacheBytesRead counts value bytes served from the value cache.
	BlobCacheBytesRead
	// BlobCacheBytesWrite counts value bytes inserted into the value cache.
	BlobCacheBytesWrite
	// BlobFileBytesRead counts bytes physically read from blob files.
	BlobFileBytesRead
	// BlobFileBytesWritten counts bytes written to blob files.
	BlobFileBytesWritten
	// BlobFileSynced counts blob file syncs.
	BlobFileSynced
	// BlobFileOpened counts blob files opened by the blob file cache.
	BlobFileOpened
	// BlobsInlined counts values that were too small to be stored as blobs.
	BlobsInlined
	// BlobsWritten counts values written to blob files.
	BlobsWritten
	// BlobCorruptions counts reads that failed checksum or framing checks.
	BlobCorruptions
	numTickers
)

var tickerNames = [numTickers]string{
	BlobCacheHit:         "blobdb.cache.hit",
	BlobCacheMiss:        "blobdb.cache.miss",
	BlobCacheAdd:         "blobdb.cache.add",
	BlobCacheAddFailures: "blobdb.cache.add.failures",
	BlobCacheBytesRead:   "blobdb.cache.bytes.read",
	BlobCacheBytesWrite:  "blobdb.cache.bytes.write",
	BlobFileBytesRead:    "blobdb.blob.file.bytes.read",
	BlobFileBytesWritten: "blobdb.blob.file.bytes.written",
	BlobFileSynced:       "blobdb.blob.file.synced",
	BlobFileOpened:       "blobdb.blob.file.opened",
	BlobsInlined:         "blobdb.blobs.inlined",
	BlobsWritten:         "blobdb.blobs.written",
	BlobCorruptions:      "blobdb.blob.corruptions",
}

// String implements fmt.Stringer.
func (t Ticker) String() string {
	if t < 0 || t >= numTickers {
		return fmt.Sprintf("ticker(%d)", int(t))
	}
	return tickerNames[t]
}

// Histogram names a latency distribution, recorded in microseconds.
type Histogram int

// The set of histograms maintained by Statistics.
const (
	BlobFileReadMicros Histogram = iota
	BlobFileWriteMicros
	BlobFileSyncMicros
	CompressionMicros
	DecompressionMicros
	ChecksumMicros
	numHistograms
)

var histogramNames = [numHistograms]string{
	BlobFileReadMicros:  "blobdb.blob.file.read.micros",
	BlobFileWriteMicros: "blobdb.blob.file.write.micros",
	BlobFileSyncMicros:  "blobdb.blob.file.sync.micros",
	CompressionMicros:   "blobdb.compression.micros",
	DecompressionMicros: "blobdb.decompression.micros",
	ChecksumMicros:      "blobdb.checksum.micros",
}

// String implements fmt.Stringer.
func (h Histogram) String() string {
	if h < 0 || h >= numHistograms {
		return fmt.Sprintf("histogram(%d)", int(h))
	}
	return histogramNames[h]
}

// LatencyBuckets are the upper bounds, in microseconds, of the histogram
// buckets.
var LatencyBuckets = prometheus.ExponentialBucketsRange(1, float64(10*time.Second/time.Microsecond), 40)

// Statistics is the sink for counters and histograms recorded by blob
// components. It is passed explicitly to every component that records; a nil
// *Statistics is valid and discards everything.
//
// Statistics implements prometheus.Collector so that it can be registered
// with a prometheus.Registry.
type Statistics struct {
	tickers    [numTickers]atomic.Uint64
	histograms [numHistograms]prometheus.Histogram
	tickerDesc [numTickers]*prometheus.Desc
}

var _ prometheus.Collector = (*Statistics)(nil)

// NewStatistics constructs an empty Statistics.
func NewStatistics() *Statistics {
	s := &Statistics{}
	for i := range s.histograms {
		s.histograms[i] = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    promName(histogramNames[i]),
			Help:    histogramNames[i],
			Buckets: LatencyBuckets,
		})
	}
	for i := range s.tickerDesc {
		s.tickerDesc[i] = prometheus.NewDesc(promName(tickerNames[i]), tickerNames[i], nil, nil)
	}
	return s
}

func promName(s string) string {
	return strings.ReplaceAll(s, ".", "_")
}

// RecordTick adds n to the ticker t.
func (s *Statistics) RecordTick(t Ticker, n uint64) {
	if s == nil {
		return
	}
	s.tickers[t].Add(n)
}

// Ticker returns the current value of the ticker t.
func (s *Statistics) Ticker(t Ticker) uint64 {
	if s == nil {
		return 0
	}
	return s.tickers[t].Load()
}

// RecordInHistogram records a duration in the histogram h.
func (s *Statistics) RecordInHistogram(h Histogram, d time.Duration) {
	if s == nil {
		return
	}
	s.histograms[h].Observe(float64(d) / float64(time.Microsecond))
}

// HistogramCount returns the number of samples recorded in the histogram h.
func (s *Statistics) HistogramCount(h Histogram) uint64 {
	if s == nil {
		return 0
	}
	var m dto.Metric
	if err := s.histograms[h].Write(&m); err != nil {
		return 0
	}
	return m.GetHistogram().GetSampleCount()
}

// Describe implements prometheus.Collector.
func (s *Statistics) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range s.tickerDesc {
		ch <- d
	}
	for _, h := range s.histograms {
		h.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (s *Statistics) Collect(ch chan<- prometheus.Metric) {
	for i, d := range s.tickerDesc {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(s.tickers[i].Load()))
	}
	for _, h := range s.histograms {
		h.Collect(ch)
	}
}

// String returns a human readable summary of the non-zero tickers and
// histograms.
func (s *Statistics) String() string {
	if s == nil {
		return ""
	}
	var b strings.Builder
	for t := Ticker(0); t < numTickers; t++ {
		v := s.Ticker(t)
		if v == 0 {
			continue
		}
		if strings.Contains(tickerNames[t], "bytes") {
			fmt.Fprintf(&b, "%s: %s\n", t, crhumanize.Bytes(v, crhumanize.Compact, crhumanize.OmitI))
		} else {
			fmt.Fprintf(&b, "%s: %d\n", t, v)
		}
	}
	for h := Histogram(0); h < numHistograms; h++ {
		if n := s.HistogramCount(h); n > 0 {
			fmt.Fprintf(&b, "%s: %d samples\n", h, n)
		}
	}
	return b.String()
}
