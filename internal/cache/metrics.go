// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package cache

import (
	"github.com/cockroachdb/crlib/crhumanize"
	"github.com/cockroachdb/redact"
)

// Metrics holds metrics for the cache.
type Metrics struct {
	// The number of bytes charged to values in the primary tier.
	Size int64
	// The count of values in the primary tier.
	Count int64
	// The number of primary tier hits and misses.
	Hits   int64
	Misses int64
	// The number of successful and failed insertions.
	Inserts        int64
	InsertFailures int64
	// The number of secondary tier hits and misses, and the number of values
	// demoted to the secondary tier on eviction.
	SecondaryHits   int64
	SecondaryMisses int64
	Demotions       int64
}

// HitRate returns the fraction of primary tier lookups that hit.
func (m Metrics) HitRate() float64 {
	if total := m.Hits + m.Misses; total > 0 {
		return float64(m.Hits) / float64(total)
	}
	return 0
}

// String implements fmt.Stringer.
func (m Metrics) String() string {
	return redact.StringWithoutMarkers(m)
}

// SafeFormat implements redact.SafeFormatter.
func (m Metrics) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("size: %s count: %s hit-rate: %s inserts: %d (%d failed) secondary: %d hits, %d misses, %d demoted",
		crhumanize.Bytes(m.Size, crhumanize.Compact, crhumanize.OmitI),
		crhumanize.Count(m.Count, crhumanize.Compact),
		crhumanize.Percent(m.Hits, m.Hits+m.Misses),
		redact.Safe(m.Inserts), redact.Safe(m.InsertFailures),
		redact.Safe(m.SecondaryHits), redact.Safe(m.SecondaryMisses), redact.Safe(m.Demotions))
}

// Metrics returns the current metrics for the cache.
func (c *Cache) Metrics() Metrics {
	var m Metrics
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		s.entries.All(func(_ Key, e *entry) bool {
			if e.val != nil {
				m.Count++
			}
			return true
		})
		m.Size += s.sizeHot + s.sizeCold
		s.mu.RUnlock()
		m.Hits += s.hits.Load()
		m.Misses += s.misses.Load()
	}
	m.Inserts = c.inserts.Load()
	m.InsertFailures = c.insertFailures.Load()
	m.SecondaryHits = c.secondaryHits.Load()
	m.SecondaryMisses = c.secondaryMisses.Load()
	m.Demotions = c.demotions.Load()
	return m
}
