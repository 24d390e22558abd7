// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package metrics

import (
	"github.com/cockroachdb/crlib/crhumanize"
	"github.com/cockroachdb/redact"
)

// CountAndSize tracks the count and total size of a set of items, for example
// the blob files produced by a builder.
type CountAndSize struct {
	// Count is the number of items.
	Count uint64

	// Bytes is the total size of all items.
	Bytes uint64
}

// Inc increases the count and size for a single item.
func (cs *CountAndSize) Inc(size uint64) {
	cs.Count++
	cs.Bytes += size
}

// Accumulate increases the counts and sizes by the given amounts.
func (cs *CountAndSize) Accumulate(other CountAndSize) {
	cs.Count += other.Count
	cs.Bytes += other.Bytes
}

// IsZero returns true if no items have been recorded.
func (cs CountAndSize) IsZero() bool {
	return cs.Count == 0 && cs.Bytes == 0
}

func (cs CountAndSize) String() string {
	return redact.StringWithoutMarkers(cs)
}

// SafeFormat implements redact.SafeFormatter.
func (cs CountAndSize) SafeFormat(w redact.SafePrinter, verb rune) {
	w.Printf("%s (%s)", crhumanize.Count(cs.Count, crhumanize.Compact), crhumanize.Bytes(cs.Bytes, crhumanize.Compact, crhumanize.OmitI))
}
