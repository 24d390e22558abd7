// Copyright 2020 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package cache

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/blobdb/internal/base"
	"github.com/cockroachdb/redact"
)

// Key identifies a cached blob value. Session scopes file numbers to one open
// of one database (see base.SessionHash), so a file number reused after the
// database is recreated never aliases a stale entry. FileNum and Offset
// locate the value within that session.
//
// The size of the blob file is not part of the key. Values warmed
// while a file is being written are inserted before its final size is known,
// and file numbers are never reused within a session, so the size adds no
// uniqueness. Readers use the size only to bound offsets.
type Key struct {
	Session uint64
	FileNum base.DiskFileNum
	Offset  uint64
}

// SafeFormat implements redact.SafeFormatter.
func (k Key) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%016x/%s/%d", redact.SafeUint(k.Session), k.FileNum, redact.SafeUint(k.Offset))
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return redact.StringWithoutMarkers(k)
}

func (k *Key) hash(seed uintptr) uint64 {
	const m = 11400714819323198485
	h := uint64(seed)
	h ^= k.Session * m
	h ^= uint64(k.FileNum) * m
	h ^= k.Offset * m
	return h
}

func (k *Key) shardIdx(numShards int) int {
	// Mix the hash so that keys that only differ in their offset spread
	// across shards.
	h := k.hash(0)
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	return int(h % uint64(numShards))
}

type entryType int8

const (
	etTest entryType = iota
	etCold
	etHot
)

func (p entryType) String() string {
	switch p {
	case etTest:
		return "test"
	case etCold:
		return "cold"
	case etHot:
		return "hot"
	}
	return fmt.Sprintf("unknown(%d)", int8(p))
}

// entry holds the metadata for a cache entry. Test entries have no value:
// they remember a recently evicted key so that a quick re-insertion is
// admitted as hot.
type entry struct {
	key Key
	// The value associated with the entry. The entry holds a reference on the
	// value which is maintained by entry.setValue().
	val   *value
	links struct {
		next *entry
		prev *entry
	}
	size  int64
	ptype entryType
	// referenced is atomically set to indicate that this entry has been accessed
	// since the last time one of the clock hands swept it.
	referenced atomic.Bool
}

func newEntry(key Key, size int64) *entry {
	e := &entry{
		key:   key,
		size:  size,
		ptype: etCold,
	}
	e.links.next = e
	e.links.prev = e
	return e
}

func (e *entry) next() *entry {
	if e == nil {
		return nil
	}
	return e.links.next
}

func (e *entry) prev() *entry {
	if e == nil {
		return nil
	}
	return e.links.prev
}

func (e *entry) link(s *entry) {
	s.links.prev = e.links.prev
	s.links.prev.links.next = s
	s.links.next = e
	s.links.next.links.prev = s
}

func (e *entry) unlink() *entry {
	next := e.links.next
	e.links.prev.links.next = e.links.next
	e.links.next.links.prev = e.links.prev
	e.links.prev = e
	e.links.next = e
	return next
}

// setValue replaces the entry's value. The reference on the old value is
// transferred to the caller, who must release it (possibly after demoting it
// to a secondary tier).
func (e *entry) setValue(v *value) (old *value) {
	old = e.val
	e.val = v
	return old
}

func (e *entry) acquireValue() *value {
	v := e.val
	if v != nil {
		v.acquire()
	}
	return v
}
