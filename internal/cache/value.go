// Copyright 2020 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package cache

import (
	"fmt"
	"sync/atomic"
)

// value is a reference counted cached buffer. The cache holds one reference
// for as long as the value is resident, and every Handle holds one more. A
// value whose only reference is the cache's is unreferenced and may be
// erased by EraseUnrefEntries.
type value struct {
	buf  []byte
	refs atomic.Int32
}

func newValue(b []byte, refs int32) *value {
	v := &value{buf: b}
	v.refs.Store(refs)
	return v
}

func (v *value) acquire() {
	v.refs.Add(1)
}

func (v *value) release() {
	if n := v.refs.Add(-1); n < 0 {
		panic(fmt.Sprintf("blobdb: inconsistent value reference count: %d", n))
	}
}

// Handle provides a strong reference to a value in the cache. The reference
// does not pin the entry in the cache, but it does keep the value's buffer
// valid until Release is called.
type Handle struct {
	value *value
}

// Valid returns true if the handle refers to a value.
func (h Handle) Valid() bool {
	return h.value != nil
}

// Value returns the buffer held by the handle. The buffer must not be
// modified and must not be used after Release.
func (h Handle) Value() []byte {
	if h.value == nil {
		return nil
	}
	return h.value.buf
}

// Release releases the reference held by the handle. It is a no-op on an
// invalid handle.
func (h Handle) Release() {
	if h.value != nil {
		h.value.release()
	}
}
