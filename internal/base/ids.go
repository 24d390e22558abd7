// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewDBID returns a fresh identifier for a database. A DB keeps the same id
// across process restarts.
func NewDBID() string {
	return uuid.NewString()
}

// NewSessionID returns a fresh identifier for one open of a database. Session
// ids sort by creation time.
func NewSessionID() string {
	return ulid.Make().String()
}

// SessionHash folds a db id and a session id into the 64-bit value that
// prefixes every value cache key. Two opens of the same DB produce different
// hashes, so a reused file number never aliases a stale cache entry.
func SessionHash(dbID, sessionID string) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(dbID)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(sessionID)
	return d.Sum64()
}
