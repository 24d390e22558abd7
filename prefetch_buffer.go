// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package blobdb

import (
	"io"

	"github.com/cockroachdb/errors"
)

const (
	// Constants for dynamic readahead of blob records. Blob records vary in
	// size, so the readahead sizes are expressed in bytes rather than records.
	minFileReadsForReadahead = 2
	initialReadaheadSize     = 64 << 10  /* 64KB */
	maxReadaheadSize         = 256 << 10 /* 256KB */
)

// PrefetchBuffer reads ahead of sequential record reads within one blob file.
// Random reads bypass the buffer. A PrefetchBuffer is bound to a single file
// and is not safe for concurrent use.
type PrefetchBuffer struct {
	rs readaheadState
	// buf holds the file bytes [offset, offset+len(buf)).
	buf    []byte
	offset uint64
	hits   uint64
}

// NewPrefetchBuffer returns an empty PrefetchBuffer.
func NewPrefetchBuffer() *PrefetchBuffer {
	return &PrefetchBuffer{rs: readaheadState{size: initialReadaheadSize}}
}

// Hits returns the number of reads served entirely from the buffer.
func (p *PrefetchBuffer) Hits() uint64 {
	return p.hits
}

// RecordCacheHit notes a read of [offset, offset+n) that was served by the
// blob cache, so that the access pattern stays up to date.
func (p *PrefetchBuffer) RecordCacheHit(offset, n uint64) {
	p.rs.recordCacheHit(int64(offset), int64(n))
}

// readAt returns the file bytes [offset, offset+n). The returned slice aliases
// the buffer and is valid until the next call. end is the offset past which
// the buffer never reads.
func (p *PrefetchBuffer) readAt(r io.ReaderAt, end, offset, n uint64) ([]byte, error) {
	if offset >= p.offset && offset+n <= p.offset+uint64(len(p.buf)) {
		p.hits++
		p.rs.recordCacheHit(int64(offset), int64(n))
		start := offset - p.offset
		return p.buf[start : start+n], nil
	}
	size := n
	if ra := p.rs.maybeReadahead(int64(offset), int64(n)); uint64(ra) > size {
		size = uint64(ra)
	}
	if offset+size > end {
		size = max(end-offset, n)
	}
	if uint64(cap(p.buf)) < size {
		p.buf = make([]byte, size)
	}
	p.buf = p.buf[:size]
	if _, err := r.ReadAt(p.buf, int64(offset)); err != nil {
		p.buf = p.buf[:0]
		return nil, errors.WithStack(err)
	}
	p.offset = offset
	return p.buf[:n], nil
}

// readaheadState contains state variables related to readahead. Updated on
// file reads.
type readaheadState struct {
	// Number of sequential reads.
	numReads int64
	// Size of the next readahead. Starts at initialReadaheadSize and grows
	// exponentially until maxReadaheadSize.
	size int64
	// prevSize is the size of the last readahead.
	prevSize int64
	// The byte offset up to which the buffer has been filled. Reads up to this
	// limit should not incur an IO operation.
	limit int64
}

func (rs *readaheadState) recordCacheHit(offset, length int64) {
	currentReadEnd := offset + length
	if rs.numReads >= minFileReadsForReadahead {
		if currentReadEnd >= rs.limit && offset <= rs.limit+maxReadaheadSize {
			// This read would have resulted in a readahead had it not been a
			// hit.
			rs.limit = currentReadEnd
			return
		}
		if currentReadEnd < rs.limit-rs.prevSize || offset > rs.limit+maxReadaheadSize {
			rs.reset(currentReadEnd)
		}
		return
	}
	if currentReadEnd >= rs.limit && offset <= rs.limit+maxReadaheadSize {
		rs.numReads++
		return
	}
	rs.reset(currentReadEnd)
}

// maybeReadahead updates state for a read of length bytes at offset and
// returns the number of bytes worth reading ahead, or 0 if the pattern does
// not look sequential.
func (rs *readaheadState) maybeReadahead(offset, length int64) int64 {
	currentReadEnd := offset + length
	if rs.numReads >= minFileReadsForReadahead {
		// The read overlaps [rs.limit, rs.limit+maxReadaheadSize].
		if currentReadEnd >= rs.limit && offset <= rs.limit+maxReadaheadSize {
			rs.numReads++
			rs.limit = offset + rs.size
			rs.prevSize = rs.size
			rs.size = min(rs.size*2, maxReadaheadSize)
			return rs.prevSize
		}
		// Too far ahead of or behind the last readahead.
		if currentReadEnd < rs.limit-rs.prevSize || offset > rs.limit+maxReadaheadSize {
			rs.reset(currentReadEnd)
			return 0
		}
		// Within the last readahead window.
		rs.numReads++
		return 0
	}
	if currentReadEnd >= rs.limit && offset <= rs.limit+maxReadaheadSize {
		rs.numReads++
		rs.limit = currentReadEnd
		return 0
	}
	rs.reset(currentReadEnd)
	return 0
}

func (rs *readaheadState) reset(currentReadEnd int64) {
	rs.numReads = 1
	rs.limit = currentReadEnd
	rs.size = initialReadaheadSize
	rs.prevSize = 0
}
