// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package blobdb

import (
	"sync/atomic"

	"github.com/cockroachdb/blobdb/internal/base"
)

// DiskFileNum exports the base.DiskFileNum type.
type DiskFileNum = base.DiskFileNum

// FileNumGenerator hands out the numbers of new blob files.
type FileNumGenerator interface {
	// NextFileNum returns a file number that has never been returned before.
	NextFileNum() DiskFileNum
}

// FileNumAllocator is a FileNumGenerator backed by an atomic counter. It is
// safe for concurrent use.
type FileNumAllocator struct {
	next atomic.Uint64
}

var _ FileNumGenerator = (*FileNumAllocator)(nil)

// NewFileNumAllocator returns an allocator whose first file number is next.
func NewFileNumAllocator(next DiskFileNum) *FileNumAllocator {
	a := &FileNumAllocator{}
	a.next.Store(uint64(next))
	return a
}

// NextFileNum implements FileNumGenerator.
func (a *FileNumAllocator) NextFileNum() DiskFileNum {
	return DiskFileNum(a.next.Add(1) - 1)
}

// MarkUsed ensures that future file numbers are greater than fileNum. It is
// used when existing files are discovered, for example on open.
func (a *FileNumAllocator) MarkUsed(fileNum DiskFileNum) {
	for {
		cur := a.next.Load()
		if cur > uint64(fileNum) {
			return
		}
		if a.next.CompareAndSwap(cur, uint64(fileNum)+1) {
			return
		}
	}
}
