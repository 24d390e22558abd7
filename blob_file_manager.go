// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package blobdb

import (
	"maps"
	"sync"

	"github.com/cockroachdb/blobdb/internal/base"
	"github.com/cockroachdb/blobdb/vfs"
	"github.com/cockroachdb/errors"
)

// ErrSpaceLimitReached is returned when finishing a blob file pushes the
// space tracked by a FileManager to its limit.
var ErrSpaceLimitReached = errors.New("blobdb: max allowed space for blob files reached")

// FileManager tracks the blob files of a DB and their sizes. A maximum
// allowed space can be set; once the tracked files reach it, finishing a new
// blob file through FileManagerCallback fails.
//
// All FileManager methods are safe for concurrent use.
type FileManager struct {
	// Requires FS to query for file sizes.
	fs vfs.FS

	mu struct {
		sync.Mutex

		// maxAllowedSpace is the limit in bytes; zero means unlimited.
		maxAllowedSpace uint64
		// totalFilesSize is the sum of the sizes in trackedFiles.
		totalFilesSize uint64
		// trackedFiles maps file path to file size.
		trackedFiles map[string]uint64
	}
}

// NewFileManager creates a FileManager that stats files through fs.
func NewFileManager(fs vfs.FS) *FileManager {
	m := &FileManager{fs: fs}
	m.mu.trackedFiles = make(map[string]uint64)
	return m
}

// SetMaxAllowedSpaceUsage updates the maximum allowed space. Setting it to 0
// disables the limit, which is the default.
func (m *FileManager) SetMaxAllowedSpaceUsage(maxAllowedSpace uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mu.maxAllowedSpace = maxAllowedSpace
}

// IsMaxAllowedSpaceReached returns true if the total size of the tracked
// files reached the maximum allowed space.
func (m *FileManager) IsMaxAllowedSpaceReached() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mu.maxAllowedSpace == 0 {
		return false
	}
	return m.mu.totalFilesSize >= m.mu.maxAllowedSpace
}

// TotalSize returns the total size of all tracked files.
func (m *FileManager) TotalSize() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mu.totalFilesSize
}

// TrackedFiles returns a copy of the tracked files and their sizes.
func (m *FileManager) TrackedFiles() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.mu.trackedFiles)
}

// OnAddFile starts tracking the file at path, or refreshes its size if it is
// already tracked.
func (m *FileManager) OnAddFile(path string) error {
	info, err := m.fs.Stat(path)
	if err != nil {
		return base.MarkIOError(errors.Wrapf(err, "blobdb: tracking %s", path))
	}
	size := uint64(info.Size())
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.mu.trackedFiles[path]; ok {
		m.mu.totalFilesSize -= prev
	}
	m.mu.totalFilesSize += size
	m.mu.trackedFiles[path] = size
	return nil
}

// OnDeleteFile stops tracking the file at path. Untracked paths are ignored.
func (m *FileManager) OnDeleteFile(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if size, ok := m.mu.trackedFiles[path]; ok {
		m.mu.totalFilesSize -= size
		delete(m.mu.trackedFiles, path)
	}
}
