// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package vfs

import (
	"fmt"
	"io"
	"os"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
)

// MemFS is an in-memory FS. Paths are slash separated and relative to a
// single root; a leading separator is ignored.
type MemFS struct {
	mu    sync.Mutex
	files map[string]*memNode
	dirs  map[string]time.Time
}

var _ FS = (*MemFS)(nil)

// NewMem returns an empty MemFS.
func NewMem() *MemFS {
	return &MemFS{
		files: make(map[string]*memNode),
		dirs:  map[string]time.Time{".": time.Now()},
	}
}

func memPath(name string) string {
	return path.Clean(strings.TrimLeft(name, "/"))
}

func pathErr(op, name string, err error) error {
	return &os.PathError{Op: op, Path: name, Err: err}
}

// checkParentLocked returns an error unless the parent of p is a directory.
func (y *MemFS) checkParentLocked(op, p string) error {
	if _, ok := y.dirs[path.Dir(p)]; !ok {
		return pathErr(op, p, oserror.ErrNotExist)
	}
	return nil
}

// Create implements FS.Create.
func (y *MemFS) Create(name string) (File, error) {
	p := memPath(name)
	y.mu.Lock()
	defer y.mu.Unlock()
	if p == "." {
		return nil, errors.New("blobdb/vfs: empty file name")
	}
	if _, ok := y.dirs[p]; ok {
		return nil, pathErr("create", p, errors.New("is a directory"))
	}
	if err := y.checkParentLocked("create", p); err != nil {
		return nil, err
	}
	n := &memNode{}
	n.mu.modTime = time.Now()
	y.files[p] = n
	return &memFile{name: path.Base(p), n: n, write: true}, nil
}

// Open implements FS.Open.
func (y *MemFS) Open(name string, opts ...OpenOption) (File, error) {
	y.mu.Lock()
	n := y.files[memPath(name)]
	y.mu.Unlock()
	if n == nil {
		return nil, pathErr("open", name, oserror.ErrNotExist)
	}
	f := &memFile{name: path.Base(memPath(name)), n: n}
	for _, opt := range opts {
		opt.Apply(f)
	}
	return f, nil
}

// Remove implements FS.Remove. A directory must be empty.
func (y *MemFS) Remove(name string) error {
	p := memPath(name)
	y.mu.Lock()
	defer y.mu.Unlock()
	if _, ok := y.files[p]; ok {
		delete(y.files, p)
		return nil
	}
	if _, ok := y.dirs[p]; !ok || p == "." {
		return pathErr("remove", p, oserror.ErrNotExist)
	}
	if len(y.childrenLocked(p)) > 0 {
		return pathErr("remove", p, oserror.ErrExist)
	}
	delete(y.dirs, p)
	return nil
}

// Rename implements FS.Rename. Only files can be renamed.
func (y *MemFS) Rename(oldname, newname string) error {
	from, to := memPath(oldname), memPath(newname)
	y.mu.Lock()
	defer y.mu.Unlock()
	n, ok := y.files[from]
	if !ok {
		return pathErr("rename", from, oserror.ErrNotExist)
	}
	if err := y.checkParentLocked("rename", to); err != nil {
		return err
	}
	delete(y.files, from)
	y.files[to] = n
	return nil
}

// MkdirAll implements FS.MkdirAll.
func (y *MemFS) MkdirAll(dir string, _ os.FileMode) error {
	p := memPath(dir)
	y.mu.Lock()
	defer y.mu.Unlock()
	var missing []string
	for d := p; d != "."; d = path.Dir(d) {
		if _, ok := y.files[d]; ok {
			return pathErr("mkdir", d, errors.New("not a directory"))
		}
		if _, ok := y.dirs[d]; ok {
			break
		}
		missing = append(missing, d)
	}
	now := time.Now()
	for _, d := range missing {
		y.dirs[d] = now
	}
	return nil
}

// childrenLocked returns the sorted names of the entries directly inside dir.
func (y *MemFS) childrenLocked(dir string) []string {
	var names []string
	add := func(p string) {
		if p != "." && path.Dir(p) == dir {
			names = append(names, path.Base(p))
		}
	}
	for p := range y.files {
		add(p)
	}
	for p := range y.dirs {
		add(p)
	}
	slices.Sort(names)
	return names
}

// List implements FS.List.
func (y *MemFS) List(dir string) ([]string, error) {
	p := memPath(dir)
	y.mu.Lock()
	defer y.mu.Unlock()
	if _, ok := y.dirs[p]; !ok {
		return nil, pathErr("list", p, oserror.ErrNotExist)
	}
	return y.childrenLocked(p), nil
}

// Stat implements FS.Stat.
func (y *MemFS) Stat(name string) (os.FileInfo, error) {
	p := memPath(name)
	y.mu.Lock()
	n := y.files[p]
	modTime, isDir := y.dirs[p]
	y.mu.Unlock()
	switch {
	case n != nil:
		return n.stat(path.Base(p)), nil
	case isDir:
		return &memFileInfo{name: path.Base(p), modTime: modTime, isDir: true}, nil
	}
	return nil, pathErr("stat", p, oserror.ErrNotExist)
}

// PathBase implements FS.PathBase.
func (*MemFS) PathBase(p string) string { return path.Base(p) }

// PathJoin implements FS.PathJoin.
func (*MemFS) PathJoin(elem ...string) string { return path.Join(elem...) }

// PathDir implements FS.PathDir.
func (*MemFS) PathDir(p string) string { return path.Dir(p) }

// String lists every directory and file, one per line, with file sizes.
func (y *MemFS) String() string {
	y.mu.Lock()
	defer y.mu.Unlock()
	var lines []string
	for p := range y.dirs {
		if p != "." {
			lines = append(lines, p+"/")
		}
	}
	for p, n := range y.files {
		n.mu.Lock()
		lines = append(lines, fmt.Sprintf("%s %d", p, len(n.mu.data)))
		n.mu.Unlock()
	}
	slices.Sort(lines)
	return strings.Join(lines, "\n")
}

// Corrupt flips every bit of the byte at offset in the named file.
func (y *MemFS) Corrupt(name string, offset int64) error {
	return y.mutate(name, func(data []byte) ([]byte, error) {
		if offset < 0 || offset >= int64(len(data)) {
			return nil, errors.Errorf("blobdb/vfs: offset %d out of range for %s (%d bytes)",
				offset, name, len(data))
		}
		data[offset] ^= 0xff
		return data, nil
	})
}

// Truncate shortens the named file to size bytes.
func (y *MemFS) Truncate(name string, size int64) error {
	return y.mutate(name, func(data []byte) ([]byte, error) {
		return data[:min(size, int64(len(data)))], nil
	})
}

func (y *MemFS) mutate(name string, fn func([]byte) ([]byte, error)) error {
	y.mu.Lock()
	n := y.files[memPath(name)]
	y.mu.Unlock()
	if n == nil {
		return pathErr("open", name, oserror.ErrNotExist)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	data, err := fn(n.mu.data)
	if err != nil {
		return err
	}
	n.mu.data = data
	return nil
}

// memNode holds the contents of a file. Open handles share it.
type memNode struct {
	mu struct {
		sync.Mutex
		data    []byte
		modTime time.Time
	}
}

func (n *memNode) stat(name string) *memFileInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	return &memFileInfo{name: name, size: int64(len(n.mu.data)), modTime: n.mu.modTime}
}

// memFile is a handle on a memNode. Files returned by Create are write-only
// and append at the end; files returned by Open are read-only.
type memFile struct {
	name   string
	n      *memNode
	pos    int64
	write  bool
	closed bool
}

var _ File = (*memFile)(nil)

func (f *memFile) Close() error {
	if f.closed {
		return errors.New("blobdb/vfs: close of closed file")
	}
	f.closed = true
	return nil
}

func (f *memFile) Read(p []byte) (int, error) {
	n, err := f.ReadAt(p, f.pos)
	f.pos += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	if f.write {
		return 0, errors.New("blobdb/vfs: file was not opened for reading")
	}
	f.n.mu.Lock()
	defer f.n.mu.Unlock()
	if off >= int64(len(f.n.mu.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.n.mu.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) Write(p []byte) (int, error) {
	if !f.write {
		return 0, errors.New("blobdb/vfs: file was not created for writing")
	}
	f.n.mu.Lock()
	defer f.n.mu.Unlock()
	f.n.mu.data = append(f.n.mu.data, p...)
	f.n.mu.modTime = time.Now()
	return len(p), nil
}

func (f *memFile) Stat() (os.FileInfo, error) {
	return f.n.stat(f.name), nil
}

func (f *memFile) Sync() error { return nil }

// memFileInfo implements os.FileInfo.
type memFileInfo struct {
	name    string
	size    int64
	modTime time.Time
	isDir   bool
}

var _ os.FileInfo = (*memFileInfo)(nil)

func (f *memFileInfo) Name() string       { return f.name }
func (f *memFileInfo) Size() int64        { return f.size }
func (f *memFileInfo) ModTime() time.Time { return f.modTime }
func (f *memFileInfo) IsDir() bool        { return f.isDir }
func (f *memFileInfo) Sys() any           { return nil }

func (f *memFileInfo) Mode() os.FileMode {
	if f.isDir {
		return os.ModeDir | 0755
	}
	return 0644
}
