// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package errorfs wraps a vfs.FS and injects errors into chosen operations.
package errorfs

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/cockroachdb/blobdb/vfs"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
)

// ErrInjected is an error artificially injected for testing fs error paths.
var ErrInjected = errors.New("injected error")

// Op is an enum describing the type of operation.
type Op int

const (
	// OpCreate describes a create file operation.
	OpCreate Op = iota
	// OpOpen describes a file open operation.
	OpOpen
	// OpRemove describes a remove file operation.
	OpRemove
	// OpRename describes a rename operation.
	OpRename
	// OpMkdirAll describes a make directory including parents operation.
	OpMkdirAll
	// OpList describes a list directory operation.
	OpList
	// OpStat describes a path-based stat operation.
	OpStat
	// OpFileClose describes a close file operation.
	OpFileClose
	// OpFileRead describes a file read operation.
	OpFileRead
	// OpFileReadAt describes a file seek read operation.
	OpFileReadAt
	// OpFileWrite describes a file write operation.
	OpFileWrite
	// OpFileStat describes a file stat operation.
	OpFileStat
	// OpFileSync describes a file sync operation.
	OpFileSync
)

var opNames = [...]string{
	OpCreate:     "create",
	OpOpen:       "open",
	OpRemove:     "remove",
	OpRename:     "rename",
	OpMkdirAll:   "mkdir-all",
	OpList:       "list",
	OpStat:       "stat",
	OpFileClose:  "file-close",
	OpFileRead:   "file-read",
	OpFileReadAt: "file-read-at",
	OpFileWrite:  "file-write",
	OpFileStat:   "file-stat",
	OpFileSync:   "file-sync",
}

// String implements fmt.Stringer.
func (o Op) String() string {
	if o < 0 || int(o) >= len(opNames) {
		return fmt.Sprintf("Op(%d)", int(o))
	}
	return opNames[o]
}

// OpKind returns the operation's kind.
func (o Op) OpKind() OpKind {
	switch o {
	case OpOpen, OpList, OpStat, OpFileRead, OpFileReadAt, OpFileStat:
		return OpKindRead
	case OpCreate, OpRemove, OpRename, OpMkdirAll, OpFileClose, OpFileWrite, OpFileSync:
		return OpKindWrite
	default:
		panic(fmt.Sprintf("unrecognized op %v\n", o))
	}
}

// OpKind is an enum describing whether an operation is a read or write
// operation.
type OpKind int

const (
	// OpKindRead describes read operations.
	OpKindRead OpKind = iota
	// OpKindWrite describes write operations.
	OpKindWrite
)

// Injector injects errors into FS operations.
type Injector interface {
	// MaybeError is invoked by an errorfs before an operation is executed. It
	// is passed an enum indicating the type of operation and a path of the
	// subject file or directory. If the operation takes two paths (eg,
	// Rename), the original source path is provided. If an error is returned,
	// the errorfs returns it to the caller instead of performing the
	// operation.
	MaybeError(op Op, path string) error
}

// InjectorFunc implements the Injector interface for a func with
// MaybeError's signature.
type InjectorFunc func(Op, string) error

// MaybeError implements the Injector interface.
func (f InjectorFunc) MaybeError(op Op, path string) error { return f(op, path) }

// Always returns an Injector that always injects an error.
func Always() Injector {
	return InjectorFunc(func(Op, string) error { return errors.WithStack(ErrInjected) })
}

// OnIndex is a convenience function for constructing a *InjectIndex that
// invokes next when the index-th operation is performed.
func OnIndex(index int32, next Injector) *InjectIndex {
	ii := &InjectIndex{next: next}
	ii.index.Store(index)
	return ii
}

// InjectIndex implements Injector, injecting an error at a specific index.
type InjectIndex struct {
	index atomic.Int32
	next  Injector
}

// MaybeError implements the Injector interface.
func (ii *InjectIndex) MaybeError(op Op, path string) error {
	if ii.index.Add(-1) != -1 {
		return nil
	}
	return ii.next.MaybeError(op, path)
}

// PathMatch returns an injector that injects an error on file paths that
// match the provided pattern (according to filepath.Match) and for which
// the provided next injector injects an error.
func PathMatch(pattern string, next Injector) Injector {
	return InjectorFunc(func(op Op, path string) error {
		if matched, err := filepath.Match(pattern, path); err != nil {
			panic(err)
		} else if matched {
			return next.MaybeError(op, path)
		}
		return nil
	})
}

// OnOp returns an injector that consults next only for operations of the
// given type.
func OnOp(o Op, next Injector) Injector {
	return InjectorFunc(func(op Op, path string) error {
		if op == o {
			return next.MaybeError(op, path)
		}
		return nil
	})
}

// Reads returns an injector that consults next only for read operations.
func Reads(next Injector) Injector {
	return InjectorFunc(func(op Op, path string) error {
		if op.OpKind() == OpKindRead {
			return next.MaybeError(op, path)
		}
		return nil
	})
}

// Writes returns an injector that consults next only for write operations.
func Writes(next Injector) Injector {
	return InjectorFunc(func(op Op, path string) error {
		if op.OpKind() == OpKindWrite {
			return next.MaybeError(op, path)
		}
		return nil
	})
}

// Counter is an Injector that never injects, and counts the operations it
// observes by kind.
type Counter struct {
	reads, writes atomic.Int64
}

// MaybeError implements the Injector interface.
func (c *Counter) MaybeError(op Op, _ string) error {
	if op.OpKind() == OpKindRead {
		c.reads.Add(1)
	} else {
		c.writes.Add(1)
	}
	return nil
}

// Reads returns the number of read operations observed.
func (c *Counter) Reads() int64 { return c.reads.Load() }

// Writes returns the number of write operations observed.
func (c *Counter) Writes() int64 { return c.writes.Load() }

// FS implements vfs.FS, injecting errors into operations.
type FS struct {
	fs  vfs.FS
	inj Injector
}

var _ vfs.FS = (*FS)(nil)

// Wrap wraps an existing vfs.FS implementation, returning a new vfs.FS
// implementation that shadows operations to the provided FS. It uses the
// provided Injector for deciding when to inject errors.
func Wrap(fs vfs.FS, inj Injector) *FS {
	return &FS{
		fs:  fs,
		inj: inj,
	}
}

// Create implements FS.Create.
func (fs *FS) Create(name string) (vfs.File, error) {
	if err := fs.inj.MaybeError(OpCreate, name); err != nil {
		return nil, err
	}
	f, err := fs.fs.Create(name)
	if err != nil {
		return nil, err
	}
	return &errorFile{name, f, fs.inj}, nil
}

// Open implements FS.Open.
func (fs *FS) Open(name string, opts ...vfs.OpenOption) (vfs.File, error) {
	if err := fs.inj.MaybeError(OpOpen, name); err != nil {
		return nil, err
	}
	f, err := fs.fs.Open(name)
	if err != nil {
		return nil, err
	}
	ef := &errorFile{name, f, fs.inj}
	for _, opt := range opts {
		opt.Apply(ef)
	}
	return ef, nil
}

// PathBase implements FS.PathBase.
func (fs *FS) PathBase(p string) string {
	return fs.fs.PathBase(p)
}

// PathDir implements FS.PathDir.
func (fs *FS) PathDir(p string) string {
	return fs.fs.PathDir(p)
}

// PathJoin implements FS.PathJoin.
func (fs *FS) PathJoin(elem ...string) string {
	return fs.fs.PathJoin(elem...)
}

// Remove implements FS.Remove.
func (fs *FS) Remove(name string) error {
	if _, err := fs.fs.Stat(name); oserror.IsNotExist(err) {
		return nil
	}
	if err := fs.inj.MaybeError(OpRemove, name); err != nil {
		return err
	}
	return fs.fs.Remove(name)
}

// Rename implements FS.Rename.
func (fs *FS) Rename(oldname, newname string) error {
	if err := fs.inj.MaybeError(OpRename, oldname); err != nil {
		return err
	}
	return fs.fs.Rename(oldname, newname)
}

// MkdirAll implements FS.MkdirAll.
func (fs *FS) MkdirAll(dir string, perm os.FileMode) error {
	if err := fs.inj.MaybeError(OpMkdirAll, dir); err != nil {
		return err
	}
	return fs.fs.MkdirAll(dir, perm)
}

// List implements FS.List.
func (fs *FS) List(dir string) ([]string, error) {
	if err := fs.inj.MaybeError(OpList, dir); err != nil {
		return nil, err
	}
	return fs.fs.List(dir)
}

// Stat implements FS.Stat.
func (fs *FS) Stat(name string) (os.FileInfo, error) {
	if err := fs.inj.MaybeError(OpStat, name); err != nil {
		return nil, err
	}
	return fs.fs.Stat(name)
}

// errorFile implements vfs.File. The interface is implemented on the pointer
// type to allow pointer equality comparisons.
type errorFile struct {
	path string
	file vfs.File
	inj  Injector
}

func (f *errorFile) Close() error {
	// We don't inject errors during close as those calls should never fail in
	// practice.
	return f.file.Close()
}

func (f *errorFile) Read(p []byte) (int, error) {
	if err := f.inj.MaybeError(OpFileRead, f.path); err != nil {
		return 0, err
	}
	return f.file.Read(p)
}

func (f *errorFile) ReadAt(p []byte, off int64) (int, error) {
	if err := f.inj.MaybeError(OpFileReadAt, f.path); err != nil {
		return 0, err
	}
	return f.file.ReadAt(p, off)
}

func (f *errorFile) Write(p []byte) (int, error) {
	if err := f.inj.MaybeError(OpFileWrite, f.path); err != nil {
		return 0, err
	}
	return f.file.Write(p)
}

func (f *errorFile) Stat() (os.FileInfo, error) {
	if err := f.inj.MaybeError(OpFileStat, f.path); err != nil {
		return nil, err
	}
	return f.file.Stat()
}

func (f *errorFile) Sync() error {
	if err := f.inj.MaybeError(OpFileSync, f.path); err != nil {
		return err
	}
	return f.file.Sync()
}
