// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package vfs

import (
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/cockroachdb/datadriven"
	"github.com/cockroachdb/errors/oserror"
	"github.com/stretchr/testify/require"
)

func normalizeError(err error) error {
	// It is OS-specific which errors match IsExist, IsNotExist, and
	// IsPermission, with OS-specific error messages. We normalize to the
	// oserror.Err* errors which have standard error messages across
	// platforms.
	switch {
	case oserror.IsExist(err):
		return oserror.ErrExist
	case oserror.IsNotExist(err):
		return oserror.ErrNotExist
	case oserror.IsPermission(err):
		return oserror.ErrPermission
	}
	return err
}

func TestMemFS(t *testing.T) {
	fs := NewMem()
	var f File
	datadriven.RunTest(t, "testdata/memfs", func(t *testing.T, td *datadriven.TestData) string {
		var err error
		switch td.Cmd {
		case "mkdirall":
			err = fs.MkdirAll(td.CmdArgs[0].String(), 0755)
		case "create":
			f, err = fs.Create(td.CmdArgs[0].String())
		case "open":
			f, err = fs.Open(td.CmdArgs[0].String(), RandomReadsOption)
		case "remove":
			err = fs.Remove(td.CmdArgs[0].String())
		case "rename":
			err = fs.Rename(td.CmdArgs[0].String(), td.CmdArgs[1].String())
		case "f.write":
			_, err = f.Write([]byte(strings.TrimSpace(td.Input)))
		case "f.readat":
			var off, n int
			td.ScanArgs(t, "off", &off)
			td.ScanArgs(t, "len", &n)
			buf := make([]byte, n)
			if _, err = f.ReadAt(buf, int64(off)); err != nil {
				break
			}
			return string(buf)
		case "f.close":
			f, err = nil, f.Close()
		case "list":
			var names []string
			names, err = fs.List(td.CmdArgs[0].String())
			if err != nil {
				break
			}
			return strings.Join(names, "\n")
		case "dump":
			return fs.String()
		default:
			return fmt.Sprintf("unknown command: %s", td.Cmd)
		}
		if err != nil {
			return fmt.Sprintf("error: %v", normalizeError(err))
		}
		return "OK"
	})
}

func TestMemFSReadAtEOF(t *testing.T) {
	fs := NewMem()
	w, err := fs.Create("x")
	require.NoError(t, err)
	_, err = w.Write([]byte("abcdef"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	_, err = w.ReadAt(make([]byte, 1), 0)
	require.Error(t, err)

	f, err := fs.Open("x")
	require.NoError(t, err)
	buf := make([]byte, 4)
	n, err := f.ReadAt(buf, 4)
	require.Equal(t, 2, n)
	require.Equal(t, io.EOF, err)
	_, err = f.ReadAt(buf, 6)
	require.Equal(t, io.EOF, err)
	require.NoError(t, f.Close())
	require.Error(t, f.Close())
}

func TestMemFSMissingParent(t *testing.T) {
	fs := NewMem()
	_, err := fs.Create("missing/x")
	require.True(t, oserror.IsNotExist(err))
	require.NoError(t, fs.MkdirAll("/a/b/", 0755))
	_, err = fs.Create("a/b/x")
	require.NoError(t, err)
	require.Error(t, fs.MkdirAll("a/b/x/c", 0755))
	fi, err := fs.Stat("a/b")
	require.NoError(t, err)
	require.True(t, fi.IsDir())
	_, err = fs.List("a/b/x")
	require.True(t, oserror.IsNotExist(err))
}

func TestMemFSCorruptAndTruncate(t *testing.T) {
	fs := NewMem()
	f, err := fs.Create("x")
	require.NoError(t, err)
	_, err = f.Write([]byte{0x00, 0x01, 0x02})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, fs.Corrupt("x", 1))
	require.Error(t, fs.Corrupt("x", 3))
	require.NoError(t, fs.Truncate("x", 2))

	f, err = fs.Open("x")
	require.NoError(t, err)
	defer f.Close()
	size, err := Size(f)
	require.NoError(t, err)
	require.Equal(t, int64(2), size)
	buf := make([]byte, 2)
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, []byte{0x00, 0xfe}, buf)
}

func TestDefaultFS(t *testing.T) {
	dir := t.TempDir()
	fs := Default
	name := fs.PathJoin(dir, "000007.blob")
	f, err := fs.Create(name)
	require.NoError(t, err)
	_, err = f.Write([]byte("blob"))
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	f, err = fs.Open(name, RandomReadsOption)
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "blob", string(buf))
	require.NoError(t, f.Close())

	names, err := fs.List(dir)
	require.NoError(t, err)
	require.Equal(t, []string{"000007.blob"}, names)
	require.Equal(t, dir, fs.PathDir(name))
	require.Equal(t, "000007.blob", fs.PathBase(name))

	require.NoError(t, fs.Remove(name))
	_, err = fs.Stat(name)
	require.True(t, oserror.IsNotExist(err))
}
