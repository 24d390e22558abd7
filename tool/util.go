// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"cmp"
	"encoding/hex"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/cockroachdb/blobdb/internal/base"
	"github.com/cockroachdb/blobdb/vfs"
)

type key []byte

func (k *key) String() string {
	return string(*k)
}

func (k *key) Type() string {
	return "key"
}

func (k *key) Set(v string) error {
	b, err := parseBytes(v)
	if err != nil {
		return err
	}
	*k = key(b)
	return nil
}

// parseBytes parses a key or value given on the command line. A "hex:" prefix
// introduces hex encoded bytes and a "raw:" prefix escapes a literal "hex:".
func parseBytes(v string) ([]byte, error) {
	switch {
	case strings.HasPrefix(v, "hex:"):
		return hex.DecodeString(strings.TrimPrefix(v, "hex:"))
	case strings.HasPrefix(v, "raw:"):
		return []byte(strings.TrimPrefix(v, "raw:")), nil
	default:
		return []byte(v), nil
	}
}

type formatter struct {
	spec string
	fn   func(w io.Writer, v []byte)
}

func (f *formatter) String() string {
	return f.spec
}

func (f *formatter) Type() string {
	return "formatter"
}

func (f *formatter) Set(spec string) error {
	f.spec = spec
	switch spec {
	case "hex":
		f.fn = formatHex
	case "null":
		f.fn = formatNull
	case "quoted":
		f.fn = formatQuoted
	case "size":
		f.fn = formatSize
	default:
		if strings.Count(spec, "%") != 1 {
			return fmt.Errorf("unknown formatter: %q", spec)
		}
		f.fn = func(w io.Writer, v []byte) {
			fmt.Fprintf(w, f.spec, v)
		}
	}
	return nil
}

func (f *formatter) mustSet(spec string) {
	if err := f.Set(spec); err != nil {
		panic(err)
	}
}

func (f *formatter) format(v []byte) string {
	var b strings.Builder
	f.fn(&b, v)
	return b.String()
}

func formatHex(w io.Writer, v []byte) {
	fmt.Fprintf(w, "[% x]", v)
}

func formatNull(w io.Writer, v []byte) {
}

func formatQuoted(w io.Writer, v []byte) {
	q := strconv.AppendQuote(make([]byte, 0, len(v)), string(v))
	q = q[1 : len(q)-1]
	_, _ = w.Write(q)
}

func formatSize(w io.Writer, v []byte) {
	fmt.Fprintf(w, "<%d bytes>", len(v))
}

// blobFilePaths expands args into blob file paths. Directories are listed
// for blob files, which are returned in file number order.
func blobFilePaths(fs vfs.FS, args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		info, err := fs.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}
		names, err := fs.List(arg)
		if err != nil {
			return nil, err
		}
		type numbered struct {
			num  base.DiskFileNum
			path string
		}
		var files []numbered
		for _, name := range names {
			fileType, num, ok := base.ParseFilename(fs, name)
			if ok && fileType == base.FileTypeBlob {
				files = append(files, numbered{num, fs.PathJoin(arg, name)})
			}
		}
		slices.SortFunc(files, func(a, b numbered) int {
			return cmp.Compare(a.num, b.num)
		})
		for _, f := range files {
			paths = append(paths, f.path)
		}
	}
	return paths, nil
}

// fileNumFromPath returns the file number encoded in a blob file name, or 0.
func fileNumFromPath(fs vfs.FS, path string) base.DiskFileNum {
	fileType, num, ok := base.ParseFilename(fs, path)
	if !ok || fileType != base.FileTypeBlob {
		return 0
	}
	return num
}

// nextFileNum returns the number following the largest blob file number in
// dir.
func nextFileNum(fs vfs.FS, dir string) (base.DiskFileNum, error) {
	paths, err := blobFilePaths(fs, []string{dir})
	if err != nil {
		return 0, err
	}
	next := base.DiskFileNum(1)
	for _, p := range paths {
		next = max(next, fileNumFromPath(fs, p)+1)
	}
	return next, nil
}
