// Copyright 2023 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package errorfs

import (
	"testing"

	"github.com/cockroachdb/blobdb/vfs"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestInjectors(t *testing.T) {
	mem := vfs.NewMem()
	ii := OnIndex(1, Always())
	fs := Wrap(mem, Writes(ii))

	f, err := fs.Create("000001.blob")
	require.NoError(t, err)
	// The first write operation was the create; the second fails.
	_, err = f.Write([]byte("x"))
	require.True(t, errors.Is(err, ErrInjected))
	// Subsequent operations are unaffected.
	_, err = f.Write([]byte("y"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	fs = Wrap(mem, PathMatch("*.blob", Reads(Always())))
	_, err = fs.Open("000001.blob")
	require.True(t, errors.Is(err, ErrInjected))
	_, err = fs.Create("000002.tmp")
	require.NoError(t, err)
	_, err = fs.Open("000002.tmp")
	require.NoError(t, err)
}

func TestCounter(t *testing.T) {
	var c Counter
	mem := vfs.NewMem()
	fs := Wrap(mem, &c)
	f, err := fs.Create("a")
	require.NoError(t, err)
	_, err = f.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())
	require.Equal(t, int64(3), c.Writes())

	g, err := fs.Open("a")
	require.NoError(t, err)
	buf := make([]byte, 3)
	_, err = g.ReadAt(buf, 0)
	require.NoError(t, err)
	require.NoError(t, g.Close())
	require.Equal(t, int64(2), c.Reads())

	// Only syncs fail.
	fs = Wrap(mem, OnOp(OpFileSync, Always()))
	f, err = fs.Create("b")
	require.NoError(t, err)
	_, err = f.Write([]byte("abc"))
	require.NoError(t, err)
	require.True(t, errors.Is(f.Sync(), ErrInjected))
	require.NoError(t, f.Close())
}
