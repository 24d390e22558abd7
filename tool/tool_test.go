// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/cockroachdb/blobdb/vfs"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

// runTool runs the tool against fs with the given stdin and arguments and
// returns the combined output.
func runTool(fs vfs.FS, stdin string, args ...string) (string, error) {
	var buf bytes.Buffer
	c := &cobra.Command{}
	c.AddCommand(New(FS(fs)).Commands...)
	c.SetArgs(args)
	c.SetOut(&buf)
	c.SetErr(&buf)
	c.SetIn(strings.NewReader(stdin))
	err := c.Execute()
	return buf.String(), err
}

func mustRunTool(t *testing.T, fs vfs.FS, stdin string, args ...string) string {
	t.Helper()
	out, err := runTool(fs, stdin, args...)
	require.NoError(t, err, "%s", out)
	return out
}

// indexes extracts the "<key> <hex index>" lines printed by build.
func indexes(out string) map[string]string {
	m := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		k, v, ok := strings.Cut(line, " ")
		if ok && !strings.ContainsAny(k, "+|") && k != "wrote" {
			m[k] = v
		}
	}
	return m
}

func writeConfig(t *testing.T, fs vfs.FS, name, config string) {
	t.Helper()
	f, err := fs.Create(name)
	require.NoError(t, err)
	_, err = f.Write([]byte(config))
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestBuildGetDumpVerify(t *testing.T) {
	mem := vfs.NewMem()
	out := mustRunTool(t, mem, "a hello-world-value\nb another-value\nhex:6b6579 raw-value\n",
		"blob", "build", "--cf-id", "3", "db")
	require.Contains(t, out, "wrote 1 blob files")
	idx := indexes(out)
	require.Len(t, idx, 3)

	out = mustRunTool(t, mem, "", "blob", "get", "db", "a", idx["a"])
	require.Contains(t, out, "[blob ref] file:000001")
	require.Contains(t, out, "hello-world-value\n")

	out = mustRunTool(t, mem, "", "blob", "get", "--value", "hex", "db", "hex:6b6579", idx["hex:6b6579"])
	require.Contains(t, out, "[72 61 77 2d 76 61 6c 75 65]")

	// The wrong key is detected.
	out = mustRunTool(t, mem, "", "blob", "get", "db", "b", idx["a"])
	require.Contains(t, out, "key mismatch")

	out = mustRunTool(t, mem, "", "blob", "dump", "--value", "quoted", "db")
	require.Contains(t, out, "db/000001.blob\n")
	require.Contains(t, out, "header: cf=3 compression=NoCompression")
	require.Contains(t, out, "another-value")
	require.Contains(t, out, "footer: count=3")

	out = mustRunTool(t, mem, "", "blob", "verify", "db")
	require.Equal(t, "db/000001.blob: OK\n", out)

	// A second build continues the file numbering.
	out = mustRunTool(t, mem, "c third-value\n", "blob", "build", "db")
	require.Contains(t, out, "wrote 1 blob files")
	out = mustRunTool(t, mem, "", "blob", "get", "db", "c", indexes(out)["c"])
	require.Contains(t, out, "[blob ref] file:000002")

	// Damage the value of "a": 30 header bytes, 32 record header bytes and
	// the one byte key precede it.
	require.NoError(t, mem.Corrupt("db/000001.blob", 30+32+1))
	out = mustRunTool(t, mem, "", "blob", "verify", "db")
	require.Contains(t, out, "db/000002.blob: OK\n")
	require.NotContains(t, out, "db/000001.blob: OK")
	require.Contains(t, out, "1 of 2 blob files failed verification")
}

func TestBuildWithConfig(t *testing.T) {
	mem := vfs.NewMem()
	writeConfig(t, mem, "config.yaml", `
blob_compression: zstd
blob_file_checksum: xxh64
min_blob_size: 8
prepopulate_blob_cache: always
secondary_cache:
  type: compressed
  capacity: 1048576
`)
	out := mustRunTool(t, mem, "k1 short\nk2 a-much-longer-value\n",
		"blob", "build", "--config", "config.yaml", "db")
	idx := indexes(out)
	// The short value stays inline.
	require.True(t, strings.HasPrefix(idx["k1"], "0000"), "%s", idx["k1"])
	require.Contains(t, out, "xxh64:")

	out = mustRunTool(t, mem, "", "blob", "get", "db", "k1", idx["k1"])
	require.Contains(t, out, "[inlined blob] value:short exp:0\nshort\n")

	out = mustRunTool(t, mem, "", "blob", "get", "--config", "config.yaml", "db", "k2", idx["k2"])
	require.Contains(t, out, "compression:ZSTD")
	require.Contains(t, out, "a-much-longer-value\n")

	out = mustRunTool(t, mem, "", "blob", "dump", "--decompress", "--value", "quoted", "db")
	require.Contains(t, out, "compression=ZSTD")
	require.Contains(t, out, "a-much-longer-value")
	require.Contains(t, out, "checksum=xxh64:")
}

func TestConfigErrors(t *testing.T) {
	mem := vfs.NewMem()
	writeConfig(t, mem, "unknown.yaml", "blob_size: 10\n")
	_, err := runTool(mem, "", "blob", "build", "--config", "unknown.yaml", "db")
	require.ErrorContains(t, err, "parsing config")

	writeConfig(t, mem, "invalid.yaml", "prepopulate_blob_cache: always\nblob_cache_size: -1\n")
	out := mustRunTool(t, mem, "k v\n", "blob", "build", "--config", "invalid.yaml", "db")
	require.Contains(t, out, "PrepopulateBlobCache (always) requires a BlobCache")

	writeConfig(t, mem, "secondary.yaml", "secondary_cache:\n  type: disk\n")
	out = mustRunTool(t, mem, "k v\n", "blob", "build", "--config", "secondary.yaml", "db")
	require.Contains(t, out, `unknown secondary cache type "disk"`)
}

func TestBench(t *testing.T) {
	for _, batch := range []int{1, 8} {
		t.Run(fmt.Sprintf("batch=%d", batch), func(t *testing.T) {
			mem := vfs.NewMem()
			out := mustRunTool(t, mem, "", "blob", "bench",
				"--values", "200", "--value-size", "100", "--reads", "400", "-c", "2",
				"--batch", fmt.Sprint(batch), "bench")
			require.Contains(t, out, "values into 1 blob files")
			require.Contains(t, out, "read latency (µs) by percentile")
			require.Contains(t, out, "blob file cache:")
			require.Contains(t, out, "blob cache:")
			require.NotContains(t, out, "error")

			// Running again adds new files next to the existing ones.
			out = mustRunTool(t, mem, "", "blob", "bench",
				"--values", "10", "--reads", "10", "bench")
			require.Contains(t, out, "values into 1 blob files")
			paths, err := blobFilePaths(mem, []string{"bench"})
			require.NoError(t, err)
			require.Equal(t, []string{"bench/000001.blob", "bench/000002.blob"}, paths)
		})
	}
}

func TestFormatter(t *testing.T) {
	var f formatter
	require.NoError(t, f.Set("quoted"))
	require.Equal(t, `a\x00b`, f.format([]byte("a\x00b")))
	require.NoError(t, f.Set("hex"))
	require.Equal(t, "[61 62]", f.format([]byte("ab")))
	require.NoError(t, f.Set("size"))
	require.Equal(t, "<2 bytes>", f.format([]byte("ab")))
	require.NoError(t, f.Set("null"))
	require.Equal(t, "", f.format([]byte("ab")))
	require.NoError(t, f.Set("%x"))
	require.Equal(t, "6162", f.format([]byte("ab")))
	require.Error(t, f.Set("bogus"))
}
