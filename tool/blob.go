// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cockroachdb/blobdb"
	"github.com/cockroachdb/blobdb/bloblog"
	"github.com/cockroachdb/blobdb/internal/base"
	"github.com/cockroachdb/blobdb/internal/compression"
	"github.com/cockroachdb/crlib/crhumanize"
	"github.com/cockroachdb/errors"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// blobT implements the blob file tools, including both configuration state
// and the commands themselves.
type blobT struct {
	Root   *cobra.Command
	Build  *cobra.Command
	Dump   *cobra.Command
	Get    *cobra.Command
	Verify *cobra.Command

	env *env

	// Flags.
	cfID       uint32
	cfName     string
	decompress bool
	fmtKey     formatter
	fmtValue   formatter
	getValue   formatter
	input      string
	reason     string
}

func newBlob(e *env) *blobT {
	b := &blobT{env: e}
	b.fmtKey.mustSet("quoted")
	b.fmtValue.mustSet("size")
	b.getValue.mustSet("quoted")

	b.Root = &cobra.Command{
		Use:   "blob",
		Short: "blob file introspection tools",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return b.env.loadConfig()
		},
	}
	b.Root.PersistentFlags().StringVar(
		&b.env.configPath, "config", "", "YAML configuration file")

	b.Build = &cobra.Command{
		Use:   "build <dir>",
		Short: "write key/value pairs into blob files",
		Long: `
Write key/value pairs into new blob files in the given directory. The input
holds one pair per line, the key and the value separated by a space; either
may be hex encoded with a "hex:" prefix. For every key the encoded blob index
is printed in hex, followed by a summary of the files written.
`,
		Args: cobra.ExactArgs(1),
		Run:  b.runBuild,
	}
	b.Dump = &cobra.Command{
		Use:   "dump <blob files>",
		Short: "print the records of blob files",
		Long: `
Print the header, the records and the footer of the given blob files. If an
argument is a directory, the blob files in it are dumped.
`,
		Args: cobra.MinimumNArgs(1),
		Run:  b.runDump,
	}
	b.Get = &cobra.Command{
		Use:   "get <dir> <key> <blob index>",
		Short: "read the value referenced by a blob index",
		Long: `
Read the value that the hex encoded blob index refers to, as printed by build.
The key must be the key the value was written under.
`,
		Args: cobra.ExactArgs(3),
		Run:  b.runGet,
	}
	b.Verify = &cobra.Command{
		Use:   "verify <blob files>",
		Short: "verify the checksums of blob files",
		Long: `
Verify the record checksums and the whole-file digest of the given blob
files. If an argument is a directory, the blob files in it are verified.
`,
		Args: cobra.MinimumNArgs(1),
		Run:  b.runVerify,
	}

	b.Build.Flags().StringVar(
		&b.input, "input", "", "input file (defaults to stdin)")
	b.Build.Flags().Uint32Var(
		&b.cfID, "cf-id", 0, "column family id recorded in the file headers")
	b.Build.Flags().StringVar(
		&b.cfName, "cf-name", "default", "column family name used in logs")
	b.Build.Flags().StringVar(
		&b.reason, "reason", "flush", "creation reason: flush, compaction or recovery")
	b.Dump.Flags().Var(
		&b.fmtKey, "key", "key formatter")
	b.Dump.Flags().Var(
		&b.fmtValue, "value", "value formatter")
	b.Dump.Flags().BoolVar(
		&b.decompress, "decompress", false, "decompress values before formatting them")
	b.Get.Flags().Var(
		&b.getValue, "value", "value formatter")

	b.Root.AddCommand(b.Build, b.Dump, b.Get, b.Verify)
	return b
}

func parseReason(s string) (blobdb.BlobFileCreationReason, error) {
	for _, r := range []blobdb.BlobFileCreationReason{
		blobdb.BlobFileCreationFlush, blobdb.BlobFileCreationCompaction, blobdb.BlobFileCreationRecovery,
	} {
		if r.String() == s {
			return r, nil
		}
	}
	return 0, errors.Errorf("unknown creation reason %q", s)
}

func (b *blobT) runBuild(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	if err := b.build(cmd.InOrStdin(), stdout, args[0]); err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
	}
}

func (b *blobT) build(stdin io.Reader, stdout io.Writer, dir string) error {
	reason, err := parseReason(b.reason)
	if err != nil {
		return err
	}
	if err := b.env.fs.MkdirAll(dir, 0755); err != nil {
		return err
	}
	opts, closeFn, err := b.env.openOptions(dir)
	if err != nil {
		return err
	}
	defer closeFn()

	in := stdin
	if b.input != "" {
		f, err := b.env.fs.Open(b.input)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	next, err := nextFileNum(b.env.fs, dir)
	if err != nil {
		return err
	}
	dbID, sessionID := base.NewDBID(), base.NewSessionID()
	builder := blobdb.NewBlobFileBuilder(blobdb.NewFileNumAllocator(next), opts, blobdb.BlobFileBuilderParams{
		DBID:             dbID,
		SessionID:        sessionID,
		ColumnFamilyID:   b.cfID,
		ColumnFamilyName: b.cfName,
		Reason:           reason,
	})

	abandon := func(err error) error {
		builder.Abandon(err)
		return errors.CombineErrors(err, blobdb.DeleteBlobFiles(opts, builder.FilePaths()))
	}
	scanner := bufio.NewScanner(in)
	for lineNum := 1; scanner.Scan(); lineNum++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, " ")
		if !ok {
			return abandon(errors.Errorf("line %d: expected <key> <value>", lineNum))
		}
		key, err := parseBytes(k)
		if err != nil {
			return abandon(errors.Wrapf(err, "line %d", lineNum))
		}
		value, err := parseBytes(strings.TrimSpace(v))
		if err != nil {
			return abandon(errors.Wrapf(err, "line %d", lineNum))
		}
		index, err := builder.Add(key, value)
		if err != nil {
			return abandon(err)
		}
		if index == nil {
			// Values below the minimum blob size stay inline.
			index = blobdb.EncodeInlinedTTL(nil, 0, value)
		}
		fmt.Fprintf(stdout, "%s %x\n", k, index)
	}
	if err := scanner.Err(); err != nil {
		return abandon(err)
	}
	if err := builder.Finish(); err != nil {
		return abandon(err)
	}

	tbl := tablewriter.NewWriter(stdout)
	tbl.SetHeader([]string{"File", "Blobs", "Blob bytes", "Size", "Checksum"})
	var total uint64
	for _, a := range builder.Additions() {
		total += a.Size
		tbl.Append([]string{
			a.FileNum.String(),
			strconv.FormatUint(a.BlobCount, 10),
			strconv.FormatUint(a.BlobBytes, 10),
			strconv.FormatUint(a.Size, 10),
			a.ChecksumMethod + ":" + a.ChecksumValue,
		})
	}
	tbl.Render()
	fmt.Fprintf(stdout, "wrote %d blob files (%s)\n", len(builder.Additions()),
		crhumanize.Bytes(total, crhumanize.Compact))
	return nil
}

func (b *blobT) runDump(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	paths, err := blobFilePaths(b.env.fs, args)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	for _, path := range paths {
		fmt.Fprintf(stdout, "%s\n", path)
		if err := b.dump(stdout, path); err != nil {
			fmt.Fprintf(stderr, "%s: %s\n", path, err)
		}
	}
}

func (b *blobT) dump(stdout io.Writer, path string) error {
	f, err := b.env.fs.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	it, err := bloblog.NewIterator(f, uint64(info.Size()))
	if err != nil {
		return err
	}
	h := it.Header()
	fmt.Fprintf(stdout, "header: %s\n", h)

	tbl := tablewriter.NewWriter(stdout)
	tbl.SetHeader([]string{"Offset", "Key", "Value", "Expiration"})
	for {
		rec, ok := it.Next()
		if !ok {
			break
		}
		value := rec.Value
		if b.decompress && h.Compression != compression.None {
			if value, err = compression.Decompress(h.Compression, value); err != nil {
				tbl.Render()
				return err
			}
		}
		tbl.Append([]string{
			strconv.FormatUint(it.ValueOffset(), 10),
			b.fmtKey.format(rec.Key),
			b.fmtValue.format(value),
			strconv.FormatUint(rec.Expiration, 10),
		})
	}
	tbl.Render()
	if err := it.Error(); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "footer: %s\n", it.Footer())
	return nil
}

func (b *blobT) runGet(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	if err := b.get(stdout, args[0], args[1], args[2]); err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
	}
}

func (b *blobT) get(stdout io.Writer, dir, k, encodedIndex string) error {
	key, err := parseBytes(k)
	if err != nil {
		return err
	}
	enc, err := hex.DecodeString(encodedIndex)
	if err != nil {
		return errors.Wrap(err, "decoding blob index")
	}
	bi, err := blobdb.DecodeBlobIndex(enc)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s\n", bi)
	if bi.IsInlined() {
		fmt.Fprintf(stdout, "%s\n", b.getValue.format(bi.Value))
		return nil
	}

	opts, closeFn, err := b.env.openOptions(dir)
	if err != nil {
		return err
	}
	defer closeFn()
	fileCache := blobdb.NewBlobFileCache(opts)
	defer fileCache.Close()
	source := blobdb.NewBlobSource(opts, base.NewDBID(), base.NewSessionID(), fileCache)

	v, _, err := source.GetBlob(context.Background(), blobdb.ReadOptions{}, key,
		bi.FileNum, bi.Offset, bloblog.UnknownFileSize, bi.Size, bi.Compression, nil)
	if err != nil {
		return err
	}
	defer v.Release()
	fmt.Fprintf(stdout, "%s\n", b.getValue.format(v.Value()))
	return nil
}

func (b *blobT) runVerify(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	paths, err := blobFilePaths(b.env.fs, args)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	var failed int
	for _, path := range paths {
		if err := b.verify(path); err != nil {
			failed++
			fmt.Fprintf(stdout, "%s: %s\n", path, err)
			continue
		}
		fmt.Fprintf(stdout, "%s: OK\n", path)
	}
	if failed > 0 {
		fmt.Fprintf(stderr, "%d of %d blob files failed verification\n", failed, len(paths))
	}
}

func (b *blobT) verify(path string) error {
	r, err := blobdb.NewBlobFileReader(context.Background(), b.env.fs, path,
		fileNumFromPath(b.env.fs, path), blobdb.BlobFileReaderOptions{})
	if err != nil {
		return err
	}
	defer r.Close()
	return r.VerifyFileChecksum()
}
