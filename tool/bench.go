// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/cockroachdb/blobdb"
	"github.com/cockroachdb/blobdb/bloblog"
	"github.com/cockroachdb/blobdb/internal/base"
	"github.com/cockroachdb/crlib/crhumanize"
	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	"github.com/guptarohit/asciigraph"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	minLatency = 100 * time.Nanosecond
	maxLatency = 10 * time.Second
)

func newHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(minLatency.Nanoseconds(), maxLatency.Nanoseconds(), 2)
}

// recordLatency records d, clamped to the range of the histogram.
func recordLatency(h *hdrhistogram.Histogram, d time.Duration) {
	d = min(max(d, minLatency), maxLatency)
	if err := h.RecordValue(d.Nanoseconds()); err != nil {
		// Note that a histogram only drops recorded values that are out of range,
		// but we clamp the latency value to the configured range to prevent such
		// drops. This code path should never happen.
		panic(fmt.Sprintf("recording value: %s", err))
	}
}

// benchT implements the blob read benchmark.
type benchT struct {
	Root *cobra.Command

	env *env

	// Flags.
	batch       int
	concurrency int
	fillCache   bool
	numValues   int
	reads       int
	seed        uint64
	valueSize   int
}

func newBench(e *env) *benchT {
	b := &benchT{env: e}
	b.Root = &cobra.Command{
		Use:   "bench <dir>",
		Short: "benchmark blob file writes and reads",
		Long: `
Write values into new blob files in the given directory, then read them back
at random from concurrent workers through the value cache and the blob file
cache. Prints the write throughput, the read latency distribution and the
statistics gathered along the way.
`,
		Args: cobra.ExactArgs(1),
		Run:  b.run,
	}
	b.Root.Flags().IntVar(
		&b.batch, "batch", 1, "number of values read per operation; batches use MultiGetBlob")
	b.Root.Flags().IntVarP(
		&b.concurrency, "concurrency", "c", 4, "number of concurrent readers")
	b.Root.Flags().BoolVar(
		&b.fillCache, "fill-cache", true, "insert values read from blob files into the value cache")
	b.Root.Flags().IntVarP(
		&b.numValues, "values", "n", 10000, "number of values to write")
	b.Root.Flags().IntVar(
		&b.reads, "reads", 100000, "total number of read operations")
	b.Root.Flags().Uint64Var(
		&b.seed, "seed", 1, "random seed")
	b.Root.Flags().IntVar(
		&b.valueSize, "value-size", 1024, "size of the values written")
	return b
}

type benchBlob struct {
	key   []byte
	index blobdb.BlobIndex
}

func (b *benchT) run(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	if err := b.bench(stdout, args[0]); err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
	}
}

func (b *benchT) bench(stdout io.Writer, dir string) error {
	if b.numValues <= 0 || b.concurrency <= 0 || b.batch <= 0 {
		return errors.New("values, concurrency and batch must be positive")
	}
	if err := b.env.fs.MkdirAll(dir, 0755); err != nil {
		return err
	}
	opts, closeFn, err := b.env.openOptions(dir)
	if err != nil {
		return err
	}
	defer closeFn()

	dbID, sessionID := base.NewDBID(), base.NewSessionID()
	blobs, err := b.write(stdout, opts, dbID, sessionID)
	if err != nil {
		return err
	}

	fileCache := blobdb.NewBlobFileCache(opts)
	defer fileCache.Close()
	source := blobdb.NewBlobSource(opts, dbID, sessionID, fileCache)

	hists := make([]*hdrhistogram.Histogram, b.concurrency)
	perWorker := (b.reads + b.concurrency - 1) / b.concurrency
	g, ctx := errgroup.WithContext(context.Background())
	start := crtime.NowMono()
	for w := range hists {
		hists[w] = newHistogram()
		rng := rand.New(rand.NewPCG(b.seed, uint64(w)))
		g.Go(func() error {
			return b.read(ctx, source, blobs, rng, perWorker, hists[w])
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := start.Elapsed()

	total := newHistogram()
	for _, h := range hists {
		total.Merge(h)
	}
	b.report(stdout, total, elapsed)
	fmt.Fprintf(stdout, "\nblob file cache: %s\n", fileCache.Metrics())
	if opts.BlobCache != nil {
		fmt.Fprintf(stdout, "blob cache: %s\n", opts.BlobCache.Metrics())
	}
	fmt.Fprintf(stdout, "\n%s", opts.Statistics)
	return nil
}

// write fills the blob files, returning the indexes of the values written.
func (b *benchT) write(
	stdout io.Writer, opts *blobdb.Options, dbID, sessionID string,
) ([]benchBlob, error) {
	next, err := nextFileNum(b.env.fs, opts.Dir)
	if err != nil {
		return nil, err
	}
	builder := blobdb.NewBlobFileBuilder(blobdb.NewFileNumAllocator(next), opts, blobdb.BlobFileBuilderParams{
		DBID:             dbID,
		SessionID:        sessionID,
		ColumnFamilyName: "bench",
		Reason:           blobdb.BlobFileCreationFlush,
	})
	rng := rand.New(rand.NewPCG(b.seed, 0))
	value := make([]byte, b.valueSize)
	blobs := make([]benchBlob, 0, b.numValues)
	start := crtime.NowMono()
	for i := 0; i < b.numValues; i++ {
		for j := range value {
			value[j] = byte(rng.IntN(256))
		}
		key := []byte(fmt.Sprintf("key%08d", i))
		enc, err := builder.Add(key, value)
		if err == nil && enc == nil {
			err = errors.Errorf("value of %d bytes was not written to a blob file", b.valueSize)
		}
		var bi blobdb.BlobIndex
		if err == nil {
			bi, err = blobdb.DecodeBlobIndex(enc)
		}
		if err != nil {
			builder.Abandon(err)
			return nil, errors.CombineErrors(err, blobdb.DeleteBlobFiles(opts, builder.FilePaths()))
		}
		blobs = append(blobs, benchBlob{key: key, index: bi})
	}
	if err := builder.Finish(); err != nil {
		return nil, errors.CombineErrors(err, blobdb.DeleteBlobFiles(opts, builder.FilePaths()))
	}
	elapsed := start.Elapsed()

	var written uint64
	for _, a := range builder.Additions() {
		written += a.Size
	}
	fmt.Fprintf(stdout, "wrote %s values into %d blob files (%s) in %s: %s/sec\n",
		crhumanize.Count(uint64(len(blobs)), crhumanize.Compact),
		len(builder.Additions()),
		crhumanize.Bytes(written, crhumanize.Compact),
		elapsed.Round(time.Millisecond),
		crhumanize.Bytes(uint64(float64(written)/max(elapsed.Seconds(), 1e-9)), crhumanize.Compact))
	return blobs, nil
}

func (b *benchT) read(
	ctx context.Context,
	source *blobdb.BlobSource,
	blobs []benchBlob,
	rng *rand.Rand,
	ops int,
	hist *hdrhistogram.Histogram,
) error {
	ro := blobdb.ReadOptions{FillCache: b.fillCache}
	reqs := make([]*blobdb.BlobReadRequest, b.batch)
	for i := 0; i < ops; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if b.batch == 1 {
			blob := &blobs[rng.IntN(len(blobs))]
			start := crtime.NowMono()
			v, _, err := source.GetBlob(ctx, ro, blob.key, blob.index.FileNum, blob.index.Offset,
				bloblog.UnknownFileSize, blob.index.Size, blob.index.Compression, nil)
			if err != nil {
				return err
			}
			v.Release()
			recordLatency(hist, start.Elapsed())
			continue
		}

		// Batches are grouped by file.
		groups := make(map[blobdb.DiskFileNum][]*blobdb.BlobReadRequest)
		for j := range reqs {
			blob := &blobs[rng.IntN(len(blobs))]
			reqs[j] = &blobdb.BlobReadRequest{
				Key:         blob.key,
				Offset:      blob.index.Offset,
				Size:        blob.index.Size,
				Compression: blob.index.Compression,
			}
			groups[blob.index.FileNum] = append(groups[blob.index.FileNum], reqs[j])
		}
		batch := make([]blobdb.BlobFileReadRequests, 0, len(groups))
		for fileNum, g := range groups {
			batch = append(batch, blobdb.BlobFileReadRequests{
				FileNum:  fileNum,
				FileSize: bloblog.UnknownFileSize,
				Requests: g,
			})
		}
		start := crtime.NowMono()
		source.MultiGetBlob(ctx, ro, batch)
		recordLatency(hist, start.Elapsed())
		for _, req := range reqs {
			if req.Err != nil {
				return req.Err
			}
		}
	}
	return nil
}

func (b *benchT) report(stdout io.Writer, h *hdrhistogram.Histogram, elapsed time.Duration) {
	ops := h.TotalCount()
	fmt.Fprintf(stdout, "\nread %s ops in %s: %s ops/sec\n",
		crhumanize.Count(uint64(ops), crhumanize.Compact),
		elapsed.Round(time.Millisecond),
		crhumanize.Count(uint64(float64(ops)/max(elapsed.Seconds(), 1e-9)), crhumanize.Compact))

	tbl := tablewriter.NewWriter(stdout)
	tbl.SetHeader([]string{"mean", "p50", "p95", "p99", "p99.9", "max"})
	lat := func(ns int64) string {
		return time.Duration(ns).String()
	}
	tbl.Append([]string{
		lat(int64(h.Mean())),
		lat(h.ValueAtQuantile(50)),
		lat(h.ValueAtQuantile(95)),
		lat(h.ValueAtQuantile(99)),
		lat(h.ValueAtQuantile(99.9)),
		lat(h.Max()),
	})
	tbl.Render()

	// Latency (in µs) by percentile.
	var series []float64
	for q := 1; q <= 100; q++ {
		series = append(series, float64(h.ValueAtQuantile(float64(q)))/1e3)
	}
	fmt.Fprintln(stdout, asciigraph.Plot(series,
		asciigraph.Height(10), asciigraph.Caption("read latency (µs) by percentile")))
}
