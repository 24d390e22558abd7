// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package blobdb

import (
	"strings"
	"testing"

	"github.com/cockroachdb/blobdb/internal/base"
	"github.com/cockroachdb/blobdb/vfs"
	"github.com/cockroachdb/crlib/crstrings"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
	"github.com/kr/pretty"
	"github.com/stretchr/testify/require"
)

func TestEventFormatting(t *testing.T) {
	create := BlobFileCreateInfo{
		JobID:        3,
		Reason:       BlobFileCreationCompaction,
		ColumnFamily: "default",
		Path:         "blobs/000012.blob",
		FileNum:      12,
	}
	require.Equal(t, "[default] [JOB 3] compaction: blob file created 000012", create.String())

	finished := BlobFileInfo{
		JobID:          3,
		Reason:         BlobFileCreationFlush,
		ColumnFamily:   "default",
		FileNum:        12,
		ChecksumMethod: "crc32c",
		ChecksumValue:  "0a0b0c0d",
		BlobCount:      4,
		BlobBytes:      512,
	}
	require.Equal(t,
		"[default] [JOB 3] flush: blob file 000012 finished: 4 blobs, 512 bytes, checksum crc32c:0a0b0c0d",
		finished.String())

	abandoned := finished
	abandoned.Reason = BlobFileCreationRecovery
	abandoned.Err = errors.Newf("disk full at %s", "blobs")
	require.Equal(t,
		"[default] [JOB 3] recovery: blob file 000012 abandoned after 4 blobs: disk full at blobs",
		abandoned.String())
	// The unsafe parts of the error are redacted.
	require.Equal(t,
		"[default] [JOB 3] recovery: blob file 000012 abandoned after 4 blobs: disk full at ‹×›",
		string(redact.Sprint(abandoned).Redact()))

	require.Equal(t, "reason(9)", BlobFileCreationReason(9).String())
}

func TestLoggingEventListener(t *testing.T) {
	var log base.InMemLogger
	l := MakeLoggingEventListener(&log)
	l.BlobFileCreating(BlobFileCreateInfo{JobID: 1, ColumnFamily: "cf", FileNum: 2})
	l.BlobFileCreated(BlobFileInfo{JobID: 1, ColumnFamily: "cf", FileNum: 2, ChecksumMethod: "none"})
	l.BlobFileDeleted("blobs/000002.blob")
	l.BackgroundError(errors.New("boom"))
	require.Equal(t, `[cf] [JOB 1] flush: blob file created 000002
[cf] [JOB 1] flush: blob file 000002 finished: 0 blobs, 0 bytes, checksum none:
blob file deleted blobs/000002.blob
background error: boom
`, log.String())
}

func TestEventListenerEnsureDefaults(t *testing.T) {
	var log base.InMemLogger
	var l EventListener
	l.EnsureDefaults(&log)
	// Every hook is callable once defaults are set.
	l.BlobFileCreating(BlobFileCreateInfo{})
	l.BlobFileCreated(BlobFileInfo{})
	l.BlobFileDeleted("x")
	require.Empty(t, log.String())
	l.BackgroundError(errors.New("boom"))
	require.Equal(t, "background error: boom\n", log.String())

	var quiet EventListener
	quiet.EnsureDefaults(nil)
	quiet.BackgroundError(errors.New("boom"))
}

func TestBuilderEvents(t *testing.T) {
	var log base.InMemLogger
	mem := vfs.NewMem()
	opts := newTestOptions(t, mem, func(o *Options) {
		require.NoError(t, o.Parse("[Options]\n  blob_file_checksum=none\n", nil))
		o.Logger = &log
		l := MakeLoggingEventListener(&log)
		o.EventListener = &l
		o.BlobFileSize = 120
	})
	values := [][]byte{[]byte("first value"), []byte("second value"), []byte("third value")}
	_, b := writeTestBlobs(t, opts, testBuilderParams(BlobFileCreationFlush), values)
	require.Len(t, b.Additions(), 2)
	require.NoError(t, DeleteBlobFiles(opts, b.FilePaths()))

	expected := []string{
		"[default] [JOB 7] flush: blob file created 000001",
		"[default] [JOB 7] flush: blob file 000001 finished: 2 blobs, 95 bytes, checksum none:",
		"[default] [JOB 7] Generated blob file 000001: 2 total blobs, 95 total bytes",
		"[default] [JOB 7] flush: blob file created 000002",
		"[default] [JOB 7] flush: blob file 000002 finished: 1 blobs, 47 bytes, checksum none:",
		"[default] [JOB 7] Generated blob file 000002: 1 total blobs, 47 total bytes",
		"blob file deleted blobs/000001.blob",
		"blob file deleted blobs/000002.blob",
	}
	if diff := pretty.Diff(expected, crstrings.Lines(log.String())); diff != nil {
		t.Fatalf("unexpected events:\n%s", strings.Join(diff, "\n"))
	}
}
