// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package blobdb

import (
	"github.com/cockroachdb/blobdb/internal/base"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// BlobFileCreationReason records why a blob file was written.
type BlobFileCreationReason int8

// The BlobFileCreationReason enumeration.
const (
	BlobFileCreationFlush BlobFileCreationReason = iota
	BlobFileCreationCompaction
	BlobFileCreationRecovery
)

// SafeFormat implements redact.SafeFormatter.
func (r BlobFileCreationReason) SafeFormat(w redact.SafePrinter, _ rune) {
	switch r {
	case BlobFileCreationFlush:
		w.SafeString("flush")
	case BlobFileCreationCompaction:
		w.SafeString("compaction")
	case BlobFileCreationRecovery:
		w.SafeString("recovery")
	default:
		w.Printf("reason(%d)", redact.SafeInt(r))
	}
}

// String implements fmt.Stringer.
func (r BlobFileCreationReason) String() string {
	return redact.StringWithoutMarkers(r)
}

// BlobFileCreateInfo contains info about a blob file creation event.
type BlobFileCreateInfo struct {
	JobID  int
	Reason BlobFileCreationReason
	// ColumnFamily is the name of the column family the file belongs to.
	ColumnFamily string
	Path         string
	FileNum      base.DiskFileNum
}

// SafeFormat implements redact.SafeFormatter.
func (i BlobFileCreateInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("[%s] [JOB %d] %s: blob file created %s", redact.Safe(i.ColumnFamily),
		redact.Safe(i.JobID), i.Reason, i.FileNum)
}

// String implements fmt.Stringer.
func (i BlobFileCreateInfo) String() string {
	return redact.StringWithoutMarkers(i)
}

// BlobFileInfo contains info about a blob file that was finished, or
// abandoned if Err is non-nil.
type BlobFileInfo struct {
	JobID        int
	Reason       BlobFileCreationReason
	ColumnFamily string
	Path         string
	FileNum      base.DiskFileNum
	// ChecksumMethod and ChecksumValue describe the whole-file digest. They
	// are empty when the file was abandoned.
	ChecksumMethod string
	ChecksumValue  string
	// BlobCount and BlobBytes count the records written, where BlobBytes
	// includes record framing.
	BlobCount uint64
	BlobBytes uint64
	Err       error
}

// SafeFormat implements redact.SafeFormatter.
func (i BlobFileInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	if i.Err != nil {
		w.Printf("[%s] [JOB %d] %s: blob file %s abandoned after %d blobs: %s",
			redact.Safe(i.ColumnFamily), redact.Safe(i.JobID), i.Reason, i.FileNum,
			redact.Safe(i.BlobCount), i.Err)
		return
	}
	w.Printf("[%s] [JOB %d] %s: blob file %s finished: %d blobs, %d bytes, checksum %s:%s",
		redact.Safe(i.ColumnFamily), redact.Safe(i.JobID), i.Reason, i.FileNum,
		redact.Safe(i.BlobCount), redact.Safe(i.BlobBytes),
		redact.Safe(i.ChecksumMethod), redact.Safe(i.ChecksumValue))
}

// String implements fmt.Stringer.
func (i BlobFileInfo) String() string {
	return redact.StringWithoutMarkers(i)
}

// BlobFileCompletionCallback is notified by a BlobFileBuilder when a blob
// file is started and when it is finished or abandoned.
type BlobFileCompletionCallback interface {
	OnBlobFileCreationStarted(info BlobFileCreateInfo)
	// OnBlobFileCompleted is called after the footer of a file is written,
	// or with info.Err set when the file is abandoned. A non-nil return for a
	// finished file fails the builder operation that finished it; the return
	// value is ignored for abandoned files.
	OnBlobFileCompleted(info BlobFileInfo) error
}

// EventListener contains a set of functions that will be invoked when various
// significant blob file events occur. Note that the functions should not run
// for an excessive amount of time as they are invoked synchronously by the
// builder. Unset functions are no-ops after EnsureDefaults.
type EventListener struct {
	// BackgroundError is invoked whenever an error occurs that is not returned
	// to a caller, such as a failure to remove an abandoned file.
	BackgroundError func(error)

	// BlobFileCreating is invoked before a blob file is created.
	BlobFileCreating func(BlobFileCreateInfo)

	// BlobFileCreated is invoked after a blob file has been finished or
	// abandoned.
	BlobFileCreated func(BlobFileInfo)

	// BlobFileDeleted is invoked after a blob file has been removed by
	// DeleteBlobFiles.
	BlobFileDeleted func(path string)
}

var _ BlobFileCompletionCallback = (*EventListener)(nil)

// EnsureDefaults ensures that background error events are logged to the
// specified logger if a handler for those events hasn't been otherwise
// specified. Ensure all handlers are non-nil so that we don't have to check
// for nil-ness before invoking.
func (l *EventListener) EnsureDefaults(logger Logger) {
	if l.BackgroundError == nil {
		if logger != nil {
			l.BackgroundError = func(err error) {
				logger.Errorf("background error: %s", err)
			}
		} else {
			l.BackgroundError = func(error) {}
		}
	}
	if l.BlobFileCreating == nil {
		l.BlobFileCreating = func(info BlobFileCreateInfo) {}
	}
	if l.BlobFileCreated == nil {
		l.BlobFileCreated = func(info BlobFileInfo) {}
	}
	if l.BlobFileDeleted == nil {
		l.BlobFileDeleted = func(path string) {}
	}
}

// OnBlobFileCreationStarted implements BlobFileCompletionCallback.
func (l *EventListener) OnBlobFileCreationStarted(info BlobFileCreateInfo) {
	if l.BlobFileCreating != nil {
		l.BlobFileCreating(info)
	}
}

// OnBlobFileCompleted implements BlobFileCompletionCallback.
func (l *EventListener) OnBlobFileCompleted(info BlobFileInfo) error {
	if l.BlobFileCreated != nil {
		l.BlobFileCreated(info)
	}
	return nil
}

// MakeLoggingEventListener creates an EventListener that logs all events to the
// specified logger.
func MakeLoggingEventListener(logger Logger) EventListener {
	if logger == nil {
		logger = base.DefaultLogger
	}

	return EventListener{
		BackgroundError: func(err error) {
			logger.Errorf("background error: %s", err)
		},
		BlobFileCreating: func(info BlobFileCreateInfo) {
			logger.Infof("%s", info)
		},
		BlobFileCreated: func(info BlobFileInfo) {
			logger.Infof("%s", info)
		},
		BlobFileDeleted: func(path string) {
			logger.Infof("blob file deleted %s", path)
		},
	}
}

// FileManagerCallback returns a BlobFileCompletionCallback that forwards to
// the listener and registers finished files with the file manager. Once the
// manager's space limit is reached, finishing a file fails with
// ErrSpaceLimitReached.
func FileManagerCallback(l *EventListener, m *FileManager) BlobFileCompletionCallback {
	return &fileManagerCallback{listener: l, manager: m}
}

type fileManagerCallback struct {
	listener *EventListener
	manager  *FileManager
}

func (c *fileManagerCallback) OnBlobFileCreationStarted(info BlobFileCreateInfo) {
	c.listener.OnBlobFileCreationStarted(info)
}

func (c *fileManagerCallback) OnBlobFileCompleted(info BlobFileInfo) error {
	err := c.listener.OnBlobFileCompleted(info)
	if info.Err != nil || c.manager == nil {
		return err
	}
	if addErr := c.manager.OnAddFile(info.Path); addErr != nil {
		return errors.CombineErrors(err, addErr)
	}
	if c.manager.IsMaxAllowedSpaceReached() {
		return errors.CombineErrors(err, errors.Wrapf(ErrSpaceLimitReached,
			"blob file %s", info.FileNum))
	}
	return err
}
