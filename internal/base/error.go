// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import "github.com/cockroachdb/errors"

// ErrNotFound means that a get call did not find the requested key.
var ErrNotFound = errors.New("blobdb: not found")

// ErrCorruption is a marker to indicate that data in a file (blob file header,
// record or footer) isn't in the expected format, or that a checksum did not
// match.
var ErrCorruption = errors.New("blobdb: corruption")

// ErrIOError is a marker to indicate that an operation on the underlying
// storage (open, read, write, sync) failed, including the case where a file
// does not exist.
var ErrIOError = errors.New("blobdb: io error")

// ErrIncomplete is a marker to indicate that a read restricted to the cache
// could not be served without performing I/O.
var ErrIncomplete = errors.New("blobdb: incomplete")

// MarkCorruptionError marks given error as a corruption error.
func MarkCorruptionError(err error) error {
	if errors.Is(err, ErrCorruption) {
		return err
	}
	return errors.Mark(err, ErrCorruption)
}

// IsCorruptionError returns true if the given error indicates corruption.
func IsCorruptionError(err error) bool {
	return errors.Is(err, ErrCorruption)
}

// CorruptionErrorf formats according to a format specifier and returns
// the string as an error value that is marked as a corruption error.
func CorruptionErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrCorruption)
}

// MarkIOError marks the given error as an I/O error. Errors that are already
// classified (corruption or I/O) are returned unchanged.
func MarkIOError(err error) error {
	if err == nil || errors.Is(err, ErrIOError) || errors.Is(err, ErrCorruption) {
		return err
	}
	return errors.Mark(err, ErrIOError)
}

// IOErrorf formats according to a format specifier and returns the string as
// an error value that is marked as an I/O error.
func IOErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrIOError)
}

// IsIOError returns true if the given error indicates an I/O failure.
func IsIOError(err error) bool {
	return errors.Is(err, ErrIOError)
}

// IncompleteErrorf formats according to a format specifier and returns the
// string as an error value that is marked as incomplete.
func IncompleteErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrIncomplete)
}

// IsIncomplete returns true if the given error indicates that the operation
// required I/O that was not permitted.
func IsIncomplete(err error) bool {
	return errors.Is(err, ErrIncomplete)
}
