// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package tool implements the blobdb introspection and benchmarking
// commands.
package tool

import (
	"github.com/cockroachdb/blobdb"
	"github.com/cockroachdb/blobdb/internal/base"
	"github.com/cockroachdb/blobdb/vfs"
	"github.com/spf13/cobra"
)

// T is the container for all of the introspection tools.
type T struct {
	Commands []*cobra.Command
	blob     *blobT
	bench    *benchT

	env *env
}

// env is the configuration shared by every command.
type env struct {
	fs         vfs.FS
	logger     blobdb.Logger
	configPath string
	config     Config
}

// Option is a configuration option for the tool.
type Option func(*T)

// FS sets the file system blob files are read from and written to.
func FS(fs vfs.FS) Option {
	return func(t *T) {
		t.env.fs = fs
	}
}

// Logger sets the logger the commands log through.
func Logger(logger blobdb.Logger) Option {
	return func(t *T) {
		t.env.logger = logger
	}
}

// New creates a new introspection tool.
func New(opts ...Option) *T {
	t := &T{
		env: &env{
			fs:     vfs.Default,
			logger: base.NoopLogger{},
		},
	}
	for _, opt := range opts {
		opt(t)
	}

	t.blob = newBlob(t.env)
	t.bench = newBench(t.env)
	t.blob.Root.AddCommand(t.bench.Root)
	t.Commands = []*cobra.Command{
		t.blob.Root,
	}
	return t
}
