// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"log"
	"os"

	"github.com/cockroachdb/blobdb/internal/base"
	"github.com/cockroachdb/blobdb/tool"
	"github.com/cockroachdb/blobdb/vfs"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "blobtool [command] (flags)",
	Short: "blob file introspection and benchmarking tool",
	Long:  ``,
}

func main() {
	log.SetFlags(0)

	t := tool.New(tool.FS(vfs.Default), tool.Logger(base.DefaultLogger))

	cobra.EnableCommandSorting = false
	rootCmd.AddCommand(t.Commands...)
	if err := rootCmd.Execute(); err != nil {
		// Cobra has already printed the error message.
		os.Exit(1)
	}
}
