// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

// Ejbd-client talks to an ejbd server from the command line: it pings,
// looks up and lists names, invokes business methods and finds servers
// by multicast discovery.
//
// Method arguments are YAML values, so 42 is an integer, "42" a string
// and [1, 2] a list. Results are printed as YAML.
package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ejbd-project/ejbd/lib/process"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	if err != nil {
		process.Fatal(err)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	return rootCommand(&environment{stdin: stdin, stdout: stdout, stderr: stderr}).Execute(ctx, args)
}
