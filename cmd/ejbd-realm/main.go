// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

// Ejbd-realm administers ejbd authentication realms and sealed
// resource properties.
//
//	ejbd-realm hash                          bcrypt hash for a file realm
//	ejbd-realm user add|remove|list --db F   manage a SQL realm
//	ejbd-realm keygen --out F                create the server's age identity
//	ejbd-realm seal --recipient age1...      encrypt a resource property
//
// Passwords and values are read from --password-file / --value-file
// ("-" for stdin) or prompted for on the terminal.
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
