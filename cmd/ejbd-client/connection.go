// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/ejbd-project/ejbd/lib/cli"
	"github.com/ejbd-project/ejbd/lib/client"
	"github.com/ejbd-project/ejbd/lib/process"
	"github.com/ejbd-project/ejbd/lib/secret"
)

const defaultServer = "ejbd://127.0.0.1:4201"

// environment is the process's standard streams.
type environment struct {
	stdin          io.Reader
	stdout, stderr io.Writer
}

// connection holds the flags every server command shares.
type connection struct {
	server       string
	user         string
	realm        string
	passwordFile string
	timeout      time.Duration
}

func (c *connection) addFlags(flagSet *pflag.FlagSet) {
	server := os.Getenv("EJBD_SERVER")
	if server == "" {
		server = defaultServer
	}
	flagSet.StringVarP(&c.server, "server", "s", server, "server URI (ejbd://host:port or ejbd+unix:///path; default $EJBD_SERVER)")
	flagSet.StringVarP(&c.user, "user", "u", "", "log in as this user")
	flagSet.StringVar(&c.realm, "realm", "", "realm to log in to (default: the server's default realm)")
	flagSet.StringVar(&c.passwordFile, "password-file", "", `read the password from this file, or "-" for stdin (default: prompt)`)
	flagSet.DurationVar(&c.timeout, "timeout", client.DefaultRequestTimeout, "request timeout")
}

// dial connects and, when --user is set, logs in.
func (c *connection) dial(ctx context.Context, env *environment) (*client.Client, error) {
	credentials, err := c.credentials(env)
	if err != nil {
		return nil, err
	}
	cl, err := client.DialURI(ctx, c.server, client.Config{Credentials: credentials, RequestTimeout: c.timeout})
	if err != nil {
		return nil, remote(err)
	}
	return cl, nil
}

// credentials returns nil when no --user is given.
func (c *connection) credentials(env *environment) (*client.Credentials, error) {
	if c.user == "" {
		return nil, nil
	}
	password, err := c.password(env)
	if err != nil {
		return nil, err
	}
	defer password.Close()
	return &client.Credentials{Realm: c.realm, Username: c.user, Password: password.String()}, nil
}

func (c *connection) password(env *environment) (*secret.Buffer, error) {
	if c.passwordFile != "" {
		return secret.ReadFromPath(c.passwordFile, env.stdin)
	}
	password, err := secret.Prompt(env.stdin, env.stderr, fmt.Sprintf("Password for %s: ", c.user))
	if errors.Is(err, secret.ErrNotTerminal) {
		return nil, cli.Usagef("stdin is not a terminal; use --password-file")
	}
	return password, err
}

// remote marks a server or transport failure with exit status 3.
func remote(err error) error {
	if err == nil {
		return nil
	}
	return &process.ExitError{Code: 3, Err: err}
}
