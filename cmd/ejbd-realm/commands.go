// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/pflag"
	"golang.org/x/crypto/bcrypt"

	"github.com/ejbd-project/ejbd/lib/cli"
	"github.com/ejbd-project/ejbd/lib/sealed"
	"github.com/ejbd-project/ejbd/lib/secret"
	"github.com/ejbd-project/ejbd/lib/security"
	"github.com/ejbd-project/ejbd/lib/version"
)

type environment struct {
	stdin          io.Reader
	stdout, stderr io.Writer
}

// readSecret reads from path, or prompts when path is empty.
func (env *environment) readSecret(path, prompt string) (*secret.Buffer, error) {
	if path != "" {
		return secret.ReadFromPath(path, env.stdin)
	}
	buffer, err := secret.Prompt(env.stdin, env.stderr, prompt)
	if errors.Is(err, secret.ErrNotTerminal) {
		return nil, cli.Usagef("stdin is not a terminal; pass the value with a file flag")
	}
	return buffer, err
}

func rootCommand(env *environment) *cli.Command {
	return &cli.Command{
		Name:    "ejbd-realm",
		Summary: "Administer ejbd realms and sealed resource properties.",
		Output:  env.stderr,
		Subcommands: []*cli.Command{
			hashCommand(env),
			{
				Name:    "user",
				Summary: "manage users of a SQL realm",
				Subcommands: []*cli.Command{
					userAddCommand(env),
					userRemoveCommand(env),
					userListCommand(env),
				},
			},
			keygenCommand(env),
			sealCommand(env),
			{
				Name:    "version",
				Summary: "print version information",
				Run: func(context.Context, []string) error {
					fmt.Fprintf(env.stdout, "ejbd-realm %s\n", version.Info())
					return nil
				},
			},
		},
	}
}

func hashCommand(env *environment) *cli.Command {
	var (
		passwordFile string
		cost         int
	)
	return &cli.Command{
		Name:    "hash",
		Summary: "print a bcrypt hash for a file realm entry",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("hash", pflag.ContinueOnError)
			flagSet.StringVar(&passwordFile, "password-file", "", `read the password from this file, or "-" for stdin`)
			flagSet.IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
			return flagSet
		},
		Run: func(_ context.Context, args []string) error {
			if len(args) != 0 {
				return cli.Usagef("hash takes no arguments")
			}
			password, err := env.readSecret(passwordFile, "Password: ")
			if err != nil {
				return err
			}
			defer password.Close()
			hash, err := security.HashPassword(password.Bytes(), cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(env.stdout, hash)
			return nil
		},
	}
}

// realmFlags are shared by the user subcommands.
type realmFlags struct {
	database string
	name     string
}

func (r *realmFlags) add(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&r.database, "db", "", "SQLite database of the realm (required)")
	flagSet.StringVar(&r.name, "realm", "sql", "realm name")
}

func (r *realmFlags) open() (*security.SQLRealm, error) {
	if r.database == "" {
		return nil, cli.Usagef("--db is required")
	}
	return security.OpenSQLRealm(r.name, r.database, slog.New(slog.DiscardHandler))
}

func userAddCommand(env *environment) *cli.Command {
	var (
		realm        realmFlags
		groups       []string
		passwordFile string
	)
	return &cli.Command{
		Name:    "add",
		Summary: "add a user or replace its password and groups",
		Usage:   "ejbd-realm user add --db FILE [--group G]... NAME",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("add", pflag.ContinueOnError)
			realm.add(flagSet)
			flagSet.StringSliceVarP(&groups, "group", "g", nil, "group membership (repeatable or comma separated)")
			flagSet.StringVar(&passwordFile, "password-file", "", `read the password from this file, or "-" for stdin`)
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return cli.Usagef("user add takes exactly one NAME")
			}
			db, err := realm.open()
			if err != nil {
				return err
			}
			defer db.Close()
			password, err := env.readSecret(passwordFile, fmt.Sprintf("Password for %s: ", args[0]))
			if err != nil {
				return err
			}
			defer password.Close()
			if err := db.AddUser(ctx, args[0], password.String(), groups); err != nil {
				return err
			}
			fmt.Fprintf(env.stderr, "stored %s in %s\n", args[0], realm.database)
			return nil
		},
	}
}

func userRemoveCommand(env *environment) *cli.Command {
	var realm realmFlags
	return &cli.Command{
		Name:    "remove",
		Summary: "remove a user",
		Usage:   "ejbd-realm user remove --db FILE NAME",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("remove", pflag.ContinueOnError)
			realm.add(flagSet)
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return cli.Usagef("user remove takes exactly one NAME")
			}
			db, err := realm.open()
			if err != nil {
				return err
			}
			defer db.Close()
			return db.RemoveUser(ctx, args[0])
		},
	}
}

func userListCommand(env *environment) *cli.Command {
	var realm realmFlags
	return &cli.Command{
		Name:    "list",
		Summary: "list user names",
		Usage:   "ejbd-realm user list --db FILE",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("list", pflag.ContinueOnError)
			realm.add(flagSet)
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 0 {
				return cli.Usagef("user list takes no arguments")
			}
			db, err := realm.open()
			if err != nil {
				return err
			}
			defer db.Close()
			users, err := db.Users(ctx)
			if err != nil {
				return err
			}
			for _, user := range users {
				fmt.Fprintln(env.stdout, user)
			}
			return nil
		},
	}
}

func keygenCommand(env *environment) *cli.Command {
	var (
		out   string
		force bool
	)
	return &cli.Command{
		Name:    "keygen",
		Summary: "create an age identity for sealed resource properties",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
			flagSet.StringVarP(&out, "out", "o", "", "identity file to write (required)")
			flagSet.BoolVar(&force, "force", false, "overwrite an existing identity file")
			return flagSet
		},
		Run: func(_ context.Context, args []string) error {
			if out == "" || len(args) != 0 {
				return cli.Usagef("keygen takes --out FILE and no arguments")
			}
			if _, err := os.Stat(out); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to replace it", out)
			}
			keypair, err := sealed.GenerateKeypair()
			if err != nil {
				return err
			}
			defer keypair.Close()
			if err := sealed.WriteIdentity(out, keypair); err != nil {
				return err
			}
			fmt.Fprintln(env.stdout, keypair.PublicKey)
			return nil
		},
	}
}

func sealCommand(env *environment) *cli.Command {
	var (
		recipients []string
		identity   string
		valueFile  string
	)
	return &cli.Command{
		Name:    "seal",
		Summary: "encrypt a value for the sealed section of a resource",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("seal", pflag.ContinueOnError)
			flagSet.StringSliceVarP(&recipients, "recipient", "r", nil, "age public key to seal to (repeatable)")
			flagSet.StringVarP(&identity, "identity", "i", "", "seal to the public key of this identity file")
			flagSet.StringVar(&valueFile, "value-file", "", `read the value from this file, or "-" for stdin`)
			return flagSet
		},
		Run: func(_ context.Context, args []string) error {
			if len(args) != 0 {
				return cli.Usagef("seal takes no arguments")
			}
			keys := recipients
			if identity != "" {
				keypair, err := sealed.LoadIdentity(identity)
				if err != nil {
					return err
				}
				keypair.Close()
				keys = append(keys, keypair.PublicKey)
			}
			if len(keys) == 0 {
				return cli.Usagef("seal needs --recipient or --identity")
			}
			for _, key := range keys {
				if err := sealed.ParsePublicKey(key); err != nil {
					return cli.Usagef("%v", err)
				}
			}
			value, err := env.readSecret(valueFile, "Value: ")
			if err != nil {
				return err
			}
			defer value.Close()
			ciphertext, err := sealed.Encrypt(value.Bytes(), keys)
			if err != nil {
				return err
			}
			fmt.Fprintln(env.stdout, ciphertext)
			return nil
		},
	}
}
