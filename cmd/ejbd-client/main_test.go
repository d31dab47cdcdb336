// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/ejbd-project/ejbd/lib/config"
	"github.com/ejbd-project/ejbd/lib/container"
	"github.com/ejbd-project/ejbd/lib/process"
	"github.com/ejbd-project/ejbd/lib/security"
	"github.com/ejbd-project/ejbd/lib/server"
	"github.com/ejbd-project/ejbd/lib/testutil"
)

type greeter struct{}

func (greeter) Add(a, b int) int { return a + b }

func (greeter) Greet(name string) string { return "hello, " + name }

func startServer(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	hash, err := security.HashPassword([]byte("alice-pw"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	realmPath := filepath.Join(dir, "users.yaml")
	realm := "users:\n  - name: alice\n    password: " + hash + "\n    groups: [tellers]\n"
	if err := os.WriteFile(realmPath, []byte(realm), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Server.Address = "127.0.0.1:0"
	cfg.Security.StateDir = filepath.Join(dir, "state")
	cfg.Security.Realms = []config.RealmConfig{{Name: "users", Type: "file", Path: realmPath}}
	cfg.EnvEntries = map[string]any{"motd": "hello"}
	cfg.Links = map[string]string{"motd": "java:comp/env/motd"}

	srv, err := server.New(cfg, server.Options{Logger: testutil.Logger(t)})
	if err != nil {
		t.Fatal(err)
	}
	err = srv.Deploy(&container.Deployment{
		ID:      "GreeterBean",
		EJBName: "GreeterBean",
		Type:    container.Stateless,
		Views: []container.View{
			{Interface: "org.acme.Greeter", Type: container.BusinessRemote, Target: greeter{}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return srv.URI()
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := run(ctx, args, strings.NewReader(""), &stdout, &stderr)
	return stdout.String(), err
}

func exitCode(err error) int {
	var exitErr *process.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return 1
}

func TestCommands(t *testing.T) {
	uri := startServer(t)

	tests := []struct {
		name string
		args []string
		want []string
	}{
		{"ping", []string{"ping", "-s", uri}, []string{": ok ("}},
		{"metadata", []string{"metadata", "-s", uri}, []string{"fingerprint", "users"}},
		{"lookup value", []string{"lookup", "-s", uri, "motd"}, []string{"hello\n"}},
		{"lookup bean", []string{"lookup", "-s", uri, "GreeterBeanRemote"}, []string{"business object GreeterBean!org.acme.Greeter", "  Add\n", "  Greet\n"}},
		{"list", []string{"list", "-s", uri}, []string{"GreeterBeanRemote", "business"}},
		{"invoke", []string{"invoke", "-s", uri, "GreeterBeanRemote", "Add", "2", "40"}, []string{"42\n"}},
		{"invoke string", []string{"invoke", "-s", uri, "GreeterBeanRemote", "Greet", "bob"}, []string{"hello, bob\n"}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			output, err := execute(t, test.args...)
			if err != nil {
				t.Fatalf("run %v: %v", test.args, err)
			}
			for _, want := range test.want {
				if !strings.Contains(output, want) {
					t.Errorf("output lacks %q:\n%s", want, output)
				}
			}
		})
	}
}

func TestLoginWithPasswordFile(t *testing.T) {
	uri := startServer(t)
	passwordFile := filepath.Join(t.TempDir(), "password")
	if err := os.WriteFile(passwordFile, []byte("alice-pw\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	output, err := execute(t, "login", "-s", uri, "-u", "alice", "--password-file", passwordFile)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	for _, want := range []string{"alice", "users", "tellers"} {
		if !strings.Contains(output, want) {
			t.Errorf("output lacks %q:\n%s", want, output)
		}
	}

	if err := os.WriteFile(passwordFile, []byte("wrong\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "login", "-s", uri, "-u", "alice", "--password-file", passwordFile); exitCode(err) != 3 {
		t.Errorf("bad password: err = %v", err)
	}
}

func TestExitCodes(t *testing.T) {
	uri := startServer(t)

	tests := []struct {
		name string
		args []string
		code int
	}{
		{"unknown command", []string{"lokup"}, 2},
		{"missing argument", []string{"lookup", "-s", uri}, 2},
		{"not found", []string{"lookup", "-s", uri, "missing"}, 3},
		{"not a bean", []string{"invoke", "-s", uri, "motd", "Add"}, 2},
		{"bad method", []string{"invoke", "-s", uri, "GreeterBeanRemote", "Nope"}, 3},
		{"login without user", []string{"login", "-s", uri}, 2},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := execute(t, test.args...)
			if err == nil {
				t.Fatal("expected an error")
			}
			if code := exitCode(err); code != test.code {
				t.Errorf("exit code = %d, want %d (%v)", code, test.code, err)
			}
		})
	}
}

func TestParseArguments(t *testing.T) {
	values, err := parseArguments([]string{"42", `"42"`, "[1, 2]", "{a: b}", "true"})
	if err != nil {
		t.Fatal(err)
	}
	if values[0] != 42 || values[1] != "42" || values[4] != true {
		t.Errorf("scalars = %#v", values)
	}
	if list, ok := values[2].([]any); !ok || len(list) != 2 {
		t.Errorf("list = %#v", values[2])
	}
	if object, ok := values[3].(map[string]any); !ok || object["a"] != "b" {
		t.Errorf("map = %#v", values[3])
	}

	if _, err := parseArguments([]string{"[unclosed"}); err == nil {
		t.Error("malformed argument accepted")
	}
}
