// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ejbd-project/ejbd/lib/sealed"
	"github.com/ejbd-project/ejbd/lib/security"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), args, strings.NewReader(stdin), &stdout, &stderr)
	return stdout.String(), err
}

func TestHash(t *testing.T) {
	output, err := execute(t, "hunter2\n", "hash", "--cost", "4", "--password-file", "-")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	hash := strings.TrimSpace(output)
	if err := security.ValidateHash(hash); err != nil {
		t.Errorf("ValidateHash(%q): %v", hash, err)
	}

	if _, err := execute(t, "", "hash"); err == nil {
		t.Error("hash without a terminal or password file succeeded")
	}
}

func TestUserLifecycle(t *testing.T) {
	db := filepath.Join(t.TempDir(), "realm.db")
	ctx := context.Background()

	if _, err := execute(t, "s3cret\n", "user", "add", "--db", db, "-g", "tellers,auditors", "--password-file", "-", "bob"); err != nil {
		t.Fatalf("user add: %v", err)
	}
	if _, err := execute(t, "pw\n", "user", "add", "--db", db, "--password-file", "-", "alice"); err != nil {
		t.Fatalf("user add: %v", err)
	}

	output, err := execute(t, "", "user", "list", "--db", db)
	if err != nil {
		t.Fatalf("user list: %v", err)
	}
	if output != "alice\nbob\n" {
		t.Errorf("users = %q", output)
	}

	realm, err := security.OpenSQLRealm("sql", db, nil)
	if err != nil {
		t.Fatal(err)
	}
	subject, err := realm.Authenticate(ctx, "bob", "s3cret")
	realm.Close()
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !subject.InRole("auditors") || !subject.InRole("tellers") {
		t.Errorf("groups = %v", subject.Groups)
	}

	if _, err := execute(t, "", "user", "remove", "--db", db, "bob"); err != nil {
		t.Fatalf("user remove: %v", err)
	}
	if _, err := execute(t, "", "user", "remove", "--db", db, "bob"); err == nil {
		t.Error("removing an unknown user succeeded")
	}
	if _, err := execute(t, "", "user", "list"); err == nil {
		t.Error("user list without --db succeeded")
	}
}

func TestKeygenAndSeal(t *testing.T) {
	identityPath := filepath.Join(t.TempDir(), "identity.txt")
	output, err := execute(t, "", "keygen", "--out", identityPath)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	publicKey := strings.TrimSpace(output)
	if err := sealed.ParsePublicKey(publicKey); err != nil {
		t.Fatalf("keygen printed %q: %v", publicKey, err)
	}
	if _, err := execute(t, "", "keygen", "--out", identityPath); err == nil {
		t.Error("keygen overwrote an existing identity")
	}

	ciphertext, err := execute(t, "db-password\n", "seal", "--identity", identityPath, "--value-file", "-")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	identity, err := sealed.LoadIdentity(identityPath)
	if err != nil {
		t.Fatal(err)
	}
	defer identity.Close()
	if identity.PublicKey != publicKey {
		t.Errorf("identity public key %q, keygen printed %q", identity.PublicKey, publicKey)
	}
	plaintext, err := sealed.Decrypt(ciphertext, identity.PrivateKey)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	defer plaintext.Close()
	if plaintext.String() != "db-password" {
		t.Errorf("plaintext = %q", plaintext.String())
	}

	if _, err := execute(t, "x\n", "seal", "--recipient", "not-a-key", "--value-file", "-"); err == nil {
		t.Error("seal accepted an invalid recipient")
	}
}
