// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ejbd-project/ejbd/lib/config"
	"github.com/ejbd-project/ejbd/lib/naming"
	"github.com/ejbd-project/ejbd/lib/sealed"
	"github.com/ejbd-project/ejbd/lib/sqlitepool"
)

func TestLoadDecryptsSealedProperties(t *testing.T) {
	identity, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	defer identity.Close()
	ciphertext, err := sealed.Encrypt([]byte("s3cret"), []string{identity.PublicKey})
	if err != nil {
		t.Fatal(err)
	}

	manager := NewManager(nil)
	defer manager.Close()
	err = manager.Load([]config.ResourceConfig{{
		ID:         "jdbc/bank",
		Type:       "properties",
		Properties: map[string]string{"user": "teller"},
		Sealed:     map[string]string{"password": ciphertext},
	}}, identity)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	resource, ok := manager.Get("jdbc/bank")
	if !ok {
		t.Fatal("resource not registered")
	}
	if user, _ := resource.Property("user"); user != "teller" {
		t.Errorf("user = %q", user)
	}
	password, ok := resource.Secret("password")
	if !ok || password.String() != "s3cret" {
		t.Fatalf("sealed password not decrypted")
	}
	if _, leaked := resource.Properties()["password"]; leaked {
		t.Error("sealed property visible in Properties()")
	}
	if _, err := resource.Open(context.Background()); !errors.Is(err, ErrNoProvider) {
		t.Errorf("Open on provider-less type: err = %v", err)
	}
}

func TestLoadRequiresIdentityForSealed(t *testing.T) {
	manager := NewManager(nil)
	err := manager.Load([]config.ResourceConfig{
		{ID: "a", Type: "properties"},
		{ID: "b", Sealed: map[string]string{"k": "v"}},
	}, nil)
	if !errors.Is(err, ErrSealedNoIdentity) {
		t.Fatalf("err = %v, want ErrSealedNoIdentity", err)
	}
	if len(manager.IDs()) != 0 {
		t.Errorf("partial load kept %v", manager.IDs())
	}
}

func TestSQLiteProviderOpensLazilyAndBinds(t *testing.T) {
	manager := NewManager(nil)
	err := manager.Load([]config.ResourceConfig{{
		ID:   "db",
		Type: TypeSQLite,
		Properties: map[string]string{
			"path":      filepath.Join(t.TempDir(), "app.db"),
			"pool_size": "2",
			"schema":    "CREATE TABLE IF NOT EXISTS accounts (id INTEGER PRIMARY KEY);",
		},
	}}, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	root := naming.New(naming.Options{})
	openejb, err := root.CreateSubcontext(naming.OpenEJB)
	if err != nil {
		t.Fatal(err)
	}
	if err := manager.Bind(openejb); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	ctx := context.Background()
	if err := root.Bind("java:comp/env/jdbc/db", naming.NewReference(naming.KindResource, naming.PropResourceID, "db")); err != nil {
		t.Fatal(err)
	}
	resolved, err := root.Lookup(ctx, "java:comp/env/jdbc/db")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	resource, ok := resolved.(*Resource)
	if !ok {
		t.Fatalf("Lookup returned %T", resolved)
	}
	handle, err := resource.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := handle.(*sqlitepool.Pool); !ok {
		t.Fatalf("handle is %T, want *sqlitepool.Pool", handle)
	}
	again, _ := resource.Open(ctx)
	if again != handle {
		t.Error("second Open opened a new pool")
	}

	if err := manager.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := resource.Open(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Open after Close: err = %v", err)
	}
}

func TestDuplicateID(t *testing.T) {
	manager := NewManager(nil)
	if err := manager.Add(New("x", "", nil)); err != nil {
		t.Fatal(err)
	}
	if err := manager.Add(New("x", "", nil)); !errors.Is(err, ErrDuplicate) {
		t.Errorf("err = %v, want ErrDuplicate", err)
	}
}
