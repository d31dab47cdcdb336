// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package security

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/ejbd-project/ejbd/lib/clock"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func writeFileRealm(t *testing.T, users map[string][]string) string {
	t.Helper()
	content := "users:\n"
	for name, groups := range users {
		hash, err := HashPassword([]byte(name+"-pw"), bcrypt.MinCost)
		if err != nil {
			t.Fatal(err)
		}
		content += "  - name: " + name + "\n    password: " + hash + "\n    groups: ["
		for index, group := range groups {
			if index > 0 {
				content += ", "
			}
			content += group
		}
		content += "]\n"
	}
	path := filepath.Join(t.TempDir(), "users.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestService(t *testing.T, anonymous bool) (*Service, *clock.FakeClock) {
	t.Helper()
	realm, err := LoadFileRealm("file", writeFileRealm(t, map[string][]string{
		"alice": {"tellers", "managers"},
		"bob":   nil,
	}))
	if err != nil {
		t.Fatalf("LoadFileRealm: %v", err)
	}
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { keypair.Close() })

	fake := clock.Fake(epoch)
	service, err := NewService(ServiceConfig{
		Realms:         []Realm{realm},
		Keypair:        keypair,
		Audience:       "test-server",
		TokenTTL:       time.Minute,
		AllowAnonymous: anonymous,
		Clock:          fake,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return service, fake
}

func TestFileRealmAuthenticate(t *testing.T) {
	realm, err := LoadFileRealm("file", writeFileRealm(t, map[string][]string{"alice": {"tellers"}}))
	if err != nil {
		t.Fatalf("LoadFileRealm: %v", err)
	}
	subject, err := realm.Authenticate(context.Background(), "alice", "alice-pw")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if subject.Name != "alice" || subject.Realm != "file" || !subject.InRole("tellers") {
		t.Errorf("subject = %+v", subject)
	}
	if _, err := realm.Authenticate(context.Background(), "alice", "wrong"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("wrong password: err = %v", err)
	}
	if _, err := realm.Authenticate(context.Background(), "mallory", "x"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("unknown user: err = %v", err)
	}
}

func TestFileRealmRejectsPlaintextPasswords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.yaml")
	if err := os.WriteFile(path, []byte("users:\n  - name: alice\n    password: secret\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFileRealm("file", path); err == nil {
		t.Fatal("plaintext password accepted")
	}
}

func TestSQLRealm(t *testing.T) {
	ctx := context.Background()
	realm, err := OpenSQLRealm("db", filepath.Join(t.TempDir(), "realm.db"), nil, WithBcryptCost(bcrypt.MinCost))
	if err != nil {
		t.Fatalf("OpenSQLRealm: %v", err)
	}
	defer realm.Close()

	if err := realm.AddUser(ctx, "carol", "pw1", []string{"auditors", "tellers"}); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	subject, err := realm.Authenticate(ctx, "carol", "pw1")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !subject.InRole("auditors") || !subject.InRole("tellers") || subject.Realm != "db" {
		t.Errorf("subject = %+v", subject)
	}

	// Replacing the user changes password and groups.
	if err := realm.AddUser(ctx, "carol", "pw2", []string{"tellers"}); err != nil {
		t.Fatalf("AddUser replace: %v", err)
	}
	if _, err := realm.Authenticate(ctx, "carol", "pw1"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("old password: err = %v", err)
	}
	subject, err = realm.Authenticate(ctx, "carol", "pw2")
	if err != nil {
		t.Fatalf("Authenticate new password: %v", err)
	}
	if subject.InRole("auditors") {
		t.Error("stale group survived replacement")
	}

	users, err := realm.Users(ctx)
	if err != nil || len(users) != 1 || users[0] != "carol" {
		t.Errorf("Users() = %v, %v", users, err)
	}
	if err := realm.RemoveUser(ctx, "carol"); err != nil {
		t.Fatalf("RemoveUser: %v", err)
	}
	if err := realm.RemoveUser(ctx, "carol"); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("second RemoveUser: err = %v", err)
	}
}

func TestLoginAuthenticateLogout(t *testing.T) {
	service, _ := newTestService(t, false)
	ctx := context.Background()

	session, err := service.Login(ctx, Credentials{Username: "alice", Password: "alice-pw"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !session.Expires.Equal(epoch.Add(time.Minute)) {
		t.Errorf("Expires = %v", session.Expires)
	}

	subject, err := service.Authenticate(ctx, session.Token, nil)
	if err != nil {
		t.Fatalf("Authenticate(token): %v", err)
	}
	if subject.Name != "alice" || !subject.InRole("managers") {
		t.Errorf("subject = %+v", subject)
	}

	if err := service.Logout(session.Token); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	_, err = service.Authenticate(ctx, session.Token, nil)
	if !errors.Is(err, ErrAuthenticationFailed) || !errors.Is(err, ErrTokenRevoked) {
		t.Errorf("revoked token: err = %v", err)
	}
}

func TestAuthenticateFailures(t *testing.T) {
	service, fake := newTestService(t, false)
	ctx := context.Background()

	if _, err := service.Login(ctx, Credentials{Username: "alice", Password: "nope"}); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("bad password: err = %v", err)
	}
	_, err := service.Login(ctx, Credentials{Realm: "ldap", Username: "alice", Password: "alice-pw"})
	if !errors.Is(err, ErrUnknownRealm) || !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("unknown realm: err = %v", err)
	}
	if _, err := service.Authenticate(ctx, nil, nil); !errors.Is(err, ErrAuthenticationRequired) {
		t.Errorf("no credentials: err = %v", err)
	}

	session, err := service.Login(ctx, Credentials{Username: "bob", Password: "bob-pw"})
	if err != nil {
		t.Fatal(err)
	}
	fake.Advance(time.Minute)
	if _, err := service.Authenticate(ctx, session.Token, nil); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expired token: err = %v", err)
	}

	tampered := append([]byte(nil), session.Token...)
	tampered[0] ^= 0xff
	if _, err := service.Verify(tampered); err == nil {
		t.Error("tampered token verified")
	}
}

func TestAnonymous(t *testing.T) {
	service, _ := newTestService(t, true)
	subject, err := service.Authenticate(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !subject.IsAnonymous() || subject.InRole("tellers") {
		t.Errorf("subject = %+v", subject)
	}
}

func TestAudienceMismatch(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	defer keypair.Close()
	raw, err := Mint(keypair, &Token{ID: "t1", Subject: "alice", Audience: "other", ExpiresAt: epoch.Add(time.Hour).Unix()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := VerifyAt(keypair.Public, raw, "test-server", epoch); !errors.Is(err, ErrAudienceMismatch) {
		t.Errorf("err = %v, want ErrAudienceMismatch", err)
	}
	if _, err := VerifyAt(keypair.Public, raw[:10], "", epoch); !errors.Is(err, ErrTokenTooShort) {
		t.Errorf("short token: err = %v", err)
	}
}

func TestBlacklistCleanup(t *testing.T) {
	blacklist := NewBlacklist()
	blacklist.Revoke("a", epoch)
	blacklist.Revoke("b", epoch.Add(time.Hour))
	if removed := blacklist.Cleanup(epoch); removed != 1 {
		t.Errorf("Cleanup removed %d, want 1", removed)
	}
	if blacklist.IsRevoked("a") || !blacklist.IsRevoked("b") || blacklist.Len() != 1 {
		t.Error("wrong entries after cleanup")
	}
}

func TestKeypairPersistence(t *testing.T) {
	stateDir := filepath.Join(t.TempDir(), "state")
	first, generated, err := LoadOrGenerateKeypair(stateDir)
	if err != nil || !generated {
		t.Fatalf("first LoadOrGenerateKeypair: generated=%v err=%v", generated, err)
	}
	defer first.Close()
	second, generated, err := LoadOrGenerateKeypair(stateDir)
	if err != nil || generated {
		t.Fatalf("second LoadOrGenerateKeypair: generated=%v err=%v", generated, err)
	}
	defer second.Close()
	if first.Fingerprint() != second.Fingerprint() {
		t.Error("fingerprint changed across reload")
	}
	if len(first.Fingerprint()) != 32 {
		t.Errorf("fingerprint %q has length %d", first.Fingerprint(), len(first.Fingerprint()))
	}

	if err := os.WriteFile(filepath.Join(stateDir, privateKeyFile), []byte("short"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := LoadOrGenerateKeypair(stateDir); err == nil {
		t.Error("corrupt key was replaced instead of reported")
	}
}

func TestSubjectContext(t *testing.T) {
	ctx := NewContext(context.Background(), &Subject{Name: "alice", Groups: []string{"a"}})
	subject, ok := FromContext(ctx)
	if !ok || subject.Name != "alice" || !subject.InAnyRole([]string{"x", "a"}) {
		t.Errorf("FromContext = %+v, %v", subject, ok)
	}
	if _, ok := FromContext(context.Background()); ok {
		t.Error("empty context has a subject")
	}
}
