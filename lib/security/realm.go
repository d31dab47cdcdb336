// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package security

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrAuthenticationFailed covers every credential or token
	// rejection. Callers must not learn which part was wrong.
	ErrAuthenticationFailed = errors.New("security: authentication failed")

	// ErrAuthenticationRequired is returned when a request carries
	// neither token nor credentials and anonymous access is off.
	ErrAuthenticationRequired = errors.New("security: authentication required")

	// ErrUnknownRealm is returned when a login names a realm the
	// server does not have.
	ErrUnknownRealm = errors.New("security: unknown realm")

	// ErrUnknownUser is returned by realm administration calls.
	ErrUnknownUser = errors.New("security: unknown user")
)

// Realm checks a username and password and returns the subject.
type Realm interface {
	Name() string
	Authenticate(ctx context.Context, username, password string) (*Subject, error)
}

// HashPassword returns a bcrypt hash of password. A cost of 0 uses
// bcrypt.DefaultCost.
func HashPassword(password []byte, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword(password, cost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// ValidateHash reports whether hash is a bcrypt hash.
func ValidateHash(hash string) error {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return fmt.Errorf("not a bcrypt hash: %w", err)
	}
	return nil
}

// dummyHash is compared against when the user does not exist so that
// unknown and known users take the same time to reject.
var dummyHash = sync.OnceValue(func() []byte {
	hash, _ := bcrypt.GenerateFromPassword([]byte("ejbd-dummy-password"), bcrypt.DefaultCost)
	return hash
})

// checkPassword compares password with hash. An empty hash stands for
// an unknown user.
func checkPassword(hash, password string) bool {
	if hash == "" {
		bcrypt.CompareHashAndPassword(dummyHash(), []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
