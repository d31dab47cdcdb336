// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package security

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/ejbd-project/ejbd/lib/codec"
)

const signatureSize = ed25519.SignatureSize

// Token is the signed payload of an identity token.
type Token struct {
	// ID identifies the token for logout.
	ID string `cbor:"1,keyasint"`

	Subject string   `cbor:"2,keyasint"`
	Realm   string   `cbor:"3,keyasint"`
	Groups  []string `cbor:"4,keyasint,omitempty"`

	// Audience is the server the token is good for. A token minted by
	// one server is rejected by servers with a different audience.
	Audience string `cbor:"5,keyasint"`

	// IssuedAt and ExpiresAt are Unix seconds.
	IssuedAt  int64 `cbor:"6,keyasint"`
	ExpiresAt int64 `cbor:"7,keyasint"`
}

// Expires returns ExpiresAt as a time.
func (t *Token) Expires() time.Time { return time.Unix(t.ExpiresAt, 0) }

// AsSubject returns the subject the token was minted for.
func (t *Token) AsSubject() *Subject {
	return &Subject{Name: t.Subject, Realm: t.Realm, Groups: t.Groups}
}

var (
	ErrTokenTooShort    = errors.New("security: token too short for signature")
	ErrInvalidSignature = errors.New("security: invalid token signature")
	ErrTokenExpired     = errors.New("security: token has expired")
	ErrAudienceMismatch = errors.New("security: token audience does not match")
	ErrTokenRevoked     = errors.New("security: token has been revoked")
)

// Mint encodes token and appends the Ed25519 signature.
func Mint(keypair *Keypair, token *Token) ([]byte, error) {
	payload, err := codec.Marshal(token)
	if err != nil {
		return nil, fmt.Errorf("security: encoding token payload: %w", err)
	}
	signature := keypair.Sign(payload)
	result := make([]byte, len(payload)+signatureSize)
	copy(result, payload)
	copy(result[len(payload):], signature)
	return result, nil
}

// VerifyAt checks the signature, expiry at now, and audience of raw
// token bytes. An empty audience skips the audience check.
func VerifyAt(publicKey ed25519.PublicKey, tokenBytes []byte, audience string, now time.Time) (*Token, error) {
	if len(tokenBytes) <= signatureSize {
		return nil, ErrTokenTooShort
	}
	split := len(tokenBytes) - signatureSize
	payload, signature := tokenBytes[:split], tokenBytes[split:]
	if !ed25519.Verify(publicKey, payload, signature) {
		return nil, ErrInvalidSignature
	}

	var token Token
	if err := codec.Unmarshal(payload, &token); err != nil {
		return nil, fmt.Errorf("security: decoding token payload: %w", err)
	}
	if now.Unix() >= token.ExpiresAt {
		return nil, ErrTokenExpired
	}
	if audience != "" && token.Audience != audience {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrAudienceMismatch, token.Audience, audience)
	}
	return &token, nil
}
