// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"

	"github.com/ejbd-project/ejbd/lib/secret"
)

const (
	privateKeyFile = "token-signing-key"
	publicKeyFile  = "token-signing-key.pub"
)

// fingerprintKey domain-separates server fingerprints from any other
// BLAKE3 use of the same public key.
var fingerprintKey = [32]byte([]byte("ejbd-server-fingerprint-key-v1.0"))

// Keypair is the server's token signing key. The private half lives in
// a secret.Buffer.
type Keypair struct {
	Public  ed25519.PublicKey
	private *secret.Buffer
}

// GenerateKeypair creates a new signing key.
func GenerateKeypair() (*Keypair, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating Ed25519 keypair: %w", err)
	}
	return newKeypair(public, private)
}

func newKeypair(public ed25519.PublicKey, private []byte) (*Keypair, error) {
	buffer, err := secret.NewFromBytes(private)
	if err != nil {
		return nil, fmt.Errorf("protecting private key: %w", err)
	}
	return &Keypair{Public: public, private: buffer}, nil
}

// Sign signs message with the private key.
func (k *Keypair) Sign(message []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(k.private.Bytes()), message)
}

// Fingerprint returns the server fingerprint for the public key.
func (k *Keypair) Fingerprint() string {
	return Fingerprint(k.Public)
}

// Close releases the private key.
func (k *Keypair) Close() error {
	return k.private.Close()
}

// Fingerprint returns a short keyed BLAKE3 digest of public, printed as
// hex. Clients compare it against a pinned value.
func Fingerprint(public ed25519.PublicKey) string {
	hasher, err := blake3.NewKeyed(fingerprintKey[:])
	if err != nil {
		panic("security: blake3.NewKeyed rejected a 32-byte key: " + err.Error())
	}
	hasher.Write(public)
	return hex.EncodeToString(hasher.Sum(nil)[:16])
}

// SaveKeypair writes the keypair into stateDir. The private key file
// is 0600.
func SaveKeypair(stateDir string, keypair *Keypair) error {
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(stateDir, privateKeyFile), keypair.private.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(stateDir, publicKeyFile), keypair.Public, 0o644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}
	return nil
}

// LoadKeypair reads the keypair from stateDir.
func LoadKeypair(stateDir string) (*Keypair, error) {
	private, err := os.ReadFile(filepath.Join(stateDir, privateKeyFile))
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	defer secret.Zero(private)
	if len(private) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key has %d bytes, want %d", len(private), ed25519.PrivateKeySize)
	}
	public, err := os.ReadFile(filepath.Join(stateDir, publicKeyFile))
	if err != nil {
		return nil, fmt.Errorf("reading public key: %w", err)
	}
	if len(public) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key has %d bytes, want %d", len(public), ed25519.PublicKeySize)
	}
	return newKeypair(ed25519.PublicKey(public), private)
}

// LoadOrGenerateKeypair loads the keypair from stateDir, generating and
// saving one on first start. A private key file that exists but cannot
// be loaded is an error, never silently replaced.
func LoadOrGenerateKeypair(stateDir string) (keypair *Keypair, generated bool, err error) {
	keypair, err = LoadKeypair(stateDir)
	if err == nil {
		return keypair, false, nil
	}
	if _, statErr := os.Stat(filepath.Join(stateDir, privateKeyFile)); !errors.Is(statErr, fs.ErrNotExist) {
		return nil, false, err
	}
	keypair, err = GenerateKeypair()
	if err != nil {
		return nil, false, err
	}
	if err := SaveKeypair(stateDir, keypair); err != nil {
		keypair.Close()
		return nil, false, err
	}
	return keypair, true, nil
}
