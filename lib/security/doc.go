// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

// Package security authenticates remote callers and carries the
// resulting [Subject] through request contexts.
//
// Passwords are checked by a [Realm]: [FileRealm] reads bcrypt hashes
// from a YAML file, [SQLRealm] stores them in SQLite. A successful
// login yields an identity token: a CBOR [Token] followed by a 64-byte
// Ed25519 signature from the server's [Keypair]. Tokens carry the
// subject's groups, so later requests are authorized without touching
// the realm again. Logout places the token ID on a [Blacklist] until
// the token's natural expiry.
//
// [Service] ties the pieces together and is what the protocol handler
// calls.
package security
