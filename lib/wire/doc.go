// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the ejbd protocol: the connection preamble, the
// frame format and the request and response messages.
//
// A connection starts with each side sending a six-byte preamble:
//
//	"EJBD" major minor
//
// The client speaks first. The server always answers with its own
// preamble and then closes the connection if the major versions
// differ, so an old client learns why it was refused.
//
// After the preamble the connection carries frames in both directions:
//
//	length(4, big-endian) compression(1) uncompressed-length(4) payload(length)
//
// The payload is one CBOR-encoded [Request] or [Response]. Payloads at
// or above the configured threshold are compressed with LZ4 or zstd;
// the receiver decodes whichever tag it sees, so the two sides need not
// agree on a compression setting. Frames whose payload or decompressed
// size exceeds the maximum are rejected with [ErrFrameTooLarge] before
// any allocation.
//
// Requests are answered strictly in order on a connection. The [Request]
// ID is echoed in the [Response] so a client can detect a desynchronised
// stream.
package wire
