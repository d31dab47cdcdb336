// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds sensitive bytes outside the Go heap.
//
// A [Buffer] is an anonymous mmap region locked into RAM and excluded
// from core dumps. The server keeps its token signing key, the age
// identity for sealed resource properties, and every decrypted sealed
// value in Buffers. Close zeroes and unmaps the region; any access
// after Close panics.
package secret
