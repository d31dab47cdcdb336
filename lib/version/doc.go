// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information for the ejbd binaries.
//
// [GitCommit], [GitDirty], [BuildTime] and [Version] are injected with
// -ldflags -X at build time and default to "unknown" / "0.1.0-dev" in
// development builds. The daemon includes [Info] in its metadata
// response so clients can log which server they reached.
package version
