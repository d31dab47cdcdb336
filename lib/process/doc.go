// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the entrypoint helper shared by the ejbd
// binaries. Each main() delegates to run() and hands any returned
// error to [Fatal], which is the one place that writes to stderr
// before (or after) the structured logger exists.
package process
