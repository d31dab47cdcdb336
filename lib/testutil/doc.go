// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by ejbd tests.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// pattern so tests never block forever on a channel. They are the only
// place tests use real wall-clock time; everything else goes through
// lib/clock.
//
// [SocketDir] returns a short directory under /tmp for Unix sockets,
// whose paths are limited to 108 bytes and so cannot live under
// t.TempDir() on every system.
//
// [Logger] returns a slog logger that writes through t.Log at error
// level, so failing tests show daemon errors without drowning passing
// runs in output.
//
// All helpers fail the test with t.Fatalf rather than returning errors.
package testutil
