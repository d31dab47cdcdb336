// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Anything in ejbd whose behavior depends on wall-clock time (token
// expiry, blacklist cleanup, transaction timeouts, connection idle
// deadlines) takes a [Clock] instead of calling the time package. In
// production [Real] is used. Tests use [Fake], which stands still
// until [FakeClock.Advance] is called:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	issuer := security.NewIssuer(private, "server", c)
//	c.Advance(10 * time.Minute) // tokens minted above are now expired
package clock
