// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

// Package ejbd serves the remote invocation protocol on connections
// accepted by a [daemon.Daemon].
//
// A connection starts with the preamble exchange from lib/wire, then
// carries any number of request/response frames until either side
// closes it or it sits idle past the configured timeout. Every request
// except Ping, Metadata and Auth is run as a [security.Subject]: the
// request's token, then its inline credentials, then the token granted
// by an earlier Auth on the same connection, and finally the anonymous
// subject when the security service allows it. A request that cannot
// be authenticated is answered with AuthDenied whatever its type.
//
// JNDI names from remote callers are confined to two subtrees. Plain
// names resolve below openejb/remote; java:global/ names resolve in the
// global namespace. Only business remote views are handed out as
// invocable objects.
package ejbd
