// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

// Package transaction implements container-managed transaction
// demarcation for component invocations.
//
// A [Manager] creates [Transaction] values and carries the current one
// in a context.Context. [Manager.Run] applies a transaction [Attribute]
// around a call:
//
//	Required      join the caller's transaction or start one
//	RequiresNew   always start one; the caller's is untouched
//	Mandatory     join the caller's; fail with ErrTransactionRequired
//	Supports      run in whatever the caller has
//	NotSupported  run with no transaction
//	Never         fail with ErrTransactionNotAllowed if the caller has one
//
// When Run started the transaction it also completes it. An error that
// implements [ApplicationError] is part of the component's contract and
// commits the transaction unless it asks for rollback. Any other error,
// and any panic, rolls it back. When Run joined the caller's
// transaction, a non-application error marks it rollback-only instead.
//
// Every transaction has a timeout, driven by the manager's clock. A
// transaction that times out is marked rollback-only; its eventual
// Commit rolls back and returns [ErrTimedOut].
//
// [UserTransaction] is the bean-managed interface to the same manager.
// The server binds one at openejb/UserTransaction.
package transaction
