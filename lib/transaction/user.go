// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package transaction

import (
	"context"
	"sync/atomic"
	"time"
)

// UserTransaction lets a component demarcate its own transactions. The
// transaction travels in the context returned by Begin.
type UserTransaction struct {
	manager *Manager
	timeout atomic.Int64
}

// NewUserTransaction returns the user transaction for m.
func NewUserTransaction(m *Manager) *UserTransaction {
	return &UserTransaction{manager: m}
}

// Begin starts a transaction.
func (u *UserTransaction) Begin(ctx context.Context) (context.Context, error) {
	ctx, _, err := u.manager.Begin(ctx, time.Duration(u.timeout.Load()))
	return ctx, err
}

// Commit commits the transaction carried by ctx.
func (u *UserTransaction) Commit(ctx context.Context) error {
	return u.manager.Commit(FromContext(ctx))
}

// Rollback rolls back the transaction carried by ctx.
func (u *UserTransaction) Rollback(ctx context.Context) error {
	return u.manager.Rollback(FromContext(ctx))
}

// SetRollbackOnly marks the transaction carried by ctx.
func (u *UserTransaction) SetRollbackOnly(ctx context.Context) error {
	tx := FromContext(ctx)
	if tx == nil {
		return ErrNoTransaction
	}
	return tx.SetRollbackOnly()
}

// Status reports the state of the transaction carried by ctx.
func (u *UserTransaction) Status(ctx context.Context) Status {
	tx := FromContext(ctx)
	if tx == nil {
		return StatusNoTransaction
	}
	return tx.Status()
}

// SetTransactionTimeout sets the timeout for later Begin calls. Zero
// restores the manager default.
func (u *UserTransaction) SetTransactionTimeout(timeout time.Duration) {
	u.timeout.Store(int64(timeout))
}
