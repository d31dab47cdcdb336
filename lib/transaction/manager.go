// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package transaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ejbd-project/ejbd/lib/clock"
)

type contextKey struct{}

// FromContext returns the transaction associated with ctx, or nil.
func FromContext(ctx context.Context) *Transaction {
	tx, _ := ctx.Value(contextKey{}).(*Transaction)
	return tx
}

// WithTransaction associates tx with ctx. A nil tx dissociates any
// transaction ctx carries.
func WithTransaction(ctx context.Context, tx *Transaction) context.Context {
	return context.WithValue(ctx, contextKey{}, tx)
}

// Stats counts completed transactions.
type Stats struct {
	Active     int
	Committed  uint64
	RolledBack uint64
	TimedOut   uint64
}

// DefaultTimeout applies when NewManager is given no timeout.
const DefaultTimeout = 10 * time.Minute

// Manager creates and completes transactions.
type Manager struct {
	clock          clock.Clock
	logger         *slog.Logger
	defaultTimeout time.Duration

	mu        sync.Mutex
	active    map[string]*Transaction
	committed uint64
	rolled    uint64
	timedOut  uint64
}

// NewManager returns a manager whose transactions time out after
// defaultTimeout unless Begin is given another timeout. A nil logger
// discards.
func NewManager(clk clock.Clock, defaultTimeout time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Manager{
		clock:          clk,
		logger:         logger,
		defaultTimeout: defaultTimeout,
		active:         make(map[string]*Transaction),
	}
}

// Begin starts a transaction and returns a context carrying it. It
// fails with ErrAlreadyActive if ctx already carries an active one.
// A zero timeout uses the manager default.
func (m *Manager) Begin(ctx context.Context, timeout time.Duration) (context.Context, *Transaction, error) {
	if existing := FromContext(ctx); existing != nil {
		switch existing.Status() {
		case StatusActive, StatusMarkedRollback:
			return ctx, nil, ErrAlreadyActive
		}
	}
	tx := m.begin(timeout)
	return WithTransaction(ctx, tx), tx, nil
}

func (m *Manager) begin(timeout time.Duration) *Transaction {
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	now := m.clock.Now()
	tx := &Transaction{
		id:       uuid.NewString(),
		manager:  m,
		started:  now,
		deadline: now.Add(timeout),
		status:   StatusActive,
	}
	tx.timer = m.clock.AfterFunc(timeout, func() {
		tx.timeout()
	})

	m.mu.Lock()
	m.active[tx.id] = tx
	m.mu.Unlock()
	m.logger.Debug("transaction started", "transaction_id", tx.id, "timeout", timeout)
	return tx
}

// Commit completes tx. A transaction marked rollback-only is rolled
// back instead, and Commit returns ErrRolledBack (or ErrTimedOut).
func (m *Manager) Commit(tx *Transaction) error {
	if tx == nil {
		return ErrNoTransaction
	}
	tx.mu.Lock()
	status := tx.status
	synchronizations := append([]Synchronization(nil), tx.synchronizations...)
	tx.mu.Unlock()

	switch status {
	case StatusActive:
	case StatusMarkedRollback:
		return m.rollbackFor(tx, m.rollbackReason(tx))
	default:
		return ErrNotActive
	}

	for _, s := range synchronizations {
		if err := s.BeforeCompletion(); err != nil {
			return m.rollbackFor(tx, fmt.Errorf("%w: before completion: %w", ErrRolledBack, err))
		}
	}

	// A timeout may have fired while synchronizations ran.
	tx.mu.Lock()
	if tx.status != StatusActive {
		tx.mu.Unlock()
		return m.rollbackFor(tx, m.rollbackReason(tx))
	}
	tx.status = StatusCommitted
	tx.mu.Unlock()

	m.finish(tx, StatusCommitted, synchronizations)
	return nil
}

func (m *Manager) rollbackReason(tx *Transaction) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.timedOut {
		return ErrTimedOut
	}
	return ErrRolledBack
}

// rollbackFor rolls tx back and returns reason.
func (m *Manager) rollbackFor(tx *Transaction, reason error) error {
	if err := m.Rollback(tx); err != nil && !errors.Is(err, ErrNotActive) {
		return err
	}
	return reason
}

// Rollback abandons tx.
func (m *Manager) Rollback(tx *Transaction) error {
	if tx == nil {
		return ErrNoTransaction
	}
	tx.mu.Lock()
	if tx.status != StatusActive && tx.status != StatusMarkedRollback {
		tx.mu.Unlock()
		return ErrNotActive
	}
	tx.status = StatusRolledBack
	synchronizations := append([]Synchronization(nil), tx.synchronizations...)
	tx.mu.Unlock()

	m.finish(tx, StatusRolledBack, synchronizations)
	return nil
}

func (m *Manager) finish(tx *Transaction, status Status, synchronizations []Synchronization) {
	tx.timer.Stop()

	m.mu.Lock()
	delete(m.active, tx.id)
	if status == StatusCommitted {
		m.committed++
	} else {
		m.rolled++
		if tx.timedOut {
			m.timedOut++
		}
	}
	m.mu.Unlock()

	for _, s := range synchronizations {
		s.AfterCompletion(status)
	}
	m.logger.Debug("transaction completed", "transaction_id", tx.id, "status", status.String())
}

// Stats returns counters for metrics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Active:     len(m.active),
		Committed:  m.committed,
		RolledBack: m.rolled,
		TimedOut:   m.timedOut,
	}
}

// Run calls fn under the policy attribute. See the package
// documentation for the completion rules.
func (m *Manager) Run(ctx context.Context, attribute Attribute, fn func(context.Context) error) error {
	current := FromContext(ctx)
	if current != nil {
		switch current.Status() {
		case StatusActive, StatusMarkedRollback:
		default:
			current = nil
		}
	}

	switch attribute {
	case Required:
		if current != nil {
			return m.join(ctx, current, fn)
		}
		return m.runNew(ctx, fn)
	case RequiresNew:
		return m.runNew(ctx, fn)
	case Mandatory:
		if current == nil {
			return ErrTransactionRequired
		}
		return m.join(ctx, current, fn)
	case Supports:
		if current != nil {
			return m.join(ctx, current, fn)
		}
		return fn(WithTransaction(ctx, nil))
	case NotSupported:
		return fn(WithTransaction(ctx, nil))
	case Never:
		if current != nil {
			return ErrTransactionNotAllowed
		}
		return fn(WithTransaction(ctx, nil))
	default:
		return fmt.Errorf("transaction: unknown attribute %s", attribute)
	}
}

// join runs fn in the caller's transaction.
func (m *Manager) join(ctx context.Context, tx *Transaction, fn func(context.Context) error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			tx.SetRollbackOnly()
			panic(recovered)
		}
	}()
	err = fn(ctx)
	if err != nil && rollsBack(err) {
		tx.SetRollbackOnly()
	}
	return err
}

// runNew runs fn in a fresh transaction and completes it.
func (m *Manager) runNew(ctx context.Context, fn func(context.Context) error) (err error) {
	tx := m.begin(0)
	defer func() {
		if recovered := recover(); recovered != nil {
			m.Rollback(tx)
			panic(recovered)
		}
	}()

	err = fn(WithTransaction(ctx, tx))
	if err != nil && rollsBack(err) {
		m.Rollback(tx)
		return err
	}
	if commitErr := m.Commit(tx); commitErr != nil {
		if err != nil {
			return err
		}
		return commitErr
	}
	return err
}

func rollsBack(err error) bool {
	var application ApplicationError
	if errors.As(err, &application) {
		return application.RollbackTransaction()
	}
	return true
}
