// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package transaction

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ejbd-project/ejbd/lib/clock"
)

// Attribute is a container-managed transaction policy. The zero value
// is Required.
type Attribute int

const (
	Required Attribute = iota
	RequiresNew
	Mandatory
	Supports
	NotSupported
	Never
)

var attributeNames = [...]string{"Required", "RequiresNew", "Mandatory", "Supports", "NotSupported", "Never"}

func (a Attribute) String() string {
	if a >= 0 && int(a) < len(attributeNames) {
		return attributeNames[a]
	}
	return fmt.Sprintf("Attribute(%d)", int(a))
}

// ParseAttribute accepts the attribute names case-insensitively, with
// or without underscores ("requires_new", "RequiresNew").
func ParseAttribute(name string) (Attribute, error) {
	normalized := strings.ToLower(strings.ReplaceAll(name, "_", ""))
	for i, candidate := range attributeNames {
		if strings.ToLower(candidate) == normalized {
			return Attribute(i), nil
		}
	}
	return 0, fmt.Errorf("transaction: unknown attribute %q", name)
}

// MarshalText lets attributes appear by name in configuration.
func (a Attribute) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText parses an attribute name.
func (a *Attribute) UnmarshalText(text []byte) error {
	parsed, err := ParseAttribute(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Status is the state of a transaction.
type Status int

const (
	StatusNoTransaction Status = iota
	StatusActive
	StatusMarkedRollback
	StatusCommitted
	StatusRolledBack
)

func (s Status) String() string {
	switch s {
	case StatusNoTransaction:
		return "no_transaction"
	case StatusActive:
		return "active"
	case StatusMarkedRollback:
		return "marked_rollback"
	case StatusCommitted:
		return "committed"
	case StatusRolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

var (
	ErrTransactionRequired   = errors.New("transaction: a transaction is required")
	ErrTransactionNotAllowed = errors.New("transaction: called with a transaction where none is allowed")
	ErrNoTransaction         = errors.New("transaction: no transaction")
	ErrNotActive             = errors.New("transaction: transaction is not active")
	ErrRolledBack            = errors.New("transaction: rolled back")
	ErrTimedOut              = errors.New("transaction: timed out")
	ErrAlreadyActive         = errors.New("transaction: a transaction is already associated")
)

// ApplicationError is implemented by errors that belong to a
// component's contract. They commit the transaction unless
// RollbackTransaction reports true.
type ApplicationError interface {
	error
	RollbackTransaction() bool
}

// Synchronization is notified around completion.
type Synchronization interface {
	// BeforeCompletion runs before a commit. An error rolls the
	// transaction back.
	BeforeCompletion() error

	// AfterCompletion runs after commit or rollback.
	AfterCompletion(status Status)
}

// Transaction is one unit of work.
type Transaction struct {
	id       string
	manager  *Manager
	started  time.Time
	deadline time.Time
	timer    *clock.Timer

	mu               sync.Mutex
	status           Status
	timedOut         bool
	synchronizations []Synchronization
}

// ID returns the transaction identifier.
func (t *Transaction) ID() string { return t.id }

// Deadline returns when the transaction times out.
func (t *Transaction) Deadline() time.Time { return t.deadline }

// Status returns the current state.
func (t *Transaction) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// SetRollbackOnly ensures the transaction can only roll back.
func (t *Transaction) SetRollbackOnly() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.status {
	case StatusActive:
		t.status = StatusMarkedRollback
		return nil
	case StatusMarkedRollback:
		return nil
	default:
		return ErrNotActive
	}
}

// RegisterSynchronization adds s to be notified at completion.
func (t *Transaction) RegisterSynchronization(s Synchronization) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusActive && t.status != StatusMarkedRollback {
		return ErrNotActive
	}
	t.synchronizations = append(t.synchronizations, s)
	return nil
}

func (t *Transaction) timeout() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusActive || t.status == StatusMarkedRollback {
		t.status = StatusMarkedRollback
		t.timedOut = true
		t.manager.logger.Warn("transaction timed out", "transaction_id", t.id,
			"age", t.manager.clock.Now().Sub(t.started))
	}
}

func (t *Transaction) String() string { return "tx:" + t.id }
