// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"errors"
	"fmt"
)

var (
	ErrNoSuchDeployment  = errors.New("container: no such deployment")
	ErrNoSuchMethod      = errors.New("container: no such method")
	ErrBadArguments      = errors.New("container: bad arguments")
	ErrAccessDenied      = errors.New("container: access denied")
	ErrDuplicate         = errors.New("container: duplicate deployment")
	ErrInvalidDeployment = errors.New("container: invalid deployment")
)

// ApplicationError is an error that belongs to a component's contract.
// It reaches the caller as-is and commits the surrounding transaction
// unless Rollback is set.
type ApplicationError struct {
	Err      error
	Rollback bool
}

func (e *ApplicationError) Error() string { return e.Err.Error() }

func (e *ApplicationError) Unwrap() error { return e.Err }

// RollbackTransaction implements transaction.ApplicationError.
func (e *ApplicationError) RollbackTransaction() bool { return e.Rollback }

// Application marks err as an application error. It returns nil for a
// nil err.
func Application(err error) error {
	if err == nil {
		return nil
	}
	return &ApplicationError{Err: err}
}

// ApplicationRollback marks err as an application error that rolls the
// transaction back.
func ApplicationRollback(err error) error {
	if err == nil {
		return nil
	}
	return &ApplicationError{Err: err, Rollback: true}
}

// SystemError is an unexpected failure inside an invocation: a panic,
// an unmarked error, or a transaction failure. It always rolls back.
type SystemError struct {
	Err error

	// Panic holds the recovered value when the method panicked.
	Panic any
}

func (e *SystemError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("container: panic: %v", e.Panic)
	}
	return "container: system error: " + e.Err.Error()
}

func (e *SystemError) Unwrap() error { return e.Err }
