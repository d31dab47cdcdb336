// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package naming

import (
	"errors"
	"fmt"
)

var (
	// ErrOperationNotSupported is returned by Rename and
	// DestroySubcontext, and by writes that would pass through an
	// external context.
	ErrOperationNotSupported = errors.New("naming: operation not supported")

	// ErrUnknownScheme is returned for a name whose scheme has no
	// registered URL context factory.
	ErrUnknownScheme = errors.New("naming: unknown URL scheme")

	// ErrInvalidName is returned for names that cannot be bound, such
	// as the empty name.
	ErrInvalidName = errors.New("naming: invalid name")

	// ErrNoFactory is returned when a reference's kind has no
	// registered object factory.
	ErrNoFactory = errors.New("naming: no object factory for reference kind")

	// ErrReadOnly is returned by writes to a read-only tree created
	// with FailOnReadOnlyWrite.
	ErrReadOnly = errors.New("naming: context is read-only")

	// ErrLinkLoop is returned when resolving links and references does
	// not reach a value.
	ErrLinkLoop = errors.New("naming: too many links or references")
)

// NameNotFoundError reports a name with no binding.
type NameNotFoundError struct {
	Name string
}

func (e *NameNotFoundError) Error() string {
	return fmt.Sprintf("naming: name %q not found", e.Name)
}

// NameAlreadyBoundError reports a Bind to a name that is taken.
type NameAlreadyBoundError struct {
	Name string
}

func (e *NameAlreadyBoundError) Error() string {
	return fmt.Sprintf("naming: name %q is already bound", e.Name)
}

// NotContextError reports a name used as a context that is bound to
// something else.
type NotContextError struct {
	Name string
}

func (e *NotContextError) Error() string {
	return fmt.Sprintf("naming: %q is not a context", e.Name)
}

// IsNotFound reports whether err is, or wraps, a *NameNotFoundError.
func IsNotFound(err error) bool {
	var notFound *NameNotFoundError
	return errors.As(err, &notFound)
}
