// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"
	"fmt"

	"github.com/ejbd-project/ejbd/lib/naming"
	"github.com/ejbd-project/ejbd/lib/wire"
)

var (
	ErrClosed = errors.New("client: closed")

	// ErrAccessDenied is wrapped by the *SystemError returned when the
	// caller's subject may not call a method.
	ErrAccessDenied = errors.New("client: access denied")

	// ErrProtocol reports a response the client could not make sense
	// of, or a ProtocolError response from the server.
	ErrProtocol = errors.New("client: protocol error")
)

// NamingError is a failed Lookup or List. It wraps a
// *naming.NameNotFoundError when the name is not bound, so
// naming.IsNotFound works on it.
type NamingError struct {
	Name    string
	Type    string
	Message string

	notFound bool
}

func (e *NamingError) Error() string {
	return fmt.Sprintf("naming error for %q: %s", e.Name, e.Message)
}

func (e *NamingError) Unwrap() error {
	if e.notFound {
		return &naming.NameNotFoundError{Name: e.Name}
	}
	return nil
}

// AuthenticationError is returned when the server refuses the
// client's identity.
type AuthenticationError struct {
	Type    string
	Message string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Message)
}

// ApplicationError is an error the component returned as part of its
// contract. Type is the Go type of the original error.
type ApplicationError struct {
	Type    string
	Message string
}

func (e *ApplicationError) Error() string { return e.Message }

// SystemError is any other failed invocation: a component failure, a
// panic, an unknown deployment or method, or denied access.
type SystemError struct {
	Code    wire.ResponseCode
	Type    string
	Message string
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("remote %s (%s): %s", e.Type, e.Code, e.Message)
}

func (e *SystemError) Unwrap() error {
	if e.Code == wire.EJBAccessDenied {
		return ErrAccessDenied
	}
	return nil
}

// failureOf converts an error response. name is the JNDI name for
// naming failures.
func failureOf(response *wire.Response, name string) error {
	failure := response.Failure
	if failure == nil {
		failure = &wire.Failure{Message: response.Code.String()}
	}
	switch response.Code {
	case wire.AuthDenied, wire.LogoutFailed:
		return &AuthenticationError{Type: failure.Type, Message: failure.Message}
	case wire.JNDINotFound, wire.JNDINamingError:
		return &NamingError{
			Name:     name,
			Type:     failure.Type,
			Message:  failure.Message,
			notFound: response.Code == wire.JNDINotFound,
		}
	case wire.EJBAppException:
		return &ApplicationError{Type: failure.Type, Message: failure.Message}
	case wire.EJBSysException, wire.EJBAccessDenied, wire.EJBError:
		return &SystemError{Code: response.Code, Type: failure.Type, Message: failure.Message}
	}
	return fmt.Errorf("%w: unexpected %s: %s", ErrProtocol, response.Code, failure.Message)
}
