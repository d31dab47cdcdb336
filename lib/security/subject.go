// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package security

import (
	"context"
	"slices"
)

// AnonymousName is the subject name given to unauthenticated callers
// when the server allows anonymous access.
const AnonymousName = "guest"

// Subject is an authenticated caller.
type Subject struct {
	Name   string   `cbor:"1,keyasint"`
	Realm  string   `cbor:"2,keyasint,omitempty"`
	Groups []string `cbor:"3,keyasint,omitempty"`
}

// Anonymous returns a fresh anonymous subject with no groups.
func Anonymous() *Subject {
	return &Subject{Name: AnonymousName}
}

// IsAnonymous reports whether s is nil or the anonymous subject.
func (s *Subject) IsAnonymous() bool {
	return s == nil || (s.Name == AnonymousName && s.Realm == "")
}

// InRole reports whether the subject belongs to role.
func (s *Subject) InRole(role string) bool {
	if s == nil {
		return false
	}
	return slices.Contains(s.Groups, role)
}

// InAnyRole reports whether the subject belongs to at least one of roles.
func (s *Subject) InAnyRole(roles []string) bool {
	for _, role := range roles {
		if s.InRole(role) {
			return true
		}
	}
	return false
}

type subjectKey struct{}

// NewContext returns a child of ctx carrying subject.
func NewContext(ctx context.Context, subject *Subject) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

// FromContext returns the subject carried by ctx, if any.
func FromContext(ctx context.Context) (*Subject, bool) {
	subject, ok := ctx.Value(subjectKey{}).(*Subject)
	return subject, ok && subject != nil
}
