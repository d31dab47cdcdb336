// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

// Package resource manages the server's named resources: configured
// property sets, optionally with sealed secrets, and the handles that
// providers open from them (such as a SQLite connection pool).
//
// Each resource is bound into the naming tree at Resource/<id>, where
// a resource reference resolves it. Sealed properties are decrypted at
// load time into secret buffers; they are available to in-process
// components through [Resource.Secret] and never leave the process.
package resource

import (
	"context"
	"fmt"
	"io"
	"maps"
	"sort"
	"sync"

	"github.com/ejbd-project/ejbd/lib/secret"
)

// Resource is one configured resource.
type Resource struct {
	ID   string
	Type string

	properties map[string]string
	secrets    map[string]*secret.Buffer
	provider   Provider

	mu     sync.Mutex
	handle any
	closed bool
}

// Property returns a plain property.
func (r *Resource) Property(name string) (string, bool) {
	value, ok := r.properties[name]
	return value, ok
}

// Properties returns a copy of the plain properties. Sealed properties
// are not included.
func (r *Resource) Properties() map[string]string {
	return maps.Clone(r.properties)
}

// Secret returns a decrypted sealed property. The buffer belongs to the
// resource and is closed with it.
func (r *Resource) Secret(name string) (*secret.Buffer, bool) {
	buffer, ok := r.secrets[name]
	return buffer, ok
}

// SecretNames returns the sealed property names, sorted.
func (r *Resource) SecretNames() []string {
	names := make([]string, 0, len(r.secrets))
	for name := range r.secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open returns the provider handle for the resource, opening it on
// first use. Resources without a provider return ErrNoProvider.
func (r *Resource) Open(ctx context.Context) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("resource %s: %w", r.ID, ErrClosed)
	}
	if r.handle != nil {
		return r.handle, nil
	}
	if r.provider == nil {
		return nil, fmt.Errorf("resource %s (type %q): %w", r.ID, r.Type, ErrNoProvider)
	}
	handle, err := r.provider.Open(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("opening resource %s: %w", r.ID, err)
	}
	r.handle = handle
	return handle, nil
}

// CopyValue returns r itself: a resource is shared, never copied, even
// through an external reference.
func (r *Resource) CopyValue() any { return r }

// Close releases the handle and the sealed values.
func (r *Resource) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var firstError error
	if closer, ok := r.handle.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			firstError = fmt.Errorf("closing resource %s: %w", r.ID, err)
		}
	}
	r.handle = nil
	for _, buffer := range r.secrets {
		buffer.Close()
	}
	return firstError
}
