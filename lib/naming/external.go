// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package naming

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"sync"
)

// ExternalContext is a naming provider mounted into, or federated with,
// a tree. Names passed to it are relative to the point where it is
// mounted. *Context implements it, as does the remote client context.
type ExternalContext interface {
	Lookup(ctx context.Context, name string) (any, error)
	List(ctx context.Context, name string) ([]NameClass, error)
}

// URLContextFactory resolves names that carry its scheme, such as
// "ejbd://host:4201/AccountBeanRemote". The full name, scheme included,
// is passed through.
type URLContextFactory interface {
	LookupURL(ctx context.Context, name string) (any, error)
}

// guarded serializes calls into one ExternalContext instance.
type guarded struct {
	mu     sync.Mutex
	target ExternalContext
}

func (g *guarded) lookup(ctx context.Context, name string) (any, error) {
	if !reentered(ctx, g.target) {
		g.mu.Lock()
		defer g.mu.Unlock()
	}
	return g.target.Lookup(ctx, name)
}

func (g *guarded) list(ctx context.Context, name string) ([]NameClass, error) {
	if !reentered(ctx, g.target) {
		g.mu.Lock()
		defer g.mu.Unlock()
	}
	return g.target.List(ctx, name)
}

// guard returns the guard for target, creating it on first use. The
// same instance mounted at several names, reached through links or
// also federated shares one guard. Callers hold ns.mu for writing.
func (ns *namespace) guard(target ExternalContext) *guarded {
	if !reflect.TypeOf(target).Comparable() {
		return &guarded{target: target}
	}
	if existing, ok := ns.guards[target]; ok {
		return existing
	}
	g := &guarded{target: target}
	ns.guards[target] = g
	return g
}

func (ns *namespace) sharedGuard(target ExternalContext) *guarded {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.guard(target)
}

type pathKey struct{}

// enter records ns on the chain of trees the lookup in ctx is passing
// through.
func enter(ctx context.Context, ns *namespace) context.Context {
	path, _ := ctx.Value(pathKey{}).([]*namespace)
	if slices.Contains(path, ns) {
		return ctx
	}
	return context.WithValue(ctx, pathKey{}, append(slices.Clip(path), ns))
}

// reentered reports whether target is a tree the lookup in ctx has
// already entered. Its guard may be held further up the same chain.
func reentered(ctx context.Context, target ExternalContext) bool {
	tree, ok := target.(*Context)
	if !ok {
		return false
	}
	path, _ := ctx.Value(pathKey{}).([]*namespace)
	return slices.Contains(path, tree.ns)
}

// Federate adds an external context consulted, after any added
// before it, when a lookup misses the tree. A context of the same tree
// cannot be federated.
func (c *Context) Federate(target ExternalContext) error {
	if tree, ok := target.(*Context); ok && tree.ns == c.ns {
		return fmt.Errorf("%w: federating %q with its own tree", ErrOperationNotSupported, tree.Path())
	}
	c.ns.mu.Lock()
	defer c.ns.mu.Unlock()
	c.ns.federated = append(c.ns.federated, c.ns.guard(target))
	return nil
}

// RegisterScheme installs the URL context factory for scheme. The java
// and openejb schemes belong to the tree and cannot be registered.
func (c *Context) RegisterScheme(scheme string, factory URLContextFactory) error {
	if scheme == "" || scheme == "java" || scheme == OpenEJB {
		return ErrInvalidName
	}
	c.ns.mu.Lock()
	defer c.ns.mu.Unlock()
	c.ns.schemes[scheme] = factory
	return nil
}

// RegisterFactory installs the object factory for a reference kind,
// replacing any previous one.
func (c *Context) RegisterFactory(kind ReferenceKind, factory ObjectFactory) {
	c.ns.mu.Lock()
	defer c.ns.mu.Unlock()
	c.ns.factories[kind] = factory
}

func (ns *namespace) federatedContexts() []*guarded {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return append([]*guarded(nil), ns.federated...)
}

// federateLookup asks each federated context in turn. Trees the
// lookup has already passed through are skipped.
func (ns *namespace) federateLookup(ctx context.Context, name string) (any, bool) {
	for _, g := range ns.federatedContexts() {
		if ctx.Err() != nil {
			return nil, false
		}
		if reentered(ctx, g.target) {
			continue
		}
		value, err := g.lookup(ctx, name)
		if err == nil && value != nil {
			return value, true
		}
	}
	return nil, false
}

func (ns *namespace) federateList(ctx context.Context, name string) ([]NameClass, bool) {
	for _, g := range ns.federatedContexts() {
		if ctx.Err() != nil {
			return nil, false
		}
		if reentered(ctx, g.target) {
			continue
		}
		entries, err := g.list(ctx, name)
		if err == nil {
			return entries, true
		}
	}
	return nil, false
}
