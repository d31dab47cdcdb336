// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package naming

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ejbd-project/ejbd/lib/testutil"
)

// mapContext is a flat ExternalContext that records how many calls
// run at once.
type mapContext struct {
	entries     map[string]any
	calls       atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	delay       time.Duration
}

func newMapContext(entries map[string]any) *mapContext {
	if entries == nil {
		entries = map[string]any{}
	}
	return &mapContext{entries: entries}
}

func (m *mapContext) enter() func() {
	m.calls.Add(1)
	current := m.inFlight.Add(1)
	for {
		seen := m.maxInFlight.Load()
		if current <= seen || m.maxInFlight.CompareAndSwap(seen, current) {
			break
		}
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	return func() { m.inFlight.Add(-1) }
}

func (m *mapContext) Lookup(_ context.Context, name string) (any, error) {
	defer m.enter()()
	value, ok := m.entries[name]
	if !ok {
		return nil, &NameNotFoundError{Name: name}
	}
	return value, nil
}

func (m *mapContext) List(_ context.Context, name string) ([]NameClass, error) {
	defer m.enter()()
	var entries []NameClass
	for key := range m.entries {
		if rest, ok := strings.CutPrefix(key, name); ok {
			entries = append(entries, NameClass{Name: strings.TrimPrefix(rest, "/"), Kind: BindingValue})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func mustFederate(t *testing.T, c *Context, target ExternalContext) {
	t.Helper()
	if err := c.Federate(target); err != nil {
		t.Fatalf("Federate: %v", err)
	}
}

type urlFactory struct {
	seen []string
}

func (f *urlFactory) LookupURL(_ context.Context, name string) (any, error) {
	f.seen = append(f.seen, name)
	return "remote:" + name, nil
}

func TestMountedExternalContext(t *testing.T) {
	ctx := context.Background()
	root := New(Options{})
	remote := newMapContext(map[string]any{"AccountBeanRemote": "proxy", "sub/Inner": 7})
	mustBind(t, root, "openejb/remote/peer", remote)

	value, err := root.Lookup(ctx, "openejb/remote/peer/AccountBeanRemote")
	if err != nil || value != "proxy" {
		t.Fatalf("delegated Lookup = (%v, %v), want proxy", value, err)
	}
	value, err = root.Lookup(ctx, "openejb/remote/peer/sub/Inner")
	if err != nil || value != 7 {
		t.Fatalf("delegated nested Lookup = (%v, %v), want 7", value, err)
	}
	mounted, err := root.Lookup(ctx, "openejb/remote/peer")
	if err != nil || mounted != remote {
		t.Fatalf("Lookup of the mount point = (%v, %v), want the external context", mounted, err)
	}

	entries, err := root.List(ctx, "openejb/remote/peer")
	if err != nil {
		t.Fatalf("List through mount: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("List through mount = %+v", entries)
	}

	if err := root.Bind("openejb/remote/peer/new", 1); !errors.Is(err, ErrOperationNotSupported) {
		t.Errorf("Bind through mount = %v, want ErrOperationNotSupported", err)
	}
}

func TestFederationOrder(t *testing.T) {
	ctx := context.Background()
	root := New(Options{})
	first := newMapContext(map[string]any{"shared": "first"})
	second := newMapContext(map[string]any{"shared": "second", "only-second": "second"})
	mustFederate(t, root, first)
	mustFederate(t, root, second)
	mustBind(t, root, "local", "tree")

	for name, want := range map[string]any{
		"local":       "tree",
		"shared":      "first",
		"only-second": "second",
	} {
		value, err := root.Lookup(ctx, name)
		if err != nil || value != want {
			t.Errorf("Lookup(%q) = (%v, %v), want %v", name, value, err, want)
		}
	}
	if first.calls.Load() == 0 {
		t.Error("first federated context was never asked")
	}

	_, err := root.Lookup(ctx, "nowhere")
	var notFound *NameNotFoundError
	if !errors.As(err, &notFound) || notFound.Name != "nowhere" {
		t.Errorf("federated miss = %v, want NameNotFoundError for the original name", err)
	}
}

func TestExternalContextCallsAreSerialized(t *testing.T) {
	ctx := context.Background()
	root := New(Options{})
	remote := newMapContext(map[string]any{"x": 1})
	remote.delay = 2 * time.Millisecond
	mustBind(t, root, "a", remote)
	mustBind(t, root, "b", remote)
	mustFederate(t, root, remote)

	var wait sync.WaitGroup
	for i := range 16 {
		wait.Add(1)
		go func() {
			defer wait.Done()
			names := []string{"a/x", "b/x", "x"}
			if _, err := root.Lookup(ctx, names[i%3]); err != nil {
				t.Errorf("Lookup: %v", err)
			}
		}()
	}
	wait.Wait()

	if remote.maxInFlight.Load() != 1 {
		t.Errorf("external context saw %d concurrent calls, want 1", remote.maxInFlight.Load())
	}
}

func TestLinkedExternalContextSharesGuard(t *testing.T) {
	ctx := context.Background()
	root := New(Options{})
	remote := newMapContext(map[string]any{"x": 1})
	remote.delay = time.Millisecond
	mustBind(t, root, "mnt", remote)
	mustBind(t, root, "alias", &Link{Name: "mnt"})
	mustBind(t, root, "ref", NewReference(KindLookup, "jndi-name", "mnt"))

	var wait sync.WaitGroup
	for i := range 30 {
		wait.Add(1)
		go func() {
			defer wait.Done()
			var err error
			switch i % 3 {
			case 0:
				_, err = root.Lookup(ctx, "mnt/x")
			case 1:
				_, err = root.List(ctx, "alias")
			case 2:
				_, err = root.List(ctx, "ref")
			}
			if err != nil {
				t.Errorf("call %d: %v", i, err)
			}
		}()
	}
	wait.Wait()

	if remote.maxInFlight.Load() != 1 {
		t.Errorf("external context saw %d concurrent calls, want 1", remote.maxInFlight.Load())
	}
}

func TestFederationCycle(t *testing.T) {
	ctx := context.Background()
	a := New(Options{})
	b := New(Options{})
	mustBind(t, a, "in-a", "a")
	mustBind(t, b, "in-b", "b")
	mustFederate(t, a, b)
	mustFederate(t, b, a)

	type result struct {
		value any
		err   error
	}
	lookup := func(c *Context, name string) result {
		done := make(chan result, 1)
		go func() {
			value, err := c.Lookup(ctx, name)
			done <- result{value, err}
		}()
		return testutil.RequireReceive(t, (<-chan result)(done), 5*time.Second, "Lookup(%q) did not return", name)
	}

	if got := lookup(a, "missing"); !IsNotFound(got.err) {
		t.Errorf("a.Lookup(missing) = (%v, %v), want not found", got.value, got.err)
	}
	if got := lookup(a, "in-b"); got.err != nil || got.value != "b" {
		t.Errorf("a.Lookup(in-b) = (%v, %v), want b", got.value, got.err)
	}
	if got := lookup(b, "in-a"); got.err != nil || got.value != "a" {
		t.Errorf("b.Lookup(in-a) = (%v, %v), want a", got.value, got.err)
	}

	listed := make(chan error, 1)
	go func() {
		_, err := a.List(ctx, "missing")
		listed <- err
	}()
	if err := testutil.RequireReceive(t, (<-chan error)(listed), 5*time.Second, "List did not return"); !IsNotFound(err) {
		t.Errorf("a.List(missing) = %v, want not found", err)
	}
}

func TestMountCycle(t *testing.T) {
	ctx := context.Background()
	a := New(Options{})
	b := New(Options{})
	mustBind(t, a, "peer", b)
	mustBind(t, b, "back", a)
	mustBind(t, b, "x", 9)

	done := make(chan any, 1)
	go func() {
		value, err := a.Lookup(ctx, "peer/back/peer/x")
		if err != nil {
			t.Errorf("Lookup: %v", err)
		}
		done <- value
	}()
	if value := testutil.RequireReceive(t, (<-chan any)(done), 5*time.Second, "Lookup through a mount cycle did not return"); value != 9 {
		t.Errorf("Lookup = %v, want 9", value)
	}
}

func TestFederateOwnTree(t *testing.T) {
	root := New(Options{})
	sub, err := root.CreateSubcontext("openejb/remote")
	if err != nil {
		t.Fatalf("CreateSubcontext: %v", err)
	}
	for _, target := range []*Context{root, sub} {
		if err := root.Federate(target); !errors.Is(err, ErrOperationNotSupported) {
			t.Errorf("Federate(%q) = %v, want ErrOperationNotSupported", target.Path(), err)
		}
		if err := sub.Federate(target); !errors.Is(err, ErrOperationNotSupported) {
			t.Errorf("sub.Federate(%q) = %v, want ErrOperationNotSupported", target.Path(), err)
		}
	}
}

func TestURLSchemes(t *testing.T) {
	ctx := context.Background()
	root := New(Options{})
	factory := &urlFactory{}
	if err := root.RegisterScheme("ejbd", factory); err != nil {
		t.Fatalf("RegisterScheme: %v", err)
	}
	if err := root.RegisterScheme("java", factory); !errors.Is(err, ErrInvalidName) {
		t.Errorf("registering java: = %v, want ErrInvalidName", err)
	}

	value, err := root.Lookup(ctx, "ejbd://server:4201/AccountBeanRemote")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if value != "remote:ejbd://server:4201/AccountBeanRemote" {
		t.Errorf("Lookup = %v", value)
	}

	mustBind(t, root, "openejb/link", &Link{Name: "ejbd://server:4201/Other"})
	if value, err := root.Lookup(ctx, "openejb/link"); err != nil || value != "remote:ejbd://server:4201/Other" {
		t.Errorf("link to URL = (%v, %v)", value, err)
	}
}

func TestCanceledContext(t *testing.T) {
	root := New(Options{})
	mustBind(t, root, "x", 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := root.Lookup(ctx, "x"); !errors.Is(err, context.Canceled) {
		t.Errorf("Lookup with canceled context = %v", err)
	}
}
