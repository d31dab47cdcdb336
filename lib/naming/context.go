// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package naming

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/ejbd-project/ejbd/lib/codec"
)

// maxHops bounds link and reference chains.
const maxHops = 32

// Options configures a new tree.
type Options struct {
	// FailOnReadOnlyWrite makes writes to a read-only tree return
	// ErrReadOnly instead of being ignored.
	FailOnReadOnlyWrite bool
}

// BindingKind classifies a binding in List results.
type BindingKind string

const (
	BindingContext   BindingKind = "context"
	BindingReference BindingKind = "reference"
	BindingLink      BindingKind = "link"
	BindingExternal  BindingKind = "external"
	BindingValue     BindingKind = "value"
)

// NameClass is one entry of a List result.
type NameClass struct {
	Name string
	Kind BindingKind

	// Type is the Go type of the bound value.
	Type string
}

// Binding is one entry of a ListBindings result. References and links
// are returned unresolved; subcontexts are returned as *Context.
type Binding struct {
	NameClass
	Value any
}

// namespace is the state shared by every Context of one tree.
type namespace struct {
	mu   sync.RWMutex
	root *node

	// cache maps absolute paths to nodes found by earlier lookups.
	cache sync.Map

	readOnly       bool
	failOnReadOnly bool

	factories map[ReferenceKind]ObjectFactory
	schemes   map[string]URLContextFactory
	federated []*guarded
	guards    map[ExternalContext]*guarded
}

type node struct {
	name     string
	parent   *node
	children map[string]*node // nil for leaves
	value    any              // *guarded for mounted external contexts
}

func newContextNode(name string, parent *node) *node {
	return &node{name: name, parent: parent, children: make(map[string]*node)}
}

func (n *node) isContext() bool { return n.children != nil }

func (n *node) path() string {
	var components []string
	for current := n; current.parent != nil; current = current.parent {
		components = append(components, current.name)
	}
	slices.Reverse(components)
	return strings.Join(components, "/")
}

func (n *node) kind() (BindingKind, string) {
	if n.isContext() {
		return BindingContext, "*naming.Context"
	}
	switch value := n.value.(type) {
	case *Reference:
		return BindingReference, "*naming.Reference"
	case *Link:
		return BindingLink, "*naming.Link"
	case *guarded:
		return BindingExternal, fmt.Sprintf("%T", value.target)
	default:
		return BindingValue, fmt.Sprintf("%T", value)
	}
}

// Context is a node of a naming tree. Every Context of a tree shares
// its bindings, cache, factories and read-only flag.
type Context struct {
	ns   *namespace
	node *node
}

// New returns the root of an empty tree with the built-in object
// factories registered.
func New(options Options) *Context {
	ns := &namespace{
		root:           newContextNode("", nil),
		failOnReadOnly: options.FailOnReadOnlyWrite,
		factories: map[ReferenceKind]ObjectFactory{
			KindEJB:             EJBFactory{},
			KindWebService:      WebServiceFactory{},
			KindUserTransaction: UserTransactionFactory{},
			KindResource:        ResourceFactory{},
			KindLookup:          LookupFactory{},
		},
		schemes: make(map[string]URLContextFactory),
		guards:  make(map[ExternalContext]*guarded),
	}
	return &Context{ns: ns, node: ns.root}
}

// Path returns the absolute path of this context; "" for the root.
func (c *Context) Path() string { return c.node.path() }

// Root returns the root context of the tree.
func (c *Context) Root() *Context { return &Context{ns: c.ns, node: c.ns.root} }

// SetReadOnly freezes or unfreezes the whole tree.
func (c *Context) SetReadOnly(readOnly bool) {
	c.ns.mu.Lock()
	c.ns.readOnly = readOnly
	c.ns.mu.Unlock()
}

// ReadOnly reports whether the tree is frozen.
func (c *Context) ReadOnly() bool {
	c.ns.mu.RLock()
	defer c.ns.mu.RUnlock()
	return c.ns.readOnly
}

// located is the result of walking the tree: either a node, or an
// external context with the rest of the name to hand to it.
type located struct {
	node      *node
	external  *guarded
	remaining string
}

// locate walks components from start. Callers must not hold ns.mu.
func (ns *namespace) locate(start *node, components []string, name string) (located, error) {
	key := Join(start.path(), strings.Join(components, "/"))
	if cached, ok := ns.cache.Load(key); ok {
		return located{node: cached.(*node)}, nil
	}

	ns.mu.RLock()
	defer ns.mu.RUnlock()

	current := start
	for i, component := range components {
		if !current.isContext() {
			if external, ok := current.value.(*guarded); ok {
				return located{external: external, remaining: strings.Join(components[i:], "/")}, nil
			}
			return located{}, &NotContextError{Name: current.path()}
		}
		child, ok := current.children[component]
		if !ok {
			return located{}, &NameNotFoundError{Name: name}
		}
		current = child
	}
	ns.cache.Store(key, current)
	return located{node: current}, nil
}

// Lookup resolves name. Subcontexts are returned as *Context, mounted
// external contexts as themselves, and references and links are
// followed until a value is reached.
func (c *Context) Lookup(ctx context.Context, name string) (any, error) {
	return c.lookup(enter(ctx, c.ns), name, 0)
}

// Subcontext looks up name and requires it to be a context of this
// tree.
func (c *Context) Subcontext(ctx context.Context, name string) (*Context, error) {
	value, err := c.Lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	sub, ok := value.(*Context)
	if !ok {
		return nil, &NotContextError{Name: name}
	}
	return sub, nil
}

func (c *Context) lookup(ctx context.Context, name string, hops int) (any, error) {
	value, err := c.lookupRaw(ctx, name)
	if err != nil {
		return nil, err
	}
	return c.resolve(ctx, value, hops)
}

// lookupRaw finds the binding for name without resolving references or
// links.
func (c *Context) lookupRaw(ctx context.Context, name string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	parsed := parseName(name)
	if parsed.scheme != "" && !parsed.absolute {
		return c.lookupURL(ctx, parsed.scheme, name)
	}
	start := c.node
	if parsed.absolute {
		start = c.ns.root
	}

	found, err := c.ns.locate(start, parsed.components, name)
	if err != nil {
		if IsNotFound(err) {
			if value, ok := c.ns.federateLookup(ctx, name); ok {
				return value, nil
			}
		}
		return nil, err
	}
	if found.external != nil {
		return found.external.lookup(ctx, found.remaining)
	}
	return c.bindingValue(found.node), nil
}

func (c *Context) bindingValue(n *node) any {
	if n.isContext() {
		return &Context{ns: c.ns, node: n}
	}
	if external, ok := n.value.(*guarded); ok {
		return external.target
	}
	return n.value
}

func (c *Context) lookupURL(ctx context.Context, scheme, name string) (any, error) {
	c.ns.mu.RLock()
	factory, ok := c.ns.schemes[scheme]
	c.ns.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q in %q", ErrUnknownScheme, scheme, name)
	}
	return factory.LookupURL(ctx, name)
}

// resolve follows links and references until a value is reached.
func (c *Context) resolve(ctx context.Context, value any, hops int) (any, error) {
	for {
		if hops > maxHops {
			return nil, ErrLinkLoop
		}
		switch binding := value.(type) {
		case *Link:
			next, err := c.lookupRaw(ctx, binding.Name)
			if err != nil {
				return nil, fmt.Errorf("naming: following link to %q: %w", binding.Name, err)
			}
			value = next
			hops++
		case *Reference:
			return c.resolveReference(ctx, binding, hops+1)
		default:
			return value, nil
		}
	}
}

func (c *Context) resolveReference(ctx context.Context, ref *Reference, hops int) (any, error) {
	c.ns.mu.RLock()
	factory, ok := c.ns.factories[ref.Kind]
	c.ns.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrNoFactory, ref.Kind)
	}
	name, err := factory.JNDIName(ref)
	if err != nil {
		return nil, err
	}
	if !HasScheme(name) {
		name = OpenEJB + ":" + name
	}
	value, err := c.Root().lookup(ctx, name, hops)
	if err != nil {
		return nil, fmt.Errorf("naming: resolving %s reference: %w", ref.Kind, err)
	}
	if !ref.External {
		return value, nil
	}
	return copyValue(factory, value)
}

func copyValue(factory ObjectFactory, value any) (any, error) {
	if copier, ok := factory.(Copier); ok {
		return copier.Copy(value)
	}
	switch v := value.(type) {
	case ExternalContext:
		return v, nil
	case Copyable:
		return v.CopyValue(), nil
	}
	return codec.CloneValue(value)
}

// writeTarget parses a name for a write and returns its starting node
// and components.
func (c *Context) writeTarget(name string) (*node, []string, error) {
	parsed := parseName(name)
	if parsed.scheme != "" && !parsed.absolute {
		return nil, nil, fmt.Errorf("%w: write through %s: URL", ErrOperationNotSupported, parsed.scheme)
	}
	if len(parsed.components) == 0 {
		return nil, nil, fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	start := c.node
	if parsed.absolute {
		start = c.ns.root
	}
	return start, parsed.components, nil
}

// readOnlyResult is what a write returns on a frozen tree. Callers
// hold ns.mu.
func (ns *namespace) readOnlyResult() error {
	if ns.failOnReadOnly {
		return ErrReadOnly
	}
	return nil
}

// parentOf walks to the context that holds the last component,
// creating intermediate contexts when create is set. Callers hold
// ns.mu for writing.
func (ns *namespace) parentOf(start *node, components []string, name string, create bool) (*node, error) {
	current := start
	for _, component := range components[:len(components)-1] {
		child, ok := current.children[component]
		switch {
		case !ok && create:
			child = newContextNode(component, current)
			current.children[component] = child
		case !ok:
			return nil, &NameNotFoundError{Name: name}
		case !child.isContext():
			if _, external := child.value.(*guarded); external {
				return nil, fmt.Errorf("%w: write through external context %q", ErrOperationNotSupported, child.path())
			}
			return nil, &NotContextError{Name: child.path()}
		}
		current = child
	}
	return current, nil
}

// Bind binds value to name, creating intermediate contexts. It fails
// with *NameAlreadyBoundError if the name is taken.
func (c *Context) Bind(name string, value any) error {
	return c.bind(name, value, false)
}

// Rebind binds value to name, replacing whatever is bound there.
func (c *Context) Rebind(name string, value any) error {
	return c.bind(name, value, true)
}

func (c *Context) bind(name string, value any, replace bool) error {
	start, components, err := c.writeTarget(name)
	if err != nil {
		return err
	}
	ns := c.ns
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.readOnly {
		return ns.readOnlyResult()
	}

	parent, err := ns.parentOf(start, components, name, true)
	if err != nil {
		return err
	}
	last := components[len(components)-1]
	if _, exists := parent.children[last]; exists {
		if !replace {
			return &NameAlreadyBoundError{Name: name}
		}
		ns.cache.Clear()
	}

	leaf := &node{name: last, parent: parent, value: value}
	if external, ok := value.(ExternalContext); ok {
		leaf.value = ns.guard(external)
	}
	parent.children[last] = leaf
	return nil
}

// Unbind removes the binding for name. Removing a name that is not
// bound succeeds as long as its parent context exists.
func (c *Context) Unbind(name string) error {
	start, components, err := c.writeTarget(name)
	if err != nil {
		return err
	}
	ns := c.ns
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.readOnly {
		return ns.readOnlyResult()
	}

	parent, err := ns.parentOf(start, components, name, false)
	if err != nil {
		return err
	}
	delete(parent.children, components[len(components)-1])
	ns.cache.Clear()
	return nil
}

// CreateSubcontext creates an empty context at name, creating
// intermediate contexts. On a read-only tree it returns (nil, nil)
// unless FailOnReadOnlyWrite is set.
func (c *Context) CreateSubcontext(name string) (*Context, error) {
	start, components, err := c.writeTarget(name)
	if err != nil {
		return nil, err
	}
	ns := c.ns
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.readOnly {
		return nil, ns.readOnlyResult()
	}

	parent, err := ns.parentOf(start, components, name, true)
	if err != nil {
		return nil, err
	}
	last := components[len(components)-1]
	if _, exists := parent.children[last]; exists {
		return nil, &NameAlreadyBoundError{Name: name}
	}
	child := newContextNode(last, parent)
	parent.children[last] = child
	return &Context{ns: ns, node: child}, nil
}

// DestroySubcontext is not supported.
func (c *Context) DestroySubcontext(string) error {
	return ErrOperationNotSupported
}

// Rename is not supported.
func (c *Context) Rename(string, string) error {
	return ErrOperationNotSupported
}

// Prune removes every subcontext below name that holds no bindings,
// directly or further down. The named context itself is kept.
func (c *Context) Prune(ctx context.Context, name string) error {
	target, err := c.Subcontext(ctx, name)
	if err != nil {
		return err
	}
	if target.ns != c.ns {
		return fmt.Errorf("%w: prune across trees", ErrOperationNotSupported)
	}
	ns := c.ns
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.readOnly {
		return ns.readOnlyResult()
	}
	prune(target.node)
	ns.cache.Clear()
	return nil
}

// prune removes empty descendant contexts and reports whether n is
// itself empty afterwards.
func prune(n *node) bool {
	for name, child := range n.children {
		if child.isContext() && prune(child) {
			delete(n.children, name)
		}
	}
	return len(n.children) == 0
}

// List returns the entries of the context at name, sorted by name.
func (c *Context) List(ctx context.Context, name string) ([]NameClass, error) {
	ctx = enter(ctx, c.ns)
	found, err := c.locateContext(ctx, name)
	if err != nil {
		if IsNotFound(err) {
			if entries, ok := c.ns.federateList(ctx, name); ok {
				return entries, nil
			}
		}
		return nil, err
	}
	if found.external != nil {
		return found.external.list(ctx, found.remaining)
	}

	c.ns.mu.RLock()
	defer c.ns.mu.RUnlock()
	entries := make([]NameClass, 0, len(found.node.children))
	for childName, child := range found.node.children {
		kind, typeName := child.kind()
		entries = append(entries, NameClass{Name: childName, Kind: kind, Type: typeName})
	}
	slices.SortFunc(entries, func(a, b NameClass) int { return strings.Compare(a.Name, b.Name) })
	return entries, nil
}

// ListBindings is List with the bound values.
func (c *Context) ListBindings(ctx context.Context, name string) ([]Binding, error) {
	ctx = enter(ctx, c.ns)
	found, err := c.locateContext(ctx, name)
	if err != nil {
		return nil, err
	}
	if found.external != nil {
		entries, err := found.external.list(ctx, found.remaining)
		if err != nil {
			return nil, err
		}
		bindings := make([]Binding, 0, len(entries))
		for _, entry := range entries {
			value, err := found.external.lookup(ctx, Join(found.remaining, entry.Name))
			if err != nil {
				return nil, err
			}
			bindings = append(bindings, Binding{NameClass: entry, Value: value})
		}
		return bindings, nil
	}

	c.ns.mu.RLock()
	defer c.ns.mu.RUnlock()
	bindings := make([]Binding, 0, len(found.node.children))
	for childName, child := range found.node.children {
		kind, typeName := child.kind()
		bindings = append(bindings, Binding{
			NameClass: NameClass{Name: childName, Kind: kind, Type: typeName},
			Value:     c.bindingValue(child),
		})
	}
	slices.SortFunc(bindings, func(a, b Binding) int { return strings.Compare(a.Name, b.Name) })
	return bindings, nil
}

// locateContext finds the context or external context at name,
// following links.
func (c *Context) locateContext(ctx context.Context, name string) (located, error) {
	parsed := parseName(name)
	if parsed.scheme != "" && !parsed.absolute {
		value, err := c.lookupURL(ctx, parsed.scheme, name)
		if err != nil {
			return located{}, err
		}
		if external, ok := value.(ExternalContext); ok {
			return located{external: c.ns.sharedGuard(external)}, nil
		}
		return located{}, &NotContextError{Name: name}
	}
	start := c.node
	if parsed.absolute {
		start = c.ns.root
	}
	found, err := c.ns.locate(start, parsed.components, name)
	if err != nil || found.external != nil {
		return found, err
	}
	if found.node.isContext() {
		return found, nil
	}

	switch value := found.node.value.(type) {
	case *guarded:
		return located{external: value}, nil
	case *Link, *Reference:
		resolved, err := c.resolve(ctx, value, 0)
		if err != nil {
			return located{}, err
		}
		switch target := resolved.(type) {
		case *Context:
			if target.ns == c.ns {
				return located{node: target.node}, nil
			}
			return located{external: c.ns.sharedGuard(target)}, nil
		case ExternalContext:
			return located{external: c.ns.sharedGuard(target)}, nil
		}
	}
	return located{}, &NotContextError{Name: name}
}

// Tree renders the tree below this context for diagnostics.
func (c *Context) Tree() string {
	c.ns.mu.RLock()
	defer c.ns.mu.RUnlock()
	var builder strings.Builder
	writeTree(&builder, c.node, 0)
	return builder.String()
}

func writeTree(builder *strings.Builder, n *node, depth int) {
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		child := n.children[name]
		builder.WriteString(strings.Repeat("  ", depth))
		if child.isContext() {
			builder.WriteString(name + "/\n")
			writeTree(builder, child, depth+1)
			continue
		}
		kind, typeName := child.kind()
		switch value := child.value.(type) {
		case *Link:
			fmt.Fprintf(builder, "%s -> %s\n", name, value.Name)
		case *Reference:
			fmt.Fprintf(builder, "%s = %s\n", name, value)
		default:
			fmt.Fprintf(builder, "%s = %s (%s)\n", name, typeName, kind)
		}
	}
}
