// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/ejbd-project/ejbd/lib/clock"
	"github.com/ejbd-project/ejbd/lib/codec"
	"github.com/ejbd-project/ejbd/lib/security"
	"github.com/ejbd-project/ejbd/lib/transaction"
)

// Component is one view of a deployed component.
type Component struct {
	deployment *Deployment
	view       View
	methods    map[string]*Method
	names      []string

	// lock serializes calls into a non-concurrent singleton. It is
	// shared by every view of the deployment.
	lock *sync.Mutex
}

// Deployment returns the owning deployment.
func (c *Component) Deployment() *Deployment { return c.deployment }

// DeploymentID returns the owning deployment's id.
func (c *Component) DeploymentID() string { return c.deployment.ID }

// Interface returns the view's interface name.
func (c *Component) Interface() string { return c.view.Interface }

// InterfaceType returns the view's interface type.
func (c *Component) InterfaceType() InterfaceType { return c.view.Type }

// Methods returns the invocable method names, sorted.
func (c *Component) Methods() []string { return c.names }

// Method returns a method by name.
func (c *Component) Method(name string) (*Method, bool) {
	method, ok := c.methods[name]
	return method, ok
}

func (c *Component) String() string {
	return fmt.Sprintf("%s/%s!%s", c.deployment.ID, c.view.Interface, c.view.Type)
}

type componentKey struct {
	deploymentID  string
	interfaceType InterfaceType
}

// Invocation describes a finished call, for observers.
type Invocation struct {
	DeploymentID string
	Interface    string
	Method       string
	Duration     time.Duration
	Err          error
}

// RegistryConfig configures NewRegistry.
type RegistryConfig struct {
	// Transactions runs container-managed transactions. Required.
	Transactions *transaction.Manager

	Clock  clock.Clock
	Logger *slog.Logger

	// Observe is called after every invocation.
	Observe func(Invocation)
}

// Registry holds the deployed components.
type Registry struct {
	transactions *transaction.Manager
	clock        clock.Clock
	logger       *slog.Logger
	observe      func(Invocation)

	mu          sync.RWMutex
	deployments map[string]*Deployment
	components  map[componentKey]*Component
}

// NewRegistry returns an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	registry := &Registry{
		transactions: cfg.Transactions,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		observe:      cfg.Observe,
		deployments:  make(map[string]*Deployment),
		components:   make(map[componentKey]*Component),
	}
	if registry.clock == nil {
		registry.clock = clock.Real()
	}
	if registry.logger == nil {
		registry.logger = slog.New(slog.DiscardHandler)
	}
	if registry.transactions == nil {
		registry.transactions = transaction.NewManager(registry.clock, 0, registry.logger)
	}
	return registry
}

// Transactions returns the transaction manager invocations run under.
func (r *Registry) Transactions() *transaction.Manager { return r.transactions }

// Deploy validates d and registers one component per view.
func (r *Registry) Deploy(d *Deployment) ([]*Component, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	var lock *sync.Mutex
	if d.Type == Singleton && !d.Concurrent {
		lock = new(sync.Mutex)
	}
	components := make([]*Component, 0, len(d.Views))
	for _, view := range d.Views {
		methods := methodsOf(view.Target)
		components = append(components, &Component{
			deployment: d,
			view:       view,
			methods:    methods,
			names:      sortedNames(methods),
			lock:       lock,
		})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.deployments[d.ID]; exists {
		return nil, fmt.Errorf("%w %q", ErrDuplicate, d.ID)
	}
	r.deployments[d.ID] = d
	for _, component := range components {
		r.components[componentKey{d.ID, component.view.Type}] = component
	}
	r.logger.Info("deployed",
		"deployment_id", d.ID,
		"ejb_name", d.EJBName,
		"component_type", d.Type.String(),
		"views", len(components),
	)
	return components, nil
}

// Undeploy removes a deployment and its components.
func (r *Registry) Undeploy(deploymentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, exists := r.deployments[deploymentID]
	if !exists {
		return fmt.Errorf("%w %q", ErrNoSuchDeployment, deploymentID)
	}
	for _, view := range d.Views {
		delete(r.components, componentKey{deploymentID, view.Type})
	}
	delete(r.deployments, deploymentID)
	r.logger.Info("undeployed", "deployment_id", deploymentID)
	return nil
}

// Component returns the component of a deployment for an interface
// type.
func (r *Registry) Component(deploymentID string, interfaceType InterfaceType) (*Component, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	component, ok := r.components[componentKey{deploymentID, interfaceType}]
	return component, ok
}

// Resolve finds a component by deployment id, interface type and,
// when non-empty, interface name.
func (r *Registry) Resolve(deploymentID string, interfaceType InterfaceType, iface string) (*Component, error) {
	component, ok := r.Component(deploymentID, interfaceType)
	if !ok {
		return nil, fmt.Errorf("%w %q with a %s view", ErrNoSuchDeployment, deploymentID, interfaceType)
	}
	if iface != "" && iface != component.view.Interface {
		return nil, fmt.Errorf("%w %q with a %s view of %s", ErrNoSuchDeployment, deploymentID, interfaceType, iface)
	}
	return component, nil
}

// Deployments returns every deployment, sorted by id.
func (r *Registry) Deployments() []*Deployment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	deployments := make([]*Deployment, 0, len(r.deployments))
	for _, d := range r.deployments {
		deployments = append(deployments, d)
	}
	sort.Slice(deployments, func(i, j int) bool { return deployments[i].ID < deployments[j].ID })
	return deployments
}

// Invoke calls method on component with in-process arguments.
func (r *Registry) Invoke(ctx context.Context, component *Component, method string, args ...any) (any, error) {
	return r.invoke(ctx, component, method, func(m *Method) ([]reflect.Value, error) {
		return m.valueArgs(args)
	})
}

// InvokeEncoded calls method with CBOR-encoded arguments, as received
// from a remote caller.
func (r *Registry) InvokeEncoded(ctx context.Context, component *Component, method string, args []codec.RawMessage) (any, error) {
	return r.invoke(ctx, component, method, func(m *Method) ([]reflect.Value, error) {
		return m.decodeArgs(args)
	})
}

// invoke checks permissions, then runs the call under the method's
// transaction attribute. The returned error is ErrNoSuchMethod,
// ErrBadArguments or ErrAccessDenied (wrapped), an *ApplicationError,
// or a *SystemError.
func (r *Registry) invoke(ctx context.Context, component *Component, name string, arguments func(*Method) ([]reflect.Value, error)) (result any, err error) {
	start := r.clock.Now()
	d := component.deployment
	defer func() {
		if r.observe != nil {
			r.observe(Invocation{
				DeploymentID: d.ID,
				Interface:    component.view.Interface,
				Method:       name,
				Duration:     r.clock.Now().Sub(start),
				Err:          err,
			})
		}
	}()

	method, ok := component.methods[name]
	if !ok {
		return nil, fmt.Errorf("%w %s.%s", ErrNoSuchMethod, component, name)
	}
	args, err := arguments(method)
	if err != nil {
		return nil, err
	}

	subject, ok := security.FromContext(ctx)
	if !ok {
		subject = security.Anonymous()
		ctx = security.NewContext(ctx, subject)
	}
	if !d.Permitted(name, subject) {
		r.logger.Info("access denied",
			"deployment_id", d.ID,
			"method", name,
			"subject", subject.Name,
		)
		return nil, fmt.Errorf("%w: %s may not call %s.%s", ErrAccessDenied, subject.Name, component, name)
	}

	if component.lock != nil {
		component.lock.Lock()
		defer component.lock.Unlock()
	}

	var callErr error
	runErr := r.transactions.Run(ctx, d.TxAttribute(name), func(ctx context.Context) error {
		result, callErr = method.call(ctx, args)
		if callErr != nil {
			var application *ApplicationError
			var system *SystemError
			if !errors.As(callErr, &application) && !errors.As(callErr, &system) {
				callErr = &SystemError{Err: callErr}
			}
		}
		return callErr
	})

	switch {
	case callErr != nil:
		var system *SystemError
		if errors.As(callErr, &system) {
			r.logger.Error("invocation failed",
				"deployment_id", d.ID,
				"method", name,
				"error", callErr,
			)
		}
		return nil, callErr
	case runErr != nil:
		// The method succeeded but the transaction policy or commit
		// failed.
		return nil, &SystemError{Err: runErr}
	}
	return result, nil
}
