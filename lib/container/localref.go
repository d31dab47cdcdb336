// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package container

import "context"

// LocalRef is the in-process handle bound into the naming tree for one
// view. It resolves its component on every call, so a ref held across
// an undeploy fails with ErrNoSuchDeployment instead of reaching a
// stale target.
type LocalRef struct {
	DeploymentID  string
	Interface     string
	InterfaceType InterfaceType

	registry *Registry
}

// NewLocalRef returns a handle on a component of registry.
func NewLocalRef(registry *Registry, component *Component) *LocalRef {
	return &LocalRef{
		DeploymentID:  component.DeploymentID(),
		Interface:     component.Interface(),
		InterfaceType: component.InterfaceType(),
		registry:      registry,
	}
}

// Component returns the live component behind the ref.
func (r *LocalRef) Component() (*Component, error) {
	return r.registry.Resolve(r.DeploymentID, r.InterfaceType, r.Interface)
}

// Invoke calls method through the registry.
func (r *LocalRef) Invoke(ctx context.Context, method string, args ...any) (any, error) {
	component, err := r.Component()
	if err != nil {
		return nil, err
	}
	return r.registry.Invoke(ctx, component, method, args...)
}

// CopyValue returns a new handle on the same view.
func (r *LocalRef) CopyValue() any {
	clone := *r
	return &clone
}
