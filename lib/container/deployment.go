// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"errors"
	"fmt"
	"slices"

	"github.com/ejbd-project/ejbd/lib/security"
	"github.com/ejbd-project/ejbd/lib/transaction"
)

// AllMethods is the method name that applies a permission or
// transaction attribute to every method without its own entry.
const AllMethods = "*"

// View is one exposed interface of a component.
type View struct {
	// Interface names the view, e.g. "org.acme.Calculator". Remote
	// callers address the view by it.
	Interface string

	Type InterfaceType

	// Target implements the view. Its exported methods are the view's
	// operations.
	Target any
}

// Deployment describes one component.
type Deployment struct {
	ID      string
	EJBName string

	// Class is the {ejbClass} template value. It defaults to EJBName.
	Class string

	// AppName is empty for a standalone module.
	AppName    string
	ModuleName string

	Type  ComponentType
	Views []View

	// RolesAllowed maps a method name, or AllMethods, to the roles
	// that may call it. PermitAll and DenyAll list method names, or
	// AllMethods, and take precedence over RolesAllowed at the same
	// level. A method-level entry beats an AllMethods entry.
	RolesAllowed map[string][]string
	PermitAll    []string
	DenyAll      []string

	// TxAttributes maps a method name, or AllMethods, to its
	// transaction attribute. Unlisted methods use DefaultTx.
	TxAttributes map[string]transaction.Attribute
	DefaultTx    transaction.Attribute

	// JNDITemplates overrides the binder's name format for this
	// deployment. Keys are an interface name, an annotation name
	// (Local, Remote, LocalBean, Endpoint) or "" for all views.
	JNDITemplates map[string]string

	// Concurrent lets a singleton serve calls in parallel. Singletons
	// are otherwise serialized.
	Concurrent bool
}

// Validate checks the deployment's identity and views. Duplicate view
// types are rejected: a deployment has at most one component per
// interface type.
func (d *Deployment) Validate() error {
	var errs []error
	if d.ID == "" {
		errs = append(errs, errors.New("deployment id is empty"))
	}
	if d.EJBName == "" {
		errs = append(errs, errors.New("ejb name is empty"))
	}
	if d.Type < Stateless || d.Type > Singleton {
		errs = append(errs, fmt.Errorf("unknown component type %d", int(d.Type)))
	}
	if len(d.Views) == 0 {
		errs = append(errs, errors.New("no views"))
	}
	seen := make(map[InterfaceType]string)
	for i, view := range d.Views {
		if view.Interface == "" {
			errs = append(errs, fmt.Errorf("view %d: interface name is empty", i))
		}
		if _, ok := interfaceTypeNames[view.Type]; !ok {
			errs = append(errs, fmt.Errorf("view %d: unknown interface type %d", i, int(view.Type)))
		}
		if view.Target == nil {
			errs = append(errs, fmt.Errorf("view %s: no target", view.Interface))
		}
		if previous, exists := seen[view.Type]; exists {
			errs = append(errs, fmt.Errorf("views %s and %s are both %s", previous, view.Interface, view.Type))
		}
		seen[view.Type] = view.Interface
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalidDeployment, d.ID, err)
	}
	return nil
}

func (d *Deployment) class() string {
	if d.Class != "" {
		return d.Class
	}
	return d.EJBName
}

// Permitted reports whether subject may call method.
func (d *Deployment) Permitted(method string, subject *security.Subject) bool {
	for _, key := range []string{method, AllMethods} {
		if slices.Contains(d.DenyAll, key) {
			return false
		}
		if slices.Contains(d.PermitAll, key) {
			return true
		}
		if roles, ok := d.RolesAllowed[key]; ok {
			return subject.InAnyRole(roles)
		}
	}
	return true
}

// TxAttribute returns the transaction attribute of method.
func (d *Deployment) TxAttribute(method string) transaction.Attribute {
	if attribute, ok := d.TxAttributes[method]; ok {
		return attribute
	}
	if attribute, ok := d.TxAttributes[AllMethods]; ok {
		return attribute
	}
	return d.DefaultTx
}
