// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/ejbd-project/ejbd/lib/naming"
)

// BinderConfig configures NewBinder.
type BinderConfig struct {
	// Format is the JNDI name format for local/ and remote/ names.
	// Empty means DefaultJNDINameFormat.
	Format string

	// FailOnCollision makes a taken local/, remote/ or global/ name an
	// error. Otherwise the collision is logged and the name skipped.
	FailOnCollision bool

	Logger *slog.Logger
}

// JNDIName is a public name a view was bound under.
type JNDIName struct {
	Name      string
	Interface string
}

// Binder publishes deployed views in the openejb naming context:
//
//	Deployment/<id>/<interface>!<type>   the view's LocalRef
//	local/<name>                         local and remote views
//	remote/<name>                        remote views
//	remote/global/<app>/<module>/<bean>!<interface>
//	global/global/<app>/<module>/<bean>[!<interface>]
//	WebService/<id>                      service endpoint views
//
// where <name> comes from the JNDI name format. Public names are bound
// to EJB references that resolve to the Deployment/ binding.
type Binder struct {
	root            *naming.Context
	registry        *Registry
	format          *nameTemplate
	failOnCollision bool
	logger          *slog.Logger

	mu     sync.Mutex
	owners map[string]string
	bound  map[string][]string
	public map[string][]JNDIName
}

// NewBinder returns a binder writing under root, which is normally
// the openejb context.
func NewBinder(root *naming.Context, registry *Registry, cfg BinderConfig) (*Binder, error) {
	format := cfg.Format
	if format == "" {
		format = DefaultJNDINameFormat
	}
	template, err := parseTemplate(format)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Binder{
		root:            root,
		registry:        registry,
		format:          template,
		failOnCollision: cfg.FailOnCollision,
		logger:          logger,
		owners:          make(map[string]string),
		bound:           make(map[string][]string),
		public:          make(map[string][]JNDIName),
	}, nil
}

var bindOrder = []InterfaceType{LocalBean, BusinessLocal, BusinessRemote, ServiceEndpoint}

// Bind publishes the components of one deployment. On error every name
// bound for the deployment is removed again.
func (b *Binder) Bind(components []*Component) error {
	if len(components) == 0 {
		return nil
	}
	d := components[0].deployment
	templates, err := b.templatesFor(d)
	if err != nil {
		return err
	}

	ordered := slices.Clone(components)
	slices.SortStableFunc(ordered, func(x, y *Component) int {
		return slices.Index(bindOrder, x.view.Type) - slices.Index(bindOrder, y.view.Type)
	})

	var simple *naming.Reference
	for _, component := range ordered {
		if component.deployment != d {
			b.Unbind(d.ID)
			return fmt.Errorf("container: Bind got components of %s and %s", d.ID, component.deployment.ID)
		}
		reference, err := b.bindComponent(component, templates)
		if err != nil {
			b.Unbind(d.ID)
			return err
		}
		if simple == nil && component.view.Type != ServiceEndpoint {
			simple = reference
		}
	}
	if simple != nil {
		if err := b.bindPublic(d, "global/"+globalName(d, ""), simple, ""); err != nil {
			b.Unbind(d.ID)
			return err
		}
	}
	return nil
}

func (b *Binder) bindComponent(component *Component, templates map[string]*nameTemplate) (*naming.Reference, error) {
	d, view := component.deployment, component.view
	ref := NewLocalRef(b.registry, component)

	b.optionalBind(d.ID, naming.Join("Deployment", d.ID, view.Interface), ref)
	if err := b.bindInternal(d.ID, naming.DeploymentName(d.ID, view.Interface, view.Type.String()), ref); err != nil {
		return nil, err
	}

	reference := naming.NewReference(naming.KindEJB,
		naming.PropDeploymentID, d.ID,
		naming.PropInterface, view.Interface,
		naming.PropInterfaceType, view.Type.String(),
	)
	name := pickTemplate(templates, view).format(templateValues(d, view))

	var names []string
	switch view.Type {
	case LocalBean, BusinessLocal:
		names = []string{"local/" + name}
	case BusinessRemote:
		names = []string{"local/" + name, "remote/" + name, "remote/" + globalName(d, view.Interface)}
	case ServiceEndpoint:
		if err := b.bindInternal(d.ID, naming.Join("WebService", d.ID), ref); err != nil {
			return nil, err
		}
		return reference, nil
	}
	names = append(names, "global/"+globalName(d, view.Interface))

	for _, public := range names {
		if err := b.bindPublic(d, public, reference, view.Interface); err != nil {
			return nil, err
		}
	}
	return reference, nil
}

// globalName is global/<app>/<module>/<bean>[!<interface>], with the
// app segment omitted for a standalone module.
func globalName(d *Deployment, iface string) string {
	var builder strings.Builder
	builder.WriteString("global/")
	if d.AppName != "" {
		builder.WriteString(d.AppName + "/")
	}
	if d.ModuleName != "" {
		builder.WriteString(d.ModuleName + "/")
	}
	builder.WriteString(d.EJBName)
	if iface != "" {
		builder.WriteString("!" + iface)
	}
	return builder.String()
}

func (b *Binder) templatesFor(d *Deployment) (map[string]*nameTemplate, error) {
	templates := map[string]*nameTemplate{"": b.format}
	for key, source := range d.JNDITemplates {
		template, err := parseTemplate(source)
		if err != nil {
			return nil, fmt.Errorf("deployment %s: %w", d.ID, err)
		}
		templates[key] = template
	}
	return templates, nil
}

// pickTemplate prefers a template for the interface name, then for the
// annotation name, then the default.
func pickTemplate(templates map[string]*nameTemplate, view View) *nameTemplate {
	if template, ok := templates[view.Interface]; ok {
		return template
	}
	if template, ok := templates[view.Type.AnnotationName()]; ok {
		return template
	}
	return templates[""]
}

func (b *Binder) record(deploymentID, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.owners[name] = deploymentID
	b.bound[deploymentID] = append(b.bound[deploymentID], name)
}

func (b *Binder) ownedBy(name, deploymentID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.owners[name] == deploymentID
}

func (b *Binder) optionalBind(deploymentID, name string, value any) {
	if err := b.root.Bind(name, value); err != nil {
		b.logger.Debug("optional name not bound", "name", name, "deployment_id", deploymentID, "error", err)
		return
	}
	b.record(deploymentID, name)
}

func (b *Binder) bindInternal(deploymentID, name string, value any) error {
	if err := b.root.Bind(name, value); err != nil {
		b.logger.Error("name could not be bound; it may be taken by another deployment", "name", name, "deployment_id", deploymentID)
		return err
	}
	b.record(deploymentID, name)
	return nil
}

// bindPublic binds a local/, remote/ or global/ name. A name already
// bound by the same deployment is skipped silently.
func (b *Binder) bindPublic(d *Deployment, name string, value any, iface string) error {
	if b.ownedBy(name, d.ID) {
		return nil
	}
	external := name[strings.IndexByte(name, '/')+1:]
	err := b.root.Bind(name, value)
	var taken *naming.NameAlreadyBoundError
	switch {
	case err == nil:
	case errors.As(err, &taken):
		owner, known := b.Owner(name)
		if !known {
			owner = "another object in the system"
		}
		b.logger.Error("name already taken",
			"name", external,
			"deployment_id", d.ID,
			"owner", owner,
		)
		if b.failOnCollision {
			return &naming.NameAlreadyBoundError{Name: external}
		}
		return nil
	default:
		return err
	}

	b.record(d.ID, name)
	b.mu.Lock()
	defer b.mu.Unlock()
	entry := JNDIName{Name: external, Interface: iface}
	if !slices.Contains(b.public[d.ID], entry) {
		b.public[d.ID] = append(b.public[d.ID], entry)
		b.logger.Info("bound", "name", external, "deployment_id", d.ID)
	}
	return nil
}

// Owner returns the deployment that bound name.
func (b *Binder) Owner(name string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	owner, ok := b.owners[name]
	return owner, ok
}

// Names returns the public names of a deployment in bind order.
func (b *Binder) Names(deploymentID string) []JNDIName {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.public[deploymentID])
}

// Unbind removes every name bound for deploymentID and prunes the
// contexts left empty.
func (b *Binder) Unbind(deploymentID string) error {
	b.mu.Lock()
	names := b.bound[deploymentID]
	delete(b.bound, deploymentID)
	delete(b.public, deploymentID)
	for _, name := range names {
		delete(b.owners, name)
	}
	b.mu.Unlock()

	var errs []error
	for i := len(names) - 1; i >= 0; i-- {
		if err := b.root.Unbind(names[i]); err != nil && !naming.IsNotFound(err) {
			errs = append(errs, err)
		}
	}
	ctx := context.Background()
	for _, subtree := range []string{"Deployment", "local", "remote", "global", "WebService"} {
		if err := b.root.Prune(ctx, subtree); err != nil && !naming.IsNotFound(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
