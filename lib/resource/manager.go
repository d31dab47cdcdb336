// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"

	"github.com/ejbd-project/ejbd/lib/config"
	"github.com/ejbd-project/ejbd/lib/naming"
	"github.com/ejbd-project/ejbd/lib/sealed"
	"github.com/ejbd-project/ejbd/lib/secret"
)

var (
	ErrDuplicate        = errors.New("resource: duplicate id")
	ErrNoProvider       = errors.New("resource: type has no provider")
	ErrClosed           = errors.New("resource: closed")
	ErrSealedNoIdentity = errors.New("resource: sealed properties need an identity")
)

// Manager holds the resources of one server.
type Manager struct {
	logger *slog.Logger

	mu        sync.RWMutex
	resources map[string]*Resource
	providers map[string]Provider
}

// NewManager returns a Manager with the sqlite provider registered.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		logger:    logger,
		resources: make(map[string]*Resource),
		providers: map[string]Provider{TypeSQLite: SQLiteProvider{Logger: logger}},
	}
}

// RegisterProvider installs the provider for a resource type. It applies
// to resources added afterwards.
func (m *Manager) RegisterProvider(resourceType string, provider Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[resourceType] = provider
}

// Load adds every configured resource. Sealed properties are decrypted
// with identity, which may be nil when no resource has sealed values.
// On error nothing from definitions is kept.
func (m *Manager) Load(definitions []config.ResourceConfig, identity *sealed.Keypair) error {
	var loaded []*Resource
	for _, definition := range definitions {
		resource, err := m.build(definition, identity)
		if err == nil {
			err = m.Add(resource)
		}
		if err != nil {
			for _, previous := range loaded {
				m.remove(previous.ID)
			}
			if resource != nil {
				resource.Close()
			}
			return err
		}
		loaded = append(loaded, resource)
		m.logger.Info("resource loaded", "resource_id", resource.ID, "type", resource.Type, "sealed", len(resource.secrets))
	}
	return nil
}

func (m *Manager) build(definition config.ResourceConfig, identity *sealed.Keypair) (*Resource, error) {
	resource := &Resource{
		ID:         definition.ID,
		Type:       definition.Type,
		properties: maps.Clone(definition.Properties),
		secrets:    make(map[string]*secret.Buffer, len(definition.Sealed)),
	}
	if resource.properties == nil {
		resource.properties = map[string]string{}
	}
	if len(definition.Sealed) > 0 && identity == nil {
		return nil, fmt.Errorf("resource %s: %w", definition.ID, ErrSealedNoIdentity)
	}
	for name, ciphertext := range definition.Sealed {
		plaintext, err := sealed.Decrypt(ciphertext, identity.PrivateKey)
		if err != nil {
			resource.Close()
			return nil, fmt.Errorf("resource %s: sealed property %q: %w", definition.ID, name, err)
		}
		resource.secrets[name] = plaintext
	}
	return resource, nil
}

// Add registers a resource built by the caller. Its provider is taken
// from the resource type.
func (m *Manager) Add(resource *Resource) error {
	if resource.ID == "" {
		return errors.New("resource: empty id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.resources[resource.ID]; exists {
		return fmt.Errorf("%w %q", ErrDuplicate, resource.ID)
	}
	if resource.provider == nil {
		resource.provider = m.providers[resource.Type]
	}
	m.resources[resource.ID] = resource
	return nil
}

// New builds an unsealed resource for Add.
func New(id, resourceType string, properties map[string]string) *Resource {
	if properties == nil {
		properties = map[string]string{}
	}
	return &Resource{ID: id, Type: resourceType, properties: maps.Clone(properties), secrets: map[string]*secret.Buffer{}}
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	resource := m.resources[id]
	delete(m.resources, id)
	m.mu.Unlock()
	if resource != nil {
		resource.Close()
	}
}

// Get returns the resource with id.
func (m *Manager) Get(id string) (*Resource, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	resource, ok := m.resources[id]
	return resource, ok
}

// IDs returns every resource id, sorted.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.resources))
	for id := range m.resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Bind binds every resource at Resource/<id> under root.
func (m *Manager) Bind(root *naming.Context) error {
	for _, id := range m.IDs() {
		resource, _ := m.Get(id)
		if err := root.Bind(naming.Join("Resource", id), resource); err != nil {
			return fmt.Errorf("binding resource %s: %w", id, err)
		}
	}
	return nil
}

// Close closes every resource.
func (m *Manager) Close() error {
	m.mu.Lock()
	resources := m.resources
	m.resources = make(map[string]*Resource)
	m.mu.Unlock()

	var errs []error
	for _, resource := range resources {
		if err := resource.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
