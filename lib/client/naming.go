// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ejbd-project/ejbd/lib/codec"
	"github.com/ejbd-project/ejbd/lib/naming"
	"github.com/ejbd-project/ejbd/lib/wire"
)

// WebServiceRef describes a service endpoint found by Lookup.
type WebServiceRef struct {
	DeploymentID string
	Interface    string
	Properties   map[string]string
}

// ResourceRef describes a server-side resource found by Lookup. Sealed
// properties never leave the server.
type ResourceRef struct {
	ID         string
	Type       string
	Properties map[string]string
}

// Lookup resolves name on the server. Plain names are looked up among
// the remote names; java:global/ names in the global namespace.
func (c *Client) Lookup(ctx context.Context, name string) (any, error) {
	response, err := c.roundTrip(ctx, &wire.Request{
		Type: wire.RequestJNDI,
		JNDI: &wire.JNDIRequest{Op: wire.JNDILookup, Name: name},
	})
	if err != nil {
		return nil, err
	}

	result := response.JNDI
	switch {
	case response.Code == wire.JNDIBusinessObject && result != nil && result.Business != nil:
		return &EJBProxy{client: c, Name: name, BusinessObject: *result.Business}, nil
	case response.Code == wire.JNDIContext:
		return &RemoteContext{client: c, base: name}, nil
	case response.Code == wire.JNDIWebService && result != nil && result.WebService != nil:
		return &WebServiceRef{
			DeploymentID: result.WebService.DeploymentID,
			Interface:    result.WebService.Interface,
			Properties:   result.WebService.Properties,
		}, nil
	case response.Code == wire.JNDIResource && result != nil && result.Resource != nil:
		return &ResourceRef{
			ID:         result.Resource.ID,
			Type:       result.Resource.Type,
			Properties: result.Resource.Properties,
		}, nil
	case response.Code == wire.JNDIOK:
		if len(response.Result) == 0 {
			return nil, nil
		}
		var value any
		if err := codec.Unmarshal(response.Result, &value); err != nil {
			return nil, fmt.Errorf("%w: decoding value of %q: %v", ErrProtocol, name, err)
		}
		return value, nil
	}
	return nil, failureOf(response, name)
}

// List returns the entries of the remote context at name.
func (c *Client) List(ctx context.Context, name string) ([]wire.Entry, error) {
	response, err := c.roundTrip(ctx, &wire.Request{
		Type: wire.RequestJNDI,
		JNDI: &wire.JNDIRequest{Op: wire.JNDIList, Name: name},
	})
	if err != nil {
		return nil, err
	}
	if response.Code != wire.JNDIOK {
		return nil, failureOf(response, name)
	}
	if response.JNDI == nil {
		return nil, nil
	}
	return response.JNDI.Entries, nil
}

// Context returns the server's remote namespace as a naming context.
func (c *Client) Context() *RemoteContext {
	return &RemoteContext{client: c}
}

// RemoteContext is a context on the server. It implements
// naming.ExternalContext, so it can be federated into or mounted in a
// local tree.
type RemoteContext struct {
	client *Client
	base   string
}

// Name returns the context's name on the server.
func (r *RemoteContext) Name() string { return r.base }

func (r *RemoteContext) resolve(name string) string {
	if r.base == "" || naming.HasScheme(name) {
		return name
	}
	return strings.TrimSuffix(r.base, "/") + "/" + strings.TrimPrefix(name, "/")
}

// Lookup looks name up relative to this context.
func (r *RemoteContext) Lookup(ctx context.Context, name string) (any, error) {
	return r.client.Lookup(ctx, r.resolve(name))
}

// List lists name relative to this context.
func (r *RemoteContext) List(ctx context.Context, name string) ([]naming.NameClass, error) {
	entries, err := r.client.List(ctx, r.resolve(name))
	if err != nil {
		return nil, err
	}
	classes := make([]naming.NameClass, 0, len(entries))
	for _, entry := range entries {
		kind := naming.BindingValue
		switch entry.Kind {
		case "context":
			kind = naming.BindingContext
		case "link":
			kind = naming.BindingLink
		case "business", "webservice", "resource":
			kind = naming.BindingReference
		}
		classes = append(classes, naming.NameClass{Name: entry.Name, Kind: kind, Type: entry.Kind})
	}
	return classes, nil
}

// URLFactory resolves "ejbd://host:port/name" names for a naming tree.
// It keeps one client per server address.
type URLFactory struct {
	config Config

	mu      sync.Mutex
	clients map[string]*Client
}

// NewURLFactory returns a factory that dials servers with cfg. The
// address fields of cfg are ignored.
func NewURLFactory(cfg Config) *URLFactory {
	return &URLFactory{config: cfg, clients: make(map[string]*Client)}
}

// LookupURL implements naming.URLContextFactory.
func (f *URLFactory) LookupURL(ctx context.Context, name string) (any, error) {
	scheme, rest, ok := strings.Cut(name, "://")
	if !ok {
		return nil, fmt.Errorf("%w: %q is not an ejbd URL", naming.ErrInvalidName, name)
	}
	host, path, _ := strings.Cut(rest, "/")
	if scheme != "ejbd" || host == "" {
		return nil, fmt.Errorf("%w: %q is not an ejbd URL", naming.ErrInvalidName, name)
	}
	client, err := f.client(ctx, host)
	if err != nil {
		return nil, err
	}
	return client.Lookup(ctx, path)
}

func (f *URLFactory) client(ctx context.Context, host string) (*Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if client, ok := f.clients[host]; ok {
		return client, nil
	}
	cfg := f.config
	cfg.Network, cfg.Address = "tcp", host
	client, err := Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	f.clients[host] = client
	return client, nil
}

// Close closes every client the factory dialed.
func (f *URLFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for host, client := range f.clients {
		client.Close()
		delete(f.clients, host)
	}
	return nil
}
