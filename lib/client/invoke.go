// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"slices"

	"github.com/ejbd-project/ejbd/lib/codec"
	"github.com/ejbd-project/ejbd/lib/wire"
)

// Target names a remote view.
type Target struct {
	DeploymentID string

	// InterfaceType defaults to "Remote".
	InterfaceType string

	// Interface is optional; when set the server checks it.
	Interface string
}

// Invoke calls method on target with args and decodes the result into
// result, which may be nil to discard it.
func (c *Client) Invoke(ctx context.Context, target Target, method string, result any, args ...any) error {
	encoded := make([]codec.RawMessage, len(args))
	for i, arg := range args {
		data, err := codec.Marshal(arg)
		if err != nil {
			return fmt.Errorf("client: encoding argument %d of %s: %w", i, method, err)
		}
		encoded[i] = data
	}
	return c.InvokeEncoded(ctx, target, method, result, encoded)
}

// InvokeEncoded is Invoke with arguments already in CBOR.
func (c *Client) InvokeEncoded(ctx context.Context, target Target, method string, result any, args []codec.RawMessage) error {
	if target.InterfaceType == "" {
		target.InterfaceType = "Remote"
	}
	response, err := c.roundTrip(ctx, &wire.Request{
		Type: wire.RequestEJB,
		EJB: &wire.EJBRequest{
			DeploymentID:  target.DeploymentID,
			InterfaceType: target.InterfaceType,
			Interface:     target.Interface,
			Method:        method,
			Args:          args,
		},
	})
	if err != nil {
		return err
	}
	if response.Code != wire.EJBOK {
		return failureOf(response, "")
	}
	if result == nil || len(response.Result) == 0 {
		return nil
	}
	if err := codec.Unmarshal(response.Result, result); err != nil {
		return fmt.Errorf("client: decoding result of %s: %w", method, err)
	}
	return nil
}

// EJBProxy is a remote business view returned by Lookup.
type EJBProxy struct {
	client *Client

	// Name is the name the proxy was looked up by.
	Name string

	wire.BusinessObject
}

// Target returns the view the proxy calls.
func (p *EJBProxy) Target() Target {
	return Target{
		DeploymentID:  p.DeploymentID,
		InterfaceType: p.InterfaceType,
		Interface:     p.Interface,
	}
}

// HasMethod reports whether the view exposes method.
func (p *EJBProxy) HasMethod(method string) bool {
	return slices.Contains(p.Methods, method)
}

// Call invokes method and decodes its result into result.
func (p *EJBProxy) Call(ctx context.Context, method string, result any, args ...any) error {
	return p.client.Invoke(ctx, p.Target(), method, result, args...)
}

// Invoke invokes method and returns its result decoded generically.
func (p *EJBProxy) Invoke(ctx context.Context, method string, args ...any) (any, error) {
	var result any
	if err := p.Call(ctx, method, &result, args...); err != nil {
		return nil, err
	}
	return result, nil
}

func (p *EJBProxy) String() string {
	return fmt.Sprintf("%s!%s (%s)", p.DeploymentID, p.Interface, p.InterfaceType)
}
