// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package ejbd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ejbd-project/ejbd/lib/container"
	"github.com/ejbd-project/ejbd/lib/naming"
	"github.com/ejbd-project/ejbd/lib/resource"
	"github.com/ejbd-project/ejbd/lib/wire"
)

// Entry kinds reported by List.
const (
	EntryContext    = "context"
	EntryBusiness   = "business"
	EntryWebService = "webservice"
	EntryResource   = "resource"
	EntryLink       = "link"
	EntryValue      = "value"
)

// errNotRemote rejects views that cannot be invoked over the network.
var errNotRemote = errors.New("ejbd: not a remote view")

// internalName maps a name sent by a remote caller into the server
// tree: java:global/x is openejb:global/global/x and any other name is
// relative to openejb:remote.
func internalName(name string) (string, error) {
	rest, isJava := strings.CutPrefix(name, "java:")
	if !isJava && naming.HasScheme(name) {
		return "", fmt.Errorf("%w: scheme %q is not served remotely", naming.ErrInvalidName, naming.Scheme(name))
	}
	rest = strings.TrimLeft(rest, "/")
	if global, ok := strings.CutPrefix(rest, naming.Global+"/"); isJava && (ok || rest == naming.Global) {
		return naming.OpenEJB + ":" + naming.Join(naming.Global, naming.Global, global), nil
	}
	return naming.OpenEJB + ":" + naming.Join("remote", rest), nil
}

func (h *Handler) jndi(ctx context.Context, request *wire.JNDIRequest) *wire.Response {
	name, err := internalName(request.Name)
	if err != nil {
		return namingFailure(wire.JNDINamingError, "InvalidName", err)
	}
	switch request.Op {
	case wire.JNDILookup:
		return h.lookup(ctx, request.Name, name)
	case wire.JNDIList:
		return h.list(ctx, name)
	}
	return &wire.Response{
		Code:    wire.ProtocolError,
		Failure: &wire.Failure{Kind: wire.FailureProtocol, Message: fmt.Sprintf("unknown naming operation %s", request.Op)},
	}
}

func (h *Handler) lookup(ctx context.Context, requested, name string) *wire.Response {
	value, err := h.naming.Lookup(ctx, name)
	if err != nil {
		if naming.IsNotFound(err) {
			return namingFailure(wire.JNDINotFound, "NameNotFound", &naming.NameNotFoundError{Name: requested})
		}
		h.logger.Info("lookup failed", "name", requested, "error", err)
		return namingFailure(wire.JNDINamingError, "NamingException", err)
	}

	switch v := value.(type) {
	case *container.LocalRef:
		return h.describeRef(requested, v)
	case *resource.Resource:
		return &wire.Response{
			Code: wire.JNDIResource,
			JNDI: &wire.JNDIResult{Resource: &wire.ResourceInfo{ID: v.ID, Type: v.Type, Properties: v.Properties()}},
		}
	case naming.ExternalContext:
		return &wire.Response{
			Code: wire.JNDIContext,
			JNDI: &wire.JNDIResult{Context: &wire.ContextInfo{Name: requested}},
		}
	}

	result, err := encode(value)
	if err != nil {
		return namingFailure(wire.JNDINamingError, "NotSerializable",
			fmt.Errorf("%s is bound to a %T that cannot be sent: %w", requested, value, err))
	}
	return &wire.Response{Code: wire.JNDIOK, Result: result}
}

func (h *Handler) describeRef(requested string, ref *container.LocalRef) *wire.Response {
	component, err := ref.Component()
	if err != nil {
		return namingFailure(wire.JNDINamingError, "NamingException", err)
	}
	switch component.InterfaceType() {
	case container.BusinessRemote:
		return &wire.Response{
			Code: wire.JNDIBusinessObject,
			JNDI: &wire.JNDIResult{Business: businessObject(component)},
		}
	case container.ServiceEndpoint:
		return &wire.Response{
			Code: wire.JNDIWebService,
			JNDI: &wire.JNDIResult{WebService: &wire.WebServiceInfo{
				DeploymentID: component.DeploymentID(),
				Interface:    component.Interface(),
			}},
		}
	}
	return namingFailure(wire.JNDINamingError, "NotRemote",
		fmt.Errorf("%w: %s is a %s view of %s", errNotRemote, requested, component.InterfaceType(), component.DeploymentID()))
}

func businessObject(component *container.Component) *wire.BusinessObject {
	return &wire.BusinessObject{
		DeploymentID:  component.DeploymentID(),
		InterfaceType: component.InterfaceType().String(),
		Interface:     component.Interface(),
		ComponentType: component.Deployment().Type.String(),
		Methods:       component.Methods(),
	}
}

func (h *Handler) list(ctx context.Context, name string) *wire.Response {
	bindings, err := h.naming.ListBindings(ctx, name)
	if err != nil {
		if naming.IsNotFound(err) {
			return namingFailure(wire.JNDINotFound, "NameNotFound", err)
		}
		return namingFailure(wire.JNDINamingError, "NamingException", err)
	}
	entries := make([]wire.Entry, 0, len(bindings))
	for _, binding := range bindings {
		entries = append(entries, wire.Entry{Name: binding.Name, Kind: entryKind(binding)})
	}
	return &wire.Response{Code: wire.JNDIOK, JNDI: &wire.JNDIResult{Entries: entries}}
}

func entryKind(binding naming.Binding) string {
	switch binding.Kind {
	case naming.BindingContext, naming.BindingExternal:
		return EntryContext
	case naming.BindingLink:
		return EntryLink
	}
	switch v := binding.Value.(type) {
	case *naming.Reference:
		switch v.Kind {
		case naming.KindEJB:
			return EntryBusiness
		case naming.KindWebService:
			return EntryWebService
		case naming.KindResource:
			return EntryResource
		}
	case *container.LocalRef:
		if v.InterfaceType == container.ServiceEndpoint {
			return EntryWebService
		}
		return EntryBusiness
	case *resource.Resource:
		return EntryResource
	case naming.ExternalContext:
		return EntryContext
	}
	return EntryValue
}

func namingFailure(code wire.ResponseCode, failureType string, err error) *wire.Response {
	return &wire.Response{
		Code:    code,
		Failure: &wire.Failure{Kind: wire.FailureNaming, Type: failureType, Message: err.Error()},
	}
}
