// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package ejbd

import (
	"context"
	"errors"
	"fmt"

	"github.com/ejbd-project/ejbd/lib/container"
	"github.com/ejbd-project/ejbd/lib/wire"
)

func (h *Handler) invoke(ctx context.Context, s *session, request *wire.EJBRequest) *wire.Response {
	interfaceType, err := container.ParseInterfaceType(request.InterfaceType)
	if err != nil {
		return ejbFailure(wire.EJBError, wire.FailureSystem, "InvalidRequest", err)
	}
	if !interfaceType.Remote() {
		return ejbFailure(wire.EJBError, wire.FailureSystem, "NotRemote",
			fmt.Errorf("%w: %s views of %s are local only", errNotRemote, interfaceType, request.DeploymentID))
	}
	component, err := h.registry.Resolve(request.DeploymentID, interfaceType, request.Interface)
	if err != nil {
		return ejbFailure(wire.EJBError, wire.FailureSystem, "NoSuchDeployment", err)
	}

	result, err := h.registry.InvokeEncoded(ctx, component, request.Method, request.Args)
	if err != nil {
		return h.invocationFailure(s, request, err)
	}
	encoded, err := encode(result)
	if err != nil {
		h.logger.Error("encoding result",
			"deployment_id", request.DeploymentID,
			"method", request.Method,
			"error", err,
		)
		return ejbFailure(wire.EJBSysException, wire.FailureSystem, "NotSerializable",
			fmt.Errorf("%s returned a %T that cannot be sent: %w", request.Method, result, err))
	}
	return &wire.Response{Code: wire.EJBOK, Result: encoded}
}

// invocationFailure maps an error from the container onto a response
// code. Application errors reach the caller as thrown; everything else
// the component raised is a system exception.
func (h *Handler) invocationFailure(s *session, request *wire.EJBRequest, err error) *wire.Response {
	var application *container.ApplicationError
	var system *container.SystemError
	switch {
	case errors.As(err, &application):
		return ejbFailure(wire.EJBAppException, wire.FailureApplication, fmt.Sprintf("%T", application.Err), application.Err)
	case errors.Is(err, container.ErrAccessDenied):
		h.logger.Info("access denied",
			"remote_addr", s.remote,
			"deployment_id", request.DeploymentID,
			"method", request.Method,
		)
		return ejbFailure(wire.EJBAccessDenied, wire.FailureSecurity, "AccessDenied", err)
	case errors.Is(err, container.ErrNoSuchMethod):
		return ejbFailure(wire.EJBError, wire.FailureSystem, "NoSuchMethod", err)
	case errors.Is(err, container.ErrBadArguments):
		return ejbFailure(wire.EJBError, wire.FailureSystem, "BadArguments", err)
	case errors.As(err, &system):
		failureType := "SystemException"
		if system.Panic != nil {
			failureType = "Panic"
		}
		return ejbFailure(wire.EJBSysException, wire.FailureSystem, failureType, err)
	}
	return ejbFailure(wire.EJBError, wire.FailureSystem, "EJBException", err)
}

func ejbFailure(code wire.ResponseCode, kind wire.FailureKind, failureType string, err error) *wire.Response {
	return &wire.Response{
		Code:    code,
		Failure: &wire.Failure{Kind: kind, Type: failureType, Message: err.Error()},
	}
}
