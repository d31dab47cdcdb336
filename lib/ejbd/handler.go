// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package ejbd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/ejbd-project/ejbd/lib/clock"
	"github.com/ejbd-project/ejbd/lib/codec"
	"github.com/ejbd-project/ejbd/lib/container"
	"github.com/ejbd-project/ejbd/lib/naming"
	"github.com/ejbd-project/ejbd/lib/netutil"
	"github.com/ejbd-project/ejbd/lib/security"
	"github.com/ejbd-project/ejbd/lib/version"
	"github.com/ejbd-project/ejbd/lib/wire"
)

const (
	// DefaultIdleTimeout closes connections that send nothing for this
	// long.
	DefaultIdleTimeout = 2 * time.Minute

	// writeTimeout bounds writing one response.
	writeTimeout = 10 * time.Second
)

// Recorder receives one call per answered request.
type Recorder interface {
	Request(requestType, code string)
}

// Config configures a Handler.
type Config struct {
	Registry *container.Registry

	// Naming is the root of the server's naming tree.
	Naming *naming.Context

	Security *security.Service

	Wire wire.Options

	IdleTimeout time.Duration

	// Recorder is optional.
	Recorder Recorder

	Clock  clock.Clock
	Logger *slog.Logger
}

// Handler implements daemon.Handler for the ejbd protocol.
type Handler struct {
	registry    *container.Registry
	naming      *naming.Context
	security    *security.Service
	options     wire.Options
	idleTimeout time.Duration
	recorder    Recorder
	clock       clock.Clock
	logger      *slog.Logger
}

// NewHandler validates cfg and returns a Handler.
func NewHandler(cfg Config) (*Handler, error) {
	switch {
	case cfg.Registry == nil:
		return nil, errors.New("ejbd: Registry is required")
	case cfg.Naming == nil:
		return nil, errors.New("ejbd: Naming is required")
	case cfg.Security == nil:
		return nil, errors.New("ejbd: Security is required")
	}
	h := &Handler{
		registry:    cfg.Registry,
		naming:      cfg.Naming.Root(),
		security:    cfg.Security,
		options:     cfg.Wire,
		idleTimeout: cfg.IdleTimeout,
		recorder:    cfg.Recorder,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
	}
	if h.idleTimeout <= 0 {
		h.idleTimeout = DefaultIdleTimeout
	}
	if h.clock == nil {
		h.clock = clock.Real()
	}
	if h.logger == nil {
		h.logger = slog.New(slog.DiscardHandler)
	}
	return h, nil
}

// session is the per-connection state.
type session struct {
	conn   net.Conn
	wire   *wire.Conn
	remote string

	// token is the identity granted by the last successful Auth.
	token []byte
}

// ServeConn runs the protocol on conn until the peer disconnects, the
// connection idles out, a malformed frame arrives or ctx is done. The
// caller closes conn.
func (h *Handler) ServeConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	logger := h.logger.With("remote_addr", remote)

	reader := bufio.NewReader(conn)
	conn.SetDeadline(time.Now().Add(h.idleTimeout))
	if ctx.Err() != nil {
		return
	}
	peer, err := wire.ReadPreamble(reader)
	if err != nil {
		if !netutil.IsExpectedCloseError(err) {
			logger.Info("rejected connection", "error", err)
		}
		return
	}
	if err := wire.WritePreamble(conn, wire.Current); err != nil {
		logger.Debug("writing preamble", "error", err)
		return
	}
	if !wire.Current.Compatible(peer) {
		logger.Info("rejected connection", "error", &wire.VersionMismatchError{Local: wire.Current, Remote: peer})
		return
	}

	s := &session{
		conn:   conn,
		wire:   wire.NewConnReader(reader, conn, h.options),
		remote: remote,
	}
	for {
		// The daemon cancels ctx before it wakes readers, so a deadline
		// set here after that wake-up is caught by this check.
		conn.SetReadDeadline(time.Now().Add(h.idleTimeout))
		if ctx.Err() != nil {
			return
		}
		var request wire.Request
		if err := s.wire.Receive(&request); err != nil {
			switch {
			case netutil.IsExpectedCloseError(err), netutil.IsTimeout(err):
			case errors.Is(err, wire.ErrMalformedFrame), errors.Is(err, wire.ErrFrameTooLarge):
				logger.Info("closing connection after bad frame", "error", err)
				h.send(s, &wire.Response{
					Code:    wire.ProtocolError,
					Failure: &wire.Failure{Kind: wire.FailureProtocol, Message: err.Error()},
				}, "unknown")
			default:
				logger.Debug("reading request", "error", err)
			}
			return
		}

		response := h.dispatch(ctx, s, &request)
		response.ID = request.ID
		err := h.send(s, response, request.Type.String())
		if errors.Is(err, wire.ErrFrameTooLarge) {
			// Nothing was written, so the connection is still in step.
			logger.Warn("response exceeds the frame limit",
				"request_id", request.ID,
				"type", request.Type.String(),
				"error", err,
			)
			err = h.send(s, resultTooLarge(&request, err), request.Type.String())
		}
		if err != nil {
			logger.Debug("writing response", "request_id", request.ID, "error", err)
			return
		}
	}
}

// send writes response. A response over the frame limit is not written
// or recorded.
func (h *Handler) send(s *session, response *wire.Response, requestType string) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := s.wire.Send(response)
	if h.recorder != nil && !errors.Is(err, wire.ErrFrameTooLarge) {
		h.recorder.Request(requestType, response.Code.String())
	}
	return err
}

// resultTooLarge replaces a response that does not fit in one frame.
func resultTooLarge(request *wire.Request, err error) *wire.Response {
	var response *wire.Response
	switch request.Type {
	case wire.RequestJNDI:
		response = namingFailure(wire.JNDINamingError, "ResultTooLarge", err)
	case wire.RequestEJB:
		response = ejbFailure(wire.EJBSysException, wire.FailureSystem, "ResultTooLarge", err)
	default:
		response = &wire.Response{
			Code:    wire.ProtocolError,
			Failure: &wire.Failure{Kind: wire.FailureProtocol, Type: "ResultTooLarge", Message: err.Error()},
		}
	}
	response.ID = request.ID
	return response
}

func (h *Handler) dispatch(ctx context.Context, s *session, request *wire.Request) *wire.Response {
	switch request.Type {
	case wire.RequestPing:
		return &wire.Response{Code: wire.PingOK}
	case wire.RequestMetadata:
		return h.metadata()
	case wire.RequestAuth:
		return h.login(ctx, s, request)
	case wire.RequestLogout:
		return h.logout(s, request)
	}

	subject, err := h.authenticate(ctx, s, request)
	if err != nil {
		return authDenied(err)
	}
	ctx = security.NewContext(ctx, subject)

	switch {
	case request.Type == wire.RequestJNDI && request.JNDI != nil:
		return h.jndi(ctx, request.JNDI)
	case request.Type == wire.RequestEJB && request.EJB != nil:
		return h.invoke(ctx, s, request.EJB)
	}
	return &wire.Response{
		Code:    wire.ProtocolError,
		Failure: &wire.Failure{Kind: wire.FailureProtocol, Message: fmt.Sprintf("malformed %s request", request.Type)},
	}
}

func (h *Handler) metadata() *wire.Response {
	return &wire.Response{
		Code: wire.MetadataOK,
		Metadata: &wire.ServerMetadata{
			Version:     version.Info(),
			Protocol:    wire.Current.String(),
			Fingerprint: h.security.Fingerprint(),
			Realms:      h.security.Realms(),
			Anonymous:   h.security.AllowAnonymous(),
			ServerTime:  h.clock.Now(),
		},
	}
}

func (h *Handler) authenticate(ctx context.Context, s *session, request *wire.Request) (*security.Subject, error) {
	token := request.Token
	if len(token) == 0 && request.Credentials == nil {
		token = s.token
	}
	return h.security.Authenticate(ctx, token, credentials(request.Credentials))
}

func (h *Handler) login(ctx context.Context, s *session, request *wire.Request) *wire.Response {
	if request.Credentials == nil {
		return authDenied(security.ErrAuthenticationRequired)
	}
	granted, err := h.security.Login(ctx, *credentials(request.Credentials))
	if err != nil {
		return authDenied(err)
	}
	s.token = granted.Token
	return &wire.Response{
		Code: wire.AuthGranted,
		Auth: &wire.AuthResult{
			Token:   granted.Token,
			Subject: granted.Subject.Name,
			Realm:   granted.Subject.Realm,
			Groups:  granted.Subject.Groups,
			Expires: granted.Expires,
		},
	}
}

func (h *Handler) logout(s *session, request *wire.Request) *wire.Response {
	token := request.Token
	if len(token) == 0 {
		token = s.token
	}
	s.token = nil
	if len(token) == 0 {
		return &wire.Response{
			Code:    wire.LogoutFailed,
			Failure: &wire.Failure{Kind: wire.FailureSecurity, Type: "NotLoggedIn", Message: "no identity to log out"},
		}
	}
	if err := h.security.Logout(token); err != nil {
		return &wire.Response{
			Code:    wire.LogoutFailed,
			Failure: &wire.Failure{Kind: wire.FailureSecurity, Type: "InvalidToken", Message: err.Error()},
		}
	}
	return &wire.Response{Code: wire.LogoutOK}
}

func credentials(c *wire.Credentials) *security.Credentials {
	if c == nil {
		return nil
	}
	return &security.Credentials{Realm: c.Realm, Username: c.Username, Password: c.Password}
}

func authDenied(err error) *wire.Response {
	failureType := "AuthenticationFailed"
	if errors.Is(err, security.ErrAuthenticationRequired) {
		failureType = "AuthenticationRequired"
	}
	return &wire.Response{
		Code:    wire.AuthDenied,
		Failure: &wire.Failure{Kind: wire.FailureSecurity, Type: failureType, Message: err.Error()},
	}
}

// encode marshals a result value for the Result field.
func encode(value any) (codec.RawMessage, error) {
	if value == nil {
		return nil, nil
	}
	return codec.Marshal(value)
}
