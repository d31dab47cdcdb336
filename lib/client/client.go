// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ejbd-project/ejbd/lib/wire"
)

const (
	DefaultDialTimeout    = 5 * time.Second
	DefaultRequestTimeout = 30 * time.Second
)

// Credentials authenticate against a realm of the server. An empty
// Realm selects the server's default realm.
type Credentials struct {
	Realm    string
	Username string
	Password string
}

// Config configures a Client.
type Config struct {
	// Network is "tcp" (the default) or "unix".
	Network string
	Address string

	// Credentials, when set, are used to log in during Dial.
	Credentials *Credentials

	Wire wire.Options

	DialTimeout    time.Duration
	RequestTimeout time.Duration

	Logger *slog.Logger
}

// ParseURI splits an ejbd URI into a network and address.
// "ejbd://host:port" is TCP and "ejbd+unix:///path/to/socket" is a
// Unix socket. A bare "host:port" is accepted as TCP.
func ParseURI(uri string) (network, address string, err error) {
	if !strings.Contains(uri, "://") {
		return "tcp", uri, nil
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("client: parsing %q: %w", uri, err)
	}
	switch parsed.Scheme {
	case "ejbd":
		if parsed.Host == "" {
			return "", "", fmt.Errorf("client: %q has no host", uri)
		}
		return "tcp", parsed.Host, nil
	case "ejbd+unix":
		if parsed.Path == "" {
			return "", "", fmt.Errorf("client: %q has no socket path", uri)
		}
		return "unix", parsed.Path, nil
	}
	return "", "", fmt.Errorf("client: unsupported scheme %q in %q", parsed.Scheme, uri)
}

// Client is a connection to one server. It is safe for concurrent use;
// requests are serialized.
type Client struct {
	config Config
	logger *slog.Logger

	mu     sync.Mutex
	conn   net.Conn
	wire   *wire.Conn
	nextID uint64
	token  []byte
	closed bool
}

// Dial connects to the server and completes the protocol handshake.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.Address == "" {
		return nil, errors.New("client: Address is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Client{config: cfg, logger: logger}

	c.mu.Lock()
	err := c.connectLocked(ctx)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if cfg.Credentials != nil {
		if _, err := c.Login(ctx, *cfg.Credentials); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

// DialURI is Dial for an address given as an ejbd URI.
func DialURI(ctx context.Context, uri string, cfg Config) (*Client, error) {
	network, address, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	cfg.Network, cfg.Address = network, address
	return Dial(ctx, cfg)
}

// Address returns the server address.
func (c *Client) Address() string { return c.config.Address }

func (c *Client) connectLocked(ctx context.Context) error {
	dialer := net.Dialer{Timeout: c.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, c.config.Network, c.config.Address)
	if err != nil {
		return fmt.Errorf("client: connecting to %s: %w", c.config.Address, err)
	}
	conn.SetDeadline(time.Now().Add(c.config.DialTimeout))
	if err := wire.WritePreamble(conn, wire.Current); err != nil {
		conn.Close()
		return fmt.Errorf("client: handshake with %s: %w", c.config.Address, err)
	}
	peer, err := wire.ReadPreamble(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("client: handshake with %s: %w", c.config.Address, err)
	}
	if !wire.Current.Compatible(peer) {
		conn.Close()
		return &wire.VersionMismatchError{Local: wire.Current, Remote: peer}
	}
	conn.SetDeadline(time.Time{})
	c.conn = conn
	c.wire = wire.NewConn(conn, c.config.Wire)
	c.logger.Debug("connected", "address", c.config.Address, "protocol", peer.String())
	return nil
}

// Close closes the connection. Later requests fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.dropLocked()
}

func (c *Client) dropLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn, c.wire = nil, nil
	return err
}

// roundTrip sends request, with the client's token unless it carries
// its own identity, and returns the response. Transport failures drop
// the connection so the next request reconnects.
func (c *Client) roundTrip(ctx context.Context, request *wire.Request) (*wire.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.conn == nil {
		if err := c.connectLocked(ctx); err != nil {
			return nil, err
		}
	}
	if request.Token == nil && request.Credentials == nil {
		request.Token = c.token
	}
	c.nextID++
	request.ID = c.nextID

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.config.RequestTimeout)
	}
	conn := c.conn
	conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	response, err := c.exchangeLocked(request)
	if err != nil {
		c.dropLocked()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("client: %s request to %s: %w", request.Type, c.config.Address, err)
	}
	return response, nil
}

func (c *Client) exchangeLocked(request *wire.Request) (*wire.Response, error) {
	if err := c.wire.Send(request); err != nil {
		return nil, err
	}
	var response wire.Response
	if err := c.wire.Receive(&response); err != nil {
		return nil, err
	}
	if response.ID != request.ID {
		return nil, fmt.Errorf("%w: response %d to request %d", ErrProtocol, response.ID, request.ID)
	}
	if response.Code == wire.ProtocolError {
		return nil, failureOf(&response, "")
	}
	return &response, nil
}

// Ping checks that the server answers.
func (c *Client) Ping(ctx context.Context) error {
	response, err := c.roundTrip(ctx, &wire.Request{Type: wire.RequestPing})
	if err != nil {
		return err
	}
	if response.Code != wire.PingOK {
		return failureOf(response, "")
	}
	return nil
}

// Metadata returns the server's version, fingerprint and realms.
func (c *Client) Metadata(ctx context.Context) (*wire.ServerMetadata, error) {
	response, err := c.roundTrip(ctx, &wire.Request{Type: wire.RequestMetadata})
	if err != nil {
		return nil, err
	}
	if response.Code != wire.MetadataOK || response.Metadata == nil {
		return nil, failureOf(response, "")
	}
	return response.Metadata, nil
}

// Login authenticates and keeps the granted token for later requests.
func (c *Client) Login(ctx context.Context, credentials Credentials) (*wire.AuthResult, error) {
	response, err := c.roundTrip(ctx, &wire.Request{
		Type: wire.RequestAuth,
		Credentials: &wire.Credentials{
			Realm:    credentials.Realm,
			Username: credentials.Username,
			Password: credentials.Password,
		},
	})
	if err != nil {
		return nil, err
	}
	if response.Code != wire.AuthGranted || response.Auth == nil {
		return nil, failureOf(response, "")
	}
	c.mu.Lock()
	c.token = response.Auth.Token
	c.mu.Unlock()
	return response.Auth, nil
}

// Logout revokes the client's token. The client continues as the
// anonymous subject.
func (c *Client) Logout(ctx context.Context) error {
	response, err := c.roundTrip(ctx, &wire.Request{Type: wire.RequestLogout})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()
	if response.Code != wire.LogoutOK {
		return failureOf(response, "")
	}
	return nil
}

// Token returns the identity token from the last Login, or nil.
func (c *Client) Token() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}
