// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

// Package daemon runs a listening socket and hands each accepted
// connection to a Handler on its own goroutine.
//
// The daemon bounds the number of connections served at once with a
// weighted semaphore: when every slot is taken it stops accepting, and
// new clients wait in the kernel backlog. A handler that panics takes
// down only its own connection. Stop interrupts idle reads, lets
// in-flight requests finish until the stop context expires, and then
// closes whatever is left.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ejbd-project/ejbd/lib/clock"
)

var (
	ErrAlreadyStarted = errors.New("daemon: already started")
	ErrNotStarted     = errors.New("daemon: not started")
)

// Handler serves one connection. The daemon closes the connection
// when ServeConn returns. ctx is cancelled when the daemon stops.
type Handler interface {
	ServeConn(ctx context.Context, conn net.Conn)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conn net.Conn)

func (f HandlerFunc) ServeConn(ctx context.Context, conn net.Conn) { f(ctx, conn) }

// Observer receives connection events, typically for metrics.
type Observer interface {
	ConnectionOpened()
	ConnectionClosed()
	HandlerPanicked()
}

// Config configures New.
type Config struct {
	// Name labels log records, e.g. "ejbd".
	Name string

	// Network is "tcp" or "unix".
	Network string

	// Address is host:port for tcp (port 0 picks an ephemeral port)
	// or a socket path for unix.
	Address string

	// MaxConnections bounds concurrently served connections. Zero
	// means DefaultMaxConnections.
	MaxConnections int64

	Handler  Handler
	Observer Observer
	Clock    clock.Clock
	Logger   *slog.Logger
}

// DefaultMaxConnections applies when Config.MaxConnections is zero.
const DefaultMaxConnections = 256

// acceptBackoff is the pause after a failed Accept.
const acceptBackoff = 50 * time.Millisecond

// Daemon is a listening service.
type Daemon struct {
	name     string
	network  string
	address  string
	handler  Handler
	observer Observer
	clock    clock.Clock
	logger   *slog.Logger
	slots    *semaphore.Weighted

	mu         sync.Mutex
	listener   net.Listener
	cancel     context.CancelFunc
	acceptDone chan struct{}
	conns      map[net.Conn]struct{}
	handlers   sync.WaitGroup
}

// New validates cfg and returns a stopped daemon.
func New(cfg Config) (*Daemon, error) {
	if cfg.Handler == nil {
		return nil, errors.New("daemon: Handler is required")
	}
	switch cfg.Network {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return nil, fmt.Errorf("daemon: unsupported network %q", cfg.Network)
	}
	if cfg.Address == "" {
		return nil, errors.New("daemon: Address is required")
	}
	maxConnections := cfg.MaxConnections
	if maxConnections <= 0 {
		maxConnections = DefaultMaxConnections
	}
	d := &Daemon{
		name:     cfg.Name,
		network:  cfg.Network,
		address:  cfg.Address,
		handler:  cfg.Handler,
		observer: cfg.Observer,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		slots:    semaphore.NewWeighted(maxConnections),
		conns:    make(map[net.Conn]struct{}),
	}
	if d.name == "" {
		d.name = "daemon"
	}
	if d.clock == nil {
		d.clock = clock.Real()
	}
	if d.logger == nil {
		d.logger = slog.New(slog.DiscardHandler)
	}
	d.logger = d.logger.With("daemon", d.name)
	return d, nil
}

// Start listens and begins accepting connections. The daemon runs
// until Stop; cancelling ctx after Start returns has no effect.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener != nil {
		return ErrAlreadyStarted
	}
	if d.network == "unix" {
		if err := os.Remove(d.address); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing stale socket %s: %w", d.address, err)
		}
	}
	var listenConfig net.ListenConfig
	listener, err := listenConfig.Listen(ctx, d.network, d.address)
	if err != nil {
		return fmt.Errorf("daemon %s: listening on %s %s: %w", d.name, d.network, d.address, err)
	}

	serveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.listener = listener
	d.cancel = cancel
	d.acceptDone = make(chan struct{})
	go d.acceptLoop(serveCtx, listener, d.acceptDone)

	d.logger.Info("daemon started", "network", d.network, "address", listener.Addr().String())
	return nil
}

// Addr returns the listening address, or nil when stopped.
func (d *Daemon) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

// Port returns the TCP port the daemon listens on, or 0 when stopped
// or listening on a Unix socket.
func (d *Daemon) Port() int {
	if addr, ok := d.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// ActiveConnections returns the number of connections being served.
func (d *Daemon) ActiveConnections() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *Daemon) acceptLoop(ctx context.Context, listener net.Listener, done chan<- struct{}) {
	defer close(done)
	for {
		if err := d.slots.Acquire(ctx, 1); err != nil {
			return
		}
		conn, err := listener.Accept()
		if err != nil {
			d.slots.Release(1)
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			d.logger.Warn("accept failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-d.clock.After(acceptBackoff):
			}
			continue
		}

		d.mu.Lock()
		d.conns[conn] = struct{}{}
		d.handlers.Add(1)
		d.mu.Unlock()
		go d.serve(ctx, conn)
	}
}

func (d *Daemon) serve(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	if d.observer != nil {
		d.observer.ConnectionOpened()
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			d.logger.Error("connection handler panicked",
				"remote_addr", remote,
				"panic", fmt.Sprint(recovered),
				"stack", string(debug.Stack()),
			)
			if d.observer != nil {
				d.observer.HandlerPanicked()
			}
		}
		conn.Close()
		d.mu.Lock()
		delete(d.conns, conn)
		d.mu.Unlock()
		if d.observer != nil {
			d.observer.ConnectionClosed()
		}
		d.slots.Release(1)
		d.handlers.Done()
	}()

	d.logger.Debug("connection accepted", "remote_addr", remote)
	d.handler.ServeConn(ctx, conn)
}

// Stop closes the listener, cancels handler contexts and wakes idle
// readers. It waits for handlers to return until ctx is done, then
// closes the remaining connections and returns ctx.Err().
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	listener, cancel, acceptDone := d.listener, d.cancel, d.acceptDone
	d.listener, d.cancel = nil, nil
	d.mu.Unlock()
	if listener == nil {
		return ErrNotStarted
	}

	listener.Close()
	cancel()
	<-acceptDone

	d.mu.Lock()
	for conn := range d.conns {
		conn.SetReadDeadline(time.Now())
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.handlers.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		d.mu.Lock()
		for conn := range d.conns {
			conn.Close()
		}
		d.mu.Unlock()
		<-done
		err = ctx.Err()
	}

	if d.network == "unix" {
		os.Remove(d.address)
	}
	d.logger.Info("daemon stopped")
	return err
}
