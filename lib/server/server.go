// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ejbd-project/ejbd/lib/clock"
	"github.com/ejbd-project/ejbd/lib/config"
	"github.com/ejbd-project/ejbd/lib/container"
	"github.com/ejbd-project/ejbd/lib/daemon"
	"github.com/ejbd-project/ejbd/lib/discovery"
	"github.com/ejbd-project/ejbd/lib/ejbd"
	"github.com/ejbd-project/ejbd/lib/metrics"
	"github.com/ejbd-project/ejbd/lib/naming"
	"github.com/ejbd-project/ejbd/lib/resource"
	"github.com/ejbd-project/ejbd/lib/sealed"
	"github.com/ejbd-project/ejbd/lib/security"
	"github.com/ejbd-project/ejbd/lib/transaction"
	"github.com/ejbd-project/ejbd/lib/wire"
)

// blacklistCleanupInterval is how often expired logouts are dropped.
const blacklistCleanupInterval = time.Minute

var (
	ErrStarted = errors.New("server: already started")
	ErrStopped = errors.New("server: stopped")
)

// Options carries what the configuration file does not.
type Options struct {
	// Admin deploys the administration component.
	Admin bool

	Clock  clock.Clock
	Logger *slog.Logger
}

// Server is one ejbd server.
type Server struct {
	config *config.Config
	clock  clock.Clock
	logger *slog.Logger

	root    *naming.Context
	openejb *naming.Context

	transactions *transaction.Manager
	registry     *container.Registry
	binder       *container.Binder
	resources    *resource.Manager
	security     *security.Service
	keypair      *security.Keypair
	metrics      *metrics.Collector
	handler      *ejbd.Handler
	daemon       *daemon.Daemon
	closers      []io.Closer

	mu         sync.Mutex
	agent      *discovery.Agent
	multipoint *discovery.Multipoint
	cancel     context.CancelFunc
	workers    sync.WaitGroup
	started    bool
	stopped    bool
}

// New builds a server from cfg. Nothing listens until Start.
func New(cfg *config.Config, options Options) (server *Server, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("server: invalid configuration: %w", err)
	}
	s := &Server{
		config: cfg,
		clock:  options.Clock,
		logger: options.Logger,
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	defer func() {
		if err != nil {
			s.release()
		}
	}()

	s.transactions = transaction.NewManager(s.clock, cfg.Transactions.DefaultTimeout, s.logger.With("component", "transactions"))
	s.metrics = metrics.NewCollector(func() metrics.TransactionStats {
		stats := s.transactions.Stats()
		return metrics.TransactionStats{
			Active:     stats.Active,
			Committed:  stats.Committed,
			RolledBack: stats.RolledBack,
			TimedOut:   stats.TimedOut,
		}
	})
	s.registry = container.NewRegistry(container.RegistryConfig{
		Transactions: s.transactions,
		Clock:        s.clock,
		Logger:       s.logger.With("component", "container"),
		Observe: func(invocation container.Invocation) {
			s.metrics.Invocation(invocation.DeploymentID, invocation.Duration)
		},
	})

	if err := s.buildNaming(); err != nil {
		return nil, err
	}
	s.binder, err = container.NewBinder(s.openejb, s.registry, container.BinderConfig{
		Format:          cfg.Naming.JNDINameFormat,
		FailOnCollision: cfg.Naming.FailOnCollision,
		Logger:          s.logger.With("component", "jndi"),
	})
	if err != nil {
		return nil, err
	}
	if err := s.loadResources(); err != nil {
		return nil, err
	}
	if err := s.buildSecurity(); err != nil {
		return nil, err
	}

	compression, err := wire.ParseCompression(cfg.Server.Compression)
	if err != nil {
		return nil, err
	}
	s.handler, err = ejbd.NewHandler(ejbd.Config{
		Registry: s.registry,
		Naming:   s.root,
		Security: s.security,
		Wire: wire.Options{
			MaxFrameSize:         cfg.Server.MaxFrameSize,
			Compression:          compression,
			CompressionThreshold: cfg.Server.CompressionThreshold,
		},
		IdleTimeout: cfg.Server.IdleTimeout,
		Recorder:    s.metrics,
		Clock:       s.clock,
		Logger:      s.logger.With("component", "ejbd"),
	})
	if err != nil {
		return nil, err
	}
	s.daemon, err = daemon.New(daemon.Config{
		Name:           "ejbd",
		Network:        cfg.Server.Network,
		Address:        cfg.Server.Address,
		MaxConnections: int64(cfg.Server.MaxConnections),
		Handler:        s.handler,
		Observer:       s.metrics,
		Clock:          s.clock,
		Logger:         s.logger.With("component", "daemon"),
	})
	if err != nil {
		return nil, err
	}

	if options.Admin {
		if err := s.Deploy(adminDeployment(s)); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Server) buildNaming() error {
	s.root = naming.New(naming.Options{})
	openejb, err := s.root.CreateSubcontext(naming.OpenEJB)
	if err != nil {
		return err
	}
	s.openejb = openejb
	for _, name := range []string{"Deployment", "local", "remote", "global/global", "Resource", "WebService"} {
		if _, err := openejb.CreateSubcontext(name); err != nil {
			return fmt.Errorf("server: creating %s: %w", name, err)
		}
	}

	if err := openejb.Bind("UserTransaction", transaction.NewUserTransaction(s.transactions)); err != nil {
		return err
	}
	if err := s.root.Bind("java:comp/UserTransaction", naming.NewReference(naming.KindUserTransaction)); err != nil {
		return err
	}
	for name, value := range s.config.EnvEntries {
		if err := s.root.Bind("java:comp/env/"+name, value); err != nil {
			return fmt.Errorf("server: binding env entry %s: %w", name, err)
		}
	}
	for name, target := range s.config.Links {
		bindName := name
		if !naming.HasScheme(name) {
			bindName = naming.OpenEJB + ":" + naming.Join("remote", name)
		}
		if !naming.HasScheme(target) {
			target = naming.OpenEJB + ":" + naming.Join("remote", target)
		}
		if err := s.root.Bind(bindName, &naming.Link{Name: target}); err != nil {
			return fmt.Errorf("server: binding link %s: %w", name, err)
		}
	}
	return nil
}

func (s *Server) loadResources() error {
	s.resources = resource.NewManager(s.logger.With("component", "resources"))
	s.closers = append(s.closers, s.resources)

	var identity *sealed.Keypair
	if path := s.config.Resources.IdentityFile; path != "" {
		loaded, err := sealed.LoadIdentity(path)
		if err != nil {
			return fmt.Errorf("server: loading resource identity: %w", err)
		}
		defer loaded.Close()
		identity = loaded
	}
	if err := s.resources.Load(s.config.Resources.Definitions, identity); err != nil {
		return err
	}
	return s.resources.Bind(s.openejb)
}

func (s *Server) buildSecurity() error {
	cfg := s.config.Security
	var realms []security.Realm
	for _, realmConfig := range cfg.Realms {
		switch realmConfig.Type {
		case "file":
			realm, err := security.LoadFileRealm(realmConfig.Name, realmConfig.Path)
			if err != nil {
				return fmt.Errorf("server: realm %s: %w", realmConfig.Name, err)
			}
			realms = append(realms, realm)
		case "sql":
			realm, err := security.OpenSQLRealm(realmConfig.Name, realmConfig.Path, s.logger.With("realm", realmConfig.Name))
			if err != nil {
				return fmt.Errorf("server: realm %s: %w", realmConfig.Name, err)
			}
			s.closers = append(s.closers, realm)
			realms = append(realms, realm)
		}
	}

	keypair, generated, err := security.LoadOrGenerateKeypair(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("server: token signing key: %w", err)
	}
	s.keypair = keypair
	s.closers = append(s.closers, keypair)
	if generated {
		s.logger.Info("generated token signing key", "state_dir", cfg.StateDir, "fingerprint", keypair.Fingerprint())
	}

	s.security, err = security.NewService(security.ServiceConfig{
		Realms:         realms,
		DefaultRealm:   cfg.DefaultRealm,
		Keypair:        keypair,
		Audience:       keypair.Fingerprint(),
		TokenTTL:       cfg.TokenTTL,
		AllowAnonymous: cfg.Anonymous(),
		Clock:          s.clock,
		Logger:         s.logger.With("component", "security"),
		OnFailure:      s.metrics.AuthenticationFailed,
	})
	return err
}

// Deploy validates d, registers its views and binds their names.
func (s *Server) Deploy(d *container.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	components, err := s.registry.Deploy(d)
	if err != nil {
		return err
	}
	readOnly := s.root.ReadOnly()
	s.root.SetReadOnly(false)
	defer s.root.SetReadOnly(readOnly)
	if err := s.binder.Bind(components); err != nil {
		s.registry.Undeploy(d.ID)
		return err
	}
	s.logger.Info("deployed",
		"deployment_id", d.ID,
		"type", d.Type.String(),
		"views", len(d.Views),
	)
	return nil
}

// Undeploy unbinds and removes a deployment.
func (s *Server) Undeploy(deploymentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	readOnly := s.root.ReadOnly()
	s.root.SetReadOnly(false)
	defer s.root.SetReadOnly(readOnly)
	unbindErr := s.binder.Unbind(deploymentID)
	if err := s.registry.Undeploy(deploymentID); err != nil {
		return err
	}
	s.logger.Info("undeployed", "deployment_id", deploymentID)
	return unbindErr
}

// Start listens and, when configured, starts the discovery agent.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.stopped:
		return ErrStopped
	case s.started:
		return ErrStarted
	}
	if err := s.daemon.Start(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.workers.Go(func() { s.security.RunCleanup(runCtx, blacklistCleanupInterval) })

	if s.config.Discovery.Enabled {
		agent, err := s.startDiscovery(runCtx)
		if err != nil {
			cancel()
			s.daemon.Stop(ctx)
			return err
		}
		s.agent = agent
	}
	if s.config.Discovery.Multipoint.Enabled {
		multipoint, err := s.startMultipoint(runCtx)
		if err != nil {
			if s.agent != nil {
				s.agent.Stop()
				s.agent = nil
			}
			cancel()
			s.daemon.Stop(ctx)
			return err
		}
		s.multipoint = multipoint
	}
	if s.config.Naming.ReadOnly {
		s.root.SetReadOnly(true)
	}
	s.started = true
	s.logger.Info("ejbd started",
		"address", s.daemon.Addr().String(),
		"fingerprint", s.security.Fingerprint(),
		"deployments", len(s.registry.Deployments()),
	)
	return nil
}

// announced returns the URIs discovery advertises for this server.
func (s *Server) announced() ([]string, error) {
	if uris := s.config.Discovery.URIs; len(uris) > 0 {
		return uris, nil
	}
	uri, err := s.uri()
	if err != nil {
		return nil, err
	}
	return []string{uri}, nil
}

func (s *Server) startDiscovery(ctx context.Context) (*discovery.Agent, error) {
	cfg := s.config.Discovery
	uris, err := s.announced()
	if err != nil {
		return nil, err
	}
	agent, err := discovery.NewAgent(discovery.AgentConfig{
		Address:   cfg.Address,
		Interface: cfg.Interface,
		Group:     cfg.Group,
		URIs:      uris,
		Ignore:    cfg.Ignore,
		Logger:    s.logger.With("component", "discovery"),
	})
	if err != nil {
		return nil, err
	}
	if err := agent.Start(ctx); err != nil {
		return nil, err
	}
	return agent, nil
}

func (s *Server) startMultipoint(ctx context.Context) (*discovery.Multipoint, error) {
	cfg := s.config.Discovery.Multipoint
	uris, err := s.announced()
	if err != nil {
		return nil, err
	}
	logger := s.logger.With("component", "multipoint")
	tracker, err := discovery.NewTracker(discovery.TrackerConfig{
		Group:               s.config.Discovery.Group,
		HeartRate:           cfg.HeartRate,
		MaxMissedHeartbeats: cfg.MaxMissedHeartbeats,
		Clock:               s.clock,
		Logger:              logger,
	})
	if err != nil {
		return nil, err
	}
	for _, uri := range uris {
		tracker.Register(uri)
	}
	multipoint, err := discovery.NewMultipoint(discovery.MultipointConfig{
		Address:        cfg.Address,
		AdvertiseHost:  cfg.AdvertiseHost,
		Roots:          cfg.InitialServers,
		ReconnectDelay: cfg.ReconnectDelay,
		Tracker:        tracker,
		Clock:          s.clock,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	if err := multipoint.Start(ctx); err != nil {
		return nil, err
	}
	return multipoint, nil
}

// uri is the address clients use, as an ejbd URI.
func (s *Server) uri() (string, error) {
	addr := s.daemon.Addr()
	if addr == nil {
		return "", errors.New("server: not listening")
	}
	if s.config.Server.Network == "unix" {
		return "ejbd+unix://" + addr.String(), nil
	}
	return "ejbd://" + addr.String(), nil
}

// URI returns the ejbd URI of the listening socket, or "" before Start.
func (s *Server) URI() string {
	uri, _ := s.uri()
	return uri
}

// Stop stops serving, waits for in-flight requests within ctx, and
// releases resources, realms and keys. A stopped server cannot be
// restarted.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true

	var errs []error
	if s.agent != nil {
		errs = append(errs, s.agent.Stop())
	}
	if s.multipoint != nil {
		errs = append(errs, s.multipoint.Stop())
	}
	if s.started {
		errs = append(errs, s.daemon.Stop(ctx))
		s.cancel()
		s.workers.Wait()
	}
	errs = append(errs, s.release())
	s.logger.Info("ejbd stopped")
	return errors.Join(errs...)
}

func (s *Server) release() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i].Close())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr { return s.daemon.Addr() }

// Port returns the TCP port the server listens on, or 0.
func (s *Server) Port() int { return s.daemon.Port() }

// Naming returns the root of the naming tree.
func (s *Server) Naming() *naming.Context { return s.root }

// Registry returns the container registry.
func (s *Server) Registry() *container.Registry { return s.registry }

// Binder returns the JNDI binder.
func (s *Server) Binder() *container.Binder { return s.binder }

// Security returns the security service.
func (s *Server) Security() *security.Service { return s.security }

// Resources returns the resource manager.
func (s *Server) Resources() *resource.Manager { return s.resources }

// Metrics returns the collector to register with Prometheus.
func (s *Server) Metrics() *metrics.Collector { return s.metrics }

// Multipoint returns the discovery mesh node, or nil when the mesh is
// not enabled or the server has not started.
func (s *Server) Multipoint() *discovery.Multipoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.multipoint
}

// Transactions returns the transaction manager.
func (s *Server) Transactions() *transaction.Manager { return s.transactions }
