// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/ejbd-project/ejbd/lib/netutil"
)

// defaultIgnore is never advertised; clients elsewhere cannot reach it.
var defaultIgnore = []string{"localhost", "::1", "127.0.0.1"}

// AgentConfig configures an Agent.
type AgentConfig struct {
	// Address is the multicast group and port; DefaultAddress when
	// empty.
	Address string

	// Interface names the network interface to join on.
	Interface string

	// Group is the discovery group the agent answers for.
	Group string

	// URIs are the services to advertise. They can be replaced with
	// SetURIs once listeners are bound.
	URIs []string

	// Ignore lists hosts, in addition to the loopback names, that are
	// never advertised.
	Ignore []string

	TTL int

	// Hosts lists this machine's names and addresses. localHosts when
	// nil.
	Hosts func() []string

	// OnBadURI is called when a client reports a host unreachable.
	OnBadURI func(host string)

	Logger *slog.Logger
}

// Agent answers client pulses for one group.
type Agent struct {
	address   string
	ifname    string
	group     string
	ttl       int
	listHosts func() []string
	onBadURI  func(string)
	logger    *slog.Logger

	mu           sync.Mutex
	uris         []string
	ignore       map[string]bool
	response     []byte
	loopbackOnly bool

	socket *groupSocket
	done   chan struct{}
}

// NewAgent returns an agent that is not yet listening.
func NewAgent(cfg AgentConfig) (*Agent, error) {
	if cfg.Group == "" {
		return nil, errors.New("discovery: Group is required")
	}
	if cfg.Group == AnyGroup || strings.ContainsAny(cfg.Group, ":|") {
		return nil, errors.New("discovery: Group may not be \"*\" or contain ':' or '|'")
	}
	agent := &Agent{
		address:   cfg.Address,
		ifname:    cfg.Interface,
		group:     cfg.Group,
		ttl:       cfg.TTL,
		listHosts: cfg.Hosts,
		onBadURI:  cfg.OnBadURI,
		logger:    cfg.Logger,
		ignore:    make(map[string]bool),
	}
	if agent.address == "" {
		agent.address = DefaultAddress
	}
	if agent.listHosts == nil {
		agent.listHosts = localHosts
	}
	if agent.logger == nil {
		agent.logger = slog.New(slog.DiscardHandler)
	}
	for _, host := range append(slices.Clone(defaultIgnore), cfg.Ignore...) {
		if host = strings.ToLower(strings.TrimSpace(host)); host != "" {
			agent.ignore[host] = true
		}
	}
	agent.SetURIs(cfg.URIs)
	return agent, nil
}

// SetURIs replaces the advertised services.
func (a *Agent) SetURIs(uris []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.uris = slices.Clone(uris)
	a.rebuildLocked()
}

// Ignored returns the hosts that are not advertised, sorted.
func (a *Agent) Ignored() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	hosts := make([]string, 0, len(a.ignore))
	for host := range a.ignore {
		hosts = append(hosts, host)
	}
	slices.Sort(hosts)
	return hosts
}

// Unignore advertises host again.
func (a *Agent) Unignore(host string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	host = strings.ToLower(host)
	if !a.ignore[host] {
		return false
	}
	delete(a.ignore, host)
	a.rebuildLocked()
	return true
}

// Response returns the packet the agent answers with.
func (a *Agent) Response() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.response
}

func (a *Agent) hostsLocked() []string {
	var hosts []string
	for _, host := range a.listHosts() {
		if !a.ignore[strings.ToLower(host)] && !slices.Contains(hosts, host) {
			hosts = append(hosts, host)
		}
	}
	sortHosts(hosts)
	return hosts
}

func (a *Agent) rebuildLocked() {
	a.loopbackOnly = true
	for _, uri := range a.uris {
		parsed, err := url.Parse(uri)
		if err != nil {
			continue
		}
		host := parsed.Hostname()
		if ip := net.ParseIP(host); (ip == nil && host != "localhost") || (ip != nil && !ip.IsLoopback()) {
			a.loopbackOnly = false
			break
		}
	}
	a.response = ServerPulse(a.group, a.uris, a.hostsLocked())
	if len(a.response) > MaxPacketSize {
		a.logger.Warn("discovery response exceeds the packet size clients read; add unreachable hosts to the ignore list",
			"size", len(a.response),
			"limit", MaxPacketSize,
		)
	}
}

// handle processes one received packet and returns the reply to send,
// or nil.
func (a *Agent) handle(packet []byte, from net.IP) []byte {
	group, badHost, ok := ParseClientPulse(packet)
	if !ok || (group != a.group && group != AnyGroup) {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if badHost != "" {
		badHost = strings.ToLower(badHost)
		if slices.Contains(a.hostsLocked(), badHost) && !a.ignore[badHost] {
			a.ignore[badHost] = true
			a.rebuildLocked()
			a.logger.Warn("client reported an unreachable host; it is no longer advertised",
				"host", badHost,
				"client", from.String(),
			)
			if a.onBadURI != nil {
				a.onBadURI(badHost)
			}
		}
		return nil
	}
	if a.loopbackOnly && from != nil && !isLocalAddress(from.String()) {
		a.logger.Debug("ignoring remote pulse; only loopback services are advertised", "client", from.String())
		return nil
	}
	a.logger.Debug("answering pulse", "client", from.String(), "group", group)
	return a.response
}

// Start joins the multicast group and answers pulses until Stop.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.socket != nil {
		return errors.New("discovery: agent already started")
	}
	socket, err := openGroup(ctx, a.address, a.ifname, a.ttl)
	if err != nil {
		return err
	}
	a.socket = socket
	a.done = make(chan struct{})
	go a.serve(socket, a.done)
	a.logger.Info("discovery agent listening", "address", a.address, "group", a.group)
	return nil
}

func (a *Agent) serve(socket *groupSocket, done chan struct{}) {
	defer close(done)
	buffer := make([]byte, MaxPacketSize)
	for {
		n, from, err := socket.receive(buffer)
		if err != nil {
			if !netutil.IsExpectedCloseError(err) {
				a.logger.Error("discovery receive failed", "error", err)
			}
			return
		}
		reply := a.handle(buffer[:n], from)
		if reply == nil {
			continue
		}
		if err := socket.send(reply); err != nil {
			a.logger.Warn("discovery reply failed", "error", err)
		}
	}
}

// Stop leaves the group and waits for the receive loop to exit.
func (a *Agent) Stop() error {
	a.mu.Lock()
	socket, done := a.socket, a.done
	a.socket = nil
	a.mu.Unlock()
	if socket == nil {
		return nil
	}
	err := socket.close()
	<-done
	return err
}
