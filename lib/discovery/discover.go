// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"context"
	"log/slog"
	"net"
	"net/url"
	"slices"
	"time"

	"github.com/ejbd-project/ejbd/lib/clock"
)

// DefaultPulseInterval is how often Discover repeats its request.
const DefaultPulseInterval = 250 * time.Millisecond

// Service is one URI found by Discover.
type Service struct {
	URI   string
	Group string

	// Server is the address the answering pulse came from.
	Server string
}

// DiscoverConfig configures Discover.
type DiscoverConfig struct {
	Address   string
	Interface string

	// Group to ask for; AnyGroup when empty.
	Group string

	// Schemes filters the returned URIs; all schemes when empty.
	Schemes []string

	Interval time.Duration
	TTL      int

	Clock  clock.Clock
	Logger *slog.Logger
}

func (cfg *DiscoverConfig) defaults() {
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	if cfg.Group == "" {
		cfg.Group = AnyGroup
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPulseInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
}

// Discover pulses the group until ctx is done and returns the services
// that answered, sorted by URI. It returns an error only when the
// group cannot be joined.
func Discover(ctx context.Context, cfg DiscoverConfig) ([]Service, error) {
	cfg.defaults()
	socket, err := openGroup(ctx, cfg.Address, cfg.Interface, cfg.TTL)
	if err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() { socket.close() })
	defer stop()

	go func() {
		pulse := ClientPulse(cfg.Group, "")
		for {
			if err := socket.send(pulse); err != nil {
				cfg.Logger.Debug("sending pulse", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-cfg.Clock.After(cfg.Interval):
			}
		}
	}()

	collector := newCollector(cfg.Group, cfg.Schemes)
	buffer := make([]byte, MaxPacketSize)
	for {
		n, from, err := socket.receive(buffer)
		if err != nil {
			break
		}
		collector.add(buffer[:n], from)
	}
	socket.close()
	return collector.services(), nil
}

// ReportBadHost tells the agents of group that host cannot be reached.
func ReportBadHost(ctx context.Context, cfg DiscoverConfig, host string) error {
	cfg.defaults()
	socket, err := openGroup(ctx, cfg.Address, cfg.Interface, cfg.TTL)
	if err != nil {
		return err
	}
	defer socket.close()
	return socket.send(ClientPulse(cfg.Group, host))
}

// collector accumulates services from server pulses.
type collector struct {
	group   string
	schemes []string
	found   map[string]Service
}

func newCollector(group string, schemes []string) *collector {
	return &collector{group: group, schemes: schemes, found: make(map[string]Service)}
}

func (c *collector) add(packet []byte, from net.IP) {
	group, uris, hosts, ok := ParseServerPulse(packet)
	if !ok || (c.group != AnyGroup && group != c.group) {
		return
	}
	server := ""
	if from != nil {
		server = from.String()
	}
	for _, uri := range uris {
		parsed, err := url.Parse(uri)
		if err != nil {
			continue
		}
		if len(c.schemes) > 0 && !slices.Contains(c.schemes, parsed.Scheme) {
			continue
		}
		// A loopback service is only reachable from the server's own
		// machine.
		if isLoopbackHost(parsed.Hostname()) && server != "" && !isLocalAddress(server) {
			continue
		}
		for _, expanded := range expandURI(uri, hosts) {
			if _, seen := c.found[expanded]; !seen {
				c.found[expanded] = Service{URI: expanded, Group: group, Server: server}
			}
		}
	}
}

func (c *collector) services() []Service {
	services := make([]Service, 0, len(c.found))
	for _, service := range c.found {
		services = append(services, service)
	}
	slices.SortFunc(services, func(a, b Service) int {
		switch {
		case a.URI < b.URI:
			return -1
		case a.URI > b.URI:
			return 1
		}
		return 0
	})
	return services
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
