// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ejbd-project/ejbd/lib/clock"
)

const (
	// DefaultHeartRate is how often a multipoint node announces its
	// services to each peer.
	DefaultHeartRate = 500 * time.Millisecond

	// DefaultMaxMissedHeartbeats is how many heartbeats a service may
	// miss before it is dropped.
	DefaultMaxMissedHeartbeats = 10
)

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	// Group scopes announcements; services of other groups are not
	// recorded.
	Group string

	HeartRate           time.Duration
	MaxMissedHeartbeats int

	// OnAdded and OnRemoved are called, outside the tracker's lock,
	// when a peer service first appears and when it expires.
	OnAdded   func(uri string)
	OnRemoved func(uri string)

	Clock  clock.Clock
	Logger *slog.Logger
}

// Tracker holds the services this node announces and the services
// heard from peers, each with the time it was last heard.
type Tracker struct {
	group     string
	heartRate time.Duration
	maxMissed int
	onAdded   func(string)
	onRemoved func(string)
	clock     clock.Clock
	logger    *slog.Logger

	mu         sync.Mutex
	registered []string
	heard      map[string]time.Time
}

// NewTracker returns an empty tracker.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Group == "" || strings.Contains(cfg.Group, ":") {
		return nil, errors.New("discovery: tracker Group is required and may not contain ':'")
	}
	t := &Tracker{
		group:     cfg.Group,
		heartRate: cfg.HeartRate,
		maxMissed: cfg.MaxMissedHeartbeats,
		onAdded:   cfg.OnAdded,
		onRemoved: cfg.OnRemoved,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		heard:     make(map[string]time.Time),
	}
	if t.heartRate <= 0 {
		t.heartRate = DefaultHeartRate
	}
	if t.maxMissed <= 0 {
		t.maxMissed = DefaultMaxMissedHeartbeats
	}
	if t.clock == nil {
		t.clock = clock.Real()
	}
	if t.logger == nil {
		t.logger = slog.New(slog.DiscardHandler)
	}
	return t, nil
}

// HeartRate returns the announcement interval.
func (t *Tracker) HeartRate() time.Duration { return t.heartRate }

// Register adds uri to the services this node announces.
func (t *Tracker) Register(uri string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !slices.Contains(t.registered, uri) {
		t.registered = append(t.registered, uri)
	}
}

// Unregister stops announcing uri.
func (t *Tracker) Unregister(uri string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.registered = slices.DeleteFunc(t.registered, func(s string) bool { return s == uri })
}

// Registered returns the services this node announces.
func (t *Tracker) Registered() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.registered)
}

// Services returns the peer services currently known, sorted.
func (t *Tracker) Services() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	services := make([]string, 0, len(t.heard))
	for uri := range t.heard {
		services = append(services, uri)
	}
	slices.Sort(services)
	return services
}

// heartbeat returns the messages announcing the registered services.
func (t *Tracker) heartbeat() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	messages := make([]string, len(t.registered))
	for i, uri := range t.registered {
		messages[i] = t.group + ":" + uri
	}
	return messages
}

// process records one heartbeat message from a peer.
func (t *Tracker) process(message string) {
	group, uri, ok := strings.Cut(message, ":")
	if !ok || group != t.group || uri == "" {
		return
	}
	t.mu.Lock()
	if slices.Contains(t.registered, uri) {
		t.mu.Unlock()
		return
	}
	_, known := t.heard[uri]
	t.heard[uri] = t.clock.Now()
	t.mu.Unlock()

	if !known {
		t.logger.Info("service discovered", "uri", uri)
		if t.onAdded != nil {
			t.onAdded(uri)
		}
	}
}

// expire drops services not heard for MaxMissedHeartbeats heartbeats.
func (t *Tracker) expire() {
	deadline := t.clock.Now().Add(-time.Duration(t.maxMissed) * t.heartRate)
	var expired []string
	t.mu.Lock()
	for uri, last := range t.heard {
		if last.Before(deadline) {
			delete(t.heard, uri)
			expired = append(expired, uri)
		}
	}
	t.mu.Unlock()

	slices.Sort(expired)
	for _, uri := range expired {
		t.logger.Info("service expired", "uri", uri)
		if t.onRemoved != nil {
			t.onRemoved(uri)
		}
	}
}
