// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes the server's Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ejbd"

// TransactionStats is a snapshot of the transaction manager counters.
type TransactionStats struct {
	Active     int
	Committed  uint64
	RolledBack uint64
	TimedOut   uint64
}

// Collector is a prometheus.Collector for the daemon, the protocol
// handler and the container.
type Collector struct {
	connectionsActive  prometheus.Gauge
	connectionsTotal   prometheus.Counter
	handlerPanics      prometheus.Counter
	requests           *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	authFailures       *prometheus.CounterVec

	transactionStats    func() TransactionStats
	transactionsActive  *prometheus.Desc
	transactionsOutcome *prometheus.Desc
}

// NewCollector returns a Collector. transactionStats may be nil.
func NewCollector(transactionStats func() TransactionStats) *Collector {
	return &Collector{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "The number of open client connections.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "The number of accepted client connections.",
		}),
		handlerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "The number of connection handlers that panicked.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "The number of requests served, by request type and response code.",
		}, []string{"type", "code"}),
		invocationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_duration_seconds",
			Help:      "The time taken by component method invocations.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"deployment_id"}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authentication_failures_total",
			Help:      "The number of rejected authentications.",
		}, []string{"reason"}),

		transactionStats: transactionStats,
		transactionsActive: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "transactions", "active"),
			"The number of active transactions.", nil, nil),
		transactionsOutcome: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "transactions", "completed_total"),
			"The number of completed transactions, by outcome.", []string{"outcome"}, nil),
	}
}

// ConnectionOpened records an accepted connection.
func (c *Collector) ConnectionOpened() {
	c.connectionsTotal.Inc()
	c.connectionsActive.Inc()
}

// ConnectionClosed records a finished connection.
func (c *Collector) ConnectionClosed() { c.connectionsActive.Dec() }

// HandlerPanicked records a recovered handler panic.
func (c *Collector) HandlerPanicked() { c.handlerPanics.Inc() }

// Request records one served request.
func (c *Collector) Request(requestType, code string) {
	c.requests.WithLabelValues(requestType, code).Inc()
}

// Invocation records the duration of one component invocation.
func (c *Collector) Invocation(deploymentID string, duration time.Duration) {
	c.invocationDuration.WithLabelValues(deploymentID).Observe(duration.Seconds())
}

// AuthenticationFailed records a rejected authentication.
func (c *Collector) AuthenticationFailed(reason string) {
	c.authFailures.WithLabelValues(reason).Inc()
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.connectionsActive.Describe(ch)
	c.connectionsTotal.Describe(ch)
	c.handlerPanics.Describe(ch)
	c.requests.Describe(ch)
	c.invocationDuration.Describe(ch)
	c.authFailures.Describe(ch)
	if c.transactionStats != nil {
		ch <- c.transactionsActive
		ch <- c.transactionsOutcome
	}
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.connectionsActive.Collect(ch)
	c.connectionsTotal.Collect(ch)
	c.handlerPanics.Collect(ch)
	c.requests.Collect(ch)
	c.invocationDuration.Collect(ch)
	c.authFailures.Collect(ch)
	if c.transactionStats == nil {
		return
	}
	stats := c.transactionStats()
	ch <- prometheus.MustNewConstMetric(c.transactionsActive, prometheus.GaugeValue, float64(stats.Active))
	ch <- prometheus.MustNewConstMetric(c.transactionsOutcome, prometheus.CounterValue, float64(stats.Committed), "committed")
	ch <- prometheus.MustNewConstMetric(c.transactionsOutcome, prometheus.CounterValue, float64(stats.RolledBack), "rolled_back")
	ch <- prometheus.MustNewConstMetric(c.transactionsOutcome, prometheus.CounterValue, float64(stats.TimedOut), "timed_out")
}
