// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for rctproxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values shared by the instrumented packages.
const (
	Upstream   = "upstream"
	Downstream = "downstream"

	CacheHit  = "hit"
	CacheMiss = "miss"

	AttemptSuccess = "success"
	AttemptFailure = "failure"
)

// Metrics holds all Prometheus metrics for rctproxy.
type Metrics struct {
	// Connection metrics
	DownstreamConnections prometheus.Gauge
	UpstreamConnected     prometheus.Gauge
	UpstreamAttempts      *prometheus.CounterVec
	BytesTotal            *prometheus.CounterVec
	WriteQueueDrops       *prometheus.CounterVec

	// Frame metrics
	FramesTotal     *prometheus.CounterVec
	MalformedFrames *prometheus.CounterVec

	// Cache and fan-out metrics
	CacheLookups       *prometheus.CounterVec
	FanOutDeliveries   prometheus.Counter
	DiscardedResponses prometheus.Counter
	PendingWaiters     prometheus.Gauge
}

// New creates a new Metrics instance registered with reg. A nil reg uses the
// default Prometheus registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "rctproxy"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		DownstreamConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "downstream_connections",
				Help:      "Number of currently connected downstream clients",
			},
		),
		UpstreamConnected: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "upstream_connected",
				Help:      "Whether the inverter connection is up (1) or down (0)",
			},
		),
		UpstreamAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_connect_attempts_total",
				Help:      "Total number of inverter connection attempts",
			},
			[]string{"result"},
		),
		BytesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "received_bytes_total",
				Help:      "Total number of bytes received",
			},
			[]string{"direction"},
		),
		WriteQueueDrops: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "write_queue_drops_total",
				Help:      "Connections closed because their write queue was full",
			},
			[]string{"direction"},
		),
		FramesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_total",
				Help:      "Total number of decoded frames",
			},
			[]string{"direction", "command"},
		),
		MalformedFrames: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "malformed_frames_total",
				Help:      "Total number of discarded malformed frames",
			},
			[]string{"direction", "reason"},
		),
		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Total number of response cache lookups for read requests",
			},
			[]string{"result"},
		),
		FanOutDeliveries: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fanout_deliveries_total",
				Help:      "Total number of responses written to waiting downstream clients",
			},
		),
		DiscardedResponses: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "discarded_responses_total",
				Help:      "Total number of inverter responses nobody was waiting for",
			},
		),
		PendingWaiters: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_waiters",
				Help:      "Number of downstream clients waiting for an inverter response",
			},
		),
	}
}

// ObserveFrame counts a decoded frame.
func (m *Metrics) ObserveFrame(direction, command string) {
	m.FramesTotal.WithLabelValues(direction, command).Inc()
}
