// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/absmach/rctproxy/pkg/errors"
	"github.com/absmach/rctproxy/pkg/frame"
	"github.com/absmach/rctproxy/pkg/metrics"
	"github.com/absmach/rctproxy/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultCacheAge is how long a cached response answers reads by default.
const DefaultCacheAge = 15 * time.Second

// Config holds the Manager configuration.
type Config struct {
	// CacheAge is the freshness window of cached responses.
	CacheAge time.Duration

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Metrics is optional; when nil metrics are kept on a private registry.
	Metrics *metrics.Metrics

	Logger *slog.Logger
}

// CachedEntry is the last response received for an id.
type CachedEntry struct {
	Timestamp time.Time
	Frame     *frame.Frame
}

// Stats is a snapshot of the Manager state.
type Stats struct {
	Downstream        int  `json:"downstream"`
	UpstreamConnected bool `json:"upstream_connected"`
	CachedIDs         int  `json:"cached_ids"`
	PendingIDs        int  `json:"pending_ids"`
	Waiters           int  `json:"waiters"`
}

// Manager owns the inverter connection, the downstream connections, the
// response cache and the downstream connections waiting on each id.
// All operations hold a single lock and never block on a peer.
type Manager struct {
	mu         sync.Mutex
	config     Config
	upstream   transport.Transport
	downstream map[string]transport.Transport
	cache      map[frame.ID]CachedEntry
	pending    map[frame.ID]map[string]struct{}
	waiters    int
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CacheAge <= 0 {
		cfg.CacheAge = DefaultCacheAge
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New("", prometheus.NewRegistry())
	}

	return &Manager{
		config:     cfg,
		downstream: make(map[string]transport.Transport),
		cache:      make(map[frame.ID]CachedEntry),
		pending:    make(map[frame.ID]map[string]struct{}),
	}
}

// RegisterDownstream adds a downstream connection.
func (m *Manager) RegisterDownstream(t transport.Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.downstream[t.ID()] = t
	m.config.Metrics.DownstreamConnections.Set(float64(len(m.downstream)))
}

// RemoveDownstream removes a downstream connection and withdraws it from
// every pending response.
func (m *Manager) RemoveDownstream(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.downstream, id)
	for _, waiting := range m.pending {
		if _, ok := waiting[id]; ok {
			delete(waiting, id)
			m.waiters--
		}
	}
	m.config.Metrics.DownstreamConnections.Set(float64(len(m.downstream)))
	m.config.Metrics.PendingWaiters.Set(float64(m.waiters))
}

// RegisterUpstream sets the inverter connection. Registering a second one
// before RemoveUpstream is a programming error and panics.
func (m *Manager) RegisterUpstream(t transport.Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.upstream != nil {
		panic("session: upstream already registered")
	}
	m.upstream = t
	m.config.Metrics.UpstreamConnected.Set(1)
}

// RemoveUpstream clears the inverter connection. Pending waiters are kept.
func (m *Manager) RemoveUpstream() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.upstream = nil
	m.config.Metrics.UpstreamConnected.Set(0)
}

// OnDownstreamFrame handles a frame from the downstream connection sender.
//
// A Read for an id with a fresh cached response is answered from the cache.
// Any other Read registers sender as a waiter and is forwarded. All other
// commands are forwarded as is. Forwarding without an inverter connection
// returns ErrUpstreamUnavailable.
func (m *Manager) OnDownstreamFrame(sender string, f *frame.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.config.Logger.Debug("[downstream] frame",
		slog.String("conn", sender),
		slog.String("raw", frame.Hex(f.Raw)))

	if f.Command == frame.Read {
		if entry, ok := m.cache[f.ID]; ok && m.config.Now().Sub(entry.Timestamp) < m.config.CacheAge {
			m.config.Metrics.CacheLookups.WithLabelValues(metrics.CacheHit).Inc()
			m.config.Logger.Debug("use cached response", slog.String("id", f.ID.String()))
			if t, ok := m.downstream[sender]; ok {
				m.send(t, entry.Frame.Raw)
			}
			return nil
		}
		m.config.Metrics.CacheLookups.WithLabelValues(metrics.CacheMiss).Inc()
	}

	if m.upstream == nil {
		return errors.ErrUpstreamUnavailable
	}

	if f.Command == frame.Read {
		waiting, ok := m.pending[f.ID]
		if !ok {
			waiting = make(map[string]struct{})
			m.pending[f.ID] = waiting
		}
		if _, ok := waiting[sender]; !ok {
			waiting[sender] = struct{}{}
			m.waiters++
			m.config.Metrics.PendingWaiters.Set(float64(m.waiters))
		}
	}

	if err := m.upstream.Write(f.Raw); err != nil {
		m.config.Logger.Warn("failed to forward frame upstream",
			slog.String("id", f.ID.String()),
			slog.String("error", err.Error()))
	}
	return nil
}

// OnUpstreamFrame handles a frame from the inverter. The frame replaces the
// cached response for its id and is written to every connection waiting on
// that id. Non-response frames return ErrProtocolViolation.
func (m *Manager) OnUpstreamFrame(f *frame.Frame) error {
	if !f.Command.IsResponse() {
		return fmt.Errorf("%w: %s frame from upstream", errors.ErrProtocolViolation, f.Command)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.config.Logger.Debug("[upstream] frame", slog.String("raw", frame.Hex(f.Raw)))

	m.cache[f.ID] = CachedEntry{Timestamp: m.config.Now(), Frame: f}

	waiting := m.pending[f.ID]
	delete(m.pending, f.ID)
	if len(waiting) == 0 {
		m.config.Metrics.DiscardedResponses.Inc()
		m.config.Logger.Debug("discard response", slog.String("raw", frame.Hex(f.Raw)))
		return nil
	}

	ids := make([]string, 0, len(waiting))
	for id := range waiting {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if t, ok := m.downstream[id]; ok {
			m.send(t, f.Raw)
			m.config.Metrics.FanOutDeliveries.Inc()
		}
	}
	m.waiters -= len(waiting)
	m.config.Metrics.PendingWaiters.Set(float64(m.waiters))
	return nil
}

// Stats returns a snapshot of the Manager state.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := 0
	for _, waiting := range m.pending {
		if len(waiting) > 0 {
			pending++
		}
	}
	return Stats{
		Downstream:        len(m.downstream),
		UpstreamConnected: m.upstream != nil,
		CachedIDs:         len(m.cache),
		PendingIDs:        pending,
		Waiters:           m.waiters,
	}
}

// PendingWaiters returns the sorted ids of the connections waiting on id.
func (m *Manager) PendingWaiters(id frame.ID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.pending[id]))
	for conn := range m.pending[id] {
		ids = append(ids, conn)
	}
	slices.Sort(ids)
	return ids
}

func (m *Manager) send(t transport.Transport, raw []byte) {
	if err := t.Write(raw); err != nil {
		m.config.Logger.Debug("failed to write downstream",
			slog.String("conn", t.ID()),
			slog.String("error", err.Error()))
	}
}
