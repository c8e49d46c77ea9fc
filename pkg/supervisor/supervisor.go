// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package supervisor keeps the inverter connection alive.
//
// The Supervisor is a two state machine that runs for the lifetime of the
// process, independently of the downstream listeners:
//
//	CONNECTING ──dial ok──► CONNECTED
//	    ▲  │                    │
//	    │  └─dial failed,       │ connection lost
//	    │    wait RetryDelay    │ wait RetryDelay
//	    └───────────────────────┘
//
// The first attempt waits ConnectDelay. Only the first three consecutive
// failures are logged at warning level.
package supervisor

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/absmach/rctproxy/pkg/metrics"
	"github.com/absmach/rctproxy/pkg/session"
	"github.com/absmach/rctproxy/pkg/transport"
	"github.com/jpillora/backoff"
)

const (
	DefaultConnectDelay = time.Second
	DefaultRetryDelay   = 5 * time.Second
	DefaultDialTimeout  = 10 * time.Second

	// loggedFailures is the number of consecutive failures reported before
	// the supervisor goes quiet.
	loggedFailures = 3
)

// State is the connection state of the Supervisor.
type State int32

const (
	StateConnecting State = iota
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Config holds the Supervisor configuration.
type Config struct {
	// Address is the inverter address (host:port).
	Address string

	// Dialer opens the inverter connection. Defaults to a *net.Dialer.
	Dialer transport.Dialer

	// ConnectDelay is the wait before the first attempt.
	ConnectDelay time.Duration

	// RetryDelay is the wait after a failed attempt or a lost connection.
	RetryDelay time.Duration

	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration

	// WriteQueueSize is passed to the upstream transport.
	WriteQueueSize int

	// After replaces time.After in tests.
	After func(time.Duration) <-chan time.Time

	// Metrics is optional.
	Metrics *metrics.Metrics

	Logger *slog.Logger
}

// Supervisor owns the lifecycle of the inverter connection.
type Supervisor struct {
	config  Config
	manager *session.Manager
	backoff *backoff.Backoff
	state   atomic.Int32
}

// New creates a Supervisor that registers its connections with m.
func New(cfg Config, m *session.Manager) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	if cfg.ConnectDelay <= 0 {
		cfg.ConnectDelay = DefaultConnectDelay
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.After == nil {
		cfg.After = time.After
	}

	return &Supervisor{
		config:  cfg,
		manager: m,
		// Min == Max keeps the retry delay fixed; the backoff tracks attempts.
		backoff: &backoff.Backoff{
			Min:    cfg.RetryDelay,
			Max:    cfg.RetryDelay,
			Factor: 1,
		},
	}
}

// State returns the current state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Run drives the state machine until ctx is canceled. On return the inverter
// connection, if any, has been closed and deregistered.
func (s *Supervisor) Run(ctx context.Context) error {
	var lost <-chan struct{}
	delay := s.config.ConnectDelay
	s.setState(StateConnecting)

	for {
		switch s.State() {
		case StateConnecting:
			if !s.wait(ctx, delay) {
				return nil
			}
			conn, err := s.connect(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				delay = s.backoff.Duration()
				continue
			}
			s.backoff.Reset()
			lost = s.start(ctx, conn)
			s.setState(StateConnected)

		case StateConnected:
			select {
			case <-lost:
			case <-ctx.Done():
				<-lost
				s.setState(StateConnecting)
				return nil
			}
			delay = s.config.RetryDelay
			s.setState(StateConnecting)
		}
	}
}

func (s *Supervisor) connect(ctx context.Context) (*transport.Conn, error) {
	attempt := s.backoff.Attempt()
	if attempt < loggedFailures {
		s.config.Logger.Info("connecting to inverter", slog.String("address", s.config.Address))
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.config.DialTimeout)
	defer cancel()

	conn, err := s.config.Dialer.DialContext(dialCtx, "tcp", s.config.Address)
	if err != nil {
		s.observeAttempt(metrics.AttemptFailure)
		if attempt < loggedFailures {
			s.config.Logger.Warn("failed to connect to inverter",
				slog.String("address", s.config.Address),
				slog.Int("attempt", int(attempt)+1),
				slog.String("error", err.Error()))
		}
		return nil, err
	}
	s.observeAttempt(metrics.AttemptSuccess)

	s.config.Logger.Info("connected to inverter", slog.String("address", s.config.Address))
	return transport.New(conn, transport.Config{
		Role:      metrics.Upstream,
		QueueSize: s.config.WriteQueueSize,
		Metrics:   s.config.Metrics,
		Logger:    s.config.Logger,
	}), nil
}

// start registers conn and serves it in the background. The returned channel
// is closed once the connection is lost and deregistered.
func (s *Supervisor) start(ctx context.Context, conn *transport.Conn) <-chan struct{} {
	sess := session.NewUpstream(conn, s.manager, s.config.Logger)
	sess.Open()

	lost := make(chan struct{})
	go func() {
		defer close(lost)
		if err := sess.Serve(ctx); err != nil {
			s.config.Logger.Warn("inverter connection failed", slog.String("error", err.Error()))
		}
	}()
	return lost
}

func (s *Supervisor) wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.config.After(d):
		return true
	}
}

func (s *Supervisor) setState(state State) {
	s.state.Store(int32(state))
}

func (s *Supervisor) observeAttempt(result string) {
	if s.config.Metrics != nil {
		s.config.Metrics.UpstreamAttempts.WithLabelValues(result).Inc()
	}
}
