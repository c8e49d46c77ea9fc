// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/absmach/rctproxy/pkg/errors"
	"github.com/absmach/rctproxy/pkg/metrics"
	"github.com/absmach/rctproxy/pkg/server/tcp"
	"github.com/absmach/rctproxy/pkg/server/websocket"
	"github.com/absmach/rctproxy/pkg/session"
	"github.com/absmach/rctproxy/pkg/supervisor"
	"github.com/absmach/rctproxy/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// Config holds the proxy configuration.
type Config struct {
	// Host and Port are the downstream TCP listen address.
	Host string
	Port string

	// TargetHost and TargetPort address the inverter.
	TargetHost string
	TargetPort string

	// CacheAge is the freshness window of cached responses.
	CacheAge time.Duration

	ConnectDelay time.Duration
	RetryDelay   time.Duration

	// WSPort enables the websocket listener on Host when set.
	WSPort string
	WSPath string

	// WriteQueueSize bounds the outbound queue of every connection.
	WriteQueueSize int

	ShutdownTimeout time.Duration

	// Dialer opens the inverter connection. Defaults to a *net.Dialer.
	Dialer transport.Dialer

	// Metrics is optional; when nil metrics are kept on a private registry.
	Metrics *metrics.Metrics

	Logger *slog.Logger
}

// Proxy wires the session manager, the inverter supervisor and the
// downstream listeners together.
type Proxy struct {
	config     Config
	manager    *session.Manager
	supervisor *supervisor.Supervisor
	tcp        *tcp.Server
	ws         *websocket.Server
	logger     *slog.Logger
}

// New creates a Proxy. Nothing is bound or dialed until Listen.
func New(cfg Config) (*Proxy, error) {
	if cfg.TargetHost == "" {
		return nil, fmt.Errorf("%w: target host is required", errors.ErrInvalidConfig)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New("", prometheus.NewRegistry())
	}

	m := session.NewManager(session.Config{
		CacheAge: cfg.CacheAge,
		Metrics:  cfg.Metrics,
		Logger:   cfg.Logger,
	})

	p := &Proxy{
		config:  cfg,
		manager: m,
		supervisor: supervisor.New(supervisor.Config{
			Address:        net.JoinHostPort(cfg.TargetHost, cfg.TargetPort),
			Dialer:         cfg.Dialer,
			ConnectDelay:   cfg.ConnectDelay,
			RetryDelay:     cfg.RetryDelay,
			WriteQueueSize: cfg.WriteQueueSize,
			Metrics:        cfg.Metrics,
			Logger:         cfg.Logger,
		}, m),
		logger: cfg.Logger,
	}

	p.tcp = tcp.New(tcp.Config{
		Address:         net.JoinHostPort(cfg.Host, cfg.Port),
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          cfg.Logger,
	}, p.serveConn)

	if cfg.WSPort != "" {
		p.ws = websocket.New(websocket.Config{
			Address:         net.JoinHostPort(cfg.Host, cfg.WSPort),
			Path:            cfg.WSPath,
			ShutdownTimeout: cfg.ShutdownTimeout,
			Logger:          cfg.Logger,
		}, p.serveConn)
	}

	return p, nil
}

// Manager returns the session manager.
func (p *Proxy) Manager() *session.Manager {
	return p.manager
}

// Supervisor returns the inverter connection supervisor.
func (p *Proxy) Supervisor() *supervisor.Supervisor {
	return p.supervisor
}

// Listen binds the configured listeners and runs the proxy until ctx is
// cancelled or one of its components fails.
func (p *Proxy) Listen(ctx context.Context) error {
	addr := net.JoinHostPort(p.config.Host, p.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "failed to listen on "+addr)
	}

	var wsLn net.Listener
	if p.ws != nil {
		wsAddr := net.JoinHostPort(p.config.Host, p.config.WSPort)
		if wsLn, err = net.Listen("tcp", wsAddr); err != nil {
			ln.Close()
			return errors.Wrap(err, "failed to listen on "+wsAddr)
		}
	}

	return p.Serve(ctx, ln, wsLn)
}

// Serve runs the proxy on already bound listeners. wsLn may be nil.
func (p *Proxy) Serve(ctx context.Context, ln, wsLn net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return p.supervisor.Run(ctx)
	})
	g.Go(func() error {
		return p.tcp.Serve(ctx, ln)
	})
	if wsLn != nil {
		ws := p.ws
		if ws == nil {
			ws = websocket.New(websocket.Config{
				Path:            p.config.WSPath,
				ShutdownTimeout: p.config.ShutdownTimeout,
				Logger:          p.logger,
			}, p.serveConn)
		}
		g.Go(func() error {
			return ws.Serve(ctx, wsLn)
		})
	}

	return g.Wait()
}

// serveConn attaches a downstream connection to the manager until it closes.
func (p *Proxy) serveConn(ctx context.Context, conn net.Conn) error {
	t := transport.New(conn, transport.Config{
		Role:      metrics.Downstream,
		QueueSize: p.config.WriteQueueSize,
		Metrics:   p.config.Metrics,
		Logger:    p.logger,
	})
	return session.NewDownstream(t, p.manager, p.logger).Serve(ctx)
}
