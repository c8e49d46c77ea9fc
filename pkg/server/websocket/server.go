// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultPath            = "/"
	defaultShutdownTimeout = 30 * time.Second
	readHeaderTimeout      = 10 * time.Second
	maxMessageSize         = 256 << 10
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

	errNilHandler = errors.New("websocket: nil connection handler")
)

// Handler serves one upgraded connection. It owns conn and must return once
// ctx is cancelled.
type Handler func(ctx context.Context, conn net.Conn) error

// Config holds the WebSocket server configuration.
type Config struct {
	// Address is the listen address (host:port).
	Address string

	// Path is the HTTP path upgrade requests are accepted on.
	Path string

	ShutdownTimeout time.Duration

	Logger *slog.Logger
}

// Server upgrades HTTP requests to websockets and hands each one to a
// Handler as a net.Conn.
type Server struct {
	config   Config
	handler  Handler
	upgrader websocket.Upgrader

	connCtx    context.Context
	connCancel context.CancelFunc

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// New creates a new WebSocket server.
func New(cfg Config, h Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:  cfg,
		handler: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients are tools on the local network, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		connCtx:    ctx,
		connCancel: cancel,
	}
}

// Listen binds the configured address and serves it until ctx is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, listener)
}

// Serve runs the HTTP server on listener until ctx is cancelled.
//
// Upgraded connections are hijacked and not tracked by http.Server, so they
// are cancelled and drained separately within the same ShutdownTimeout.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if s.handler == nil {
		listener.Close()
		return errNilHandler
	}

	mux := http.NewServeMux()
	mux.Handle(s.config.Path, s)
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	s.config.Logger.Info("WebSocket server started",
		slog.String("address", listener.Addr().String()),
		slog.String("path", s.config.Path))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		s.config.Logger.Info("shutdown signal received, closing WebSocket server")
	case err := <-errCh:
		s.stopConns()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		s.config.Logger.Error("error during shutdown", slog.String("error", err.Error()))
	}
	s.stopConns()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("WebSocket server shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		s.config.Logger.Warn("shutdown timeout exceeded, abandoning connections")
		return ErrShutdownTimeout
	}
}

// ServeHTTP upgrades the request and runs the handler on the resulting
// connection until it returns.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.track() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.config.Logger.Debug("websocket upgrade failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}
	ws.SetReadLimit(maxMessageSize)

	if err := s.handler(s.connCtx, NewConn(ws)); err != nil {
		s.config.Logger.Debug("connection handler error",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
	}
}

func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) stopConns() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.connCancel()
}
