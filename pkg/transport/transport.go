// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport adapts byte-stream connections for the session layer.
//
// Every Conn owns a bounded outbound queue drained by its own writer
// goroutine, so Write never blocks the caller on a slow peer. A peer that lets
// its queue fill up is disconnected.
package transport

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/rctproxy/pkg/errors"
	"github.com/absmach/rctproxy/pkg/metrics"
	"github.com/google/uuid"
	"github.com/jpillora/sizestr"
)

const (
	defaultQueueSize    = 64
	defaultDrainTimeout = time.Second
)

// Transport is the write side of a connection as seen by the session manager.
type Transport interface {
	// ID returns the identity of the connection.
	ID() string
	// Write queues p for delivery. It never blocks on the peer.
	Write(p []byte) error
	// Close drains queued writes and closes the connection.
	Close() error
}

// Dialer opens outbound byte-stream connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config holds the configuration of a Conn.
type Config struct {
	// Role labels logs and metrics (upstream or downstream).
	Role string

	// QueueSize is the number of frames that may wait for the writer.
	QueueSize int

	// DrainTimeout bounds how long Close waits for queued frames to be written.
	DrainTimeout time.Duration

	// Metrics is optional.
	Metrics *metrics.Metrics

	Logger *slog.Logger
}

// Conn is a net.Conn with an identity and a queued write side.
type Conn struct {
	id     string
	conn   net.Conn
	config Config

	queue      chan []byte
	done       chan struct{}
	writerDone chan struct{}
	doneOnce   sync.Once
	closeOnce  sync.Once
	closeErr   error

	sent     atomic.Int64
	received atomic.Int64
}

var _ Transport = (*Conn)(nil)

// New wraps conn and starts its writer.
func New(conn net.Conn, cfg Config) *Conn {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}

	c := &Conn{
		id:         uuid.New().String(),
		conn:       conn,
		config:     cfg,
		queue:      make(chan []byte, cfg.QueueSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	go c.writer()
	return c
}

// ID returns the unique identifier of the connection.
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Done is closed once the connection starts closing.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Read reads from the underlying connection.
func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.conn.Read(p)
	c.received.Add(int64(n))
	return n, err
}

// Write queues a copy of p for the writer goroutine. When the queue is full
// the connection is closed and ErrWriteQueueFull is returned.
func (c *Conn) Write(p []byte) error {
	select {
	case <-c.done:
		return errors.ErrConnectionClosed
	default:
	}

	buf := append([]byte(nil), p...)
	select {
	case c.queue <- buf:
		return nil
	case <-c.done:
		return errors.ErrConnectionClosed
	default:
	}

	c.config.Logger.Warn("write queue full, dropping connection",
		slog.String("role", c.config.Role),
		slog.String("conn", c.id),
		slog.String("remote", c.RemoteAddr()))
	if c.config.Metrics != nil {
		c.config.Metrics.WriteQueueDrops.WithLabelValues(c.config.Role).Inc()
	}
	c.abort()
	return errors.ErrWriteQueueFull
}

// Close stops accepting writes, gives queued frames DrainTimeout to reach the
// peer and closes the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	c.doneOnce.Do(func() { close(c.done) })
	c.conn.SetWriteDeadline(time.Now().Add(c.config.DrainTimeout))

	// Not every net.Conn applies a deadline to a write already in progress.
	timer := time.NewTimer(c.config.DrainTimeout)
	defer timer.Stop()
	select {
	case <-c.writerDone:
	case <-timer.C:
		c.closeConn()
		<-c.writerDone
	}
	return c.closeConn()
}

// abort closes the connection without draining. The close runs in its own
// goroutine since Write may be called under the Manager lock and closing some
// connections (websockets) writes to the peer.
func (c *Conn) abort() {
	c.doneOnce.Do(func() { close(c.done) })
	go c.closeConn()
}

func (c *Conn) closeConn() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
		c.config.Logger.Debug("connection closed",
			slog.String("role", c.config.Role),
			slog.String("conn", c.id),
			slog.String("remote", c.RemoteAddr()),
			slog.String("sent", sizestr.ToString(c.sent.Load())),
			slog.String("received", sizestr.ToString(c.received.Load())))
	})
	return c.closeErr
}

func (c *Conn) writer() {
	defer close(c.writerDone)
	for {
		select {
		case p := <-c.queue:
			if !c.write(p) {
				return
			}
		case <-c.done:
			c.drain()
			return
		}
	}
}

// drain flushes whatever is still queued once the connection is closing.
func (c *Conn) drain() {
	for {
		select {
		case p := <-c.queue:
			if !c.write(p) {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(p []byte) bool {
	n, err := c.conn.Write(p)
	c.sent.Add(int64(n))
	if err != nil {
		c.config.Logger.Debug("write failed",
			slog.String("role", c.config.Role),
			slog.String("conn", c.id),
			slog.String("error", err.Error()))
		c.abort()
		return false
	}
	return true
}
