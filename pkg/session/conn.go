// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"net"

	"github.com/absmach/rctproxy/pkg/errors"
	"github.com/absmach/rctproxy/pkg/frame"
	"github.com/absmach/rctproxy/pkg/metrics"
	"github.com/absmach/rctproxy/pkg/transport"
)

const (
	readBufferSize = 4096

	// MaxBufferSize bounds the bytes a connection may hold without yielding a
	// frame. It fits the largest escaped long frame.
	MaxBufferSize = 256 << 10
)

// Stream is a connection a Conn reads frames from and registers with the
// Manager.
type Stream interface {
	transport.Transport
	io.Reader
	RemoteAddr() string
}

// Conn drives the frame parser over one connection and hands every decoded
// frame to the Manager.
type Conn struct {
	role    string
	stream  Stream
	parser  frame.Parser
	buffer  []byte
	metrics *metrics.Metrics
	logger  *slog.Logger

	register   func()
	deregister func()
	dispatch   func(*frame.Frame) error
	opened     bool
}

// NewUpstream creates the session for the inverter connection.
func NewUpstream(s Stream, m *Manager, logger *slog.Logger) *Conn {
	c := newConn(metrics.Upstream, s, m, logger)
	c.register = func() { m.RegisterUpstream(s) }
	c.deregister = m.RemoveUpstream
	c.dispatch = m.OnUpstreamFrame
	return c
}

// NewDownstream creates the session for a downstream client connection.
func NewDownstream(s Stream, m *Manager, logger *slog.Logger) *Conn {
	c := newConn(metrics.Downstream, s, m, logger)
	c.register = func() { m.RegisterDownstream(s) }
	c.deregister = func() { m.RemoveDownstream(s.ID()) }
	c.dispatch = func(f *frame.Frame) error {
		return m.OnDownstreamFrame(s.ID(), f)
	}
	return c
}

func newConn(role string, s Stream, m *Manager, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(
		slog.String("role", role),
		slog.String("conn", s.ID()),
		slog.String("remote", s.RemoteAddr()))
	mtr := m.config.Metrics

	return &Conn{
		role:   role,
		stream: s,
		parser: frame.Parser{
			Logger: logger,
			OnMalformed: func(reason string, _ []byte) {
				mtr.MalformedFrames.WithLabelValues(role, reason).Inc()
			},
		},
		metrics: mtr,
		logger:  logger,
	}
}

// Feed appends data to the receive buffer and dispatches every complete
// frame in arrival order. It stops at the first dispatch error.
func (c *Conn) Feed(data []byte) error {
	c.metrics.BytesTotal.WithLabelValues(c.role).Add(float64(len(data)))
	c.buffer = append(c.buffer, data...)
	for {
		f, n := c.parser.Parse(c.buffer)
		if n > 0 {
			c.buffer = append(c.buffer[:0], c.buffer[n:]...)
		}
		if f == nil {
			break
		}
		c.metrics.ObserveFrame(c.role, f.Command.String())
		if err := c.dispatch(f); err != nil {
			return err
		}
	}

	if len(c.buffer) > MaxBufferSize {
		c.logger.Warn("receive buffer overflow, discarding", slog.Int("bytes", len(c.buffer)))
		c.buffer = c.buffer[:0]
	}
	return nil
}

// Buffered returns the number of bytes waiting for the rest of a frame.
func (c *Conn) Buffered() int {
	return len(c.buffer)
}

// Open registers the connection with the Manager. Serve calls it when the
// caller has not.
func (c *Conn) Open() {
	if c.opened {
		return
	}
	c.opened = true
	c.register()
	c.logger.Debug("connection registered")
}

// Serve reads until the peer disconnects or ctx is canceled, then deregisters
// and closes the connection. A dispatch error closes the connection and is
// returned.
func (c *Conn) Serve(ctx context.Context) error {
	c.Open()
	defer func() {
		c.deregister()
		c.stream.Close()
		if c.role == metrics.Upstream {
			c.logger.Info("the inverter closed the connection")
		} else {
			c.logger.Debug("downstream connection closed")
		}
	}()

	stop := context.AfterFunc(ctx, func() {
		c.stream.Close()
	})
	defer stop()

	buf := make([]byte, readBufferSize)
	for {
		n, err := c.stream.Read(buf)
		if n > 0 {
			if ferr := c.Feed(buf[:n]); ferr != nil {
				c.logger.Warn("closing connection", slog.String("error", ferr.Error()))
				return errors.New("dispatch", c.role, c.stream.ID(), c.stream.RemoteAddr(), ferr)
			}
		}
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, io.EOF) || stderrors.Is(err, io.ErrClosedPipe) || stderrors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.New("read", c.role, c.stream.ID(), c.stream.RemoteAddr(), err)
		}
	}
}
