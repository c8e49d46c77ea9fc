// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn presents a websocket as a byte stream. Inbound binary and text
// messages are concatenated in arrival order and every Write is sent as one
// binary message, so a frame may span messages in either direction.
type Conn struct {
	*websocket.Conn

	rmu sync.Mutex
	r   io.Reader

	wmu sync.Mutex
}

const closeGracePeriod = 100 * time.Millisecond

var _ net.Conn = (*Conn)(nil)

// NewConn wraps ws as a net.Conn.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{Conn: ws}
}

// SetDeadline sets both the read and write deadlines.
func (c *Conn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

// Read reads from the current message, advancing to the next one when it is
// exhausted. Empty messages are skipped.
func (c *Conn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	for {
		if c.r == nil {
			_, r, err := c.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			c.r = r
		}

		n, err := c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

// Write sends p as a single binary message.
func (c *Conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close message on a best-effort basis and closes the socket.
func (c *Conn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
	return c.Conn.Close()
}
