// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	rerrors "github.com/absmach/rctproxy/pkg/errors"
	"github.com/absmach/rctproxy/pkg/frame"
	"github.com/absmach/rctproxy/pkg/transport"
)

type fakeStream struct {
	fakeTransport
}

func (f *fakeStream) Read(p []byte) (int, error) { return 0, io.EOF }

func (f *fakeStream) RemoteAddr() string { return "fake" }

func TestConn_FeedFragmented(t *testing.T) {
	m := newTestManager(&fakeClock{now: time.Unix(0, 0)})
	up := &fakeTransport{id: "up"}
	m.RegisterUpstream(up)

	client := &fakeStream{fakeTransport{id: "client"}}
	c := NewDownstream(client, m, discardLogger())
	m.RegisterDownstream(client)

	read := mustFrame(t, frame.Read, frame.ID{0x2b, 0xc1, 0xe7, 0x2b}, nil)
	stream := append([]byte{0x00, 0xff}, read.Raw...)
	stream = append(stream, read.Raw...)

	for i, b := range stream {
		if err := c.Feed([]byte{b}); err != nil {
			t.Fatalf("Feed() byte %d error = %v", i, err)
		}
	}

	writes := up.written()
	if len(writes) != 2 {
		t.Fatalf("upstream writes = %d, want 2", len(writes))
	}
	for _, w := range writes {
		if !bytes.Equal(w, read.Raw) {
			t.Errorf("forwarded %x, want raw %x", w, read.Raw)
		}
	}
	if c.Buffered() != 0 {
		t.Errorf("Buffered() = %d, want 0", c.Buffered())
	}
}

func TestConn_FeedKeepsPartialFrame(t *testing.T) {
	m := newTestManager(&fakeClock{now: time.Unix(0, 0)})
	up := &fakeTransport{id: "up"}
	m.RegisterUpstream(up)

	client := &fakeStream{fakeTransport{id: "client"}}
	c := NewDownstream(client, m, discardLogger())

	read := mustFrame(t, frame.Read, testID, nil)
	garbage := []byte{0x00, 0x00}
	if err := c.Feed(append(garbage, read.Raw[:4]...)); err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if c.Buffered() != 4 {
		t.Errorf("Buffered() = %d, want 4", c.Buffered())
	}
	if err := c.Feed(read.Raw[4:]); err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if got := len(up.written()); got != 1 {
		t.Errorf("upstream writes = %d, want 1", got)
	}
}

func TestConn_FeedDispatchError(t *testing.T) {
	m := newTestManager(&fakeClock{now: time.Unix(0, 0)})
	client := &fakeStream{fakeTransport{id: "client"}}
	c := NewDownstream(client, m, discardLogger())

	err := c.Feed(mustFrame(t, frame.Read, testID, nil).Raw)
	if !errors.Is(err, rerrors.ErrUpstreamUnavailable) {
		t.Errorf("Feed() error = %v, want %v", err, rerrors.ErrUpstreamUnavailable)
	}
}

func TestConn_FeedOverflow(t *testing.T) {
	m := newTestManager(&fakeClock{now: time.Unix(0, 0)})
	client := &fakeStream{fakeTransport{id: "client"}}
	c := NewDownstream(client, m, discardLogger())

	if err := c.Feed(make([]byte, MaxBufferSize+1)); err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if c.Buffered() != 0 {
		t.Errorf("Buffered() = %d, want 0 after overflow", c.Buffered())
	}
}

func newPipeStream(t *testing.T, role string) (*transport.Conn, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() { remote.Close() })
	return transport.New(local, transport.Config{Role: role, Logger: discardLogger()}), remote
}

func readFrame(t *testing.T, conn net.Conn) *frame.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var (
		p   frame.Parser
		buf []byte
	)
	chunk := make([]byte, 64)
	for {
		n, err := conn.Read(chunk)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		buf = append(buf, chunk[:n]...)
		if f, _ := p.Parse(buf); f != nil {
			return f
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for condition")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConn_ServeRoundTrip(t *testing.T) {
	m := newTestManager(&fakeClock{now: time.Unix(0, 0)})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	upStream, inverter := newPipeStream(t, "upstream")
	upDone := make(chan error, 1)
	go func() { upDone <- NewUpstream(upStream, m, discardLogger()).Serve(ctx) }()
	waitFor(t, func() bool { return m.Stats().UpstreamConnected })

	downStream, client := newPipeStream(t, "downstream")
	downDone := make(chan error, 1)
	go func() { downDone <- NewDownstream(downStream, m, discardLogger()).Serve(ctx) }()

	read := mustFrame(t, frame.Read, testID, nil)
	if _, err := client.Write(read.Raw); err != nil {
		t.Fatalf("client Write() error = %v", err)
	}

	got := readFrame(t, inverter)
	if !bytes.Equal(got.Raw, read.Raw) {
		t.Fatalf("inverter received %x, want %x", got.Raw, read.Raw)
	}

	resp := mustFrame(t, frame.Response, testID, []byte{0x42, 0x48, 0x00, 0x00})
	if _, err := inverter.Write(resp.Raw); err != nil {
		t.Fatalf("inverter Write() error = %v", err)
	}

	got = readFrame(t, client)
	if !bytes.Equal(got.Raw, resp.Raw) {
		t.Fatalf("client received %x, want %x", got.Raw, resp.Raw)
	}

	client.Close()
	select {
	case err := <-downDone:
		if err != nil {
			t.Errorf("downstream Serve() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for downstream session to end")
	}
	if s := m.Stats(); s.Downstream != 0 {
		t.Errorf("Stats().Downstream = %d, want 0", s.Downstream)
	}

	cancel()
	select {
	case <-upDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for upstream session to end")
	}
	if m.Stats().UpstreamConnected {
		t.Error("Expected upstream to be removed")
	}
}

func TestConn_ServeUpstreamProtocolViolation(t *testing.T) {
	m := newTestManager(&fakeClock{now: time.Unix(0, 0)})

	upStream, inverter := newPipeStream(t, "upstream")
	done := make(chan error, 1)
	go func() { done <- NewUpstream(upStream, m, discardLogger()).Serve(context.Background()) }()

	go inverter.Write(mustFrame(t, frame.Read, testID, nil).Raw)

	select {
	case err := <-done:
		if !errors.Is(err, rerrors.ErrProtocolViolation) {
			t.Errorf("Serve() error = %v, want %v", err, rerrors.ErrProtocolViolation)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for upstream session to end")
	}
	if m.Stats().UpstreamConnected {
		t.Error("Expected upstream to be removed")
	}
}
