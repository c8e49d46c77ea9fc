// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session implements the proxy state shared by the inverter
// connection and all downstream client connections.
//
// # Manager
//
// The Manager owns the single upstream (inverter) transport, the set of
// downstream transports, the response cache and the waiters per frame id:
//
//	downstream Read ──► cache fresh? ──yes──► cached response to sender
//	                         │
//	                         no
//	                         ▼
//	               add sender to waiters[id]
//	                         ▼
//	                 forward raw frame upstream
//
//	upstream Response ──► cache[id] = (now, frame) ──► write to waiters[id], clear
//
// Requests are never suppressed: every cache miss is forwarded even when a
// request for the same id is already in flight. Only delivery is shared.
//
// # Conn
//
// A Conn wraps one connection. It accumulates inbound bytes, runs the frame
// parser until no more frames come out and dispatches each frame to the
// Manager. Upstream and downstream Conns differ only in the Manager
// operations they call.
package session
