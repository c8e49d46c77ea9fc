// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package proxy wires the rctproxy components into one runnable unit.
//
// # Architecture
//
//	┌──────────┐  TCP   ┌────────────┐
//	│ Client A │ ─────→ │ tcp.Server │ ─┐
//	└──────────┘        └────────────┘  │   ┌─────────────────┐   ┌────────────┐   ┌──────────┐
//	                                     ├─→ │ session.Manager │ ← │ Supervisor │ ─→│ Inverter │
//	┌──────────┐  WS    ┌────────────┐  │   └─────────────────┘   └────────────┘   └──────────┘
//	│ Client B │ ─────→ │ ws.Server  │ ─┘
//	└──────────┘        └────────────┘
//
// Every accepted connection, TCP or websocket, is wrapped in a
// transport.Conn and served by a downstream session.Conn. The supervisor
// keeps the single inverter connection alive and registers it with the same
// Manager.
//
// # Usage
//
//	p, err := proxy.New(proxy.Config{
//		Port:       "8898",
//		TargetHost: "inverter.local",
//		TargetPort: "8899",
//		CacheAge:   15 * time.Second,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := p.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// # Graceful Shutdown
//
// Cancelling the context passed to Listen stops both listeners, closes every
// downstream connection after its queued frames are written and closes the
// inverter connection. Listen returns once all of them are done.
package proxy
