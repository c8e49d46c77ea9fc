// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the downstream TCP listener of the proxy.
//
// # Overview
//
// The server accepts client connections and runs a Handler for each of them
// in its own goroutine. It knows nothing about frames: the proxy plugs in a
// handler that attaches the connection to the session manager.
//
//	┌─────────┐         ┌─────────┐         ┌─────────┐
//	│ Client  │ ──TCP─→ │  Server │ ──────→ │ Handler │
//	└─────────┘         └─────────┘         └─────────┘
//
// # Graceful Shutdown
//
// When the context is cancelled:
//
//  1. The listener is closed and no new connections are accepted
//  2. The context passed to every active handler is cancelled
//  3. The server waits up to ShutdownTimeout for handlers to return
//  4. ErrShutdownTimeout is returned if some handler did not
//
// # Example
//
//	srv := tcp.New(tcp.Config{Address: ":8898"}, func(ctx context.Context, conn net.Conn) error {
//		defer conn.Close()
//		...
//	})
//	if err := srv.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package tcp
