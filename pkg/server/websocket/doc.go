// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket implements an optional downstream listener that carries
// the inverter byte stream over websockets.
//
// Each upgraded connection is wrapped in Conn, a net.Conn whose reads
// concatenate inbound messages and whose writes become binary messages. The
// proxy then treats it exactly like a TCP client.
package websocket
