// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for rctproxy.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrConnectionClosed indicates the connection was closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrUpstreamUnavailable indicates no inverter connection is registered.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrProtocolViolation indicates a frame arrived that the peer must never send.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrWriteQueueFull indicates a peer is not draining its outbound frames.
	ErrWriteQueueFull = errors.New("write queue full")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid config")
)

// ConnError wraps an error with the connection it happened on.
type ConnError struct {
	Op         string // Operation that failed
	Role       string // upstream or downstream
	ConnID     string // Connection identifier
	RemoteAddr string // Peer address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *ConnError) Error() string {
	if e.ConnID != "" {
		return fmt.Sprintf("%s %s [%s] %s: %v", e.Role, e.Op, e.ConnID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Role, e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnError) Unwrap() error {
	return e.Err
}

// New creates a new ConnError.
func New(op, role, connID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &ConnError{
		Op:         op,
		Role:       role,
		ConnID:     connID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
