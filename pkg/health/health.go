// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health provides health check and readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/absmach/rctproxy/pkg/session"
)

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const (
	defaultCacheTTL = time.Second
	checkTimeout    = 5 * time.Second
)

// ErrInverterDisconnected is reported while no inverter connection is registered.
var ErrInverterDisconnected = errors.New("inverter not connected")

// Check represents the last result of a single health check.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration"`
}

// CheckFunc is a function that performs a health check.
type CheckFunc func(ctx context.Context) error

// StatsSource is implemented by *session.Manager.
type StatsSource interface {
	Stats() session.Stats
}

// Checker runs registered checks, caching each result for a short TTL.
type Checker struct {
	mu     sync.Mutex
	checks map[string]CheckFunc
	cache  map[string]Check
	ttl    time.Duration
	stats  StatsSource
}

// NewChecker creates a checker that reports the session statistics of src.
// src may be nil.
func NewChecker(cacheTTL time.Duration, src StatsSource) *Checker {
	if cacheTTL == 0 {
		cacheTTL = defaultCacheTTL
	}
	return &Checker{
		checks: make(map[string]CheckFunc),
		cache:  make(map[string]Check),
		ttl:    cacheTTL,
		stats:  src,
	}
}

// Register adds a health check.
func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
	delete(c.cache, name)
}

// Health runs every check whose cached result has expired and returns the
// overall status with all results sorted by name. The status is degraded
// when some checks fail and unhealthy when all of them do.
func (c *Checker) Health(ctx context.Context) (Status, []Check) {
	c.mu.Lock()
	defer c.mu.Unlock()

	checks := make([]Check, 0, len(c.checks))
	failed := 0
	for name, fn := range c.checks {
		check, ok := c.cache[name]
		if !ok || time.Since(check.LastChecked) >= c.ttl {
			check = run(ctx, name, fn)
			c.cache[name] = check
		}
		if check.Status != StatusHealthy {
			failed++
		}
		checks = append(checks, check)
	}
	sort.Slice(checks, func(i, j int) bool { return checks[i].Name < checks[j].Name })

	switch {
	case failed == 0:
		return StatusHealthy, checks
	case failed == len(checks):
		return StatusUnhealthy, checks
	default:
		return StatusDegraded, checks
	}
}

func run(ctx context.Context, name string, fn CheckFunc) Check {
	start := time.Now()
	err := fn(ctx)
	check := Check{
		Name:        name,
		Status:      StatusHealthy,
		LastChecked: time.Now(),
		Duration:    time.Since(start),
	}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}
	return check
}

// InverterCheck fails while src has no inverter connection.
func InverterCheck(src StatsSource) CheckFunc {
	return func(context.Context) error {
		if !src.Stats().UpstreamConnected {
			return ErrInverterDisconnected
		}
		return nil
	}
}

type response struct {
	Status Status         `json:"status"`
	Checks []Check        `json:"checks"`
	Stats  *session.Stats `json:"stats,omitempty"`
}

func (c *Checker) respond(w http.ResponseWriter, r *http.Request, ready bool) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	status, checks := c.Health(ctx)
	resp := response{Status: status, Checks: checks}
	if c.stats != nil {
		stats := c.stats.Stats()
		resp.Stats = &stats
	}

	code := http.StatusOK
	switch {
	case status == StatusUnhealthy:
		code = http.StatusServiceUnavailable
	case ready && status != StatusHealthy:
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

// HTTPHandler reports every check together with the session statistics.
// A degraded proxy still answers 200.
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c.respond(w, r, false)
	}
}

// ReadinessHandler answers 200 only while every check passes.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c.respond(w, r, true)
	}
}

// LivenessHandler returns a simple liveness probe.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
		})
	}
}
