// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/absmach/rctproxy/pkg/session"
)

type fakeStats struct {
	stats session.Stats
}

func (f *fakeStats) Stats() session.Stats { return f.stats }

func TestChecker_Status(t *testing.T) {
	failing := func(context.Context) error { return errors.New("down") }
	passing := func(context.Context) error { return nil }

	cases := []struct {
		name   string
		checks map[string]CheckFunc
		want   Status
	}{
		{"no checks", nil, StatusHealthy},
		{"all pass", map[string]CheckFunc{"a": passing, "b": passing}, StatusHealthy},
		{"some fail", map[string]CheckFunc{"a": passing, "b": failing}, StatusDegraded},
		{"all fail", map[string]CheckFunc{"a": failing, "b": failing}, StatusUnhealthy},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewChecker(time.Minute, nil)
			for name, fn := range tc.checks {
				c.Register(name, fn)
			}
			status, checks := c.Health(context.Background())
			if status != tc.want {
				t.Errorf("Health() status = %s, want %s", status, tc.want)
			}
			if len(checks) != len(tc.checks) {
				t.Fatalf("Health() returned %d checks, want %d", len(checks), len(tc.checks))
			}
			for i := 1; i < len(checks); i++ {
				if checks[i-1].Name > checks[i].Name {
					t.Errorf("checks not sorted: %s before %s", checks[i-1].Name, checks[i].Name)
				}
			}
		})
	}
}

func TestChecker_CachesResults(t *testing.T) {
	calls := 0
	c := NewChecker(time.Minute, nil)
	c.Register("counted", func(context.Context) error {
		calls++
		return nil
	})

	c.Health(context.Background())
	c.Health(context.Background())
	if calls != 1 {
		t.Errorf("check ran %d times, want 1", calls)
	}
}

func TestInverterCheck(t *testing.T) {
	src := &fakeStats{}
	check := InverterCheck(src)

	if err := check(context.Background()); !errors.Is(err, ErrInverterDisconnected) {
		t.Errorf("check() error = %v, want ErrInverterDisconnected", err)
	}
	src.stats.UpstreamConnected = true
	if err := check(context.Background()); err != nil {
		t.Errorf("check() error = %v, want nil", err)
	}
}

func TestHandlers(t *testing.T) {
	cases := []struct {
		name      string
		connected bool
		handler   func(*Checker) http.HandlerFunc
		wantCode  int
	}{
		{"health connected", true, (*Checker).HTTPHandler, http.StatusOK},
		{"health disconnected", false, (*Checker).HTTPHandler, http.StatusServiceUnavailable},
		{"ready connected", true, (*Checker).ReadinessHandler, http.StatusOK},
		{"ready disconnected", false, (*Checker).ReadinessHandler, http.StatusServiceUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src := &fakeStats{stats: session.Stats{Downstream: 2, UpstreamConnected: tc.connected}}
			c := NewChecker(time.Minute, src)
			c.Register("inverter", InverterCheck(src))

			rec := httptest.NewRecorder()
			tc.handler(c)(rec, httptest.NewRequest(http.MethodGet, "/", nil))

			if rec.Code != tc.wantCode {
				t.Errorf("status code = %d, want %d", rec.Code, tc.wantCode)
			}
			var body response
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body.Stats == nil || body.Stats.Downstream != 2 {
				t.Errorf("stats = %+v, want 2 downstream connections", body.Stats)
			}
		})
	}
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/live", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", rec.Code, http.StatusOK)
	}
}
