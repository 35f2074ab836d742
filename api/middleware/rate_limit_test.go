package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dgarciamtz/tiendita-backend/pkg/config"
	"github.com/dgarciamtz/tiendita-backend/pkg/types"
)

type stubLimiter struct {
	allowed bool
	err     error
	scopes  []string
}

func (s *stubLimiter) FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error) {
	s.scopes = append(s.scopes, scope)
	if s.err != nil {
		return false, 0, s.err
	}
	if !s.allowed {
		return false, limit + 1, nil
	}
	return true, 1, nil
}

func rateLimitTestConfig() config.RateLimitConfig {
	return config.RateLimitConfig{Enabled: true, Requests: 10, Window: time.Minute}
}

func okHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitPassesUnderLimit(t *testing.T) {
	limiter := &stubLimiter{allowed: true}
	var called bool
	handler := RateLimit(rateLimitTestConfig(), limiter, nil)(okHandler(&called))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)
	req = req.WithContext(WithSessionID(req.Context(), "guest-42"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || !called {
		t.Fatalf("expected request through, got status %d called=%v", rec.Code, called)
	}
	if len(limiter.scopes) != 1 || limiter.scopes[0] != "session:guest-42" {
		t.Fatalf("unexpected scopes %v", limiter.scopes)
	}
}

func TestRateLimitRejectsOverLimit(t *testing.T) {
	limiter := &stubLimiter{allowed: false}
	var called bool
	handler := RateLimit(rateLimitTestConfig(), limiter, nil)(okHandler(&called))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)
	req = req.WithContext(WithSessionID(req.Context(), "guest-42"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if called {
		t.Fatal("expected request blocked")
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	var envelope types.ErrorEnvelope
	if err := json.NewDecoder(rec.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if envelope.Error.Code != "RATE_LIMITED" {
		t.Fatalf("unexpected error code %s", envelope.Error.Code)
	}
}

func TestRateLimitFailsOpenWhenLimiterDown(t *testing.T) {
	limiter := &stubLimiter{err: errors.New("connection refused")}
	var called bool
	handler := RateLimit(rateLimitTestConfig(), limiter, nil)(okHandler(&called))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || !called {
		t.Fatalf("expected fail-open, got status %d called=%v", rec.Code, called)
	}
}

func TestRateLimitDisabledSkipsLimiter(t *testing.T) {
	limiter := &stubLimiter{allowed: false}
	cfg := rateLimitTestConfig()
	cfg.Enabled = false
	var called bool
	handler := RateLimit(cfg, limiter, nil)(okHandler(&called))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || !called {
		t.Fatalf("expected request through, got status %d called=%v", rec.Code, called)
	}
	if len(limiter.scopes) != 0 {
		t.Fatalf("limiter should not be consulted when disabled, saw %v", limiter.scopes)
	}
}

func TestRateLimitScopePrefersIdentity(t *testing.T) {
	cases := []struct {
		name  string
		seed  func(context.Context) context.Context
		wants string
	}{
		{
			name:  "registered user",
			seed:  func(ctx context.Context) context.Context { return WithUserID(ctx, "11111111-1111-1111-1111-111111111111") },
			wants: "user:11111111-1111-1111-1111-111111111111",
		},
		{
			name:  "guest session",
			seed:  func(ctx context.Context) context.Context { return WithSessionID(ctx, "sess-9") },
			wants: "session:sess-9",
		},
		{
			name:  "anonymous falls back to address",
			seed:  func(ctx context.Context) context.Context { return ctx },
			wants: "addr:192.0.2.1",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)
			req = req.WithContext(tc.seed(req.Context()))
			if got := rateLimitScope(req); got != tc.wants {
				t.Fatalf("expected scope %q, got %q", tc.wants, got)
			}
		})
	}
}
