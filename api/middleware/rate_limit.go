package middleware

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/dgarciamtz/tiendita-backend/api/responses"
	"github.com/dgarciamtz/tiendita-backend/pkg/config"
	pkgerrors "github.com/dgarciamtz/tiendita-backend/pkg/errors"
	"github.com/dgarciamtz/tiendita-backend/pkg/logger"
)

// RateLimiter counts requests per scope within a fixed window and reports
// whether the scope is still under its limit.
type RateLimiter interface {
	FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error)
}

// RateLimit throttles shoppers with a fixed-window counter keyed by their
// identity. A limiter outage lets traffic through; serving the cart must not
// depend on the counter store being up.
func RateLimit(cfg config.RateLimitConfig, limiter RateLimiter, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !cfg.Enabled || limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scope := rateLimitScope(r)
			allowed, count, err := limiter.FixedWindowAllow(r.Context(), scope, cfg.Requests, cfg.Window)
			if err != nil {
				if logg != nil {
					logg.Warn(r.Context(), "rate limiter unavailable, letting request through")
				}
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				if logg != nil {
					ctx := logg.WithFields(r.Context(), map[string]any{
						"scope": scope,
						"count": count,
					})
					logg.Warn(ctx, "request over rate limit")
				}
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeRateLimited, "request limit reached, retry shortly"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimitScope prefers the shopper identity seeded by Shopper so a guest
// rotating IPs and a user behind a shared NAT both get their own window.
func rateLimitScope(r *http.Request) string {
	ctx := r.Context()
	if userID := UserIDFromContext(ctx); userID != "" {
		return "user:" + userID
	}
	if sessionID := SessionIDFromContext(ctx); sessionID != "" {
		return "session:" + sessionID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "addr:" + r.RemoteAddr
	}
	return "addr:" + host
}
