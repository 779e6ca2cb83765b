package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/auth/ratelimit"
	apperrors "github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/metrics"
)

// RateLimit enforces each key's rate_limit. It reads the KeyInfo set by Auth;
// requests without one pass through. A limiter error lets the request
// through and is logged.
func RateLimit(limiter ratelimit.Limiter, m *metrics.Metrics) func(http.Handler) http.Handler {
	logger := slog.Default().With("component", "gateway-ratelimit")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/health") {
				next.ServeHTTP(w, r)
				return
			}
			info := GetKeyInfo(r.Context())
			if info == nil {
				next.ServeHTTP(w, r)
				return
			}

			ok, err := limiter.Allow(r.Context(), info.ID, info.RateLimit)
			if err != nil {
				logger.Warn("rate limiter unavailable, allowing request", "key_id", info.ID, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				if m != nil {
					m.RateLimitedTotal.Inc()
				}
				w.Header().Set("Retry-After", "60")
				writeError(w, apperrors.New(apperrors.ErrRateLimited, http.StatusTooManyRequests, "rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
