// Package router wires up all API gateway routes and applies the middleware
// chain (RequestID → Metrics → CORS → Auth → RateLimit).
package router

import (
	"net/http"

	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/auth/ratelimit"
	gwhandler "github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/gateway/handler"
	gwmw "github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/gateway/middleware"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/metrics"
	pkgmw "github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/middleware"
)

// Options carries everything the router mounts besides the handler.
type Options struct {
	Validator  gwmw.KeyValidator
	Limiter    ratelimit.Limiter
	AdminToken string
	Origins    []string
	Health     *health.Checker
	Metrics    *metrics.Metrics
}

// New builds the full gateway HTTP handler with all routes and middleware.
//
// Route table:
//
//	POST   /api/v1/admin/keys          → create API key   (admin token)
//	GET    /api/v1/admin/keys          → list API keys    (admin token)
//	POST   /api/v1/admin/keys/revoke   → revoke API key   (admin token)
//	*      /api/v1/analytics/...       → analytics service (proxy)
//	*      /api/v1/...                 → content service   (proxy)
//	GET    /health/live, /health/ready → gateway health
//
// Middleware chain (outermost first):
//
//	RequestID → Metrics → CORS → Auth → RateLimit → handler
func New(h *gwhandler.Handler, opts Options) http.Handler {
	mux := http.NewServeMux()

	if opts.Health != nil {
		mux.HandleFunc("GET /health/live", opts.Health.LiveHandler())
		mux.HandleFunc("GET /health/ready", opts.Health.ReadyHandler())
	}

	admin := gwmw.Admin(opts.AdminToken)
	mux.Handle("POST /api/v1/admin/keys", admin(http.HandlerFunc(h.CreateAPIKey)))
	mux.Handle("GET /api/v1/admin/keys", admin(http.HandlerFunc(h.ListAPIKeys)))
	mux.Handle("POST /api/v1/admin/keys/revoke", admin(http.HandlerFunc(h.RevokeAPIKey)))
	mux.Handle("/api/v1/admin/", admin(http.NotFoundHandler()))

	mux.HandleFunc("/api/v1/analytics/", h.ProxyAnalytics)
	mux.HandleFunc("/api/v1/", h.ProxyContent)

	var chain http.Handler = mux
	chain = gwmw.RateLimit(opts.Limiter, opts.Metrics)(chain)
	chain = gwmw.Auth(opts.Validator, opts.Metrics)(chain)
	chain = gwmw.CORS(gwmw.NewCORSConfig(opts.Origins))(chain)
	if opts.Metrics != nil {
		chain = pkgmw.Metrics(opts.Metrics)(chain)
	}
	chain = pkgmw.RequestID(chain)

	return chain
}
