// Package middleware provides HTTP middleware for the API gateway including
// API-key authentication, admin authorisation, CORS and rate limiting.
package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/auth/apikey"
	apperrors "github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/metrics"
	pkgmw "github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/middleware"
)

type contextKey string

const apiKeyInfoKey contextKey = "api_key_info"

// AdminHeader carries the operator token on /api/v1/admin routes.
const AdminHeader = "X-Admin-Token"

// KeyValidator resolves a raw API key.
type KeyValidator interface {
	Validate(ctx context.Context, rawKey string) (*apikey.KeyInfo, error)
}

func exempt(path string) bool {
	return strings.HasPrefix(path, "/health") || path == "/metrics" || strings.HasPrefix(path, "/api/v1/admin")
}

// Auth validates the caller's API key and replaces any client-supplied
// buyer header with the public key bound to that key. Keys can be provided
// via Authorization: Bearer <key>, X-API-Key, or the api_key query
// parameter. Health, metrics and admin paths are exempt.
func Auth(validator KeyValidator, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Header.Del(pkgmw.BuyerPublicKeyHeader)
			if exempt(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			key := extractAPIKey(r)
			if key == "" {
				reject(w, m, "missing", apperrors.New(apperrors.ErrUnauthorized, http.StatusUnauthorized, "missing api key"))
				return
			}

			info, err := validator.Validate(r.Context(), key)
			switch {
			case errors.Is(err, apikey.ErrExpiredKey):
				reject(w, m, "expired", err)
				return
			case errors.Is(err, apperrors.ErrUnauthorized):
				reject(w, m, "invalid", err)
				return
			case err != nil:
				slog.Default().Error("api key validation failed", "error", err)
				writeError(w, err)
				return
			}

			r.Header.Set(pkgmw.BuyerPublicKeyHeader, info.PublicKey)
			ctx := context.WithValue(r.Context(), apiKeyInfoKey, info)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Admin guards the admin routes with a static operator token. An empty
// token disables the admin API.
func Admin(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(AdminHeader)
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, apperrors.ErrUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetKeyInfo retrieves the validated KeyInfo from the request context.
func GetKeyInfo(ctx context.Context) *apikey.KeyInfo {
	info, _ := ctx.Value(apiKeyInfoKey).(*apikey.KeyInfo)
	return info
}

// extractAPIKey reads the API key from the request in priority order:
// Authorization: Bearer header, X-API-Key header, api_key query parameter.
func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

func reject(w http.ResponseWriter, m *metrics.Metrics, reason string, err error) {
	if m != nil {
		m.GatewayAuthFailures.WithLabelValues(reason).Inc()
	}
	writeError(w, err)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperrors.HTTPStatusCode(err))
	json.NewEncoder(w).Encode(apperrors.ToBody(err))
}
