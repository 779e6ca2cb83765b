package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// ServiceSecretHeader carries the shared secret between the gateway and the
// content service.
const ServiceSecretHeader = "X-Service-Secret"

// BuyerPublicKeyHeader carries the public key bound to the caller's API key.
// The gateway sets it; the content service trusts it over body fields.
const BuyerPublicKeyHeader = "X-Buyer-Public-Key"

// ServiceSecret rejects requests that do not present the shared service
// secret. Health and metrics endpoints are exempt.
func ServiceSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/health") || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}
			got := r.Header.Get(ServiceSecretHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"unauthorized","detail":"authentication failed"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
