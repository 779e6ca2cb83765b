package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/logger"
)

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"/documents/abc/price": "/documents/{id}/price",
		"/chunks/c1":           "/chunks/{id}",
		"/query":               "/query",
		"/documents":           "/documents",
	}
	for in, want := range tests {
		if got := normalizePath(in); got != want {
			t.Errorf("normalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestServiceSecret(t *testing.T) {
	h := ServiceSecret("s3cret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/query", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("missing secret: got %d, want 401", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/query", nil)
	req.Header.Set(ServiceSecretHeader, "s3cret")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Errorf("valid secret: got %d, want 204", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/health/live", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Errorf("health exempt: got %d, want 204", rr.Code)
	}
}

func TestRequestIDPropagates(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logger.RequestID(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if seen != "req-42" {
		t.Errorf("context id = %q, want req-42", seen)
	}
	if rr.Header().Get(RequestIDHeader) != "req-42" {
		t.Errorf("response header = %q", rr.Header().Get(RequestIDHeader))
	}
}

func TestTimeoutWrites504(t *testing.T) {
	h := Timeout(20 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		time.Sleep(10 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/slow", nil))
	if rr.Code != http.StatusGatewayTimeout {
		t.Errorf("got %d, want 504", rr.Code)
	}
}
