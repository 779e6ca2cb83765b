package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/auth/apikey"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/auth/ratelimit"
	gwhandler "github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/gateway/handler"
	gwmw "github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/gateway/middleware"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/metrics"
	pkgmw "github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	buyer      = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	secret     = "service-secret"
	adminToken = "admin-token"
)

type fakeKeys struct {
	keys    map[string]*apikey.KeyInfo
	created []string
	revoked []string
}

func (f *fakeKeys) Validate(_ context.Context, raw string) (*apikey.KeyInfo, error) {
	if info, ok := f.keys[raw]; ok {
		return info, nil
	}
	if raw == "expired" {
		return nil, apikey.ErrExpiredKey
	}
	return nil, apikey.ErrInvalidKey
}

func (f *fakeKeys) CreateKey(_ context.Context, name, publicKey string, _ int, _ *time.Time) (string, error) {
	f.created = append(f.created, name+"/"+publicKey)
	return "raw-" + name, nil
}

func (f *fakeKeys) RevokeKey(_ context.Context, raw string) error {
	if _, ok := f.keys[raw]; !ok {
		return apikey.ErrInvalidKey
	}
	f.revoked = append(f.revoked, raw)
	return nil
}

func (f *fakeKeys) ListKeys(context.Context) ([]apikey.KeyInfo, error) {
	out := []apikey.KeyInfo{}
	for _, k := range f.keys {
		out = append(out, *k)
	}
	return out, nil
}

type seen struct {
	path, secret, buyer string
}

func upstream(t *testing.T, got *seen) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got = seen{
			path:   r.URL.Path,
			secret: r.Header.Get(pkgmw.ServiceSecretHeader),
			buyer:  r.Header.Get(pkgmw.BuyerPublicKeyHeader),
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newGateway(t *testing.T, limit int) (http.Handler, *seen, *seen, *fakeKeys) {
	t.Helper()
	var content, analytics seen
	contentSrv := upstream(t, &content)
	analyticsSrv := upstream(t, &analytics)

	keys := &fakeKeys{keys: map[string]*apikey.KeyInfo{
		"good": {ID: "k1", Name: "alice", PublicKey: buyer, RateLimit: limit, IsActive: true},
	}}
	h, err := gwhandler.New(gwhandler.Config{
		ContentURL:    contentSrv.URL,
		AnalyticsURL:  analyticsSrv.URL,
		ServiceSecret: secret,
	}, keys)
	require.NoError(t, err)

	limiter := ratelimit.NewLocal(time.Hour)
	t.Cleanup(limiter.Close)
	return New(h, Options{
		Validator:  keys,
		Limiter:    limiter,
		AdminToken: adminToken,
		Metrics:    metrics.NewWithRegistry(prometheus.NewRegistry()),
	}), &content, &analytics, keys
}

func send(h http.Handler, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestProxiesContentWithSecretAndBuyer(t *testing.T) {
	gw, content, _, _ := newGateway(t, 10)

	rec := send(gw, http.MethodPost, "/api/v1/query", []byte(`{}`), map[string]string{
		"Authorization":            "Bearer good",
		pkgmw.BuyerPublicKeyHeader: "0xspoofed",
		pkgmw.ServiceSecretHeader:  "guess",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "/query", content.path)
	assert.Equal(t, secret, content.secret)
	assert.Equal(t, buyer, content.buyer)
}

func TestProxiesAnalyticsWithoutSecret(t *testing.T) {
	gw, _, analytics, _ := newGateway(t, 10)

	rec := send(gw, http.MethodGet, "/api/v1/analytics/stats", nil, map[string]string{"X-API-Key": "good"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/analytics/stats", analytics.path)
	assert.Empty(t, analytics.secret)
}

func TestRejectsBadKeys(t *testing.T) {
	gw, content, _, _ := newGateway(t, 10)

	for _, key := range []string{"", "wrong", "expired"} {
		headers := map[string]string{}
		if key != "" {
			headers["X-API-Key"] = key
		}
		rec := send(gw, http.MethodGet, "/api/v1/documents", nil, headers)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, key)
	}
	assert.Empty(t, content.path)
}

func TestRateLimitPerKey(t *testing.T) {
	gw, _, _, _ := newGateway(t, 2)
	headers := map[string]string{"X-API-Key": "good"}

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, send(gw, http.MethodGet, "/api/v1/documents", nil, headers).Code)
	}
	rec := send(gw, http.MethodGet, "/api/v1/documents", nil, headers)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestAdminRoutes(t *testing.T) {
	gw, _, _, keys := newGateway(t, 10)

	body, _ := json.Marshal(map[string]any{"name": "bob", "public_key": buyer})
	rec := send(gw, http.MethodPost, "/api/v1/admin/keys", body, map[string]string{"X-API-Key": "good"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "an API key is not an admin token")

	rec = send(gw, http.MethodPost, "/api/v1/admin/keys", body, map[string]string{gwmw.AdminHeader: adminToken})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"bob/" + buyer}, keys.created)

	rec = send(gw, http.MethodGet, "/api/v1/admin/keys", nil, map[string]string{gwmw.AdminHeader: adminToken})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = send(gw, http.MethodPost, "/api/v1/admin/keys/revoke", []byte(`{"api_key":"missing"}`), map[string]string{gwmw.AdminHeader: adminToken})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = send(gw, http.MethodPost, "/api/v1/admin/keys/revoke", []byte(`{"api_key":"good"}`), map[string]string{gwmw.AdminHeader: adminToken})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = send(gw, http.MethodDelete, "/api/v1/admin/keys", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "admin paths never reach the content proxy")
}

func TestCORSPreflight(t *testing.T) {
	gw, _, _, _ := newGateway(t, 10)
	rec := send(gw, http.MethodOptions, "/api/v1/query", nil, map[string]string{"Origin": "http://app.local"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://app.local", rec.Header().Get("Access-Control-Allow-Origin"))
}
