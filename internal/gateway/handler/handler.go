package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/auth/apikey"
	apperrors "github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/middleware"
)

// APIPrefix is stripped before a request is forwarded upstream.
const APIPrefix = "/api/v1"

// Config holds the upstream URLs and the secret the content service expects.
type Config struct {
	ContentURL    string
	AnalyticsURL  string
	ServiceSecret string
}

// KeyManager is the admin side of the API key store.
type KeyManager interface {
	CreateKey(ctx context.Context, name, publicKey string, rateLimit int, expiresAt *time.Time) (string, error)
	RevokeKey(ctx context.Context, rawKey string) error
	ListKeys(ctx context.Context) ([]apikey.KeyInfo, error)
}

// Handler implements the API gateway's HTTP endpoints. It proxies
// marketplace calls to the content and analytics services and manages API
// keys directly.
type Handler struct {
	contentProxy   *httputil.ReverseProxy
	analyticsProxy *httputil.ReverseProxy
	keys           KeyManager
	logger         *slog.Logger
}

// New parses the upstream URLs and builds the proxies.
func New(cfg Config, keys KeyManager) (*Handler, error) {
	h := &Handler{
		keys:   keys,
		logger: slog.Default().With("component", "gateway-handler"),
	}
	var err error
	if h.contentProxy, err = h.newProxy(cfg.ContentURL, cfg.ServiceSecret); err != nil {
		return nil, err
	}
	if h.analyticsProxy, err = h.newProxy(cfg.AnalyticsURL, ""); err != nil {
		return nil, err
	}
	return h, nil
}

// newProxy forwards to target with APIPrefix removed. The service secret is
// set on every forwarded request; the buyer header set by Auth passes
// through unchanged.
func (h *Handler) newProxy(target, secret string) (*httputil.ReverseProxy, error) {
	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.New("invalid upstream url " + target)
	}
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(u)
			pr.SetXForwarded()
			path := strings.TrimPrefix(pr.In.URL.Path, APIPrefix)
			if path == "" {
				path = "/"
			}
			pr.Out.URL.Path = strings.TrimRight(u.Path, "/") + path
			pr.Out.URL.RawPath = ""
			pr.Out.Header.Del(middleware.ServiceSecretHeader)
			if secret != "" {
				pr.Out.Header.Set(middleware.ServiceSecretHeader, secret)
			}
			if id := middleware.GetRequestID(pr.In.Context()); id != "" {
				pr.Out.Header.Set(middleware.RequestIDHeader, id)
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			h.logger.Error("upstream request failed", "upstream", u.Host, "path", r.URL.Path, "error", err)
			h.writeJSON(w, http.StatusBadGateway, apperrors.Body{Error: apperrors.KindInternal, Detail: "upstream unavailable"})
		},
	}, nil
}

// ProxyContent forwards marketplace calls to the content service.
func (h *Handler) ProxyContent(w http.ResponseWriter, r *http.Request) {
	h.contentProxy.ServeHTTP(w, r)
}

// ProxyAnalytics forwards analytics calls to the analytics service.
func (h *Handler) ProxyAnalytics(w http.ResponseWriter, r *http.Request) {
	h.analyticsProxy.ServeHTTP(w, r)
}

// CreateAPIKey creates a new API key bound to a public key and returns the
// raw key (shown once).
func (h *Handler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string `json:"name"`
		PublicKey string `json:"public_key"`
		RateLimit int    `json:"rate_limit"`
		ExpiresIn string `json:"expires_in,omitempty"` // Go duration, e.g. "720h"
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "invalid JSON body"))
		return
	}

	var expiresAt *time.Time
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil || d <= 0 {
			h.writeError(w, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "invalid expires_in duration"))
			return
		}
		t := time.Now().Add(d)
		expiresAt = &t
	}

	key, err := h.keys.CreateKey(r.Context(), req.Name, req.PublicKey, req.RateLimit, expiresAt)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{
		"api_key":    key,
		"name":       req.Name,
		"public_key": req.PublicKey,
		"message":    "store this key securely, it cannot be retrieved again",
	})
}

// RevokeAPIKey deactivates the key given in the body.
func (h *Handler) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		APIKey string `json:"api_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.APIKey == "" {
		h.writeError(w, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "api_key is required"))
		return
	}
	if err := h.keys.RevokeKey(r.Context(), req.APIKey); err != nil {
		if errors.Is(err, apikey.ErrInvalidKey) {
			h.writeError(w, apperrors.New(apperrors.ErrNotFound, http.StatusNotFound, "api key not found"))
			return
		}
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// ListAPIKeys returns all active API keys (without hashes).
func (h *Handler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.keys.ListKeys(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"keys":  keys,
		"count": len(keys),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatusCode(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("gateway request failed", "error", err)
	}
	h.writeJSON(w, status, apperrors.ToBody(err))
}
