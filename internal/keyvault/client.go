package keyvault

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/resilience"
)

// Client calls custodians over HTTP. Each custodian identity resolves to its
// own endpoint and circuit breaker.
type Client struct {
	baseURL      string
	endpoints    map[string]string
	sharedSecret string
	http         *http.Client
	breakerCfg   resilience.CircuitBreakerConfig
	retryCfg     resilience.RetryConfig

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
	logger   *slog.Logger
}

// NewClient builds a Client. onBreaker, if non-nil, observes breaker state
// changes.
func NewClient(cfg config.KeyVaultConfig, onBreaker func(name string, to resilience.State)) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	endpoints := make(map[string]string, len(cfg.Endpoints))
	for id, url := range cfg.Endpoints {
		endpoints[strings.ToLower(id)] = strings.TrimRight(url, "/")
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		endpoints:    endpoints,
		sharedSecret: cfg.SharedSecret,
		http:         &http.Client{Timeout: timeout},
		breakerCfg: resilience.CircuitBreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     15 * time.Second,
			OnStateChange:    onBreaker,
			IsFailure:        isUpstreamFault,
		},
		retryCfg: resilience.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Retryable:    isTransient,
		},
		breakers: make(map[string]*resilience.CircuitBreaker),
		logger:   slog.Default().With("component", "keyvault-client"),
	}
}

func isTransient(err error) bool {
	return isUpstreamFault(err) && !errors.Is(err, resilience.ErrCircuitOpen)
}

// isUpstreamFault excludes answers that prove the custodian is healthy.
func isUpstreamFault(err error) bool {
	switch apperrors.KindOf(err) {
	case apperrors.KindNotFound, apperrors.KindRequestMismatch, apperrors.KindUnauthorized, apperrors.KindInvalidInput:
		return false
	}
	return true
}

func (c *Client) endpoint(custodian string) string {
	if url, ok := c.endpoints[strings.ToLower(custodian)]; ok {
		return url
	}
	return c.baseURL
}

func (c *Client) breaker(url string) *resilience.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.breakers[url]
	if !ok {
		cb = resilience.NewCircuitBreaker("keyvault:"+url, c.breakerCfg)
		c.breakers[url] = cb
	}
	return cb
}

// FetchKeys asks custodian for the keys of ids under mode. Whole-document
// requests carry the shared secret.
func (c *Client) FetchKeys(ctx context.Context, custodian string, ids []string, mode Mode) ([]KeyRecord, error) {
	var out []KeyRecord
	req := getKeysRequest{ChunkIDs: ids, WholeDocument: mode == ModeWholeDocument}
	if req.WholeDocument {
		req.SharedSecret = c.sharedSecret
	}
	if err := c.post(ctx, custodian, "/get-keys", req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DocumentSecret fetches the whole-document secret using the shared secret.
// The call is read-only on the custodian, so transport faults are retried.
func (c *Client) DocumentSecret(ctx context.Context, custodian, documentID string) (string, error) {
	var secret string
	req := documentSecretRequest{DocumentID: documentID, SharedSecret: c.sharedSecret}
	err := resilience.Retry(ctx, "keyvault.document_secret", c.retryCfg, func() error {
		return c.post(ctx, custodian, "/get-document-secret", req, &secret)
	})
	if err != nil {
		return "", err
	}
	return secret, nil
}

// UploadKeys records an owner's keys with custodian.
func (c *Client) UploadKeys(ctx context.Context, custodian string, up Upload) error {
	return c.post(ctx, custodian, "/upload-keys", up, nil)
}

func (c *Client) post(ctx context.Context, custodian, path string, in, out any) error {
	base := c.endpoint(custodian)
	if base == "" {
		return fmt.Errorf("%w: no key vault endpoint for %s", apperrors.ErrInvalidInput, custodian)
	}
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", path, err)
	}
	return c.breaker(base).Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("building %s request: %w", path, err)
		}
		req.Header.Set("Content-Type", "application/json")
		if id := logger.RequestID(ctx); id != "" {
			req.Header.Set(middleware.RequestIDHeader, id)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("%w: key vault %s: %v", apperrors.ErrTimeout, path, err)
			}
			return fmt.Errorf("calling key vault %s: %w", path, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return decodeError(resp, path)
		}
		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding key vault %s response: %w", path, err)
		}
		return nil
	})
}

func decodeError(resp *http.Response, path string) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body apperrors.Body
	detail := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &body) == nil && body.Detail != "" {
		detail = body.Detail
	}
	sentinel := apperrors.FromStatus(resp.StatusCode)
	if resp.StatusCode == http.StatusBadRequest && body.Error == apperrors.KindInvalidInput {
		sentinel = apperrors.ErrInvalidInput
	}
	return fmt.Errorf("%w: key vault %s returned %d: %s", sentinel, path, resp.StatusCode, detail)
}
