package similarity

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
	"time"

	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/config"
	"github.com/google/uuid"
)

const (
	payloadChunkIDKey = "chunk_id"
	maxErrorBodyBytes = 1024
	maxResponseBytes  = 8 << 20
)

// Point ids are derived from chunk ids, which are arbitrary strings that
// Qdrant does not accept as ids.
var pointIDNamespace = uuid.MustParse("6a4c53f0-6b2e-4b7f-9d1c-3f2e8a5d9c41")

// OperationError describes a failed Qdrant call.
type OperationError struct {
	Op         string
	StatusCode int
	Message    string
	Cause      error
}

func (e *OperationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("qdrant %s failed (status=%d): %s: %v", e.Op, e.StatusCode, e.Message, e.Cause)
	}
	return fmt.Sprintf("qdrant %s failed (status=%d): %s", e.Op, e.StatusCode, e.Message)
}

func (e *OperationError) Unwrap() error {
	return e.Cause
}

// QdrantStore is an Oracle over the Qdrant REST API. The collection must use
// Euclid distance so the returned score is the distance itself.
type QdrantStore struct {
	baseURL    string
	collection string
	dim        int
	http       *http.Client
	logger     *slog.Logger
}

type qdrantEnvelope struct {
	Result json.RawMessage `json:"result"`
	Status json.RawMessage `json:"status"`
}

type qdrantHit struct {
	ID      json.RawMessage `json:"id"`
	Score   float64         `json:"score"`
	Payload map[string]any  `json:"payload"`
}

// NewQdrantStore builds a client for cfg.Collection. It does not contact the
// server; call Ping for a readiness check.
func NewQdrantStore(cfg config.SimilarityConfig) (*QdrantStore, error) {
	if strings.TrimSpace(cfg.QdrantURL) == "" {
		return nil, errors.New("similarity.qdrantURL is required")
	}
	if strings.TrimSpace(cfg.Collection) == "" {
		return nil, errors.New("similarity.collection is required")
	}
	return &QdrantStore{
		baseURL:    strings.TrimRight(cfg.QdrantURL, "/"),
		collection: cfg.Collection,
		dim:        cfg.VectorDim,
		http:       &http.Client{Timeout: 10 * time.Second},
		logger:     slog.Default().With("component", "qdrant-store", "collection", cfg.Collection),
	}, nil
}

func (s *QdrantStore) Query(ctx context.Context, vec []float32, n int) ([]Match, error) {
	if err := validateQuery(vec, n, s.dim); err != nil {
		return nil, err
	}
	req := map[string]any{
		"vector":       vec,
		"limit":        n,
		"with_payload": []string{payloadChunkIDKey},
		"with_vector":  false,
	}
	var hits []qdrantHit
	if err := s.doJSON(ctx, "query", http.MethodPost, s.collectionPath("/points/search"), req, &hits); err != nil {
		return nil, err
	}
	out := make([]Match, 0, len(hits))
	for _, h := range hits {
		id, _ := h.Payload[payloadChunkIDKey].(string)
		if id == "" {
			s.logger.Warn("search hit without chunk id", "point_id", string(h.ID))
			continue
		}
		out = append(out, Match{ID: id, Distance: h.Score})
	}
	sortMatches(out)
	return out, nil
}

func (s *QdrantStore) Upsert(ctx context.Context, vectors []Vector) error {
	if len(vectors) == 0 {
		return nil
	}
	if err := validateVectors(vectors, s.dim); err != nil {
		return err
	}
	points := make([]map[string]any, 0, len(vectors))
	for _, v := range vectors {
		points = append(points, map[string]any{
			"id":      pointID(v.ID),
			"vector":  v.Values,
			"payload": map[string]any{payloadChunkIDKey: v.ID},
		})
	}
	return s.doJSON(ctx, "upsert", http.MethodPut, s.collectionPath("/points?wait=true"),
		map[string]any{"points": points}, nil)
}

func (s *QdrantStore) Delete(ctx context.Context, ids []string) error {
	seen := make(map[string]struct{}, len(ids))
	points := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		p := pointID(id)
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		points = append(points, p)
	}
	if len(points) == 0 {
		return nil
	}
	return s.doJSON(ctx, "delete", http.MethodPost, s.collectionPath("/points/delete?wait=true"),
		map[string]any{"points": points}, nil)
}

// Ping checks that the collection exists and has the configured dimension.
func (s *QdrantStore) Ping(ctx context.Context) error {
	var info struct {
		Config struct {
			Params struct {
				Vectors struct {
					Size     int    `json:"size"`
					Distance string `json:"distance"`
				} `json:"vectors"`
			} `json:"params"`
		} `json:"config"`
	}
	if err := s.doJSON(ctx, "ping", http.MethodGet, s.collectionPath(""), nil, &info); err != nil {
		return err
	}
	v := info.Config.Params.Vectors
	if s.dim > 0 && v.Size != 0 && v.Size != s.dim {
		return &OperationError{Op: "ping", Message: fmt.Sprintf("collection vector size %d, want %d", v.Size, s.dim)}
	}
	if v.Distance != "" && !strings.EqualFold(v.Distance, "Euclid") {
		return &OperationError{Op: "ping", Message: fmt.Sprintf("collection distance %q, want Euclid", v.Distance)}
	}
	return nil
}

func (s *QdrantStore) collectionPath(suffix string) string {
	return "/collections/" + s.collection + suffix
}

func (s *QdrantStore) doJSON(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(in); err != nil {
			return &OperationError{Op: op, Message: "encode request", Cause: err}
		}
		body = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return &OperationError{Op: op, Message: "build request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.http.Do(req)
	if err != nil {
		return &OperationError{Op: op, Message: "transport", Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &OperationError{Op: op, StatusCode: resp.StatusCode, Message: "read response", Cause: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &OperationError{Op: op, StatusCode: resp.StatusCode, Message: truncateBody(raw)}
	}
	var env qdrantEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &OperationError{Op: op, StatusCode: resp.StatusCode, Message: "decode envelope", Cause: err}
	}
	if msg := envelopeError(env.Status); msg != "" {
		return &OperationError{Op: op, StatusCode: resp.StatusCode, Message: msg}
	}
	s.logger.Debug("qdrant call", "op", op, "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())
	if out == nil || len(env.Result) == 0 || string(env.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return &OperationError{Op: op, StatusCode: resp.StatusCode, Message: "decode result", Cause: err}
	}
	return nil
}

// envelopeError returns the error text of a non-ok status. Qdrant reports
// success as the string "ok" and failure as {"error": "..."}.
func envelopeError(status json.RawMessage) string {
	if len(status) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(status, &s); err == nil {
		if strings.EqualFold(s, "ok") || s == "" {
			return ""
		}
		return s
	}
	var obj struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(status, &obj); err == nil && obj.Error != "" {
		return obj.Error
	}
	return ""
}

func truncateBody(raw []byte) string {
	if len(raw) > maxErrorBodyBytes {
		return string(raw[:maxErrorBodyBytes]) + "..."
	}
	return string(raw)
}

func pointID(chunkID string) string {
	return uuid.NewSHA1(pointIDNamespace, []byte(chunkID)).String()
}
