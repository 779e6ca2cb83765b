package similarity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/resilience"
	"github.com/redis/go-redis/v9"
)

func TestMemoryIndexOrdersByDistance(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(2)
	err := idx.Upsert(ctx, []Vector{
		{ID: "far", Values: []float32{3, 4}},
		{ID: "near", Values: []float32{0, 1}},
		{ID: "mid", Values: []float32{0, 2}},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := idx.Query(ctx, []float32{0, 0}, 2)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 || got[0].ID != "near" || got[1].ID != "mid" {
		t.Fatalf("unexpected matches: %+v", got)
	}
	if got[0].Distance != 1 || got[1].Distance != 2 {
		t.Errorf("unexpected distances: %+v", got)
	}

	if err := idx.Delete(ctx, []string{"near"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ = idx.Query(ctx, []float32{0, 0}, 5)
	if len(got) != 2 || got[0].ID != "mid" {
		t.Errorf("after delete: %+v", got)
	}
}

func TestMemoryIndexRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(3)
	if err := idx.Upsert(ctx, []Vector{{ID: "a", Values: []float32{1}}}); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("wrong dimension upsert: got %v", err)
	}
	if _, err := idx.Query(ctx, []float32{1, 2, 3}, 0); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("n=0 query: got %v", err)
	}
	if _, err := idx.Query(ctx, nil, 3); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("empty query: got %v", err)
	}
}

func TestMemoryIndexLearnsDimension(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(0)
	if err := idx.Upsert(ctx, []Vector{{ID: "a", Values: []float32{1, 1}}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := idx.Upsert(ctx, []Vector{{ID: "b", Values: []float32{1, 1, 1}}}); err == nil {
		t.Error("expected dimension mismatch after first insert")
	}
	if idx.Len() != 1 {
		t.Errorf("Len = %d, want 1", idx.Len())
	}
}

type qdrantFake struct {
	mu      sync.Mutex
	upserts []map[string]any
	deletes []any
}

func (f *qdrantFake) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/collections/chunks/points/search", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode search: %v", err)
		}
		if req["limit"].(float64) != 3 {
			t.Errorf("limit = %v, want 3", req["limit"])
		}
		writeEnvelope(w, []map[string]any{
			{"id": pointID("b"), "score": 0.9, "payload": map[string]any{"chunk_id": "b"}},
			{"id": pointID("a"), "score": 0.2, "payload": map[string]any{"chunk_id": "a"}},
			{"id": "orphan", "score": 0.1, "payload": map[string]any{}},
		})
	})
	mux.HandleFunc("/collections/chunks/points", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Query().Get("wait") != "true" {
			http.Error(w, "bad", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Points []map[string]any `json:"points"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.upserts = append(f.upserts, req.Points...)
		f.mu.Unlock()
		writeEnvelope(w, map[string]any{"status": "completed"})
	})
	mux.HandleFunc("/collections/chunks/points/delete", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Points []any `json:"points"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.deletes = append(f.deletes, req.Points...)
		f.mu.Unlock()
		writeEnvelope(w, map[string]any{"status": "completed"})
	})
	mux.HandleFunc("/collections/chunks", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, map[string]any{
			"config": map[string]any{"params": map[string]any{"vectors": map[string]any{"size": 2, "distance": "Euclid"}}},
		})
	})
	return mux
}

func writeEnvelope(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"result": result, "status": "ok", "time": 0.001})
}

func newTestQdrant(t *testing.T, h http.Handler) *QdrantStore {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	s, err := NewQdrantStore(config.SimilarityConfig{QdrantURL: srv.URL + "/", Collection: "chunks", VectorDim: 2})
	if err != nil {
		t.Fatalf("NewQdrantStore: %v", err)
	}
	return s
}

func TestQdrantQueryMapsPayloadIDs(t *testing.T) {
	fake := &qdrantFake{}
	s := newTestQdrant(t, fake.handler(t))

	got, err := s.Query(context.Background(), []float32{0.1, 0.2}, 3)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected orphan hit to be skipped, got %+v", got)
	}
	if got[0].ID != "a" || got[0].Distance != 0.2 || got[1].ID != "b" {
		t.Errorf("matches not ascending by distance: %+v", got)
	}
}

func TestQdrantUpsertAndDeleteUseStablePointIDs(t *testing.T) {
	fake := &qdrantFake{}
	s := newTestQdrant(t, fake.handler(t))
	ctx := context.Background()

	if err := s.Upsert(ctx, []Vector{{ID: "c1", Values: []float32{1, 2}}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.Delete(ctx, []string{"c1", "c1", ""}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.upserts) != 1 || fake.upserts[0]["id"] != pointID("c1") {
		t.Fatalf("upserts = %+v", fake.upserts)
	}
	payload := fake.upserts[0]["payload"].(map[string]any)
	if payload["chunk_id"] != "c1" {
		t.Errorf("payload = %+v", payload)
	}
	if len(fake.deletes) != 1 || fake.deletes[0] != pointID("c1") {
		t.Errorf("deletes = %+v", fake.deletes)
	}
}

func TestQdrantPingChecksCollection(t *testing.T) {
	fake := &qdrantFake{}
	s := newTestQdrant(t, fake.handler(t))
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("ping: %v", err)
	}
	s.dim = 768
	if err := s.Ping(context.Background()); err == nil {
		t.Error("expected dimension mismatch")
	}
}

func TestQdrantErrorStatus(t *testing.T) {
	s := newTestQdrant(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"status":{"error":"Collection not found"}}`))
	}))
	_, err := s.Query(context.Background(), []float32{1, 2}, 1)
	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %v", err)
	}
	if opErr.StatusCode != http.StatusNotFound || !strings.Contains(opErr.Message, "Collection not found") {
		t.Errorf("unexpected error: %+v", opErr)
	}
}

type mapKV struct {
	mu   sync.Mutex
	data map[string]string
}

func newMapKV() *mapKV { return &mapKV{data: make(map[string]string)} }

func (m *mapKV) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func (m *mapKV) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = string(value.([]byte))
	return nil
}

func (m *mapKV) FlushByPattern(_ context.Context, pattern string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var n int64
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			delete(m.data, k)
			n++
		}
	}
	return n, nil
}

type countingOracle struct {
	Oracle
	queries atomic.Int64
}

func (c *countingOracle) Query(ctx context.Context, vec []float32, n int) ([]Match, error) {
	c.queries.Add(1)
	return c.Oracle.Query(ctx, vec, n)
}

func TestCachedOracleHitsAndInvalidates(t *testing.T) {
	ctx := context.Background()
	inner := &countingOracle{Oracle: NewMemoryIndex(2)}
	kv := newMapKV()
	c := NewCachedOracle(inner, kv, time.Minute, nil)

	if err := c.Upsert(ctx, []Vector{{ID: "a", Values: []float32{1, 0}}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	q := []float32{0, 0}
	first, err := c.Query(ctx, q, 5)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	second, _ := c.Query(ctx, q, 5)
	if inner.queries.Load() != 1 {
		t.Errorf("upstream queries = %d, want 1", inner.queries.Load())
	}
	if len(first) != 1 || len(second) != 1 || second[0] != first[0] {
		t.Errorf("cached result differs: %+v vs %+v", first, second)
	}
	if hits, misses := c.Stats(); hits != 1 || misses != 2 {
		t.Errorf("stats = %d hits, %d misses", hits, misses)
	}

	if err := c.Upsert(ctx, []Vector{{ID: "b", Values: []float32{0, 0.5}}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	third, _ := c.Query(ctx, q, 5)
	if inner.queries.Load() != 2 {
		t.Errorf("upsert did not invalidate the cache")
	}
	if len(third) != 2 || third[0].ID != "b" {
		t.Errorf("fresh result = %+v", third)
	}
}

func TestCachedOracleKeysByLimit(t *testing.T) {
	if buildKey([]float32{1, 2}, 3) == buildKey([]float32{1, 2}, 4) {
		t.Error("limit must be part of the cache key")
	}
	if buildKey([]float32{1, 2}, 3) != buildKey([]float32{1, 2}, 3) {
		t.Error("cache key is not deterministic")
	}
}

type failingOracle struct{ err error }

func (f failingOracle) Query(context.Context, []float32, int) ([]Match, error) { return nil, f.err }
func (f failingOracle) Upsert(context.Context, []Vector) error                 { return f.err }
func (f failingOracle) Delete(context.Context, []string) error                 { return f.err }

func TestBreakerIgnoresInvalidInput(t *testing.T) {
	b := NewBreaker(NewMemoryIndex(2), nil)
	for i := 0; i < 10; i++ {
		_, _ = b.Query(context.Background(), nil, 1)
	}
	if b.State() != resilience.StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}

	down := NewBreaker(failingOracle{err: errors.New("connection refused")}, nil)
	for i := 0; i < 5; i++ {
		_, _ = down.Query(context.Background(), []float32{1}, 1)
	}
	if down.State() != resilience.StateOpen {
		t.Fatalf("state = %v, want open", down.State())
	}
	if _, err := down.Query(context.Background(), []float32{1}, 1); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}
