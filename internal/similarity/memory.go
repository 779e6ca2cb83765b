package similarity

import (
	"context"
	"log/slog"
	"math"
	"sync"
)

// MemoryIndex is a brute-force L2 index for tests and single-node
// development.
type MemoryIndex struct {
	mu      sync.RWMutex
	dim     int
	vectors map[string][]float32
	logger  *slog.Logger
}

// NewMemoryIndex returns an empty index. dim <= 0 accepts any dimension but
// requires all vectors to agree with the first one inserted.
func NewMemoryIndex(dim int) *MemoryIndex {
	return &MemoryIndex{
		dim:     dim,
		vectors: make(map[string][]float32),
		logger:  slog.Default().With("component", "memory-index"),
	}
}

func (m *MemoryIndex) Query(ctx context.Context, vec []float32, n int) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := validateQuery(vec, n, m.dim); err != nil {
		return nil, err
	}
	matches := make([]Match, 0, len(m.vectors))
	for id, v := range m.vectors {
		if len(v) != len(vec) {
			continue
		}
		matches = append(matches, Match{ID: id, Distance: euclidean(vec, v)})
	}
	sortMatches(matches)
	if len(matches) > n {
		matches = matches[:n]
	}
	return matches, nil
}

func (m *MemoryIndex) Upsert(ctx context.Context, vectors []Vector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := validateVectors(vectors, m.dim); err != nil {
		return err
	}
	if m.dim <= 0 && len(vectors) > 0 {
		m.dim = len(vectors[0].Values)
		if err := validateVectors(vectors, m.dim); err != nil {
			m.dim = 0
			return err
		}
	}
	for _, v := range vectors {
		m.vectors[v.ID] = append([]float32(nil), v.Values...)
	}
	m.logger.Debug("vectors upserted", "count", len(vectors), "total", len(m.vectors))
	return nil
}

func (m *MemoryIndex) Delete(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.vectors, id)
	}
	return nil
}

// Len returns the number of stored vectors.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vectors)
}

func euclidean(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
