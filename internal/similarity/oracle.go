// Package similarity answers nearest-neighbour queries over chunk
// embeddings. The purchase flow treats it as a read-only oracle; upload and
// delete are the only writers.
package similarity

import (
	"context"
	"fmt"
	"sort"

	apperrors "github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/errors"
)

// Match is one candidate chunk and its distance from the query. Lower is
// more relevant.
type Match struct {
	ID       string  `json:"id"`
	Distance float64 `json:"distance"`
}

// Vector is a chunk embedding keyed by chunk id.
type Vector struct {
	ID     string    `json:"id"`
	Values []float32 `json:"values"`
}

// Oracle is the nearest-neighbour index. Query returns at most n matches
// sorted by ascending distance.
type Oracle interface {
	Query(ctx context.Context, vec []float32, n int) ([]Match, error)
	Upsert(ctx context.Context, vectors []Vector) error
	Delete(ctx context.Context, ids []string) error
}

func validateQuery(vec []float32, n, dim int) error {
	if len(vec) == 0 {
		return fmt.Errorf("%w: query embedding is empty", apperrors.ErrInvalidInput)
	}
	if dim > 0 && len(vec) != dim {
		return fmt.Errorf("%w: query embedding has dimension %d, want %d", apperrors.ErrInvalidInput, len(vec), dim)
	}
	if n <= 0 {
		return fmt.Errorf("%w: n_results must be positive, got %d", apperrors.ErrInvalidInput, n)
	}
	return nil
}

func validateVectors(vectors []Vector, dim int) error {
	for _, v := range vectors {
		if v.ID == "" {
			return fmt.Errorf("%w: vector id is empty", apperrors.ErrInvalidInput)
		}
		if len(v.Values) == 0 {
			return fmt.Errorf("%w: vector %s is empty", apperrors.ErrInvalidInput, v.ID)
		}
		if dim > 0 && len(v.Values) != dim {
			return fmt.Errorf("%w: vector %s has dimension %d, want %d", apperrors.ErrInvalidInput, v.ID, len(v.Values), dim)
		}
	}
	return nil
}

// sortMatches orders by distance, breaking ties by id so results are stable.
func sortMatches(ms []Match) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].Distance != ms[j].Distance {
			return ms[i].Distance < ms[j].Distance
		}
		return ms[i].ID < ms[j].ID
	})
}
