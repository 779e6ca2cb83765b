package similarity

import (
	"context"
	"errors"

	apperrors "github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/resilience"
)

// Breaker guards an Oracle with a circuit breaker. Invalid input does not
// count as an upstream failure.
type Breaker struct {
	next Oracle
	cb   *resilience.CircuitBreaker
}

// NewBreaker wraps next. onChange may be nil.
func NewBreaker(next Oracle, onChange func(string, resilience.State)) *Breaker {
	return &Breaker{
		next: next,
		cb: resilience.NewCircuitBreaker("similarity", resilience.CircuitBreakerConfig{
			OnStateChange: onChange,
			IsFailure: func(err error) bool {
				return !errors.Is(err, apperrors.ErrInvalidInput) && !errors.Is(err, context.Canceled)
			},
		}),
	}
}

func (b *Breaker) Query(ctx context.Context, vec []float32, n int) ([]Match, error) {
	var out []Match
	err := b.cb.Execute(func() error {
		var err error
		out, err = b.next.Query(ctx, vec, n)
		return err
	})
	return out, err
}

func (b *Breaker) Upsert(ctx context.Context, vectors []Vector) error {
	return b.cb.Execute(func() error { return b.next.Upsert(ctx, vectors) })
}

func (b *Breaker) Delete(ctx context.Context, ids []string) error {
	return b.cb.Execute(func() error { return b.next.Delete(ctx, ids) })
}

// State reports the breaker state.
func (b *Breaker) State() resilience.State {
	return b.cb.GetState()
}
