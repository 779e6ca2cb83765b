package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// WithTimeout runs fn synchronously under a context that expires after
// limit, so fn's results are never written after WithTimeout returns. fn
// must honour ctx. A non-positive limit runs fn on ctx unchanged.
//
// When fn fails after the limit passed, the error wraps
// context.DeadlineExceeded. A parent cancellation is reported as such, and a
// success that lands after the deadline is still a success.
func WithTimeout(ctx context.Context, limit time.Duration, op string, fn func(ctx context.Context) error) error {
	if limit <= 0 {
		return fn(ctx)
	}
	bounded, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	err := fn(bounded)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("%s: caller gave up: %w", op, joinUnless(ctx.Err(), err))
	case bounded.Err() != nil:
		return fmt.Errorf("%s exceeded %v: %w", op, limit, joinUnless(context.DeadlineExceeded, err))
	default:
		return err
	}
}

// joinUnless wraps err with cause unless err already carries it.
func joinUnless(cause, err error) error {
	if errors.Is(err, cause) {
		return err
	}
	return errors.Join(cause, err)
}
