// Package ratelimit enforces per-key request budgets. Redis backs the
// shared fixed-window limiter used by gateway replicas; the token bucket is
// the in-process fallback when no Redis is configured.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Limiter decides whether key may spend one request out of limit per window.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int) (bool, error)
}

// Counter is the Redis operation the fixed-window limiter needs.
type Counter interface {
	IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// RedisLimiter counts requests per key in fixed windows shared by every
// gateway instance.
type RedisLimiter struct {
	counter Counter
	window  time.Duration
	now     func() time.Time
}

func NewRedis(counter Counter, window time.Duration) *RedisLimiter {
	return &RedisLimiter{counter: counter, window: window, now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int) (bool, error) {
	bucket := l.now().UnixNano() / int64(l.window)
	n, err := l.counter.IncrWithExpiry(ctx, fmt.Sprintf("ratelimit:%s:%d", key, bucket), l.window)
	if err != nil {
		return false, err
	}
	return n <= int64(limit), nil
}

// entry tracks the token-bucket state for a single key.
type entry struct {
	tokens    float64
	lastCheck time.Time
}

// Local implements an in-memory token-bucket rate limiter.
// Tokens refill at a rate of (limit / window) per second.
type Local struct {
	mu      sync.Mutex
	entries map[string]*entry
	window  time.Duration
	stop    chan struct{}
	once    sync.Once
}

// NewLocal creates a token-bucket limiter. Each key gets limit tokens per
// window, refilled continuously.
func NewLocal(window time.Duration) *Local {
	l := &Local{
		entries: make(map[string]*entry),
		window:  window,
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *Local) Allow(_ context.Context, key string, limit int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	e, exists := l.entries[key]
	if !exists {
		l.entries[key] = &entry{
			tokens:    float64(limit - 1),
			lastCheck: now,
		}
		return limit > 0, nil
	}

	elapsed := now.Sub(e.lastCheck)
	e.lastCheck = now

	rate := float64(limit) / l.window.Seconds()
	e.tokens += elapsed.Seconds() * rate
	if e.tokens > float64(limit) {
		e.tokens = float64(limit)
	}
	if e.tokens < 1 {
		return false, nil
	}
	e.tokens--
	return true, nil
}

// Reset clears the rate-limit state for a specific key.
func (l *Local) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

// Close stops the background cleanup.
func (l *Local) Close() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Local) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
		}
		l.mu.Lock()
		cutoff := time.Now().Add(-2 * l.window)
		for key, e := range l.entries {
			if e.lastCheck.Before(cutoff) {
				delete(l.entries, key)
			}
		}
		l.mu.Unlock()
	}
}
