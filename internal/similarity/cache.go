package similarity

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/redis"
	"golang.org/x/sync/singleflight"
)

const keyPrefix = "similarity:"

// KV is the subset of the Redis client the cache needs.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	FlushByPattern(ctx context.Context, pattern string) (int64, error)
}

var _ KV = (*pkgredis.Client)(nil)

// CachedOracle memoises Query results in Redis. Concurrent identical
// queries share one upstream call. Any write flushes the whole cache, since
// an upsert can change the neighbours of any stored query.
type CachedOracle struct {
	next    Oracle
	kv      KV
	ttl     time.Duration
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
	hits    atomic.Int64
	misses  atomic.Int64
}

// NewCachedOracle wraps next. m may be nil.
func NewCachedOracle(next Oracle, kv KV, ttl time.Duration, m *metrics.Metrics) *CachedOracle {
	return &CachedOracle{
		next:    next,
		kv:      kv,
		ttl:     ttl,
		metrics: m,
		logger:  slog.Default().With("component", "similarity-cache"),
	}
}

func (c *CachedOracle) Query(ctx context.Context, vec []float32, n int) ([]Match, error) {
	if err := validateQuery(vec, n, 0); err != nil {
		return nil, err
	}
	key := buildKey(vec, n)
	if ms, ok := c.get(ctx, key); ok {
		return ms, nil
	}
	val, err, _ := c.group.Do(key, func() (interface{}, error) {
		if ms, ok := c.get(ctx, key); ok {
			return ms, nil
		}
		ms, err := c.next.Query(ctx, vec, n)
		if err != nil {
			return nil, err
		}
		c.set(ctx, key, ms)
		return ms, nil
	})
	if err != nil {
		return nil, err
	}
	ms := val.([]Match)
	return append([]Match(nil), ms...), nil
}

func (c *CachedOracle) Upsert(ctx context.Context, vectors []Vector) error {
	if err := c.next.Upsert(ctx, vectors); err != nil {
		return err
	}
	c.invalidate(ctx)
	return nil
}

func (c *CachedOracle) Delete(ctx context.Context, ids []string) error {
	if err := c.next.Delete(ctx, ids); err != nil {
		return err
	}
	c.invalidate(ctx)
	return nil
}

// Stats returns the hit and miss counts since construction.
func (c *CachedOracle) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *CachedOracle) get(ctx context.Context, key string) ([]Match, bool) {
	data, err := c.kv.Get(ctx, key)
	if err != nil {
		if !pkgredis.IsNilError(err) {
			c.logger.Error("cache get failed", "key", key, "error", err)
		}
		c.miss()
		return nil, false
	}
	var ms []Match
	if err := json.Unmarshal([]byte(data), &ms); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		c.miss()
		return nil, false
	}
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.Inc()
	}
	return ms, true
}

func (c *CachedOracle) set(ctx context.Context, key string, ms []Match) {
	data, err := json.Marshal(ms)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.kv.Set(ctx, key, data, c.ttl); err != nil {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

func (c *CachedOracle) miss() {
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.Inc()
	}
}

// invalidate failures are logged only; stale entries expire with the TTL.
func (c *CachedOracle) invalidate(ctx context.Context) {
	deleted, err := c.kv.FlushByPattern(ctx, keyPrefix+"*")
	if err != nil {
		c.logger.Error("cache invalidate failed", "error", err)
		return
	}
	c.logger.Info("cache invalidate", "keys_deleted", deleted)
}

func buildKey(vec []float32, n int) string {
	h := sha256.New()
	var buf [4]byte
	for _, f := range vec {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(f))
		h.Write(buf[:])
	}
	fmt.Fprintf(h, ":n=%d", n)
	return fmt.Sprintf("%s%x", keyPrefix, h.Sum(nil)[:16])
}
