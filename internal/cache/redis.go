package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/skua-data/skua/internal/domain"
)

// resultKeyPrefix namespaces cached run results in Redis.
const resultKeyPrefix = "skua:result:"

// commandTimeout bounds each Redis command so a slow or unreachable Redis
// degrades the cache to misses instead of stalling result reads.
const commandTimeout = 200 * time.Millisecond

// ResultCache is a read-through Redis cache for run results. Results are
// immutable once written, so entries never need invalidation for staleness,
// only for deletion. All failures degrade to cache misses; a nil *ResultCache
// is valid and always misses.
type ResultCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewResultCache connects to the Redis instance at url (redis:// form) and
// verifies it is reachable. ttl bounds how long entries live; it is further
// capped per entry by the result's own expiry.
func NewResultCache(ctx context.Context, url string, ttl time.Duration) (*ResultCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &ResultCache{client: client, ttl: ttl}, nil
}

// Get returns the cached result for runID, or ok=false on miss or any Redis
// failure.
func (c *ResultCache) Get(ctx context.Context, runID uuid.UUID) (*domain.RunResult, bool) {
	if c == nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	data, err := c.client.Get(ctx, resultKeyPrefix+runID.String()).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Debug("result cache get failed", "run_id", runID, "error", err)
		}
		return nil, false
	}
	var res domain.RunResult
	if err := json.Unmarshal(data, &res); err != nil {
		slog.Debug("result cache entry corrupt, dropping", "run_id", runID, "error", err)
		c.Invalidate(ctx, runID)
		return nil, false
	}
	return &res, true
}

// Put stores a result, best effort. The entry's Redis TTL never outlives the
// result row itself, so the cache cannot serve a result the store has
// already expired.
func (c *ResultCache) Put(ctx context.Context, res *domain.RunResult) {
	if c == nil || res == nil {
		return
	}
	ttl := c.ttl
	if remaining := time.Until(res.ExpiresAt); remaining < ttl {
		ttl = remaining
	}
	if ttl <= 0 {
		return
	}

	data, err := json.Marshal(res)
	if err != nil {
		slog.Debug("result cache marshal failed", "run_id", res.RunID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if err := c.client.Set(ctx, resultKeyPrefix+res.RunID.String(), data, ttl).Err(); err != nil {
		slog.Debug("result cache put failed", "run_id", res.RunID, "error", err)
	}
}

// Invalidate drops the cached entry for runID, best effort.
func (c *ResultCache) Invalidate(ctx context.Context, runID uuid.UUID) {
	if c == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if err := c.client.Del(ctx, resultKeyPrefix+runID.String()).Err(); err != nil {
		slog.Debug("result cache invalidate failed", "run_id", runID, "error", err)
	}
}

// HealthCheck pings Redis for the readiness endpoint.
func (c *ResultCache) HealthCheck(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (c *ResultCache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
