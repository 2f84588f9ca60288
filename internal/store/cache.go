package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/valinor-ai/moderator/internal/moderation"
)

const cacheKeyPrefix = "moderator:result:"

// CachedStore is a read-through Redis cache in front of another Store.
// Cache failures are logged and never fail a call; the inner store is
// authoritative.
type CachedStore struct {
	inner  Store
	rdb    redis.Cmdable
	ttl    time.Duration
	logger *slog.Logger
}

func NewCachedStore(inner Store, rdb redis.Cmdable, ttl time.Duration, logger *slog.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{inner: inner, rdb: rdb, ttl: ttl, logger: logger}
}

func (c *CachedStore) Save(ctx context.Context, r moderation.Result) error {
	if err := c.inner.Save(ctx, r); err != nil {
		return err
	}
	c.put(ctx, r)
	return nil
}

func (c *CachedStore) Get(ctx context.Context, id string) (moderation.Result, error) {
	raw, err := c.rdb.Get(ctx, cacheKeyPrefix+id).Bytes()
	switch {
	case err == nil:
		var r moderation.Result
		if jerr := json.Unmarshal(raw, &r); jerr == nil {
			return r, nil
		}
		c.logger.Warn("discarding undecodable cached result", "result_id", id)
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("result cache read failed", "result_id", id, "error", err)
	}

	r, err := c.inner.Get(ctx, id)
	if err != nil {
		return moderation.Result{}, err
	}
	c.put(ctx, r)
	return r, nil
}

func (c *CachedStore) Stats(ctx context.Context) (moderation.Stats, error) {
	return c.inner.Stats(ctx)
}

func (c *CachedStore) put(ctx context.Context, r moderation.Result) {
	raw, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, cacheKeyPrefix+r.ID, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("result cache write failed", "result_id", r.ID, "error", err)
	}
}
