package store

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/valinor-ai/moderator/internal/moderation"
)

// countingStore records how often reads reach the backing store.
type countingStore struct {
	*MemoryStore
	gets int
}

func (c *countingStore) Get(ctx context.Context, id string) (moderation.Result, error) {
	c.gets++
	return c.MemoryStore.Get(ctx, id)
}

func TestCachedStore_FallsThroughWhenRedisDown(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	inner := &countingStore{MemoryStore: NewMemoryStore()}
	s := NewCachedStore(inner, rdb, time.Minute, nil)
	ctx := context.Background()
	r := sampleResult(moderation.DecisionReview, time.Now(), "spam")

	require.NoError(t, s.Save(ctx, r))
	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r, got)
	assert.Equal(t, 1, inner.gets)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCachedStore_ServesFromRedis(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	defer container.Terminate(ctx)

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := redis.ParseURL(uri)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	inner := &countingStore{MemoryStore: NewMemoryStore()}
	s := NewCachedStore(inner, rdb, time.Minute, nil)
	r := sampleResult(moderation.DecisionBlock, time.Now(), "violence")

	require.NoError(t, s.Save(ctx, r))
	for i := 0; i < 3; i++ {
		got, err := s.Get(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, r.ID, got.ID)
		assert.Equal(t, r.Categories, got.Categories)
		assert.True(t, r.ProcessedAt.Equal(got.ProcessedAt))
	}
	assert.Equal(t, 0, inner.gets)

	ttl, err := rdb.TTL(ctx, cacheKeyPrefix+r.ID).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestCachedStore_StatsDelegates(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	defer rdb.Close()

	inner := NewMemoryStore()
	require.NoError(t, inner.Save(context.Background(), sampleResult(moderation.DecisionSafe, time.Now())))

	stats, err := NewCachedStore(inner, rdb, 0, nil).Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
}
