package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"medisync/internal/config"
	"medisync/internal/policy"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cachePolicies() *policy.Table {
	return policy.NewTable([]config.PolicyConfig{
		{ResourceType: "patient", Priority: "critical", RetentionDays: 1},
	})
}

func TestMemoryCacheRoundTrip(t *testing.T) {
	cache := NewMemoryCache(cachePolicies())
	ctx := context.Background()

	val, err := cache.Get(ctx, "patient", "p1")
	require.NoError(t, err)
	assert.Nil(t, val, "miss returns nil, nil")

	require.NoError(t, cache.Set(ctx, "patient", "p1", []byte(`{"status":"active"}`)))
	val, err = cache.Get(ctx, "patient", "p1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"status":"active"}`), val)

	require.NoError(t, cache.Invalidate(ctx, "patient", "p1"))
	val, err = cache.Get(ctx, "patient", "p1")
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestRedisCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewRedisClient(config.RedisConfig{Address: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cache := NewRedisCache(client, cachePolicies())
	ctx := context.Background()

	val, err := cache.Get(ctx, "patient", "p1")
	require.NoError(t, err)
	assert.Nil(t, val, "miss returns nil, nil")

	require.NoError(t, cache.Set(ctx, "patient", "p1", []byte(`{"status":"active"}`)))
	val, err = cache.Get(ctx, "patient", "p1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"status":"active"}`), val)

	require.NoError(t, cache.Invalidate(ctx, "patient", "p1"))
	val, err = cache.Get(ctx, "patient", "p1")
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestRedisCacheTTLFollowsRetention(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewRedisClient(config.RedisConfig{Address: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cache := NewRedisCache(client, cachePolicies())
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "patient", "p1", []byte("x")))
	ttl := mr.TTL("resource:patient:p1")
	assert.Equal(t, 24*time.Hour, ttl)

	mr.FastForward(25 * time.Hour)
	val, err := cache.Get(ctx, "patient", "p1")
	require.NoError(t, err)
	assert.Nil(t, val)
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, string, string) ([]byte, error) {
	return nil, errors.New("connection refused")
}

func (brokenCache) Set(context.Context, string, string, []byte) error {
	return errors.New("connection refused")
}

func (brokenCache) Invalidate(context.Context, string, string) error {
	return errors.New("connection refused")
}

func TestFailoverFallsBackWhenPrimaryDies(t *testing.T) {
	logger := zerolog.Nop()
	fallback := NewMemoryCache(cachePolicies())
	cache := NewFailoverCache(brokenCache{}, fallback, &logger)
	ctx := context.Background()

	// Writes land in the fallback despite the broken primary.
	require.NoError(t, cache.Set(ctx, "patient", "p1", []byte("local")))
	val, err := cache.Get(ctx, "patient", "p1")
	require.NoError(t, err)
	assert.Equal(t, []byte("local"), val)

	assert.True(t, cache.isDown.Load())
}

func TestFailoverRecoversWithWorkingPrimary(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewRedisClient(config.RedisConfig{Address: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := zerolog.Nop()
	primary := NewRedisCache(client, cachePolicies())
	fallback := NewMemoryCache(cachePolicies())
	cache := NewFailoverCache(primary, fallback, &logger)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "patient", "p1", []byte("shared")))
	assert.False(t, cache.isDown.Load())

	// The value is readable through the primary.
	val, err := primary.Get(ctx, "patient", "p1")
	require.NoError(t, err)
	assert.Equal(t, []byte("shared"), val)

	// Invalidation clears both layers.
	require.NoError(t, cache.Invalidate(ctx, "patient", "p1"))
	val, err = primary.Get(ctx, "patient", "p1")
	require.NoError(t, err)
	assert.Nil(t, val)
	val, err = fallback.Get(ctx, "patient", "p1")
	require.NoError(t, err)
	assert.Nil(t, val)
}
