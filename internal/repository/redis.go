package repository

import (
	"context"
	"fmt"

	"medisync/internal/config"
	"medisync/internal/policy"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient creates a redis client from configuration.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

// RedisCache keeps cached resource state in redis so it survives app
// restarts and is shared across processes on the device.
type RedisCache struct {
	client   *redis.Client
	policies *policy.Table
}

func NewRedisCache(client *redis.Client, policies *policy.Table) *RedisCache {
	return &RedisCache{client: client, policies: policies}
}

func redisKey(resourceType, id string) string {
	return fmt.Sprintf("resource:%s:%s", resourceType, id)
}

func (c *RedisCache) Get(ctx context.Context, resourceType, id string) ([]byte, error) {
	if c.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	val, err := c.client.Get(ctx, redisKey(resourceType, id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource from redis: %w", err)
	}
	return val, nil
}

func (c *RedisCache) Set(ctx context.Context, resourceType, id string, value []byte) error {
	if c.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	ttl := c.policies.For(resourceType).Retention
	if err := c.client.Set(ctx, redisKey(resourceType, id), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set resource in redis: %w", err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, resourceType, id string) error {
	if c.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := c.client.Del(ctx, redisKey(resourceType, id)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate resource in redis: %w", err)
	}
	return nil
}
