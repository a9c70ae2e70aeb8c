package repository

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// FailoverCache prefers the primary (redis) cache and falls back to the
// in-memory one when it misbehaves, retrying the primary after a cooldown.
type FailoverCache struct {
	primary   Cache
	fallback  Cache
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
}

const failoverCooldown = time.Minute

func NewFailoverCache(primary, fallback Cache, logger *zerolog.Logger) *FailoverCache {
	return &FailoverCache{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (c *FailoverCache) markDown() {
	c.isDown.Store(true)
	c.lastCheck.Store(time.Now().UnixNano())
}

func (c *FailoverCache) shouldRetryPrimary() bool {
	return time.Since(time.Unix(0, c.lastCheck.Load())) > failoverCooldown
}

func (c *FailoverCache) Get(ctx context.Context, resourceType, id string) ([]byte, error) {
	if !c.isDown.Load() || c.shouldRetryPrimary() {
		val, err := c.primary.Get(ctx, resourceType, id)
		if err == nil {
			c.isDown.Store(false)
			return val, nil
		}
		c.logger.Error().Err(err).Msg("primary cache failed, falling back to memory")
		c.markDown()
	}

	return c.fallback.Get(ctx, resourceType, id)
}

func (c *FailoverCache) Set(ctx context.Context, resourceType, id string, value []byte) error {
	if !c.isDown.Load() || c.shouldRetryPrimary() {
		err := c.primary.Set(ctx, resourceType, id, value)
		if err == nil {
			c.isDown.Store(false)
			return c.fallback.Set(ctx, resourceType, id, value)
		}
		c.logger.Error().Err(err).Msg("primary cache failed, falling back to memory")
		c.markDown()
	}

	return c.fallback.Set(ctx, resourceType, id, value)
}

func (c *FailoverCache) Invalidate(ctx context.Context, resourceType, id string) error {
	// Invalidation must reach both layers or stale state could survive a
	// failover flip.
	ferr := c.fallback.Invalidate(ctx, resourceType, id)

	if !c.isDown.Load() || c.shouldRetryPrimary() {
		if err := c.primary.Invalidate(ctx, resourceType, id); err != nil {
			c.logger.Error().Err(err).Msg("primary cache failed, falling back to memory")
			c.markDown()
			return ferr
		}
		c.isDown.Store(false)
	}
	return ferr
}
