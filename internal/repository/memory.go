package repository

import (
	"context"
	"sync"
	"time"

	"medisync/internal/policy"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is the in-process fallback cache. Entry lifetime follows the
// resource policy retention period.
type MemoryCache struct {
	entries  sync.Map
	policies *policy.Table
}

func NewMemoryCache(policies *policy.Table) *MemoryCache {
	return &MemoryCache{policies: policies}
}

func cacheKey(resourceType, id string) string {
	return resourceType + ":" + id
}

func (c *MemoryCache) Get(ctx context.Context, resourceType, id string) ([]byte, error) {
	val, ok := c.entries.Load(cacheKey(resourceType, id))
	if !ok {
		return nil, nil
	}
	entry := val.(*memoryEntry)
	if time.Now().After(entry.expiresAt) {
		c.entries.Delete(cacheKey(resourceType, id))
		return nil, nil
	}
	return entry.value, nil
}

func (c *MemoryCache) Set(ctx context.Context, resourceType, id string, value []byte) error {
	c.entries.Store(cacheKey(resourceType, id), &memoryEntry{
		value:     value,
		expiresAt: time.Now().Add(c.policies.For(resourceType).Retention),
	})
	return nil
}

func (c *MemoryCache) Invalidate(ctx context.Context, resourceType, id string) error {
	c.entries.Delete(cacheKey(resourceType, id))
	return nil
}
