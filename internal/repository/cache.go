package repository

import "context"

// Cache holds the last-known server state of clinical resources so the UI
// can keep rendering while offline. The dispatcher invalidates entries
// when a queued mutation lands, forcing a refetch of authoritative state.
// A miss is (nil, nil).
type Cache interface {
	Get(ctx context.Context, resourceType, id string) ([]byte, error)
	Set(ctx context.Context, resourceType, id string, value []byte) error
	Invalidate(ctx context.Context, resourceType, id string) error
}
