package models

import "time"

// SyncStats is a read-only aggregate recomputed from the mutation store.
type SyncStats struct {
	Pending         int           `json:"pending"`
	InFlight        int           `json:"in_flight"`
	Succeeded       int           `json:"succeeded"`
	Failed          int           `json:"failed"`
	Conflicted      int           `json:"conflicted"`
	LastSyncAt      *time.Time    `json:"last_sync_at"`
	AvgSyncDuration time.Duration `json:"avg_sync_duration"`
}
