package models

import "time"

// ResourcePolicy is the static per-resource-type configuration entry.
// Loaded once at startup and never mutated afterwards.
type ResourcePolicy struct {
	ResourceType       string
	Priority           Priority
	Retention          time.Duration
	EncryptionRequired bool
	PrefetchRelated    bool
	DefaultStrategy    ConflictStrategy
}
