package models

import "time"

// OperationKind identifies the remote mutation a task carries.
type OperationKind string

const (
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
)

// TaskStatus is the lifecycle state of a queued task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInFlight   TaskStatus = "in_flight"
	StatusSucceeded  TaskStatus = "succeeded"
	StatusFailed     TaskStatus = "failed"
	StatusConflicted TaskStatus = "conflicted"
)

// Priority orders tasks inside the queue. Higher values drain first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// ParsePriority maps a config string to a Priority, defaulting to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// ConflictStrategy selects how a version conflict is resolved.
type ConflictStrategy string

const (
	StrategyClientWins ConflictStrategy = "client_wins"
	StrategyServerWins ConflictStrategy = "server_wins"
	StrategyMerge      ConflictStrategy = "merge"
	StrategyManual     ConflictStrategy = "manual"
)

// SyncTask is a queued intent to mutate a remote clinical resource.
// Payload holds the intended resource state (create/update) or is empty
// for deletes; BaseVersion is the server version the mutation assumes.
type SyncTask struct {
	ID               string           `json:"id"`
	Operation        OperationKind    `json:"operation"`
	ResourceType     string           `json:"resource_type"`
	ResourceID       string           `json:"resource_id"`
	Payload          []byte           `json:"payload"`
	BaseVersion      string           `json:"base_version"`
	Priority         Priority         `json:"priority"`
	ConflictStrategy ConflictStrategy `json:"conflict_strategy"`
	RetryCount       int              `json:"retry_count"`
	MaxRetries       int              `json:"max_retries"`
	Status           TaskStatus       `json:"status"`
	LastError        *string          `json:"last_error"`
	ServerState      []byte           `json:"server_state,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	LastAttemptAt    *time.Time       `json:"last_attempt_at"`
	NextRetryAt      *time.Time       `json:"next_retry_at"`
	ProcessedAt      *time.Time       `json:"processed_at"`
}

// ResourceKey returns the serialization key: tasks sharing it must be
// applied in enqueue order.
func (t *SyncTask) ResourceKey() string {
	return t.ResourceType + "/" + t.ResourceID
}

// Terminal reports whether the task has reached a final state.
func (t *SyncTask) Terminal() bool {
	return t.Status == StatusSucceeded || t.Status == StatusFailed
}
