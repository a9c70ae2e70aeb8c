package resolver

import (
	"encoding/json"
	"fmt"

	"medisync/internal/models"
	"medisync/internal/policy"
)

// Outcome is the resolver's decision for a conflicted task.
type Outcome int

const (
	// OutcomeReapply re-queues the task with a (possibly merged) payload
	// against the server's current version.
	OutcomeReapply Outcome = iota
	// OutcomeDiscardLocal drops the local change; the server state is
	// authoritative and the task succeeds without a write.
	OutcomeDiscardLocal
	// OutcomeManual requires human reconciliation; the task fails with
	// both payloads attached.
	OutcomeManual
)

// Resolution carries the outcome and, for reapply, the payload and base
// version for the next attempt.
type Resolution struct {
	Outcome     Outcome
	Payload     []byte
	BaseVersion string
}

// Strategy resolves one conflict. The server state is the resource's
// current content and serverVersion its current version stamp.
type Strategy interface {
	Resolve(task *models.SyncTask, serverState []byte, serverVersion string) (Resolution, error)
}

// MergedMarker is appended to merged payloads so downstream consumers can
// tell a merge happened.
const MergedMarker = "_merged"

type clientWins struct{}

func (clientWins) Resolve(task *models.SyncTask, _ []byte, serverVersion string) (Resolution, error) {
	return Resolution{
		Outcome:     OutcomeReapply,
		Payload:     task.Payload,
		BaseVersion: serverVersion,
	}, nil
}

type serverWins struct{}

func (serverWins) Resolve(*models.SyncTask, []byte, string) (Resolution, error) {
	return Resolution{Outcome: OutcomeDiscardLocal}, nil
}

type manual struct{}

func (manual) Resolve(*models.SyncTask, []byte, string) (Resolution, error) {
	return Resolution{Outcome: OutcomeManual}, nil
}

// fieldMerge combines payloads key by key: server fields are the base and
// local fields override. A field changed on both sides resolves to the
// local value (last-writer preference, not a three-way merge). Version
// metadata always takes the server's latest stamp, plus a marker noting
// the merge.
type fieldMerge struct{}

// metadata fields the local side never wins.
var serverOwnedFields = map[string]bool{
	"version":    true,
	"updated_at": true,
}

func (fieldMerge) Resolve(task *models.SyncTask, serverState []byte, serverVersion string) (Resolution, error) {
	var server map[string]any
	if len(serverState) > 0 {
		if err := json.Unmarshal(serverState, &server); err != nil {
			return Resolution{}, fmt.Errorf("decode server state: %w", err)
		}
	}
	if server == nil {
		server = make(map[string]any)
	}

	var local map[string]any
	if len(task.Payload) > 0 {
		if err := json.Unmarshal(task.Payload, &local); err != nil {
			return Resolution{}, fmt.Errorf("decode local payload: %w", err)
		}
	}

	merged := make(map[string]any, len(server)+len(local))
	for k, v := range server {
		merged[k] = v
	}
	for k, v := range local {
		if serverOwnedFields[k] {
			continue
		}
		merged[k] = v
	}
	if serverVersion != "" {
		merged["version"] = serverVersion
	}
	merged[MergedMarker] = true

	payload, err := json.Marshal(merged)
	if err != nil {
		return Resolution{}, fmt.Errorf("encode merged payload: %w", err)
	}

	return Resolution{
		Outcome:     OutcomeReapply,
		Payload:     payload,
		BaseVersion: serverVersion,
	}, nil
}

// Registry dispatches conflicts to strategies. Per-resource-type defaults
// come from the policy table at startup; a task carrying an explicit
// strategy overrides them.
type Registry struct {
	byType     map[string]Strategy
	strategies map[models.ConflictStrategy]Strategy
}

// NewRegistry builds the dispatch table from the policy table.
func NewRegistry(policies *policy.Table) *Registry {
	strategies := map[models.ConflictStrategy]Strategy{
		models.StrategyClientWins: clientWins{},
		models.StrategyServerWins: serverWins{},
		models.StrategyMerge:      fieldMerge{},
		models.StrategyManual:     manual{},
	}

	byType := make(map[string]Strategy)
	for _, rt := range policies.Types() {
		if s, ok := strategies[policies.For(rt).DefaultStrategy]; ok {
			byType[rt] = s
		}
	}

	return &Registry{byType: byType, strategies: strategies}
}

// Resolve applies the task's strategy (or its resource type's default) to
// the conflict.
func (r *Registry) Resolve(task *models.SyncTask, serverState []byte, serverVersion string) (Resolution, error) {
	strategy := r.strategyFor(task)
	return strategy.Resolve(task, serverState, serverVersion)
}

func (r *Registry) strategyFor(task *models.SyncTask) Strategy {
	if s, ok := r.strategies[task.ConflictStrategy]; ok && task.ConflictStrategy != "" {
		return s
	}
	if s, ok := r.byType[task.ResourceType]; ok {
		return s
	}
	return r.strategies[models.StrategyMerge]
}
