package resolver

import (
	"encoding/json"
	"testing"

	"medisync/internal/config"
	"medisync/internal/models"
	"medisync/internal/policy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry() *Registry {
	table := policy.NewTable([]config.PolicyConfig{
		{ResourceType: "patient", ConflictStrategy: "merge"},
		{ResourceType: "appointment", ConflictStrategy: "server_wins"},
	})
	return NewRegistry(table)
}

func TestClientWinsReappliesLocalPayload(t *testing.T) {
	r := testRegistry()
	task := &models.SyncTask{
		ResourceType:     "observation",
		ConflictStrategy: models.StrategyClientWins,
		Payload:          []byte(`{"value":42}`),
	}

	res, err := r.Resolve(task, []byte(`{"value":7,"version":"v9"}`), "v9")
	require.NoError(t, err)

	assert.Equal(t, OutcomeReapply, res.Outcome)
	assert.Equal(t, task.Payload, res.Payload)
	assert.Equal(t, "v9", res.BaseVersion)
}

func TestServerWinsDiscardsLocal(t *testing.T) {
	r := testRegistry()
	task := &models.SyncTask{
		ResourceType:     "patient",
		ConflictStrategy: models.StrategyServerWins,
		Payload:          []byte(`{"status":"inactive"}`),
	}

	res, err := r.Resolve(task, []byte(`{"status":"active"}`), "v3")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDiscardLocal, res.Outcome)
	assert.Nil(t, res.Payload)
}

func TestMergeLocalFieldsOverrideServerBase(t *testing.T) {
	r := testRegistry()
	task := &models.SyncTask{
		ID:               "task-1",
		ResourceType:     "patient",
		ResourceID:       "patient-123",
		ConflictStrategy: models.StrategyMerge,
		Payload:          []byte(`{"status":"inactive","notes":"updated"}`),
	}
	serverState := []byte(`{"status":"active","name":"Doe","version":"v2"}`)

	res, err := r.Resolve(task, serverState, "v2")
	require.NoError(t, err)
	require.Equal(t, OutcomeReapply, res.Outcome)
	assert.Equal(t, "v2", res.BaseVersion)

	var merged map[string]any
	require.NoError(t, json.Unmarshal(res.Payload, &merged))

	// Doubly-changed field: local wins. Untouched server field survives.
	assert.Equal(t, "inactive", merged["status"])
	assert.Equal(t, "updated", merged["notes"])
	assert.Equal(t, "Doe", merged["name"])
	// Version metadata always takes the server stamp, plus the marker.
	assert.Equal(t, "v2", merged["version"])
	assert.Equal(t, true, merged[MergedMarker])
}

func TestMergeLocalCannotOverrideVersionStamp(t *testing.T) {
	r := testRegistry()
	task := &models.SyncTask{
		ResourceType:     "patient",
		ConflictStrategy: models.StrategyMerge,
		Payload:          []byte(`{"version":"v1","updated_at":"then","field":"x"}`),
	}

	res, err := r.Resolve(task, []byte(`{"version":"v5","updated_at":"now"}`), "v5")
	require.NoError(t, err)

	var merged map[string]any
	require.NoError(t, json.Unmarshal(res.Payload, &merged))
	assert.Equal(t, "v5", merged["version"])
	assert.Equal(t, "now", merged["updated_at"])
	assert.Equal(t, "x", merged["field"])
}

func TestManualRequiresHuman(t *testing.T) {
	r := testRegistry()
	task := &models.SyncTask{
		ResourceType:     "note",
		ConflictStrategy: models.StrategyManual,
	}

	res, err := r.Resolve(task, []byte(`{}`), "v1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeManual, res.Outcome)
}

func TestRegistryUsesPolicyDefaultWhenTaskHasNoStrategy(t *testing.T) {
	r := testRegistry()

	// appointment is configured server_wins in the table.
	task := &models.SyncTask{ResourceType: "appointment"}
	res, err := r.Resolve(task, []byte(`{}`), "v1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDiscardLocal, res.Outcome)

	// Unknown types fall back to merge.
	task = &models.SyncTask{ResourceType: "unknown", Payload: []byte(`{"a":1}`)}
	res, err = r.Resolve(task, []byte(`{"b":2}`), "v1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeReapply, res.Outcome)
}

func TestMergeRejectsMalformedPayload(t *testing.T) {
	r := testRegistry()
	task := &models.SyncTask{
		ResourceType:     "patient",
		ConflictStrategy: models.StrategyMerge,
		Payload:          []byte(`not-json`),
	}

	_, err := r.Resolve(task, []byte(`{}`), "v1")
	assert.Error(t, err)
}
