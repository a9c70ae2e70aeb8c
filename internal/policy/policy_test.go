package policy

import (
	"testing"
	"time"

	"medisync/internal/config"
	"medisync/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestTableLookup(t *testing.T) {
	table := NewTable([]config.PolicyConfig{
		{
			ResourceType:       "patient",
			Priority:           "critical",
			RetentionDays:      90,
			EncryptionRequired: true,
			PrefetchRelated:    true,
			ConflictStrategy:   "merge",
		},
		{ResourceType: "note", Priority: "low", RetentionDays: 14, ConflictStrategy: "manual"},
	})

	p := table.For("patient")
	assert.Equal(t, models.PriorityCritical, p.Priority)
	assert.Equal(t, 90*24*time.Hour, p.Retention)
	assert.True(t, p.EncryptionRequired)
	assert.True(t, p.PrefetchRelated)
	assert.Equal(t, models.StrategyMerge, p.DefaultStrategy)

	p = table.For("note")
	assert.Equal(t, models.PriorityLow, p.Priority)
	assert.Equal(t, models.StrategyManual, p.DefaultStrategy)
}

func TestUnknownTypeGetsDefaults(t *testing.T) {
	table := NewTable(nil)

	p := table.For("imaging-study")
	assert.Equal(t, models.PriorityNormal, p.Priority)
	assert.Equal(t, 30*24*time.Hour, p.Retention)
	assert.False(t, p.EncryptionRequired)
	assert.False(t, p.PrefetchRelated)
	assert.Equal(t, models.StrategyMerge, p.DefaultStrategy)
}

func TestZeroRetentionFallsBack(t *testing.T) {
	table := NewTable([]config.PolicyConfig{{ResourceType: "observation"}})
	assert.Equal(t, DefaultRetention, table.For("observation").Retention)
}

func TestTypesListsConfiguredEntries(t *testing.T) {
	table := NewTable([]config.PolicyConfig{
		{ResourceType: "patient"},
		{ResourceType: "note"},
	})
	assert.ElementsMatch(t, []string{"patient", "note"}, table.Types())
}
