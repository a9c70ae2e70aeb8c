package policy

import (
	"time"

	"medisync/internal/config"
	"medisync/internal/models"
)

// Defaults applied to any resource type absent from the table.
const (
	DefaultRetention = 30 * 24 * time.Hour
)

// Table is the static resource policy lookup. Built once at startup from
// configuration; lookups after that are read-only.
type Table struct {
	byType map[string]models.ResourcePolicy
}

// NewTable converts config entries into a lookup table.
func NewTable(entries []config.PolicyConfig) *Table {
	byType := make(map[string]models.ResourcePolicy, len(entries))
	for _, e := range entries {
		p := models.ResourcePolicy{
			ResourceType:       e.ResourceType,
			Priority:           models.ParsePriority(e.Priority),
			Retention:          time.Duration(e.RetentionDays) * 24 * time.Hour,
			EncryptionRequired: e.EncryptionRequired,
			PrefetchRelated:    e.PrefetchRelated,
			DefaultStrategy:    models.ConflictStrategy(e.ConflictStrategy),
		}
		if p.Retention == 0 {
			p.Retention = DefaultRetention
		}
		if p.DefaultStrategy == "" {
			p.DefaultStrategy = models.StrategyMerge
		}
		byType[e.ResourceType] = p
	}
	return &Table{byType: byType}
}

// For returns the policy for a resource type, falling back to documented
// defaults: priority normal, retention 30 days, no encryption, no prefetch.
func (t *Table) For(resourceType string) models.ResourcePolicy {
	if p, ok := t.byType[resourceType]; ok {
		return p
	}
	return models.ResourcePolicy{
		ResourceType:    resourceType,
		Priority:        models.PriorityNormal,
		Retention:       DefaultRetention,
		DefaultStrategy: models.StrategyMerge,
	}
}

// Types lists all explicitly configured resource types.
func (t *Table) Types() []string {
	types := make([]string, 0, len(t.byType))
	for rt := range t.byType {
		types = append(types, rt)
	}
	return types
}
