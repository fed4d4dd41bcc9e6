package models

import "time"

// HotStateFieldType is the declared value type of a hot-state field.
type HotStateFieldType string

const (
	HotStateTypeObject  HotStateFieldType = "object"
	HotStateTypeNumber  HotStateFieldType = "number"
	HotStateTypeString  HotStateFieldType = "string"
	HotStateTypeArray   HotStateFieldType = "array"
	HotStateTypeBoolean HotStateFieldType = "boolean"
)

// HotStateFieldSchema declares a single hot-state field as configured on an
// agent. Value and UpdatedAt are runtime, not schema.
type HotStateFieldSchema struct {
	Type        HotStateFieldType `yaml:"type" json:"type"`
	TTL         time.Duration     `yaml:"ttl,omitempty" json:"ttl,omitempty"`
	RefreshTool string            `yaml:"refresh_tool,omitempty" json:"refresh_tool,omitempty"`
	MaxItems    int               `yaml:"max_items,omitempty" json:"max_items,omitempty"`
}

// HotStateField is the runtime value of one declared field.
type HotStateField struct {
	Schema    HotStateFieldSchema `json:"schema"`
	Value     any                 `json:"value"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// IsStale reports whether the field is stale relative to now: a TTL is
// configured and either UpdatedAt is zero or now-UpdatedAt exceeds the TTL.
func (f HotStateField) IsStale(now time.Time) bool {
	if f.Schema.TTL <= 0 {
		return false
	}
	if f.UpdatedAt.IsZero() {
		return true
	}
	return now.Sub(f.UpdatedAt) > f.Schema.TTL
}
