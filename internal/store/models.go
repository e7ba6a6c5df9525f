package store

import "time"

// StoredState is the last known state of an entity, kept across restarts.
type StoredState struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// AutomationRecord holds the persisted on/off flag and last trigger time of
// an automation.
type AutomationRecord struct {
	EntityID      string    `json:"entity_id"`
	Enabled       bool      `json:"enabled"`
	LastTriggered time.Time `json:"last_triggered,omitempty"`
}
