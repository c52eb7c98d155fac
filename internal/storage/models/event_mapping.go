package models

import (
	"time"
)

// EventMapping correlates one internal event with one external event.
// A side that has not been observed yet is empty.
type EventMapping struct {
	ID              string     `json:"id"`
	IntegrationID   string     `json:"integration_id"`
	InternalEventID string     `json:"internal_event_id,omitempty"`
	ExternalEventID string     `json:"external_event_id,omitempty"`
	InternalHash    string     `json:"internal_hash"`
	ExternalHash    string     `json:"external_hash"`
	Baseline        []byte     `json:"-"`
	LastSyncedAt    *time.Time `json:"last_synced_at,omitempty"`
	ConflictState   string     `json:"conflict_state"`
	Tombstone       bool       `json:"tombstone"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Conflict state constants
const (
	ConflictStateNone     = "none"
	ConflictStatePending  = "pending"
	ConflictStateResolved = "resolved"
)

// Complete reports whether both sides of the mapping are known.
func (m *EventMapping) Complete() bool {
	return m.InternalEventID != "" && m.ExternalEventID != ""
}

// Pending reports whether the mapping awaits an operator decision.
func (m *EventMapping) Pending() bool {
	return m.ConflictState == ConflictStatePending
}
