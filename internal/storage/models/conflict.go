package models

import (
	"encoding/json"
	"time"
)

// Conflict is a detected divergence requiring resolution.
type Conflict struct {
	ID                 string          `json:"id"`
	MappingID          string          `json:"mapping_id"`
	IntegrationID      string          `json:"integration_id"`
	Reason             string          `json:"reason"`
	ExternalSnapshot   json.RawMessage `json:"external_snapshot,omitempty"`
	InternalSnapshot   json.RawMessage `json:"internal_snapshot,omitempty"`
	ConflictingFields  []string        `json:"conflicting_fields,omitempty"`
	Detail             string          `json:"detail,omitempty"`
	DetectedAt         time.Time       `json:"detected_at"`
	ResolutionStrategy *string         `json:"resolution_strategy,omitempty"`
	ResolvedAt         *time.Time      `json:"resolved_at,omitempty"`
}

// Conflict reason constants
const (
	ReasonDivergentEdit     = "divergent-edit"
	ReasonProcessingFailure = "processing-failure"
)
