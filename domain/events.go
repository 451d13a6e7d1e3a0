package domain

import (
	"encoding/json"
	"time"
)

// Aggregate types
const (
	AggregateTypeApplication     = "Application"
	AggregateTypeMatchSuggestion = "MatchSuggestion"
)

// EventType constants
const (
	// Application events
	ApplicationSubmitted = "ApplicationSubmitted"
	ApplicationUpdated   = "ApplicationUpdated"
	ApplicationApproved  = "ApplicationApproved"
	ApplicationRejected  = "ApplicationRejected"
	ApplicationWithdrawn = "ApplicationWithdrawn"

	// Match suggestion events
	MatchSuggestionGenerated = "MatchSuggestionGenerated"
	MatchSuggestionAccepted  = "MatchSuggestionAccepted"
	MatchSuggestionDeclined  = "MatchSuggestionDeclined"
	MatchSuggestionExpired   = "MatchSuggestionExpired"
)

// DefaultContractsVersion is stamped on events appended without one
const DefaultContractsVersion = "1.0.0"

// Event represents a stored domain event
type Event struct {
	ID               string          `json:"event_id"`
	AggregateID      string          `json:"aggregate_id"`
	AggregateType    string          `json:"aggregate_type"`
	Type             string          `json:"event_type"`
	Version          int             `json:"version"`
	OccurredAt       time.Time       `json:"occurred_at"`
	Payload          json.RawMessage `json:"payload"`
	ContractsVersion string          `json:"contracts_version"`
}

// Change is an uncommitted event produced by an aggregate command
type Change struct {
	EventType string
	Payload   Payload
}

// AggregateTypes lists every aggregate type known to the store
func AggregateTypes() []string {
	return []string{AggregateTypeApplication, AggregateTypeMatchSuggestion}
}

// IsKnownAggregateType reports whether t names a registered aggregate type
func IsKnownAggregateType(t string) bool {
	for _, known := range AggregateTypes() {
		if known == t {
			return true
		}
	}
	return false
}
