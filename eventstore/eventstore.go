package eventstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/THEMKM/seraaj-eventsourced-sub001/domain"
)

// EventStore is the interface for the append-only event log
type EventStore interface {
	// Append stores one event at ExpectedVersion
	Append(ctx context.Context, req AppendRequest) (domain.Event, error)

	// AppendBatch stores consecutive events of one aggregate atomically
	AppendBatch(ctx context.Context, reqs []AppendRequest) ([]domain.Event, error)

	// LoadEvents returns an aggregate's events from fromVersion on
	LoadEvents(ctx context.Context, aggregateID string, fromVersion int) ([]domain.Event, error)

	// LoadEventRange returns an aggregate's events in [fromVersion, toVersion]
	LoadEventRange(ctx context.Context, aggregateID string, fromVersion, toVersion int) ([]domain.Event, error)

	// LoadEventsByType pages one event type across aggregates
	LoadEventsByType(ctx context.Context, eventType string, since time.Time, cursor string, limit int) (EventPage, error)

	// Query pages the whole log, optionally filtered
	Query(ctx context.Context, filter EventFilter) (EventPage, error)

	// CurrentVersion returns the head version, 0 for an unknown aggregate
	CurrentVersion(ctx context.Context, aggregateID string) (int, error)

	// GetEvent returns a single event by id
	GetEvent(ctx context.Context, eventID string) (domain.Event, error)
}

// AppendRequest describes one event to append
type AppendRequest struct {
	AggregateType    string          `json:"aggregateType"`
	AggregateID      string          `json:"aggregateId"`
	EventType        string          `json:"eventType"`
	ExpectedVersion  int             `json:"expectedVersion"`
	Payload          json.RawMessage `json:"payload"`
	ContractsVersion string          `json:"contractsVersion"`
}

// EventFilter narrows a Query scan. Results are ordered by (occurredAt, eventId).
type EventFilter struct {
	AggregateType string
	EventType     string
	Since         time.Time
	Cursor        string
	Limit         int
}

// EventPage is one page of a scan. NextCursor is empty on the last page.
type EventPage struct {
	Events     []domain.Event `json:"events"`
	NextCursor string         `json:"nextCursor,omitempty"`
}

const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}
