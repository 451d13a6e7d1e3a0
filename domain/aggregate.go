package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Aggregate is the interface for all aggregates
type Aggregate interface {
	GetID() string
	GetType() string
	GetVersion() int
	GetChanges() []Change
	ClearChanges()
	Apply(payload Payload) error
	Replay(event Event) error
	Snapshot() (json.RawMessage, error)
	Restore(state json.RawMessage, version int) error
}

// AggregateBase provides common aggregate functionality. version counts
// both stored events and uncommitted changes.
type AggregateBase struct {
	id            string
	aggregateType string
	version       int
	changes       []Change
	applier       func(payload Payload) error
}

// NewAggregateBase creates a new aggregate base
func NewAggregateBase(id, aggregateType string, applier func(Payload) error) *AggregateBase {
	return &AggregateBase{
		id:            id,
		aggregateType: aggregateType,
		applier:       applier,
	}
}

// GetID returns the aggregate ID
func (a *AggregateBase) GetID() string {
	return a.id
}

// GetType returns the aggregate type
func (a *AggregateBase) GetType() string {
	return a.aggregateType
}

// GetVersion returns the aggregate version
func (a *AggregateBase) GetVersion() int {
	return a.version
}

// GetChanges returns the uncommitted changes
func (a *AggregateBase) GetChanges() []Change {
	return a.changes
}

// ClearChanges drops the uncommitted changes after they were stored
func (a *AggregateBase) ClearChanges() {
	a.changes = nil
}

// Apply validates a new change, folds it into state and records it as
// uncommitted.
func (a *AggregateBase) Apply(payload Payload) error {
	if a.applier == nil {
		return fmt.Errorf("applier is not set")
	}
	if payload.AggregateType() != a.aggregateType {
		return Validation("domain.Apply", nil, "%s event cannot be applied to %s aggregate", payload.EventType(), a.aggregateType)
	}
	if err := ValidatePayload(payload); err != nil {
		return err
	}

	if err := a.applier(payload); err != nil {
		return err
	}

	a.changes = append(a.changes, Change{EventType: payload.EventType(), Payload: payload})
	a.version++
	return nil
}

// ErrEventSkipped is returned by Replay for a stored event the state machine
// refuses. The version still advances past it, so the aggregate stays
// loadable and the caller may continue with the next event.
var ErrEventSkipped = errors.New("stored event skipped")

// Replay folds an already stored event. Events must arrive in version order.
func (a *AggregateBase) Replay(event Event) error {
	if event.AggregateType != a.aggregateType {
		return Validation("domain.Replay", nil, "event %s belongs to %s, not %s", event.ID, event.AggregateType, a.aggregateType)
	}
	if event.Version != a.version+1 {
		return fmt.Errorf("event sequence gap for %s: expected version %d got %d", a.id, a.version+1, event.Version)
	}

	payload, err := DecodePayload(event.AggregateType, event.Type, event.ContractsVersion, event.Payload)
	if err != nil {
		return err
	}
	if err := a.applier(payload); err != nil {
		if errors.Is(err, ErrIllegalTransition) {
			a.version = event.Version
			return fmt.Errorf("%w: %s (v%d): %v", ErrEventSkipped, event.Type, event.Version, err)
		}
		return fmt.Errorf("failed to replay event %s (v%d): %w", event.Type, event.Version, err)
	}

	a.version = event.Version
	return nil
}

func (a *AggregateBase) restoreVersion(version int) {
	a.version = version
	a.changes = nil
}

// NewAggregate returns an empty aggregate of the given type
func NewAggregate(aggregateType, id string) (Aggregate, error) {
	switch aggregateType {
	case AggregateTypeApplication:
		return NewApplicationAggregate(id), nil
	case AggregateTypeMatchSuggestion:
		return NewMatchSuggestionAggregate(id), nil
	default:
		return nil, Validation("domain.NewAggregate", nil, "unknown aggregate type %q", aggregateType)
	}
}

func illegalTransition(aggregateType, from, eventType string) error {
	return Validation("domain.transition", ErrIllegalTransition,
		"%s cannot apply %s in state %q", aggregateType, eventType, from)
}
