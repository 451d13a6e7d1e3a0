package models

import (
	"time"

	"gorm.io/datatypes"
)

// Event represents a stored domain event. Rows are never updated or deleted.
type Event struct {
	EventID          string         `gorm:"primaryKey;size:36" json:"event_id"`
	AggregateType    string         `gorm:"size:64;not null;index:idx_events_aggregate,priority:1" json:"aggregate_type"`
	AggregateID      string         `gorm:"size:64;not null;uniqueIndex:uq_events_aggregate_version,priority:1;index:idx_events_aggregate,priority:2" json:"aggregate_id"`
	EventType        string         `gorm:"size:128;not null;index" json:"event_type"`
	OccurredAt       time.Time      `gorm:"not null;index" json:"occurred_at"`
	Version          int            `gorm:"not null;uniqueIndex:uq_events_aggregate_version,priority:2" json:"version"`
	Payload          datatypes.JSON `gorm:"not null" json:"payload"`
	ContractsVersion string         `gorm:"size:32;not null;default:'1.0.0'" json:"contracts_version"`
}

func (Event) TableName() string { return "events" }

// AggregateSnapshot caches folded aggregate state at a version
type AggregateSnapshot struct {
	AggregateID   string         `gorm:"primaryKey;size:64" json:"aggregate_id"`
	AggregateType string         `gorm:"size:64;not null" json:"aggregate_type"`
	Version       int            `gorm:"not null" json:"version"`
	State         datatypes.JSON `gorm:"not null" json:"state"`
	CreatedAt     time.Time      `json:"created_at"`
}

func (AggregateSnapshot) TableName() string { return "aggregate_snapshots" }

// ApplicationPair reserves a (volunteer, opportunity) pair for the first
// application submitted for it. It is written in the append transaction and
// never cleared by a projection rebuild.
type ApplicationPair struct {
	VolunteerID   string    `gorm:"primaryKey;size:64" json:"volunteer_id"`
	OpportunityID string    `gorm:"primaryKey;size:64" json:"opportunity_id"`
	ApplicationID string    `gorm:"size:64;not null;index" json:"application_id"`
	ClaimedAt     time.Time `gorm:"not null" json:"claimed_at"`
}

func (ApplicationPair) TableName() string { return "application_pairs" }
