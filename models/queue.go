package models

import (
	"time"

	"gorm.io/gorm"
)

// Projection queue statuses
const (
	QueueStatusPending     = "pending"
	QueueStatusProcessing  = "processing"
	QueueStatusDone        = "done"
	QueueStatusQuarantined = "quarantined"
)

// ProjectionQueueItem is the outbox row written in the append transaction
type ProjectionQueueItem struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	EventID       string     `gorm:"size:36;not null;uniqueIndex" json:"event_id"`
	AggregateID   string     `gorm:"size:64;not null;index" json:"aggregate_id"`
	AggregateType string     `gorm:"size:64;not null" json:"aggregate_type"`
	Version       int        `gorm:"not null" json:"version"`
	Status        string     `gorm:"size:16;not null;index:idx_projection_queue_claim,priority:1" json:"status"`
	Attempts      int        `gorm:"not null;default:0" json:"attempts"`
	LastError     *string    `json:"last_error"`
	AvailableAt   time.Time  `gorm:"not null;index:idx_projection_queue_claim,priority:2" json:"available_at"`
	LeasedUntil   *time.Time `json:"leased_until"`
	Worker        *string    `gorm:"size:64" json:"worker"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (ProjectionQueueItem) TableName() string { return "projection_queue" }

// ProjectionCheckpoint is the last version a projection applied per aggregate
type ProjectionCheckpoint struct {
	AggregateID        string    `gorm:"primaryKey;size:64" json:"aggregate_id"`
	AggregateType      string    `gorm:"size:64;not null;index" json:"aggregate_type"`
	LastAppliedVersion int       `gorm:"not null" json:"last_applied_version"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime:false" json:"updated_at"`
}

func (ProjectionCheckpoint) TableName() string { return "projection_checkpoints" }

// QuarantinedEvent records an event excluded from projections
type QuarantinedEvent struct {
	EventID       string    `gorm:"primaryKey;size:36" json:"event_id"`
	AggregateID   string    `gorm:"size:64;not null;index" json:"aggregate_id"`
	AggregateType string    `gorm:"size:64;not null;index" json:"aggregate_type"`
	EventType     string    `gorm:"size:128;not null" json:"event_type"`
	Version       int       `gorm:"not null" json:"version"`
	Code          string    `gorm:"size:32;not null" json:"code"`
	Reason        string    `gorm:"not null" json:"reason"`
	OccurredAt    time.Time `gorm:"not null" json:"occurred_at"`
	CreatedAt     time.Time `json:"created_at"`
}

func (QuarantinedEvent) TableName() string { return "quarantined_events" }

// AutoMigrate creates or updates every table owned by the service
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Event{},
		&AggregateSnapshot{},
		&ApplicationPair{},
		&ProjectionQueueItem{},
		&ProjectionCheckpoint{},
		&QuarantinedEvent{},
		&Application{},
		&MatchSuggestion{},
	)
}
