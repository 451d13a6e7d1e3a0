package projections

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/THEMKM/seraaj-eventsourced-sub001/domain"
	"github.com/THEMKM/seraaj-eventsourced-sub001/eventstore"
	"github.com/THEMKM/seraaj-eventsourced-sub001/metrics"
	"github.com/THEMKM/seraaj-eventsourced-sub001/models"
)

// Outcome is the result of applying one event
type Outcome string

const (
	OutcomeApplied     Outcome = "applied"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeQuarantined Outcome = "quarantined"
)

// ErrVersionGap means an event arrived before its predecessor was applied.
// Nothing was written; the event must be retried later.
var ErrVersionGap = errors.New("projection version gap")

// Projected is what a sink receives after a successful apply. Exactly one
// of Application and MatchSuggestion is set.
type Projected struct {
	Event           domain.Event
	Application     *models.Application
	MatchSuggestion *models.MatchSuggestion
}

// Sink receives projected rows after the projection transaction committed.
// Sink failures are logged and never undo or block the projection.
type Sink interface {
	Name() string
	Handle(ctx context.Context, projected Projected) error
}

// Projector keeps the read tables in step with the event log
type Projector struct {
	db    *gorm.DB
	sinks []Sink
	now   func() time.Time
}

// ProjectorOption configures a Projector
type ProjectorOption func(*Projector)

func WithSinks(sinks ...Sink) ProjectorOption {
	return func(p *Projector) {
		p.sinks = append(p.sinks, sinks...)
	}
}

// NewProjector creates a new projector
func NewProjector(db *gorm.DB, opts ...ProjectorOption) *Projector {
	p := &Projector{db: db, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Apply projects one event. Events of an aggregate must arrive in version
// order; redelivered events are reported as duplicates and change nothing.
// A rejected event is quarantined and returned with its typed error.
func (p *Projector) Apply(ctx context.Context, event domain.Event) (Outcome, error) {
	const op = "projections.Apply"
	started := time.Now()

	var (
		outcome   Outcome
		rejection error
		projected Projected
	)

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		checkpoint, err := lockCheckpoint(tx, event)
		if err != nil {
			return err
		}

		if event.Version <= checkpoint.LastAppliedVersion {
			outcome = OutcomeDuplicate
			return nil
		}
		if event.Version > checkpoint.LastAppliedVersion+1 {
			return fmt.Errorf("%w: %s v%d, last applied v%d", ErrVersionGap, event.AggregateID, event.Version, checkpoint.LastAppliedVersion)
		}

		projected, err = project(tx, event)
		switch {
		case err == nil:
			outcome = OutcomeApplied
		case domain.IsRejection(err):
			rejection = err
			if err := quarantine(tx, event, err, p.now()); err != nil {
				return err
			}
			outcome = OutcomeQuarantined
		default:
			return err
		}

		return advanceCheckpoint(tx, event)
	})

	metrics.ObserveProjectionLatency(time.Since(started))

	if err != nil {
		if errors.Is(err, ErrVersionGap) {
			metrics.IncProjectionOutcome(event.AggregateType, "gap")
			return "", err
		}
		metrics.IncProjectionOutcome(event.AggregateType, "error")
		return "", eventstore.MapStorageError(op, err)
	}

	metrics.IncProjectionOutcome(event.AggregateType, string(outcome))

	switch outcome {
	case OutcomeDuplicate:
		log.Debug().
			Str("event_id", event.ID).
			Str("aggregate_id", event.AggregateID).
			Int("version", event.Version).
			Msg("Duplicate event skipped")
	case OutcomeQuarantined:
		log.Warn().
			Err(rejection).
			Str("event_id", event.ID).
			Str("aggregate_id", event.AggregateID).
			Str("event_type", event.Type).
			Int("version", event.Version).
			Msg("Event quarantined")
		return outcome, rejection
	case OutcomeApplied:
		projected.Event = event
		p.notify(ctx, projected)
	}
	return outcome, nil
}

func (p *Projector) notify(ctx context.Context, projected Projected) {
	for _, sink := range p.sinks {
		if err := sink.Handle(ctx, projected); err != nil {
			metrics.IncSinkFailure(sink.Name())
			log.Error().
				Err(err).
				Str("sink", sink.Name()).
				Str("event_id", projected.Event.ID).
				Msg("Sink failed")
		}
	}
}

// project decodes the payload and dispatches it. Every payload variant has
// a case here.
func project(tx *gorm.DB, event domain.Event) (Projected, error) {
	payload, err := domain.DecodePayload(event.AggregateType, event.Type, event.ContractsVersion, event.Payload)
	if err != nil {
		return Projected{}, err
	}

	switch e := payload.(type) {
	case *domain.ApplicationSubmittedPayload:
		return applicationSubmitted(tx, event, e)
	case *domain.ApplicationUpdatedPayload:
		return applicationTransition(tx, event, e, func(row *models.Application) {
			if e.CoverLetter != nil {
				row.CoverLetter = e.CoverLetter
			}
			if e.OrganizationID != nil {
				row.OrganizationID = *e.OrganizationID
			}
		})
	case *domain.ApplicationApprovedPayload:
		return applicationTransition(tx, event, e, func(row *models.Application) {
			reviewedAt := e.ReviewedAt.UTC()
			row.ReviewedAt = &reviewedAt
		})
	case *domain.ApplicationRejectedPayload:
		return applicationTransition(tx, event, e, func(row *models.Application) {
			reviewedAt := e.ReviewedAt.UTC()
			row.ReviewedAt = &reviewedAt
		})
	case *domain.ApplicationWithdrawnPayload:
		return applicationTransition(tx, event, e, nil)
	case *domain.MatchSuggestionGeneratedPayload:
		return suggestionGenerated(tx, event, e)
	case *domain.MatchSuggestionAcceptedPayload:
		return suggestionTransition(tx, event, e)
	case *domain.MatchSuggestionDeclinedPayload:
		return suggestionTransition(tx, event, e)
	case *domain.MatchSuggestionExpiredPayload:
		return suggestionTransition(tx, event, e)
	default:
		return Projected{}, domain.Validation("projections.project", nil, "no projection for %T", payload)
	}
}

func lockCheckpoint(tx *gorm.DB, event domain.Event) (models.ProjectionCheckpoint, error) {
	var checkpoint models.ProjectionCheckpoint

	err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.ProjectionCheckpoint{
		AggregateID:   event.AggregateID,
		AggregateType: event.AggregateType,
		UpdatedAt:     event.OccurredAt,
	}).Error
	if err != nil {
		return checkpoint, err
	}

	err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("aggregate_id = ?", event.AggregateID).
		Take(&checkpoint).Error
	return checkpoint, err
}

func advanceCheckpoint(tx *gorm.DB, event domain.Event) error {
	return tx.Model(&models.ProjectionCheckpoint{}).
		Where("aggregate_id = ?", event.AggregateID).
		Updates(map[string]interface{}{
			"last_applied_version": event.Version,
			"updated_at":           event.OccurredAt,
		}).Error
}

func quarantine(tx *gorm.DB, event domain.Event, reason error, now time.Time) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.QuarantinedEvent{
		EventID:       event.ID,
		AggregateID:   event.AggregateID,
		AggregateType: event.AggregateType,
		EventType:     event.Type,
		Version:       event.Version,
		Code:          string(domain.CodeOf(reason)),
		Reason:        reason.Error(),
		OccurredAt:    event.OccurredAt,
		CreatedAt:     now.UTC(),
	}).Error
}
