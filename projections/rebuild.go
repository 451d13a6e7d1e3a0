package projections

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/THEMKM/seraaj-eventsourced-sub001/domain"
	"github.com/THEMKM/seraaj-eventsourced-sub001/eventstore"
	"github.com/THEMKM/seraaj-eventsourced-sub001/models"
)

// EventSource is the log scan a rebuild reads from
type EventSource interface {
	Query(ctx context.Context, filter eventstore.EventFilter) (eventstore.EventPage, error)
}

// RebuildOptions selects what to rebuild. An empty AggregateType means all
// types. A non-zero Since turns the rebuild into a catch-up that keeps the
// existing rows and relies on idempotence.
type RebuildOptions struct {
	AggregateType string
	Since         time.Time
	PageSize      int
}

// RebuildCounts tallies a rebuild per aggregate type
type RebuildCounts struct {
	Events      int `json:"events"`
	Applied     int `json:"applied"`
	Duplicates  int `json:"duplicates"`
	Quarantined int `json:"quarantined"`
	Stranded    int `json:"stranded"`
}

// Rebuild replays the log into the projections in (occurredAt, eventId)
// order. Events that overtake their predecessor because of equal or skewed
// timestamps are held back per aggregate until the predecessor is applied.
func (p *Projector) Rebuild(ctx context.Context, source EventSource, opts RebuildOptions) (map[string]*RebuildCounts, error) {
	types := domain.AggregateTypes()
	if opts.AggregateType != "" {
		if !domain.IsKnownAggregateType(opts.AggregateType) {
			return nil, domain.Validation("projections.Rebuild", nil, "unknown aggregate type %q", opts.AggregateType)
		}
		types = []string{opts.AggregateType}
	}

	counts := make(map[string]*RebuildCounts, len(types))
	for _, t := range types {
		counts[t] = &RebuildCounts{}
	}

	if opts.Since.IsZero() {
		if err := p.clear(ctx, types); err != nil {
			return nil, err
		}
	}

	held := map[string][]domain.Event{}
	cursor := ""
	for {
		page, err := source.Query(ctx, eventstore.EventFilter{
			AggregateType: opts.AggregateType,
			Since:         opts.Since,
			Cursor:        cursor,
			Limit:         opts.PageSize,
		})
		if err != nil {
			return nil, err
		}

		for _, event := range page.Events {
			c, ok := counts[event.AggregateType]
			if !ok {
				continue
			}
			c.Events++

			if pending := held[event.AggregateID]; len(pending) > 0 {
				held[event.AggregateID] = insertByVersion(pending, event)
				if err := p.drain(ctx, event.AggregateID, held, c); err != nil {
					return nil, err
				}
				continue
			}
			if err := p.rebuildOne(ctx, event, c); err != nil {
				if !errors.Is(err, ErrVersionGap) {
					return nil, err
				}
				held[event.AggregateID] = []domain.Event{event}
				continue
			}
			if err := p.drain(ctx, event.AggregateID, held, c); err != nil {
				return nil, err
			}
		}

		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	// Held events whose predecessor never showed up. Only possible for a
	// catch-up that starts in the middle of an aggregate's history.
	for id, pending := range held {
		if len(pending) == 0 {
			continue
		}
		counts[pending[0].AggregateType].Stranded += len(pending)
		log.Warn().Str("aggregate_id", id).Int("events", len(pending)).Msg("Events left unapplied after rebuild")
	}

	for t, c := range counts {
		log.Info().
			Str("aggregate_type", t).
			Int("events", c.Events).
			Int("applied", c.Applied).
			Int("duplicates", c.Duplicates).
			Int("quarantined", c.Quarantined).
			Msg("Projection rebuild finished")
	}
	return counts, nil
}

func (p *Projector) rebuildOne(ctx context.Context, event domain.Event, c *RebuildCounts) error {
	outcome, err := p.Apply(ctx, event)
	switch outcome {
	case OutcomeApplied:
		c.Applied++
		return nil
	case OutcomeDuplicate:
		c.Duplicates++
		return nil
	case OutcomeQuarantined:
		c.Quarantined++
		return nil
	}
	return err
}

// drain applies held events of one aggregate while they are next in line
func (p *Projector) drain(ctx context.Context, aggregateID string, held map[string][]domain.Event, c *RebuildCounts) error {
	for len(held[aggregateID]) > 0 {
		next := held[aggregateID][0]
		err := p.rebuildOne(ctx, next, c)
		if errors.Is(err, ErrVersionGap) {
			return nil
		}
		if err != nil {
			return err
		}
		held[aggregateID] = held[aggregateID][1:]
	}
	delete(held, aggregateID)
	return nil
}

func insertByVersion(events []domain.Event, event domain.Event) []domain.Event {
	i := sort.Search(len(events), func(i int) bool { return events[i].Version >= event.Version })
	events = append(events, domain.Event{})
	copy(events[i+1:], events[i:])
	events[i] = event
	return events
}

// clear drops projection rows, checkpoints and quarantine entries of the
// given aggregate types
func (p *Projector) clear(ctx context.Context, types []string) error {
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		all := tx.Session(&gorm.Session{AllowGlobalUpdate: true})
		for _, t := range types {
			switch t {
			case domain.AggregateTypeApplication:
				if err := all.Delete(&models.Application{}).Error; err != nil {
					return err
				}
			case domain.AggregateTypeMatchSuggestion:
				if err := all.Delete(&models.MatchSuggestion{}).Error; err != nil {
					return err
				}
			}
		}
		if err := tx.Where("aggregate_type IN ?", types).Delete(&models.ProjectionCheckpoint{}).Error; err != nil {
			return err
		}
		return tx.Where("aggregate_type IN ?", types).Delete(&models.QuarantinedEvent{}).Error
	})
	if err != nil {
		return eventstore.MapStorageError("projections.clear", err)
	}
	log.Info().Strs("aggregate_types", types).Msg("Projections cleared for rebuild")
	return nil
}
