package aggregates

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/THEMKM/seraaj-eventsourced-sub001/domain"
	"github.com/THEMKM/seraaj-eventsourced-sub001/eventstore"
	"github.com/THEMKM/seraaj-eventsourced-sub001/metrics"
)

// DefaultSnapshotFrequency is how many versions pass between snapshots
const DefaultSnapshotFrequency = 100

// Store is the part of the event log the repository needs
type Store interface {
	Append(ctx context.Context, req eventstore.AppendRequest) (domain.Event, error)
	AppendBatch(ctx context.Context, reqs []eventstore.AppendRequest) ([]domain.Event, error)
	LoadEvents(ctx context.Context, aggregateID string, fromVersion int) ([]domain.Event, error)
}

// Repository rebuilds aggregates from the event log and stores their changes
type Repository struct {
	store             Store
	snapshots         SnapshotStore
	snapshotFrequency int
}

// Option configures a Repository
type Option func(*Repository)

// WithSnapshots enables snapshotting every frequency versions. A frequency
// of zero disables it.
func WithSnapshots(snapshots SnapshotStore, frequency int) Option {
	return func(r *Repository) {
		r.snapshots = snapshots
		r.snapshotFrequency = frequency
	}
}

// NewRepository creates a new aggregate repository
func NewRepository(store Store, opts ...Option) *Repository {
	r := &Repository{store: store}
	for _, opt := range opts {
		opt(r)
	}
	if r.snapshotFrequency <= 0 {
		r.snapshots = nil
	}
	return r
}

// Load folds an aggregate's history. It returns NotFound when the aggregate
// has no events.
func (r *Repository) Load(ctx context.Context, aggregateType, aggregateID string) (domain.Aggregate, error) {
	const op = "aggregates.Load"

	aggregate, err := domain.NewAggregate(aggregateType, aggregateID)
	if err != nil {
		return nil, err
	}

	from := r.restore(ctx, aggregate)
	events, err := r.store.LoadEvents(ctx, aggregateID, from)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 && aggregate.GetVersion() == 0 {
		return nil, domain.NotFound(op, "%s %s not found", aggregateType, aggregateID)
	}

	for _, event := range events {
		if err := aggregate.Replay(event); err != nil {
			if errors.Is(err, domain.ErrEventSkipped) {
				metrics.IncReplaySkipped(aggregateType, event.Type)
				log.Warn().
					Err(err).
					Str("event_id", event.ID).
					Str("aggregate_id", aggregateID).
					Int("version", event.Version).
					Msg("Stored event skipped during replay")
				continue
			}
			return nil, domain.Validation(op, err, "failed to replay %s %s", aggregateType, aggregateID)
		}
	}
	return aggregate, nil
}

// restore applies the latest snapshot when one exists and returns the first
// version still to replay
func (r *Repository) restore(ctx context.Context, aggregate domain.Aggregate) int {
	if r.snapshots == nil {
		return 1
	}

	snapshot, err := r.snapshots.Get(ctx, aggregate.GetID())
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			log.Warn().Err(err).Str("aggregate_id", aggregate.GetID()).Msg("Failed to read snapshot, replaying from start")
		}
		return 1
	}
	if snapshot.AggregateType != aggregate.GetType() {
		return 1
	}
	if err := aggregate.Restore(snapshot.State, snapshot.Version); err != nil {
		log.Warn().Err(err).Str("aggregate_id", aggregate.GetID()).Msg("Unreadable snapshot, replaying from start")
		return 1
	}
	return snapshot.Version + 1
}

// LoadApplication loads an application aggregate
func (r *Repository) LoadApplication(ctx context.Context, id string) (*domain.ApplicationAggregate, error) {
	aggregate, err := r.Load(ctx, domain.AggregateTypeApplication, id)
	if err != nil {
		return nil, err
	}
	return aggregate.(*domain.ApplicationAggregate), nil
}

// LoadMatchSuggestion loads a match suggestion aggregate
func (r *Repository) LoadMatchSuggestion(ctx context.Context, id string) (*domain.MatchSuggestionAggregate, error) {
	aggregate, err := r.Load(ctx, domain.AggregateTypeMatchSuggestion, id)
	if err != nil {
		return nil, err
	}
	return aggregate.(*domain.MatchSuggestionAggregate), nil
}

// Save appends the aggregate's uncommitted changes at consecutive versions
func (r *Repository) Save(ctx context.Context, aggregate domain.Aggregate) ([]domain.Event, error) {
	changes := aggregate.GetChanges()
	if len(changes) == 0 {
		return nil, nil
	}

	base := aggregate.GetVersion() - len(changes)
	reqs := make([]eventstore.AppendRequest, len(changes))
	for i, change := range changes {
		payload, err := domain.EncodePayload(change.Payload)
		if err != nil {
			return nil, err
		}
		reqs[i] = eventstore.AppendRequest{
			AggregateType:   aggregate.GetType(),
			AggregateID:     aggregate.GetID(),
			EventType:       change.EventType,
			ExpectedVersion: base + i + 1,
			Payload:         payload,
		}
	}

	events, err := r.store.AppendBatch(ctx, reqs)
	if err != nil {
		return nil, err
	}
	aggregate.ClearChanges()

	r.maybeSnapshot(ctx, aggregate, base)
	return events, nil
}

// maybeSnapshot stores the state when the saved range crossed a multiple of
// the snapshot frequency. Failures only cost replay time later.
func (r *Repository) maybeSnapshot(ctx context.Context, aggregate domain.Aggregate, base int) {
	if r.snapshots == nil {
		return
	}
	version := aggregate.GetVersion()
	if version/r.snapshotFrequency == base/r.snapshotFrequency {
		return
	}

	state, err := aggregate.Snapshot()
	if err == nil {
		err = r.snapshots.Put(ctx, Snapshot{
			AggregateID:   aggregate.GetID(),
			AggregateType: aggregate.GetType(),
			Version:       version,
			State:         state,
		})
	}
	if err != nil {
		log.Warn().Err(err).Str("aggregate_id", aggregate.GetID()).Int("version", version).Msg("Failed to store snapshot")
		return
	}
	log.Debug().Str("aggregate_id", aggregate.GetID()).Int("version", version).Msg("Snapshot stored")
}

// Append is a raw append guarded by the aggregate's state machine: the
// payload must be a legal next step from the folded state.
func (r *Repository) Append(ctx context.Context, req eventstore.AppendRequest) (domain.Event, error) {
	const op = "aggregates.Append"

	aggregate, err := r.Load(ctx, req.AggregateType, req.AggregateID)
	if errors.Is(err, domain.ErrNotFound) {
		aggregate, err = domain.NewAggregate(req.AggregateType, req.AggregateID)
	}
	if err != nil {
		return domain.Event{}, err
	}

	if req.ExpectedVersion != aggregate.GetVersion()+1 {
		return domain.Event{}, domain.VersionConflict(op, "aggregate %s: expected version %d, current version %d",
			req.AggregateID, req.ExpectedVersion, aggregate.GetVersion())
	}

	payload, err := domain.DecodePayload(req.AggregateType, req.EventType, req.ContractsVersion, req.Payload)
	if err != nil {
		return domain.Event{}, err
	}
	if err := aggregate.Apply(payload); err != nil {
		return domain.Event{}, err
	}

	return r.store.Append(ctx, req)
}
