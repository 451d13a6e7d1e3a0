package eventstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/plugin/dbresolver"

	"github.com/THEMKM/seraaj-eventsourced-sub001/domain"
	"github.com/THEMKM/seraaj-eventsourced-sub001/metrics"
	"github.com/THEMKM/seraaj-eventsourced-sub001/models"
	"github.com/THEMKM/seraaj-eventsourced-sub001/utils"
)

// GormEventStore implements EventStore using GORM
type GormEventStore struct {
	db  *gorm.DB
	now func() time.Time
}

// Option configures a GormEventStore
type Option func(*GormEventStore)

// WithClock replaces the clock used to stamp occurredAt
func WithClock(now func() time.Time) Option {
	return func(s *GormEventStore) {
		s.now = now
	}
}

// NewGormEventStore creates a new GORM event store
func NewGormEventStore(db *gorm.DB, opts ...Option) *GormEventStore {
	s := &GormEventStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append stores one event. It succeeds only when ExpectedVersion is exactly
// the current version plus one.
func (s *GormEventStore) Append(ctx context.Context, req AppendRequest) (domain.Event, error) {
	events, err := s.AppendBatch(ctx, []AppendRequest{req})
	if err != nil {
		return domain.Event{}, err
	}
	return events[0], nil
}

// AppendBatch stores consecutive events of a single aggregate in one
// transaction, together with their projection queue rows.
func (s *GormEventStore) AppendBatch(ctx context.Context, reqs []AppendRequest) ([]domain.Event, error) {
	const op = "eventstore.Append"

	if len(reqs) == 0 {
		return nil, nil
	}
	payloads, err := validateBatch(reqs)
	if err != nil {
		metrics.IncAppendFailure(reqs[0].AggregateType, string(domain.CodeOf(err)))
		return nil, err
	}

	first := reqs[0]
	occurredAt := s.now().UTC().Truncate(time.Microsecond)

	rows := make([]models.Event, len(reqs))
	queue := make([]models.ProjectionQueueItem, len(reqs))
	for i, req := range reqs {
		contractsVersion := req.ContractsVersion
		if contractsVersion == "" {
			contractsVersion = domain.DefaultContractsVersion
		}
		rows[i] = models.Event{
			EventID:          uuid.New().String(),
			AggregateType:    req.AggregateType,
			AggregateID:      req.AggregateID,
			EventType:        req.EventType,
			OccurredAt:       occurredAt,
			Version:          req.ExpectedVersion,
			Payload:          datatypes.JSON(req.Payload),
			ContractsVersion: contractsVersion,
		}
		queue[i] = models.ProjectionQueueItem{
			EventID:       rows[i].EventID,
			AggregateID:   req.AggregateID,
			AggregateType: req.AggregateType,
			Version:       req.ExpectedVersion,
			Status:        models.QueueStatusPending,
			AvailableAt:   occurredAt,
		}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, currentType, err := head(tx, first.AggregateID)
		if err != nil {
			return err
		}
		if current > 0 && currentType != first.AggregateType {
			return domain.Validation(op, nil, "aggregate %s is a %s, not a %s", first.AggregateID, currentType, first.AggregateType)
		}
		if first.ExpectedVersion != current+1 {
			return domain.VersionConflict(op, "aggregate %s: expected version %d, current version %d",
				first.AggregateID, first.ExpectedVersion, current)
		}

		for _, payload := range payloads {
			if submitted, ok := payload.(*domain.ApplicationSubmittedPayload); ok {
				if err := claimPair(tx, first.AggregateID, submitted, occurredAt); err != nil {
					return err
				}
			}
		}

		// The unique (aggregate_id, version) index decides races between
		// writers that both passed the head check.
		if err := tx.Create(&rows).Error; err != nil {
			if IsDuplicateKey(err) {
				return domain.VersionConflict(op, "aggregate %s: version %d already exists", first.AggregateID, first.ExpectedVersion)
			}
			return err
		}
		if err := tx.Create(&queue).Error; err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		mapped := MapStorageError(op, err)
		metrics.IncAppendFailure(first.AggregateType, string(domain.CodeOf(mapped)))
		if domain.IsCode(mapped, domain.CodeStorageUnavailable) {
			log.Error().Err(err).Str("aggregate_id", first.AggregateID).Msg("Failed to append event")
		}
		return nil, mapped
	}

	events := make([]domain.Event, len(rows))
	for i, row := range rows {
		events[i] = ToDomainEvent(row)
		metrics.IncEventAppended(row.AggregateType, row.EventType)
		log.Info().
			Str("event_id", row.EventID).
			Str("aggregate_id", row.AggregateID).
			Str("aggregate_type", row.AggregateType).
			Str("event_type", row.EventType).
			Int("version", row.Version).
			Msg("Event appended")
	}
	return events, nil
}

func validateBatch(reqs []AppendRequest) ([]domain.Payload, error) {
	const op = "eventstore.Append"

	first := reqs[0]
	payloads := make([]domain.Payload, len(reqs))
	for i, req := range reqs {
		if !domain.IsKnownAggregateType(req.AggregateType) {
			return nil, domain.Validation(op, nil, "unknown aggregate type %q", req.AggregateType)
		}
		if !utils.IsValidIdentifier(req.AggregateID) {
			return nil, domain.Validation(op, nil, "invalid aggregate id %q", req.AggregateID)
		}
		if req.AggregateID != first.AggregateID || req.AggregateType != first.AggregateType {
			return nil, domain.Validation(op, nil, "a batch must target a single aggregate")
		}
		if req.ExpectedVersion < 1 {
			return nil, domain.Validation(op, nil, "expected version must be at least 1, got %d", req.ExpectedVersion)
		}
		if i > 0 && req.ExpectedVersion != reqs[i-1].ExpectedVersion+1 {
			return nil, domain.Validation(op, nil, "batch versions must be consecutive")
		}
		payload, err := domain.DecodePayload(req.AggregateType, req.EventType, req.ContractsVersion, req.Payload)
		if err != nil {
			return nil, err
		}
		payloads[i] = payload
	}
	return payloads, nil
}

// claimPair reserves the submitted (volunteer, opportunity) pair for
// applicationID. A pair owned by another application is a uniqueness
// violation, so the log never holds a second submit for it.
func claimPair(tx *gorm.DB, applicationID string, e *domain.ApplicationSubmittedPayload, at time.Time) error {
	err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.ApplicationPair{
		VolunteerID:   e.VolunteerID,
		OpportunityID: e.OpportunityID,
		ApplicationID: applicationID,
		ClaimedAt:     at,
	}).Error
	if err != nil {
		return err
	}

	var owner models.ApplicationPair
	err = tx.Where("volunteer_id = ? AND opportunity_id = ?", e.VolunteerID, e.OpportunityID).Take(&owner).Error
	if err != nil {
		return err
	}
	if owner.ApplicationID != applicationID {
		return domain.UniquenessViolation("eventstore.Append", "%s: volunteer %s, opportunity %s, application %s",
			domain.DuplicateApplicationMessage, e.VolunteerID, e.OpportunityID, owner.ApplicationID)
	}
	return nil
}

func head(tx *gorm.DB, aggregateID string) (int, string, error) {
	var row models.Event
	err := tx.Select("aggregate_type", "version").
		Where("aggregate_id = ?", aggregateID).
		Order("version DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", err
	}
	return row.Version, row.AggregateType, nil
}

// LoadEvents returns events with version >= fromVersion in version order
func (s *GormEventStore) LoadEvents(ctx context.Context, aggregateID string, fromVersion int) ([]domain.Event, error) {
	return s.loadRange(ctx, aggregateID, fromVersion, 0)
}

// LoadEventRange returns events with fromVersion <= version <= toVersion
func (s *GormEventStore) LoadEventRange(ctx context.Context, aggregateID string, fromVersion, toVersion int) ([]domain.Event, error) {
	if fromVersion < 1 {
		fromVersion = 1
	}
	if toVersion < fromVersion {
		return nil, domain.Validation("eventstore.LoadEventRange", nil, "invalid range [%d, %d]", fromVersion, toVersion)
	}
	return s.loadRange(ctx, aggregateID, fromVersion, toVersion)
}

func (s *GormEventStore) loadRange(ctx context.Context, aggregateID string, fromVersion, toVersion int) ([]domain.Event, error) {
	const op = "eventstore.LoadEvents"

	if fromVersion < 1 {
		fromVersion = 1
	}

	// replay must see the caller's own writes, so it never goes to a replica
	query := s.db.WithContext(ctx).Clauses(dbresolver.Write).
		Where("aggregate_id = ? AND version >= ?", aggregateID, fromVersion)
	if toVersion > 0 {
		query = query.Where("version <= ?", toVersion)
	}

	var rows []models.Event
	if err := query.Order("version ASC").Find(&rows).Error; err != nil {
		return nil, MapStorageError(op, err)
	}

	events := make([]domain.Event, len(rows))
	for i, row := range rows {
		events[i] = ToDomainEvent(row)
	}
	return events, nil
}

// LoadEventsByType pages events of one type across aggregates, for
// projection catch-up and backfill
func (s *GormEventStore) LoadEventsByType(ctx context.Context, eventType string, since time.Time, cursor string, limit int) (EventPage, error) {
	if eventType == "" {
		return EventPage{}, domain.Validation("eventstore.LoadEventsByType", nil, "event type is required")
	}
	return s.Query(ctx, EventFilter{EventType: eventType, Since: since, Cursor: cursor, Limit: limit})
}

// Query scans the log in (occurredAt, eventId) order
func (s *GormEventStore) Query(ctx context.Context, filter EventFilter) (EventPage, error) {
	const op = "eventstore.Query"

	limit := clampLimit(filter.Limit)
	query := s.db.WithContext(ctx).Model(&models.Event{})

	if filter.AggregateType != "" {
		query = query.Where("aggregate_type = ?", filter.AggregateType)
	}
	if filter.EventType != "" {
		query = query.Where("event_type = ?", filter.EventType)
	}
	if !filter.Since.IsZero() {
		query = query.Where("occurred_at >= ?", filter.Since.UTC())
	}
	if filter.Cursor != "" {
		at, id, err := DecodeCursor(filter.Cursor)
		if err != nil {
			return EventPage{}, err
		}
		query = query.Where("(occurred_at > ?) OR (occurred_at = ? AND event_id > ?)", at, at, id)
	}

	var rows []models.Event
	if err := query.Order("occurred_at ASC").Order("event_id ASC").Limit(limit + 1).Find(&rows).Error; err != nil {
		return EventPage{}, MapStorageError(op, err)
	}

	page := EventPage{Events: make([]domain.Event, 0, limit)}
	for i, row := range rows {
		if i == limit {
			last := page.Events[len(page.Events)-1]
			page.NextCursor = EncodeCursor(last.OccurredAt, last.ID)
			break
		}
		page.Events = append(page.Events, ToDomainEvent(row))
	}
	return page, nil
}

// CurrentVersion returns the highest stored version, 0 when absent
func (s *GormEventStore) CurrentVersion(ctx context.Context, aggregateID string) (int, error) {
	var version int
	err := s.db.WithContext(ctx).Clauses(dbresolver.Write).
		Model(&models.Event{}).
		Select("COALESCE(MAX(version), 0)").
		Where("aggregate_id = ?", aggregateID).
		Scan(&version).Error
	if err != nil {
		return 0, MapStorageError("eventstore.CurrentVersion", err)
	}
	return version, nil
}

// GetEvent returns a single event
func (s *GormEventStore) GetEvent(ctx context.Context, eventID string) (domain.Event, error) {
	const op = "eventstore.GetEvent"

	var row models.Event
	err := s.db.WithContext(ctx).Where("event_id = ?", eventID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Event{}, domain.NotFound(op, "event %s not found", eventID)
	}
	if err != nil {
		return domain.Event{}, MapStorageError(op, err)
	}
	return ToDomainEvent(row), nil
}

// ToDomainEvent converts a stored row
func ToDomainEvent(row models.Event) domain.Event {
	return domain.Event{
		ID:               row.EventID,
		AggregateID:      row.AggregateID,
		AggregateType:    row.AggregateType,
		Type:             row.EventType,
		Version:          row.Version,
		OccurredAt:       row.OccurredAt.UTC(),
		Payload:          []byte(row.Payload),
		ContractsVersion: row.ContractsVersion,
	}
}
