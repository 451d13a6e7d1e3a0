package readmodel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/plugin/dbresolver"

	"github.com/THEMKM/seraaj-eventsourced-sub001/cache"
	"github.com/THEMKM/seraaj-eventsourced-sub001/domain"
	"github.com/THEMKM/seraaj-eventsourced-sub001/eventstore"
	"github.com/THEMKM/seraaj-eventsourced-sub001/models"
)

// maxLagging bounds the lagging aggregates listed in a validation report
const maxLagging = 100

// Cache is the subset of cache.RedisCache the statistics use
type Cache interface {
	Enabled() bool
	Get(ctx context.Context, key string, value interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

// Stats runs read-only aggregation queries for monitoring
type Stats struct {
	db    *gorm.DB
	cache Cache
	ttl   time.Duration
	now   func() time.Time
}

type StatsOption func(*Stats)

// WithCache caches Snapshot results for ttl
func WithCache(c Cache, ttl time.Duration) StatsOption {
	return func(s *Stats) {
		s.cache = c
		s.ttl = ttl
	}
}

func WithStatsClock(now func() time.Time) StatsOption {
	return func(s *Stats) {
		s.now = now
	}
}

func NewStats(db *gorm.DB, opts ...StatsOption) *Stats {
	s := &Stats{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type DateRange struct {
	Total    int64      `json:"total"`
	Earliest *time.Time `json:"earliest,omitempty"`
	Latest   *time.Time `json:"latest,omitempty"`
}

type ScoreStats struct {
	Count           int64   `json:"count"`
	Min             float64 `json:"min"`
	Max             float64 `json:"max"`
	Avg             float64 `json:"avg"`
	AvgDistance     float64 `json:"avgDistance"`
	AvgSkills       float64 `json:"avgSkills"`
	AvgAvailability float64 `json:"avgAvailability"`
}

type QuarantineCount struct {
	AggregateType string `json:"aggregateType"`
	Code          string `json:"code"`
	Count         int64  `json:"count"`
}

// Snapshot bundles every statistic
type Snapshot struct {
	GeneratedAt           time.Time         `json:"generatedAt"`
	EventsByAggregateType map[string]int64  `json:"eventsByAggregateType"`
	EventsByEventType     map[string]int64  `json:"eventsByEventType"`
	EventDateRange        DateRange         `json:"eventDateRange"`
	ApplicationsByStatus  map[string]int64  `json:"applicationsByStatus"`
	SuggestionsByStatus   map[string]int64  `json:"suggestionsByStatus"`
	Scores                ScoreStats        `json:"scores"`
	Quarantine            []QuarantineCount `json:"quarantine"`
	QueueByStatus         map[string]int64  `json:"queueByStatus"`
}

func (s *Stats) read(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Clauses(dbresolver.Read)
}

type groupCount struct {
	GroupKey string
	Count    int64
}

func (s *Stats) countBy(ctx context.Context, op string, model interface{}, column string) (map[string]int64, error) {
	var rows []groupCount
	err := s.read(ctx).Model(model).
		Select(column + " AS group_key, COUNT(*) AS count").
		Group(column).
		Scan(&rows).Error
	if err != nil {
		return nil, eventstore.MapStorageError(op, err)
	}

	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.GroupKey] = r.Count
	}
	return out, nil
}

func (s *Stats) EventCountsByAggregateType(ctx context.Context) (map[string]int64, error) {
	return s.countBy(ctx, "readmodel.EventCountsByAggregateType", &models.Event{}, "aggregate_type")
}

func (s *Stats) EventCountsByEventType(ctx context.Context) (map[string]int64, error) {
	return s.countBy(ctx, "readmodel.EventCountsByEventType", &models.Event{}, "event_type")
}

// ApplicationCountsByStatus includes every status, zero when no row holds it
func (s *Stats) ApplicationCountsByStatus(ctx context.Context) (map[string]int64, error) {
	counts, err := s.countBy(ctx, "readmodel.ApplicationCountsByStatus", &models.Application{}, "status")
	if err != nil {
		return nil, err
	}
	for _, st := range domain.ApplicationStatuses() {
		if _, ok := counts[string(st)]; !ok {
			counts[string(st)] = 0
		}
	}
	return counts, nil
}

func (s *Stats) SuggestionCountsByStatus(ctx context.Context) (map[string]int64, error) {
	counts, err := s.countBy(ctx, "readmodel.SuggestionCountsByStatus", &models.MatchSuggestion{}, "status")
	if err != nil {
		return nil, err
	}
	for _, st := range domain.SuggestionStatuses() {
		if _, ok := counts[string(st)]; !ok {
			counts[string(st)] = 0
		}
	}
	return counts, nil
}

func (s *Stats) QueueCountsByStatus(ctx context.Context) (map[string]int64, error) {
	return s.countBy(ctx, "readmodel.QueueCountsByStatus", &models.ProjectionQueueItem{}, "status")
}

// EventDateRange returns the event count and the first and last occurrence
func (s *Stats) EventDateRange(ctx context.Context) (DateRange, error) {
	const op = "readmodel.EventDateRange"

	var out DateRange
	if err := s.read(ctx).Model(&models.Event{}).Count(&out.Total).Error; err != nil {
		return out, eventstore.MapStorageError(op, err)
	}
	if out.Total == 0 {
		return out, nil
	}

	var first, last models.Event
	if err := s.read(ctx).Select("occurred_at").Order("occurred_at ASC").Take(&first).Error; err != nil {
		return out, eventstore.MapStorageError(op, err)
	}
	if err := s.read(ctx).Select("occurred_at").Order("occurred_at DESC").Take(&last).Error; err != nil {
		return out, eventstore.MapStorageError(op, err)
	}

	earliest, latest := first.OccurredAt.UTC(), last.OccurredAt.UTC()
	out.Earliest, out.Latest = &earliest, &latest
	return out, nil
}

// ScoreStatistics summarizes suggestion scores and their components
func (s *Stats) ScoreStatistics(ctx context.Context) (ScoreStats, error) {
	const op = "readmodel.ScoreStatistics"

	component := func(name string) string {
		if s.db.Dialector.Name() == "postgres" {
			return fmt.Sprintf("COALESCE(AVG((score_components->>'%s')::float8), 0) AS avg_%s", name, name)
		}
		return fmt.Sprintf("COALESCE(AVG(json_extract(score_components, '$.%s')), 0) AS avg_%s", name, name)
	}

	var out ScoreStats
	err := s.read(ctx).Model(&models.MatchSuggestion{}).
		Select("COUNT(*) AS count, COALESCE(MIN(score), 0) AS min, COALESCE(MAX(score), 0) AS max, COALESCE(AVG(score), 0) AS avg, " +
			component("distance") + ", " + component("skills") + ", " + component("availability")).
		Scan(&out).Error
	if err != nil {
		return out, eventstore.MapStorageError(op, err)
	}
	return out, nil
}

func (s *Stats) QuarantineCounts(ctx context.Context) ([]QuarantineCount, error) {
	var rows []QuarantineCount
	err := s.read(ctx).Model(&models.QuarantinedEvent{}).
		Select("aggregate_type, code, COUNT(*) AS count").
		Group("aggregate_type, code").
		Order("aggregate_type, code").
		Scan(&rows).Error
	if err != nil {
		return nil, eventstore.MapStorageError("readmodel.QuarantineCounts", err)
	}
	return rows, nil
}

// Snapshot computes every statistic, served from the cache while fresh
func (s *Stats) Snapshot(ctx context.Context) (*Snapshot, error) {
	key := cache.StatsCacheKey()

	if s.cache != nil && s.cache.Enabled() {
		var cached Snapshot
		err := s.cache.Get(ctx, key, &cached)
		if err == nil {
			return &cached, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			log.Warn().Err(err).Msg("Failed to read cached statistics")
		}
	}

	snap, err := s.compute(ctx)
	if err != nil {
		return nil, err
	}

	if s.cache != nil && s.cache.Enabled() {
		if err := s.cache.Set(ctx, key, snap, s.ttl); err != nil {
			log.Warn().Err(err).Msg("Failed to cache statistics")
		}
	}
	return snap, nil
}

func (s *Stats) compute(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{GeneratedAt: s.now().UTC()}
	var err error

	if snap.EventsByAggregateType, err = s.EventCountsByAggregateType(ctx); err != nil {
		return nil, err
	}
	if snap.EventsByEventType, err = s.EventCountsByEventType(ctx); err != nil {
		return nil, err
	}
	if snap.EventDateRange, err = s.EventDateRange(ctx); err != nil {
		return nil, err
	}
	if snap.ApplicationsByStatus, err = s.ApplicationCountsByStatus(ctx); err != nil {
		return nil, err
	}
	if snap.SuggestionsByStatus, err = s.SuggestionCountsByStatus(ctx); err != nil {
		return nil, err
	}
	if snap.Scores, err = s.ScoreStatistics(ctx); err != nil {
		return nil, err
	}
	if snap.Quarantine, err = s.QuarantineCounts(ctx); err != nil {
		return nil, err
	}
	if snap.QueueByStatus, err = s.QueueCountsByStatus(ctx); err != nil {
		return nil, err
	}
	return snap, nil
}

// LaggingAggregate is an aggregate whose projection is behind the log
type LaggingAggregate struct {
	AggregateID string `json:"aggregateId"`
	Head        int    `json:"head"`
	Applied     int    `json:"applied"`
}

// TypeReport compares the log with the projection for one aggregate type
type TypeReport struct {
	AggregateType  string             `json:"aggregateType"`
	Aggregates     int64              `json:"aggregates"`
	Events         int64              `json:"events"`
	ProjectionRows int64              `json:"projectionRows"`
	Checkpoints    int64              `json:"checkpoints"`
	Quarantined    int64              `json:"quarantined"`
	LaggingCount   int64              `json:"laggingCount"`
	Lagging        []LaggingAggregate `json:"lagging"`
}

type ValidationReport struct {
	CheckedAt  time.Time    `json:"checkedAt"`
	Consistent bool         `json:"consistent"`
	Types      []TypeReport `json:"types"`
}

// ValidateProjections reports, per aggregate type, how far the projection
// is behind the log. Consistent means every aggregate's checkpoint is at
// its head version.
func (s *Stats) ValidateProjections(ctx context.Context) (*ValidationReport, error) {
	const op = "readmodel.ValidateProjections"

	report := &ValidationReport{CheckedAt: s.now().UTC(), Consistent: true}

	for _, aggregateType := range domain.AggregateTypes() {
		tr := TypeReport{AggregateType: aggregateType, Lagging: []LaggingAggregate{}}

		if err := s.read(ctx).Model(&models.Event{}).Where("aggregate_type = ?", aggregateType).Count(&tr.Events).Error; err != nil {
			return nil, eventstore.MapStorageError(op, err)
		}
		err := s.read(ctx).Model(&models.Event{}).
			Where("aggregate_type = ?", aggregateType).
			Distinct("aggregate_id").
			Count(&tr.Aggregates).Error
		if err != nil {
			return nil, eventstore.MapStorageError(op, err)
		}

		var rowModel interface{} = &models.Application{}
		if aggregateType == domain.AggregateTypeMatchSuggestion {
			rowModel = &models.MatchSuggestion{}
		}
		if err := s.read(ctx).Model(rowModel).Count(&tr.ProjectionRows).Error; err != nil {
			return nil, eventstore.MapStorageError(op, err)
		}
		if err := s.read(ctx).Model(&models.ProjectionCheckpoint{}).Where("aggregate_type = ?", aggregateType).Count(&tr.Checkpoints).Error; err != nil {
			return nil, eventstore.MapStorageError(op, err)
		}
		if err := s.read(ctx).Model(&models.QuarantinedEvent{}).Where("aggregate_type = ?", aggregateType).Count(&tr.Quarantined).Error; err != nil {
			return nil, eventstore.MapStorageError(op, err)
		}

		lagging := func() *gorm.DB {
			return s.read(ctx).Table("events e").
				Joins("LEFT JOIN projection_checkpoints c ON c.aggregate_id = e.aggregate_id").
				Where("e.aggregate_type = ?", aggregateType).
				Group("e.aggregate_id").
				Having("MAX(e.version) > COALESCE(MAX(c.last_applied_version), 0)")
		}

		if err := s.read(ctx).Table("(?) AS lagging", lagging().Select("e.aggregate_id")).Count(&tr.LaggingCount).Error; err != nil {
			return nil, eventstore.MapStorageError(op, err)
		}
		err = lagging().
			Select("e.aggregate_id AS aggregate_id, MAX(e.version) AS head, COALESCE(MAX(c.last_applied_version), 0) AS applied").
			Order("e.aggregate_id").
			Limit(maxLagging).
			Scan(&tr.Lagging).Error
		if err != nil {
			return nil, eventstore.MapStorageError(op, err)
		}

		if tr.LaggingCount > 0 {
			report.Consistent = false
		}
		report.Types = append(report.Types, tr)
	}
	return report, nil
}
