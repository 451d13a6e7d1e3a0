package readmodel_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/THEMKM/seraaj-eventsourced-sub001/cache"
	"github.com/THEMKM/seraaj-eventsourced-sub001/domain"
	"github.com/THEMKM/seraaj-eventsourced-sub001/eventstore"
	"github.com/THEMKM/seraaj-eventsourced-sub001/models"
	"github.com/THEMKM/seraaj-eventsourced-sub001/readmodel"
)

// seed: two applications (one with a quarantined late withdrawal), two suggestions
func seedStats(t *testing.T, e *env) {
	e.submit(t, "A1", "V1", "O1")
	e.submit(t, "A2", "V2", "O1")
	require.NoError(t, e.record(t, domain.AggregateTypeApplication, "A2", domain.ApplicationRejected, 2,
		map[string]interface{}{"reviewedAt": e.clock.Advance(time.Minute)}))
	err := e.record(t, domain.AggregateTypeApplication, "A2", domain.ApplicationWithdrawn, 3,
		map[string]interface{}{"withdrawnAt": e.clock.Advance(time.Minute)})
	require.ErrorIs(t, err, domain.ErrIllegalTransition)
	e.generate(t, "M1", "V1", "O1", 0.2)
	e.generate(t, "M2", "V1", "O2", 0.8)
}

func TestStatsQueries(t *testing.T) {
	e := newEnv(t)
	seedStats(t, e)
	stats := readmodel.NewStats(e.db)
	ctx := context.Background()

	byAggregate, err := stats.EventCountsByAggregateType(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"Application": 4, "MatchSuggestion": 2}, byAggregate)

	byType, err := stats.EventCountsByEventType(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), byType[domain.ApplicationSubmitted])
	assert.Equal(t, int64(1), byType[domain.ApplicationRejected])
	assert.Equal(t, int64(1), byType[domain.ApplicationWithdrawn])
	assert.Equal(t, int64(2), byType[domain.MatchSuggestionGenerated])

	dates, err := stats.EventDateRange(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), dates.Total)
	require.NotNil(t, dates.Earliest)
	require.NotNil(t, dates.Latest)
	assert.True(t, dates.Earliest.Equal(start.Add(time.Minute)))
	assert.True(t, dates.Latest.Equal(start.Add(6*time.Minute)))

	apps, err := stats.ApplicationCountsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"pending": 1, "rejected": 1, "approved": 0, "withdrawn": 0}, apps)

	suggestions, err := stats.SuggestionCountsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), suggestions["active"])
	assert.Equal(t, int64(0), suggestions["expired"])

	scores, err := stats.ScoreStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), scores.Count)
	assert.InDelta(t, 0.2, scores.Min, 1e-9)
	assert.InDelta(t, 0.8, scores.Max, 1e-9)
	assert.InDelta(t, 0.5, scores.Avg, 1e-9)
	assert.InDelta(t, 0.5, scores.AvgDistance, 1e-9)
	assert.InDelta(t, 0.5, scores.AvgSkills, 1e-9)
	assert.InDelta(t, 1.0, scores.AvgAvailability, 1e-9)

	quarantine, err := stats.QuarantineCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []readmodel.QuarantineCount{
		{AggregateType: "Application", Code: string(domain.CodeValidation), Count: 1},
	}, quarantine)
}

func TestStatsOnEmptyStore(t *testing.T) {
	e := newEnv(t)
	stats := readmodel.NewStats(e.db)

	snap, err := stats.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Zero(t, snap.EventDateRange.Total)
	assert.Nil(t, snap.EventDateRange.Earliest)
	assert.Zero(t, snap.Scores.Count)
	assert.Empty(t, snap.Quarantine)
}

type mockCache struct {
	mock.Mock
}

func (m *mockCache) Enabled() bool { return true }

func (m *mockCache) Get(ctx context.Context, key string, value interface{}) error {
	args := m.Called(ctx, key, value)
	if data, ok := args.Get(0).([]byte); ok {
		return json.Unmarshal(data, value)
	}
	return args.Error(1)
}

func (m *mockCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return m.Called(ctx, key, value, expiration).Error(0)
}

func TestSnapshotUsesCache(t *testing.T) {
	e := newEnv(t)
	seedStats(t, e)
	ctx := context.Background()

	miss := &mockCache{}
	miss.On("Get", ctx, cache.StatsCacheKey(), mock.Anything).Return(nil, cache.ErrCacheMiss).Once()
	miss.On("Set", ctx, cache.StatsCacheKey(), mock.AnythingOfType("*readmodel.Snapshot"), 30*time.Second).Return(nil).Once()

	stats := readmodel.NewStats(e.db, readmodel.WithCache(miss, 30*time.Second), readmodel.WithStatsClock(func() time.Time { return start }))
	snap, err := stats.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), snap.EventsByAggregateType["Application"])
	miss.AssertExpectations(t)

	cached, err := json.Marshal(readmodel.Snapshot{GeneratedAt: start, EventsByAggregateType: map[string]int64{"Application": 99}})
	require.NoError(t, err)
	hit := &mockCache{}
	hit.On("Get", ctx, cache.StatsCacheKey(), mock.Anything).Return(cached, nil).Once()

	stats = readmodel.NewStats(e.db, readmodel.WithCache(hit, 30*time.Second))
	snap, err = stats.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(99), snap.EventsByAggregateType["Application"])
	hit.AssertExpectations(t)
	hit.AssertNotCalled(t, "Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestValidateProjections(t *testing.T) {
	e := newEnv(t)
	seedStats(t, e)
	stats := readmodel.NewStats(e.db)
	ctx := context.Background()

	report, err := stats.ValidateProjections(ctx)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	require.Len(t, report.Types, 2)

	apps := report.Types[0]
	assert.Equal(t, "Application", apps.AggregateType)
	assert.Equal(t, int64(2), apps.Aggregates)
	assert.Equal(t, int64(4), apps.Events)
	assert.Equal(t, int64(2), apps.ProjectionRows)
	assert.Equal(t, int64(2), apps.Checkpoints)
	assert.Equal(t, int64(1), apps.Quarantined)
	assert.Empty(t, apps.Lagging)

	// An appended event nobody projected yet
	_, err = e.store.Append(ctx, eventstoreRequest(t, "M1", 2))
	require.NoError(t, err)

	report, err = stats.ValidateProjections(ctx)
	require.NoError(t, err)
	assert.False(t, report.Consistent)
	suggestions := report.Types[1]
	assert.Equal(t, int64(1), suggestions.LaggingCount)
	require.Len(t, suggestions.Lagging, 1)
	assert.Equal(t, readmodel.LaggingAggregate{AggregateID: "M1", Head: 2, Applied: 1}, suggestions.Lagging[0])

	var checkpoint models.ProjectionCheckpoint
	require.NoError(t, e.db.Where("aggregate_id = ?", "M1").Take(&checkpoint).Error)
	assert.Equal(t, 1, checkpoint.LastAppliedVersion)
}

func eventstoreRequest(t *testing.T, id string, version int) eventstore.AppendRequest {
	raw, err := json.Marshal(map[string]interface{}{"expiredAt": start})
	require.NoError(t, err)
	return eventstore.AppendRequest{
		AggregateType:   domain.AggregateTypeMatchSuggestion,
		AggregateID:     id,
		EventType:       domain.MatchSuggestionExpired,
		ExpectedVersion: version,
		Payload:         raw,
	}
}
