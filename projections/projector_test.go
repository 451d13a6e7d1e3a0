package projections_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/THEMKM/seraaj-eventsourced-sub001/domain"
	"github.com/THEMKM/seraaj-eventsourced-sub001/eventstore"
	"github.com/THEMKM/seraaj-eventsourced-sub001/internal/testutil"
	"github.com/THEMKM/seraaj-eventsourced-sub001/models"
	"github.com/THEMKM/seraaj-eventsourced-sub001/projections"
)

var start = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	db        *gorm.DB
	clock     *testutil.Clock
	store     *eventstore.GormEventStore
	projector *projections.Projector
	sink      *recordingSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.DB(t)
	clock := testutil.NewClock(start)
	sink := &recordingSink{}
	return &fixture{
		db:        db,
		clock:     clock,
		store:     eventstore.NewGormEventStore(db, eventstore.WithClock(clock.Now)),
		projector: projections.NewProjector(db, projections.WithSinks(sink)),
		sink:      sink,
	}
}

// tick moves the clock a second so every event gets its own timestamp
func (f *fixture) tick() time.Time {
	return f.clock.Advance(time.Second)
}

func (f *fixture) append(t *testing.T, aggregateType, id, eventType string, version int, payload interface{}) domain.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	event, err := f.store.Append(context.Background(), eventstore.AppendRequest{
		AggregateType:   aggregateType,
		AggregateID:     id,
		EventType:       eventType,
		ExpectedVersion: version,
		Payload:         raw,
	})
	require.NoError(t, err)
	return event
}

func (f *fixture) submit(t *testing.T, id, volunteer, opportunity string) domain.Event {
	return f.append(t, domain.AggregateTypeApplication, id, domain.ApplicationSubmitted, 1, map[string]interface{}{
		"volunteerId":    volunteer,
		"opportunityId":  opportunity,
		"organizationId": "ORG1",
		"coverLetter":    "hello",
		"submittedAt":    f.tick(),
	})
}

// unclaimedSubmit builds a submit that never passed the store's pair claim,
// as found in logs written before the claim existed
func (f *fixture) unclaimedSubmit(t *testing.T, id, volunteer, opportunity string) domain.Event {
	t.Helper()
	at := f.tick()
	raw, err := json.Marshal(map[string]interface{}{
		"volunteerId":    volunteer,
		"opportunityId":  opportunity,
		"organizationId": "ORG1",
		"submittedAt":    at,
	})
	require.NoError(t, err)
	return domain.Event{
		ID:               uuid.NewString(),
		AggregateID:      id,
		AggregateType:    domain.AggregateTypeApplication,
		Type:             domain.ApplicationSubmitted,
		Version:          1,
		OccurredAt:       at,
		Payload:          raw,
		ContractsVersion: domain.DefaultContractsVersion,
	}
}

func (f *fixture) approve(t *testing.T, id string, version int) domain.Event {
	return f.append(t, domain.AggregateTypeApplication, id, domain.ApplicationApproved, version, map[string]interface{}{
		"reviewedAt": f.tick(),
		"reviewerId": "R1",
	})
}

func (f *fixture) generate(t *testing.T, id, volunteer string, score float64) domain.Event {
	return f.append(t, domain.AggregateTypeMatchSuggestion, id, domain.MatchSuggestionGenerated, 1, map[string]interface{}{
		"volunteerId":     volunteer,
		"opportunityId":   "O1",
		"organizationId":  "ORG1",
		"score":           score,
		"scoreComponents": map[string]float64{"distance": 0.8, "skills": 0.6, "availability": 0.4},
		"explanation":     []string{"close by", "skills match"},
		"generatedAt":     f.tick(),
	})
}

func (f *fixture) application(t *testing.T, id string) models.Application {
	t.Helper()
	var row models.Application
	require.NoError(t, f.db.Where("id = ?", id).Take(&row).Error)
	return row
}

func (f *fixture) checkpoint(t *testing.T, id string) int {
	t.Helper()
	var cp models.ProjectionCheckpoint
	err := f.db.Where("aggregate_id = ?", id).Take(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0
	}
	require.NoError(t, err)
	return cp.LastAppliedVersion
}

type recordingSink struct {
	mu    sync.Mutex
	calls []projections.Projected
	err   error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Handle(_ context.Context, projected projections.Projected) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, projected)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func TestApplySubmittedCreatesRow(t *testing.T) {
	f := newFixture(t)
	event := f.submit(t, "A1", "V1", "O1")

	outcome, err := f.projector.Apply(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, projections.OutcomeApplied, outcome)

	row := f.application(t, "A1")
	assert.Equal(t, "V1", row.VolunteerID)
	assert.Equal(t, "O1", row.OpportunityID)
	assert.Equal(t, "ORG1", row.OrganizationID)
	assert.Equal(t, "pending", row.Status)
	require.NotNil(t, row.CoverLetter)
	assert.Equal(t, "hello", *row.CoverLetter)
	assert.True(t, row.CreatedAt.Equal(event.OccurredAt))
	assert.Equal(t, 1, row.Version)
	assert.Equal(t, 1, f.checkpoint(t, "A1"))

	require.Equal(t, 1, f.sink.count())
	assert.Equal(t, event.ID, f.sink.calls[0].Event.ID)
	require.NotNil(t, f.sink.calls[0].Application)
	assert.Nil(t, f.sink.calls[0].MatchSuggestion)
}

func TestApplyTwiceEqualsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	submitted := f.submit(t, "A1", "V1", "O1")
	approved := f.approve(t, "A1", 2)

	for _, e := range []domain.Event{submitted, approved} {
		_, err := f.projector.Apply(ctx, e)
		require.NoError(t, err)
	}
	before := f.application(t, "A1")

	for _, e := range []domain.Event{submitted, approved} {
		outcome, err := f.projector.Apply(ctx, e)
		require.NoError(t, err)
		assert.Equal(t, projections.OutcomeDuplicate, outcome)
	}

	assert.Equal(t, before, f.application(t, "A1"))
	assert.Equal(t, 2, f.sink.count())
}

func TestApplyGapIsRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	submitted := f.submit(t, "A1", "V1", "O1")
	approved := f.approve(t, "A1", 2)

	_, err := f.projector.Apply(ctx, approved)
	require.Error(t, err)
	assert.True(t, errors.Is(err, projections.ErrVersionGap))
	assert.Equal(t, 0, f.checkpoint(t, "A1"))

	_, err = f.projector.Apply(ctx, submitted)
	require.NoError(t, err)
	outcome, err := f.projector.Apply(ctx, approved)
	require.NoError(t, err)
	assert.Equal(t, projections.OutcomeApplied, outcome)

	row := f.application(t, "A1")
	assert.Equal(t, "approved", row.Status)
	require.NotNil(t, row.ReviewedAt)
	assert.True(t, row.ReviewedAt.Equal(approved.OccurredAt))
}

// An approved application cannot be rejected afterwards, even when the raw
// log carries the event
func TestApplyQuarantinesIllegalTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	events := []domain.Event{
		f.submit(t, "A1", "V1", "O1"),
		f.approve(t, "A1", 2),
	}
	rejected := f.append(t, domain.AggregateTypeApplication, "A1", domain.ApplicationRejected, 3, map[string]interface{}{
		"reviewedAt": f.tick(),
		"reason":     "too late",
	})

	for _, e := range events {
		_, err := f.projector.Apply(ctx, e)
		require.NoError(t, err)
	}

	outcome, err := f.projector.Apply(ctx, rejected)
	assert.Equal(t, projections.OutcomeQuarantined, outcome)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrValidation))
	assert.True(t, errors.Is(err, domain.ErrIllegalTransition))

	row := f.application(t, "A1")
	assert.Equal(t, "approved", row.Status)
	assert.Equal(t, 2, row.Version)
	assert.Equal(t, 3, f.checkpoint(t, "A1"))

	var q models.QuarantinedEvent
	require.NoError(t, f.db.Where("event_id = ?", rejected.ID).Take(&q).Error)
	assert.Equal(t, string(domain.CodeValidation), q.Code)
	assert.Equal(t, domain.ApplicationRejected, q.EventType)

	// Redelivery of a quarantined event is a duplicate
	outcome, err = f.projector.Apply(ctx, rejected)
	require.NoError(t, err)
	assert.Equal(t, projections.OutcomeDuplicate, outcome)
	assert.Equal(t, 2, f.sink.count())
}

func TestApplyRejectsDuplicatePair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.projector.Apply(ctx, f.submit(t, "A1", "V1", "O1"))
	require.NoError(t, err)

	outcome, err := f.projector.Apply(ctx, f.unclaimedSubmit(t, "A2", "V1", "O1"))
	assert.Equal(t, projections.OutcomeQuarantined, outcome)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUniquenessViolation))
	assert.Contains(t, err.Error(), projections.DuplicateApplicationMessage)

	var count int64
	require.NoError(t, f.db.Model(&models.Application{}).
		Where("volunteer_id = ? AND opportunity_id = ?", "V1", "O1").
		Count(&count).Error)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, 1, f.checkpoint(t, "A2"))
}

func TestApplyUpdateChangesPendingRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	submitted := f.submit(t, "A1", "V1", "O1")
	updated := f.append(t, domain.AggregateTypeApplication, "A1", domain.ApplicationUpdated, 2, map[string]interface{}{
		"coverLetter":    "second draft",
		"organizationId": "ORG2",
	})
	for _, e := range []domain.Event{submitted, updated} {
		_, err := f.projector.Apply(ctx, e)
		require.NoError(t, err)
	}

	row := f.application(t, "A1")
	assert.Equal(t, "pending", row.Status)
	assert.Equal(t, "ORG2", row.OrganizationID)
	require.NotNil(t, row.CoverLetter)
	assert.Equal(t, "second draft", *row.CoverLetter)
	assert.True(t, row.UpdatedAt.Equal(updated.OccurredAt))
	assert.True(t, row.CreatedAt.Equal(submitted.OccurredAt))
}

// Events written around the store, for example by an older producer, are
// still decoded strictly on the way into the projection
func TestApplyQuarantinesMalformedStoredEvent(t *testing.T) {
	f := newFixture(t)

	raw := models.Event{
		EventID:          uuid.NewString(),
		AggregateType:    domain.AggregateTypeMatchSuggestion,
		AggregateID:      "M1",
		EventType:        domain.MatchSuggestionGenerated,
		OccurredAt:       start,
		Version:          1,
		ContractsVersion: domain.DefaultContractsVersion,
		Payload: datatypes.JSON(`{"volunteerId":"V1","opportunityId":"O1","organizationId":"ORG1",` +
			`"score":1.4,"scoreComponents":{"distance":0.5,"skills":0.5,"availability":0.5},` +
			`"explanation":[],"generatedAt":"2024-03-01T09:00:00Z"}`),
	}
	require.NoError(t, f.db.Create(&raw).Error)

	outcome, err := f.projector.Apply(context.Background(), eventstore.ToDomainEvent(raw))
	assert.Equal(t, projections.OutcomeQuarantined, outcome)
	assert.True(t, errors.Is(err, domain.ErrValidation))

	var count int64
	require.NoError(t, f.db.Model(&models.MatchSuggestion{}).Count(&count).Error)
	assert.Zero(t, count)
	assert.Equal(t, 0, f.sink.count())
}

func TestApplyMatchSuggestionLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	generated := f.generate(t, "M1", "V1", 0.72)
	accepted := f.append(t, domain.AggregateTypeMatchSuggestion, "M1", domain.MatchSuggestionAccepted, 2,
		map[string]interface{}{"acceptedAt": f.tick()})
	declined := f.append(t, domain.AggregateTypeMatchSuggestion, "M1", domain.MatchSuggestionDeclined, 3,
		map[string]interface{}{"declinedAt": f.tick()})

	for _, e := range []domain.Event{generated, accepted} {
		_, err := f.projector.Apply(ctx, e)
		require.NoError(t, err)
	}
	outcome, err := f.projector.Apply(ctx, declined)
	assert.Equal(t, projections.OutcomeQuarantined, outcome)
	assert.True(t, errors.Is(err, domain.ErrIllegalTransition))

	var row models.MatchSuggestion
	require.NoError(t, f.db.Where("id = ?", "M1").Take(&row).Error)
	assert.Equal(t, "accepted", row.Status)
	assert.InDelta(t, 0.72, row.Score, 1e-9)
	assert.Equal(t, models.ScoreComponents{Distance: 0.8, Skills: 0.6, Availability: 0.4}, row.ScoreComponents.Data())
	assert.Equal(t, []string{"close by", "skills match"}, []string(row.Explanation))
	assert.True(t, row.GeneratedAt.Equal(generated.OccurredAt))
	assert.Equal(t, 2, row.Version)
}

func TestSinkFailureDoesNotUndoProjection(t *testing.T) {
	f := newFixture(t)
	f.sink.err = errors.New("index unavailable")

	outcome, err := f.projector.Apply(context.Background(), f.submit(t, "A1", "V1", "O1"))
	require.NoError(t, err)
	assert.Equal(t, projections.OutcomeApplied, outcome)
	assert.Equal(t, "pending", f.application(t, "A1").Status)
}

func TestConcurrentApplyKeepsOnePairRow(t *testing.T) {
	if os.Getenv("TEST_POSTGRES_DSN") == "" {
		t.Skip("TEST_POSTGRES_DSN not set; sqlite serializes transactions")
	}
	f := newFixture(t)
	ctx := context.Background()

	for round := 0; round < 10; round++ {
		opportunity := fmt.Sprintf("O%d", round)
		events := []domain.Event{
			f.unclaimedSubmit(t, fmt.Sprintf("A%d-1", round), "V1", opportunity),
			f.unclaimedSubmit(t, fmt.Sprintf("A%d-2", round), "V1", opportunity),
		}

		ready := make(chan struct{})
		outcomes := make([]projections.Outcome, len(events))
		errs := make([]error, len(events))
		var wg sync.WaitGroup
		for i, e := range events {
			wg.Add(1)
			go func(i int, e domain.Event) {
				defer wg.Done()
				<-ready
				outcomes[i], errs[i] = f.projector.Apply(ctx, e)
			}(i, e)
		}
		close(ready)
		wg.Wait()

		var applied, quarantined int
		for i := range events {
			switch outcomes[i] {
			case projections.OutcomeApplied:
				require.NoError(t, errs[i])
				applied++
			case projections.OutcomeQuarantined:
				assert.True(t, errors.Is(errs[i], domain.ErrUniquenessViolation))
				quarantined++
			default:
				t.Fatalf("unexpected outcome %q: %v", outcomes[i], errs[i])
			}
		}
		assert.Equal(t, 1, applied)
		assert.Equal(t, 1, quarantined)

		var rows, parked int64
		require.NoError(t, f.db.Model(&models.Application{}).
			Where("volunteer_id = ? AND opportunity_id = ?", "V1", opportunity).
			Count(&rows).Error)
		require.NoError(t, f.db.Model(&models.QuarantinedEvent{}).
			Where("aggregate_id IN ?", []string{events[0].AggregateID, events[1].AggregateID}).
			Count(&parked).Error)
		assert.Equal(t, int64(1), rows)
		assert.Equal(t, int64(1), parked)
	}
}
