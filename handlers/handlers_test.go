package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/THEMKM/seraaj-eventsourced-sub001/aggregates"
	"github.com/THEMKM/seraaj-eventsourced-sub001/domain"
	"github.com/THEMKM/seraaj-eventsourced-sub001/eventstore"
	"github.com/THEMKM/seraaj-eventsourced-sub001/internal/testutil"
	"github.com/THEMKM/seraaj-eventsourced-sub001/models"
	"github.com/THEMKM/seraaj-eventsourced-sub001/projections"
)

var start = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type mockRepository struct {
	mock.Mock
}

func (m *mockRepository) LoadApplication(ctx context.Context, id string) (*domain.ApplicationAggregate, error) {
	args := m.Called(ctx, id)
	if fn, ok := args.Get(0).(func(string) *domain.ApplicationAggregate); ok {
		return fn(id), args.Error(1)
	}
	a, _ := args.Get(0).(*domain.ApplicationAggregate)
	return a, args.Error(1)
}

func (m *mockRepository) LoadMatchSuggestion(ctx context.Context, id string) (*domain.MatchSuggestionAggregate, error) {
	args := m.Called(ctx, id)
	s, _ := args.Get(0).(*domain.MatchSuggestionAggregate)
	return s, args.Error(1)
}

func (m *mockRepository) Save(ctx context.Context, aggregate domain.Aggregate) ([]domain.Event, error) {
	args := m.Called(ctx, aggregate)
	events, _ := args.Get(0).([]domain.Event)
	return events, args.Error(1)
}

type mockLookup struct {
	mock.Mock
}

func (m *mockLookup) ApplicationByPair(ctx context.Context, volunteerID, opportunityID string) (*models.Application, error) {
	args := m.Called(ctx, volunteerID, opportunityID)
	a, _ := args.Get(0).(*models.Application)
	return a, args.Error(1)
}

type staleFinder []models.MatchSuggestion

func (f staleFinder) StaleSuggestions(ctx context.Context, cutoff time.Time, limit int) ([]models.MatchSuggestion, error) {
	return f, nil
}

func fixedClock() Option {
	return WithClock(func() time.Time { return start })
}

func pendingApplication(t *testing.T, id string) *domain.ApplicationAggregate {
	t.Helper()
	a := domain.NewApplicationAggregate(id)
	require.NoError(t, a.Submit("V1", "O1", "ORG1", nil, start))
	a.ClearChanges()
	return a
}

func activeSuggestion(t *testing.T, id string) *domain.MatchSuggestionAggregate {
	t.Helper()
	s := domain.NewMatchSuggestionAggregate(id)
	require.NoError(t, s.Generate("V1", "O1", "ORG1", 0.7, domain.NewScoreComponents(.5, .5, .5), nil, start))
	s.ClearChanges()
	return s
}

func TestSubmitApplication(t *testing.T) {
	ctx := context.Background()

	t.Run("generates an id for a new application", func(t *testing.T) {
		repo := new(mockRepository)
		lookup := new(mockLookup)
		lookup.On("ApplicationByPair", mock.Anything, "V1", "O1").Return(nil, domain.NotFound("test", "none"))
		repo.On("LoadApplication", mock.Anything, mock.AnythingOfType("string")).Return(nil, domain.NotFound("test", "none"))
		repo.On("Save", mock.Anything, mock.Anything).Return([]domain.Event{}, nil)

		h := NewApplicationHandler(repo, lookup, fixedClock())
		res, err := h.Submit(ctx, SubmitApplicationCommand{VolunteerID: "V1", OpportunityID: "O1", OrganizationID: "ORG1"})
		require.NoError(t, err)
		assert.NotEmpty(t, res.ID)
		assert.Equal(t, 1, res.Version)

		saved := repo.Calls[1].Arguments.Get(1).(*domain.ApplicationAggregate)
		assert.Equal(t, res.ID, saved.GetID())
		require.Len(t, saved.GetChanges(), 1)
		assert.Equal(t, domain.ApplicationSubmitted, saved.GetChanges()[0].EventType)
		repo.AssertExpectations(t)
	})

	t.Run("refuses a second application for the same pair", func(t *testing.T) {
		repo := new(mockRepository)
		lookup := new(mockLookup)
		lookup.On("ApplicationByPair", mock.Anything, "V1", "O1").Return(&models.Application{ID: "A1"}, nil)

		h := NewApplicationHandler(repo, lookup, fixedClock())
		_, err := h.Submit(ctx, SubmitApplicationCommand{ApplicationID: "A2", VolunteerID: "V1", OpportunityID: "O1", OrganizationID: "ORG1"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrUniquenessViolation))
		assert.Contains(t, err.Error(), projections.DuplicateApplicationMessage)
		repo.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
	})

	t.Run("rejects missing fields before loading", func(t *testing.T) {
		repo := new(mockRepository)
		h := NewApplicationHandler(repo, nil, fixedClock())

		_, err := h.Submit(ctx, SubmitApplicationCommand{VolunteerID: "V1"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrValidation))
		assert.Contains(t, err.Error(), "opportunityId")
		repo.AssertNotCalled(t, "LoadApplication", mock.Anything, mock.Anything)
	})
}

func TestApproveRetriesVersionConflict(t *testing.T) {
	repo := new(mockRepository)
	repo.On("LoadApplication", mock.Anything, "A1").Return(pendingApplication(t, "A1"), nil).Once()
	repo.On("LoadApplication", mock.Anything, "A1").Return(pendingApplication(t, "A1"), nil).Once()
	repo.On("Save", mock.Anything, mock.Anything).Return(nil, domain.VersionConflict("test", "stale")).Once()
	repo.On("Save", mock.Anything, mock.Anything).Return([]domain.Event{}, nil).Once()

	h := NewApplicationHandler(repo, nil, fixedClock())
	res, err := h.Approve(context.Background(), ReviewApplicationCommand{ApplicationID: "A1", ReviewerID: "R1"})
	require.NoError(t, err)
	assert.Equal(t, Result{ID: "A1", Version: 2}, res)
	repo.AssertNumberOfCalls(t, "LoadApplication", 2)
}

func TestRetriesAreBounded(t *testing.T) {
	repo := new(mockRepository)
	repo.On("LoadApplication", mock.Anything, "A1").Return(func(id string) *domain.ApplicationAggregate {
		return pendingApplication(t, id)
	}, nil)
	repo.On("Save", mock.Anything, mock.Anything).Return(nil, domain.VersionConflict("test", "stale"))

	h := NewApplicationHandler(repo, nil, fixedClock(), WithMaxRetries(2))
	_, err := h.Withdraw(context.Background(), WithdrawApplicationCommand{ApplicationID: "A1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrVersionConflict))
	repo.AssertNumberOfCalls(t, "Save", 3)
}

func TestIllegalTransitionIsNotRetried(t *testing.T) {
	repo := new(mockRepository)
	approved := pendingApplication(t, "A1")
	require.NoError(t, approved.Approve("R1", start))
	approved.ClearChanges()
	repo.On("LoadApplication", mock.Anything, "A1").Return(approved, nil)

	h := NewApplicationHandler(repo, nil, fixedClock())
	_, err := h.Reject(context.Background(), ReviewApplicationCommand{ApplicationID: "A1", Reason: "late"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrValidation))
	assert.True(t, errors.Is(err, domain.ErrIllegalTransition))
	repo.AssertNumberOfCalls(t, "LoadApplication", 1)
	repo.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestGenerateMatchSuggestion(t *testing.T) {
	ctx := context.Background()

	t.Run("stores a scored suggestion", func(t *testing.T) {
		repo := new(mockRepository)
		repo.On("LoadMatchSuggestion", mock.Anything, "M1").Return(nil, domain.NotFound("test", "none"))
		repo.On("Save", mock.Anything, mock.Anything).Return([]domain.Event{}, nil)

		score := 0.82
		h := NewMatchSuggestionHandler(repo, fixedClock())
		res, err := h.Generate(ctx, GenerateMatchSuggestionCommand{
			SuggestionID:    "M1",
			VolunteerID:     "V1",
			OpportunityID:   "O1",
			OrganizationID:  "ORG1",
			Score:           &score,
			ScoreComponents: domain.NewScoreComponents(.9, .8, .7),
			Explanation:     []string{"close by"},
		})
		require.NoError(t, err)
		assert.Equal(t, Result{ID: "M1", Version: 1}, res)
	})

	t.Run("rejects a score outside the unit interval", func(t *testing.T) {
		repo := new(mockRepository)
		score := 1.3
		h := NewMatchSuggestionHandler(repo, fixedClock())
		_, err := h.Generate(ctx, GenerateMatchSuggestionCommand{
			VolunteerID:     "V1",
			OpportunityID:   "O1",
			OrganizationID:  "ORG1",
			Score:           &score,
			ScoreComponents: domain.NewScoreComponents(.9, .8, .7),
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrValidation))
		assert.Contains(t, err.Error(), "score")
		repo.AssertNotCalled(t, "LoadMatchSuggestion", mock.Anything, mock.Anything)
	})

	t.Run("requires every score component", func(t *testing.T) {
		score := 0.5
		half := 0.5
		h := NewMatchSuggestionHandler(new(mockRepository), fixedClock())
		_, err := h.Generate(ctx, GenerateMatchSuggestionCommand{
			VolunteerID:     "V1",
			OpportunityID:   "O1",
			OrganizationID:  "ORG1",
			Score:           &score,
			ScoreComponents: &domain.ScoreComponents{Distance: &half, Skills: &half},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "availability")
	})
}

func TestExpireStale(t *testing.T) {
	repo := new(mockRepository)
	repo.On("LoadMatchSuggestion", mock.Anything, "M1").Return(activeSuggestion(t, "M1"), nil)
	accepted := activeSuggestion(t, "M2")
	require.NoError(t, accepted.Accept(start))
	accepted.ClearChanges()
	repo.On("LoadMatchSuggestion", mock.Anything, "M2").Return(accepted, nil)
	repo.On("Save", mock.Anything, mock.Anything).Return([]domain.Event{}, nil)

	h := NewMatchSuggestionHandler(repo, fixedClock())
	n, err := h.ExpireStale(context.Background(), staleFinder{{ID: "M1"}, {ID: "M2"}}, time.Hour, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	repo.AssertNumberOfCalls(t, "Save", 1)
}

func TestHandlersAgainstStore(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	clock := testutil.NewClock(start)
	store := eventstore.NewGormEventStore(db, eventstore.WithClock(clock.Now))
	repo := aggregates.NewRepository(store)

	apps := NewApplicationHandler(repo, nil, WithClock(clock.Now))
	res, err := apps.Submit(ctx, SubmitApplicationCommand{ApplicationID: "A1", VolunteerID: "V1", OpportunityID: "O1", OrganizationID: "ORG1"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Version)

	letter := "updated"
	res, err = apps.Update(ctx, UpdateApplicationCommand{ApplicationID: "A1", CoverLetter: &letter})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Version)

	res, err = apps.Approve(ctx, ReviewApplicationCommand{ApplicationID: "A1", ReviewerID: "R1"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Version)

	events, err := store.LoadEvents(ctx, "A1", 1)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, domain.ApplicationApproved, events[2].Type)

	_, err = apps.Withdraw(ctx, WithdrawApplicationCommand{ApplicationID: "missing"})
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestSubmitDuplicatePairRefusedByStore(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	clock := testutil.NewClock(start)
	store := eventstore.NewGormEventStore(db, eventstore.WithClock(clock.Now))

	// nothing is projected yet, so the read model lookup cannot see A1
	apps := NewApplicationHandler(aggregates.NewRepository(store), nil, WithClock(clock.Now))
	_, err := apps.Submit(ctx, SubmitApplicationCommand{ApplicationID: "A1", VolunteerID: "V1", OpportunityID: "O1", OrganizationID: "ORG1"})
	require.NoError(t, err)

	_, err = apps.Submit(ctx, SubmitApplicationCommand{ApplicationID: "A2", VolunteerID: "V1", OpportunityID: "O1", OrganizationID: "ORG1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUniquenessViolation))
	assert.Contains(t, err.Error(), domain.DuplicateApplicationMessage)

	_, err = apps.Approve(ctx, ReviewApplicationCommand{ApplicationID: "A2", ReviewerID: "R1"})
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}
