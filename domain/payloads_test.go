package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePayload(t *testing.T) {
	raw := []byte(`{"volunteerId":"V1","opportunityId":"O1","organizationId":"ORG1","submittedAt":"2024-03-01T09:00:00Z"}`)

	p, err := DecodePayload(AggregateTypeApplication, ApplicationSubmitted, "", raw)
	require.NoError(t, err)

	sub, ok := p.(*ApplicationSubmittedPayload)
	require.True(t, ok)
	assert.Equal(t, "V1", sub.VolunteerID)
	assert.Nil(t, sub.CoverLetter)
}

func TestDecodePayloadRejects(t *testing.T) {
	tests := []struct {
		name          string
		aggregateType string
		eventType     string
		version       string
		raw           string
	}{
		{"unknown field", AggregateTypeApplication, ApplicationApproved, "", `{"reviewedAt":"2024-03-01T09:00:00Z","extra":1}`},
		{"unknown contracts version", AggregateTypeApplication, ApplicationApproved, "9.9.9", `{"reviewedAt":"2024-03-01T09:00:00Z"}`},
		{"unknown event type", AggregateTypeApplication, "ApplicationArchived", "", `{}`},
		{"wrong aggregate type", AggregateTypeMatchSuggestion, ApplicationApproved, "", `{"reviewedAt":"2024-03-01T09:00:00Z"}`},
		{"missing required", AggregateTypeMatchSuggestion, MatchSuggestionAccepted, "", `{}`},
		{"malformed", AggregateTypeMatchSuggestion, MatchSuggestionAccepted, "", `{"acceptedAt":`},
		{"trailing data", AggregateTypeMatchSuggestion, MatchSuggestionAccepted, "", `{"acceptedAt":"2024-03-01T09:00:00Z"} {}`},
		{"score out of range", AggregateTypeMatchSuggestion, MatchSuggestionGenerated, "",
			`{"volunteerId":"V1","opportunityId":"O1","organizationId":"ORG1","score":1.4,"scoreComponents":{"distance":0.1,"skills":0.2,"availability":0.3},"explanation":[],"generatedAt":"2024-03-01T09:00:00Z"}`},
		{"component missing", AggregateTypeMatchSuggestion, MatchSuggestionGenerated, "",
			`{"volunteerId":"V1","opportunityId":"O1","organizationId":"ORG1","score":0.4,"scoreComponents":{"distance":0.1,"skills":0.2},"explanation":[],"generatedAt":"2024-03-01T09:00:00Z"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePayload(tt.aggregateType, tt.eventType, tt.version, []byte(tt.raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation), "got %v", err)
		})
	}
}

func TestEventTypesFor(t *testing.T) {
	assert.ElementsMatch(t, []string{
		MatchSuggestionGenerated, MatchSuggestionAccepted, MatchSuggestionDeclined, MatchSuggestionExpired,
	}, EventTypesFor(AggregateTypeMatchSuggestion))
}

func TestErrorMatchesByCode(t *testing.T) {
	err := VersionConflict("store.Append", "expected %d, current %d", 2, 3)

	assert.True(t, errors.Is(err, ErrVersionConflict))
	assert.False(t, errors.Is(err, ErrValidation))
	assert.True(t, IsRetryable(err))
	assert.False(t, IsRejection(err))
	assert.Equal(t, CodeVersionConflict, CodeOf(err))
	assert.Contains(t, err.Error(), "expected 2, current 3")

	wrapped := StorageUnavailable("store.Load", errors.New("connection reset"))
	assert.True(t, IsRetryable(wrapped))
	assert.Contains(t, wrapped.Error(), "connection reset")
}

// events builds stored events from an aggregate's uncommitted changes
func events(t *testing.T, agg Aggregate) []Event {
	t.Helper()
	out := make([]Event, 0, len(agg.GetChanges()))
	for i, c := range agg.GetChanges() {
		raw, err := EncodePayload(c.Payload)
		require.NoError(t, err)
		out = append(out, Event{
			ID:            "e" + string(rune('a'+i)),
			AggregateID:   agg.GetID(),
			AggregateType: agg.GetType(),
			Type:          c.EventType,
			Version:       i + 1,
			OccurredAt:    t0,
			Payload:       raw,
		})
	}
	return out
}

func TestReplayMatchesIncrementalState(t *testing.T) {
	a := submitted(t)
	letter := "updated"
	require.NoError(t, a.Update(&letter, nil))
	require.NoError(t, a.Approve("R1", t0.Add(time.Hour)))

	replayed := NewApplicationAggregate("A1")
	for _, e := range events(t, a) {
		require.NoError(t, replayed.Replay(e))
	}

	assert.Equal(t, a.State, replayed.State)
	assert.Equal(t, a.GetVersion(), replayed.GetVersion())
	assert.Empty(t, replayed.GetChanges())
}

func TestReplayRejectsGap(t *testing.T) {
	a := submitted(t)
	require.NoError(t, a.Approve("R1", t0))
	stored := events(t, a)

	replayed := NewApplicationAggregate("A1")
	err := replayed.Replay(stored[1])
	require.Error(t, err)
	assert.Equal(t, 0, replayed.GetVersion())
}

func TestReplaySkipsIllegalStoredEvent(t *testing.T) {
	a := submitted(t)
	require.NoError(t, a.Approve("R1", t0))
	stored := events(t, a)

	w := NewApplicationAggregate("A1")
	require.NoError(t, w.Submit("V1", "O1", "ORG1", nil, t0))
	require.NoError(t, w.Withdraw("late", t0))
	illegal := events(t, w)[1]
	illegal.Version = 3

	replayed := NewApplicationAggregate("A1")
	for _, e := range stored {
		require.NoError(t, replayed.Replay(e))
	}
	err := replayed.Replay(illegal)
	assert.True(t, errors.Is(err, ErrEventSkipped))
	assert.Equal(t, ApplicationStatusApproved, replayed.State.Status)
	assert.Nil(t, replayed.State.WithdrawnAt)
	assert.Equal(t, 3, replayed.GetVersion())
}

func TestSnapshotRestore(t *testing.T) {
	m := generated(t)
	require.NoError(t, m.Decline("busy", t0.Add(time.Minute)))

	state, err := m.Snapshot()
	require.NoError(t, err)

	restored := NewMatchSuggestionAggregate("M1")
	require.NoError(t, restored.Restore(state, m.GetVersion()))

	assert.Equal(t, m.State, restored.State)
	assert.Equal(t, 2, restored.GetVersion())

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(state, &decoded))
	assert.Equal(t, "declined", decoded["status"])
}
