package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type MatchSuggestionStatus string

const (
	SuggestionStatusNew      MatchSuggestionStatus = ""
	SuggestionStatusActive   MatchSuggestionStatus = "active"
	SuggestionStatusExpired  MatchSuggestionStatus = "expired"
	SuggestionStatusAccepted MatchSuggestionStatus = "accepted"
	SuggestionStatusDeclined MatchSuggestionStatus = "declined"
)

// SuggestionStatuses lists the statuses a projected row can hold
func SuggestionStatuses() []MatchSuggestionStatus {
	return []MatchSuggestionStatus{
		SuggestionStatusActive,
		SuggestionStatusExpired,
		SuggestionStatusAccepted,
		SuggestionStatusDeclined,
	}
}

func (s MatchSuggestionStatus) IsTerminal() bool {
	switch s {
	case SuggestionStatusExpired, SuggestionStatusAccepted, SuggestionStatusDeclined:
		return true
	}
	return false
}

func (s MatchSuggestionStatus) Valid() bool {
	return s == SuggestionStatusActive || s.IsTerminal()
}

// NextSuggestionStatus is the match suggestion state machine:
//
//	(new) --Generated--> active
//	active --Expired|Accepted|Declined--> expired|accepted|declined
func NextSuggestionStatus(current MatchSuggestionStatus, p Payload) (MatchSuggestionStatus, error) {
	switch p.(type) {
	case *MatchSuggestionGeneratedPayload:
		if current == SuggestionStatusNew {
			return SuggestionStatusActive, nil
		}
	case *MatchSuggestionAcceptedPayload:
		if current == SuggestionStatusActive {
			return SuggestionStatusAccepted, nil
		}
	case *MatchSuggestionDeclinedPayload:
		if current == SuggestionStatusActive {
			return SuggestionStatusDeclined, nil
		}
	case *MatchSuggestionExpiredPayload:
		if current == SuggestionStatusActive {
			return SuggestionStatusExpired, nil
		}
	default:
		return current, Validation("domain.NextSuggestionStatus", nil, "unexpected payload %T for match suggestion", p)
	}
	return current, illegalTransition(AggregateTypeMatchSuggestion, string(current), p.EventType())
}

// Scores are plain values in state; the payload keeps pointers only to
// detect missing fields.
type MatchSuggestionState struct {
	ID             string                `json:"id"`
	VolunteerID    string                `json:"volunteerId"`
	OpportunityID  string                `json:"opportunityId"`
	OrganizationID string                `json:"organizationId"`
	Score          float64               `json:"score"`
	Distance       float64               `json:"distance"`
	Skills         float64               `json:"skills"`
	Availability   float64               `json:"availability"`
	Explanation    []string              `json:"explanation"`
	GeneratedAt    time.Time             `json:"generatedAt"`
	Status         MatchSuggestionStatus `json:"status"`
	ClosedAt       *time.Time            `json:"closedAt,omitempty"`
}

type MatchSuggestionAggregate struct {
	*AggregateBase
	State MatchSuggestionState
}

func NewMatchSuggestionAggregate(id string) *MatchSuggestionAggregate {
	aggregate := &MatchSuggestionAggregate{
		State: MatchSuggestionState{ID: id},
	}
	aggregate.AggregateBase = NewAggregateBase(id, AggregateTypeMatchSuggestion, aggregate.applyEvent)
	return aggregate
}

// Generate records a scored suggestion
func (a *MatchSuggestionAggregate) Generate(volunteerID, opportunityID, organizationID string, score float64, components *ScoreComponents, explanation []string, at time.Time) error {
	return a.Apply(&MatchSuggestionGeneratedPayload{
		VolunteerID:     volunteerID,
		OpportunityID:   opportunityID,
		OrganizationID:  organizationID,
		Score:           &score,
		ScoreComponents: components,
		Explanation:     explanation,
		GeneratedAt:     at.UTC(),
	})
}

func (a *MatchSuggestionAggregate) Accept(at time.Time) error {
	return a.Apply(&MatchSuggestionAcceptedPayload{AcceptedAt: at.UTC()})
}

func (a *MatchSuggestionAggregate) Decline(reason string, at time.Time) error {
	return a.Apply(&MatchSuggestionDeclinedPayload{DeclinedAt: at.UTC(), Reason: reason})
}

func (a *MatchSuggestionAggregate) Expire(at time.Time) error {
	return a.Apply(&MatchSuggestionExpiredPayload{ExpiredAt: at.UTC()})
}

func (a *MatchSuggestionAggregate) applyEvent(payload Payload) error {
	next, err := NextSuggestionStatus(a.State.Status, payload)
	if err != nil {
		return err
	}

	switch e := payload.(type) {
	case *MatchSuggestionGeneratedPayload:
		a.State.VolunteerID = e.VolunteerID
		a.State.OpportunityID = e.OpportunityID
		a.State.OrganizationID = e.OrganizationID
		a.State.Score = e.ScoreValue()
		a.State.Distance, a.State.Skills, a.State.Availability = e.ScoreComponents.Values()
		a.State.Explanation = append([]string(nil), e.Explanation...)
		a.State.GeneratedAt = e.GeneratedAt

	case *MatchSuggestionAcceptedPayload:
		at := e.AcceptedAt
		a.State.ClosedAt = &at

	case *MatchSuggestionDeclinedPayload:
		at := e.DeclinedAt
		a.State.ClosedAt = &at

	case *MatchSuggestionExpiredPayload:
		at := e.ExpiredAt
		a.State.ClosedAt = &at
	}

	a.State.Status = next
	return nil
}

func (a *MatchSuggestionAggregate) Snapshot() (json.RawMessage, error) {
	data, err := json.Marshal(a.State)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal match suggestion state: %w", err)
	}
	return data, nil
}

func (a *MatchSuggestionAggregate) Restore(state json.RawMessage, version int) error {
	var s MatchSuggestionState
	if err := json.Unmarshal(state, &s); err != nil {
		return fmt.Errorf("failed to unmarshal match suggestion state: %w", err)
	}
	s.ID = a.GetID()
	a.State = s
	a.restoreVersion(version)
	return nil
}
