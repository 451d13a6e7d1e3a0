package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// ApplicationStatus values. The empty status is an application that has
// not been submitted yet.
type ApplicationStatus string

const (
	ApplicationStatusNew       ApplicationStatus = ""
	ApplicationStatusPending   ApplicationStatus = "pending"
	ApplicationStatusApproved  ApplicationStatus = "approved"
	ApplicationStatusRejected  ApplicationStatus = "rejected"
	ApplicationStatusWithdrawn ApplicationStatus = "withdrawn"
)

// ApplicationStatuses lists the statuses a projected row can hold
func ApplicationStatuses() []ApplicationStatus {
	return []ApplicationStatus{
		ApplicationStatusPending,
		ApplicationStatusApproved,
		ApplicationStatusRejected,
		ApplicationStatusWithdrawn,
	}
}

// IsTerminal reports whether no further event may be applied
func (s ApplicationStatus) IsTerminal() bool {
	switch s {
	case ApplicationStatusApproved, ApplicationStatusRejected, ApplicationStatusWithdrawn:
		return true
	}
	return false
}

// Valid reports whether s is a status a row can hold
func (s ApplicationStatus) Valid() bool {
	return s == ApplicationStatusPending || s.IsTerminal()
}

// NextApplicationStatus is the application state machine:
//
//	(new) --Submitted--> pending
//	pending --Updated--> pending
//	pending --Approved|Rejected|Withdrawn--> approved|rejected|withdrawn
//
// Terminal states accept nothing.
func NextApplicationStatus(current ApplicationStatus, p Payload) (ApplicationStatus, error) {
	switch p.(type) {
	case *ApplicationSubmittedPayload:
		if current == ApplicationStatusNew {
			return ApplicationStatusPending, nil
		}
	case *ApplicationUpdatedPayload:
		if current == ApplicationStatusPending {
			return ApplicationStatusPending, nil
		}
	case *ApplicationApprovedPayload:
		if current == ApplicationStatusPending {
			return ApplicationStatusApproved, nil
		}
	case *ApplicationRejectedPayload:
		if current == ApplicationStatusPending {
			return ApplicationStatusRejected, nil
		}
	case *ApplicationWithdrawnPayload:
		if current == ApplicationStatusPending {
			return ApplicationStatusWithdrawn, nil
		}
	default:
		return current, Validation("domain.NextApplicationStatus", nil, "unexpected payload %T for application", p)
	}
	return current, illegalTransition(AggregateTypeApplication, string(current), p.EventType())
}

// ApplicationState is the folded state of an application
type ApplicationState struct {
	ID             string            `json:"id"`
	VolunteerID    string            `json:"volunteerId"`
	OpportunityID  string            `json:"opportunityId"`
	OrganizationID string            `json:"organizationId"`
	Status         ApplicationStatus `json:"status"`
	CoverLetter    *string           `json:"coverLetter,omitempty"`
	SubmittedAt    *time.Time        `json:"submittedAt,omitempty"`
	ReviewedAt     *time.Time        `json:"reviewedAt,omitempty"`
	ReviewerID     string            `json:"reviewerId,omitempty"`
	WithdrawnAt    *time.Time        `json:"withdrawnAt,omitempty"`
	Reason         string            `json:"reason,omitempty"`
}

// ApplicationAggregate is the aggregate for a volunteer application
type ApplicationAggregate struct {
	*AggregateBase
	State ApplicationState
}

// NewApplicationAggregate creates an empty application aggregate
func NewApplicationAggregate(id string) *ApplicationAggregate {
	aggregate := &ApplicationAggregate{
		State: ApplicationState{ID: id},
	}
	aggregate.AggregateBase = NewAggregateBase(id, AggregateTypeApplication, aggregate.applyEvent)
	return aggregate
}

// Submit records a new application
func (a *ApplicationAggregate) Submit(volunteerID, opportunityID, organizationID string, coverLetter *string, at time.Time) error {
	return a.Apply(&ApplicationSubmittedPayload{
		VolunteerID:    volunteerID,
		OpportunityID:  opportunityID,
		OrganizationID: organizationID,
		CoverLetter:    coverLetter,
		SubmittedAt:    at.UTC(),
	})
}

// Update edits a pending application
func (a *ApplicationAggregate) Update(coverLetter, organizationID *string) error {
	return a.Apply(&ApplicationUpdatedPayload{CoverLetter: coverLetter, OrganizationID: organizationID})
}

// Approve accepts a pending application
func (a *ApplicationAggregate) Approve(reviewerID string, at time.Time) error {
	return a.Apply(&ApplicationApprovedPayload{ReviewedAt: at.UTC(), ReviewerID: reviewerID})
}

// Reject declines a pending application
func (a *ApplicationAggregate) Reject(reviewerID, reason string, at time.Time) error {
	return a.Apply(&ApplicationRejectedPayload{ReviewedAt: at.UTC(), ReviewerID: reviewerID, Reason: reason})
}

// Withdraw is the volunteer pulling a pending application
func (a *ApplicationAggregate) Withdraw(reason string, at time.Time) error {
	return a.Apply(&ApplicationWithdrawnPayload{WithdrawnAt: at.UTC(), Reason: reason})
}

func (a *ApplicationAggregate) applyEvent(payload Payload) error {
	next, err := NextApplicationStatus(a.State.Status, payload)
	if err != nil {
		return err
	}

	switch e := payload.(type) {
	case *ApplicationSubmittedPayload:
		submittedAt := e.SubmittedAt
		a.State.VolunteerID = e.VolunteerID
		a.State.OpportunityID = e.OpportunityID
		a.State.OrganizationID = e.OrganizationID
		a.State.CoverLetter = e.CoverLetter
		a.State.SubmittedAt = &submittedAt

	case *ApplicationUpdatedPayload:
		if e.CoverLetter != nil {
			a.State.CoverLetter = e.CoverLetter
		}
		if e.OrganizationID != nil {
			a.State.OrganizationID = *e.OrganizationID
		}

	case *ApplicationApprovedPayload:
		reviewedAt := e.ReviewedAt
		a.State.ReviewedAt = &reviewedAt
		a.State.ReviewerID = e.ReviewerID

	case *ApplicationRejectedPayload:
		reviewedAt := e.ReviewedAt
		a.State.ReviewedAt = &reviewedAt
		a.State.ReviewerID = e.ReviewerID
		a.State.Reason = e.Reason

	case *ApplicationWithdrawnPayload:
		withdrawnAt := e.WithdrawnAt
		a.State.WithdrawnAt = &withdrawnAt
		a.State.Reason = e.Reason
	}

	a.State.Status = next
	return nil
}

// Snapshot serializes the folded state
func (a *ApplicationAggregate) Snapshot() (json.RawMessage, error) {
	data, err := json.Marshal(a.State)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal application state: %w", err)
	}
	return data, nil
}

// Restore loads a snapshot taken at version
func (a *ApplicationAggregate) Restore(state json.RawMessage, version int) error {
	var s ApplicationState
	if err := json.Unmarshal(state, &s); err != nil {
		return fmt.Errorf("failed to unmarshal application state: %w", err)
	}
	s.ID = a.GetID()
	a.State = s
	a.restoreVersion(version)
	return nil
}
