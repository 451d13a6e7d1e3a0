package handlers

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/THEMKM/seraaj-eventsourced-sub001/domain"
	"github.com/THEMKM/seraaj-eventsourced-sub001/projections"
)

// Command structs
type SubmitApplicationCommand struct {
	ApplicationID  string  `json:"applicationId" validate:"omitempty,identifier"`
	VolunteerID    string  `json:"volunteerId" validate:"required,identifier"`
	OpportunityID  string  `json:"opportunityId" validate:"required,identifier"`
	OrganizationID string  `json:"organizationId" validate:"required,identifier"`
	CoverLetter    *string `json:"coverLetter" validate:"omitempty,max=10000"`
}

type UpdateApplicationCommand struct {
	ApplicationID  string  `json:"applicationId" validate:"required,identifier"`
	CoverLetter    *string `json:"coverLetter" validate:"omitempty,max=10000"`
	OrganizationID *string `json:"organizationId" validate:"omitempty,identifier"`
}

// ReviewApplicationCommand approves or rejects an application
type ReviewApplicationCommand struct {
	ApplicationID string `json:"applicationId" validate:"required,identifier"`
	ReviewerID    string `json:"reviewerId" validate:"omitempty,identifier"`
	Reason        string `json:"reason" validate:"max=2000"`
}

type WithdrawApplicationCommand struct {
	ApplicationID string `json:"applicationId" validate:"required,identifier"`
	Reason        string `json:"reason" validate:"max=2000"`
}

// ApplicationHandler handles all application commands
type ApplicationHandler struct {
	base
	lookup ApplicationLookup
}

// NewApplicationHandler creates a new application handler. lookup may be nil,
// which skips the early duplicate check.
func NewApplicationHandler(repo Repository, lookup ApplicationLookup, opts ...Option) *ApplicationHandler {
	return &ApplicationHandler{base: newBase(repo, opts), lookup: lookup}
}

// Submit creates an application, generating its id when none is given. A
// volunteer holding an application for the same opportunity under another
// id is refused before anything is appended. The read model may lag, so the
// event store's pair claim is what settles two racing submits.
func (h *ApplicationHandler) Submit(ctx context.Context, cmd SubmitApplicationCommand) (Result, error) {
	const op = "handlers.SubmitApplication"

	if err := validateCommand(op, cmd); err != nil {
		return Result{}, err
	}
	if cmd.ApplicationID == "" {
		cmd.ApplicationID = uuid.NewString()
	}

	if h.lookup != nil {
		existing, err := h.lookup.ApplicationByPair(ctx, cmd.VolunteerID, cmd.OpportunityID)
		switch {
		case err == nil && existing.ID != cmd.ApplicationID:
			return Result{}, domain.UniquenessViolation(op, "%s: application %s", projections.DuplicateApplicationMessage, existing.ID)
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			return Result{}, err
		}
	}

	return h.execute(ctx, "SubmitApplication", cmd.ApplicationID, func(ctx context.Context) (int, error) {
		aggregate, err := h.repo.LoadApplication(ctx, cmd.ApplicationID)
		if errors.Is(err, domain.ErrNotFound) {
			aggregate, err = domain.NewApplicationAggregate(cmd.ApplicationID), nil
		}
		if err != nil {
			return 0, err
		}

		if err := aggregate.Submit(cmd.VolunteerID, cmd.OpportunityID, cmd.OrganizationID, cmd.CoverLetter, h.now()); err != nil {
			return 0, err
		}
		return h.save(ctx, aggregate)
	})
}

func (h *ApplicationHandler) Update(ctx context.Context, cmd UpdateApplicationCommand) (Result, error) {
	if err := validateCommand("handlers.UpdateApplication", cmd); err != nil {
		return Result{}, err
	}
	return h.change(ctx, "UpdateApplication", cmd.ApplicationID, func(a *domain.ApplicationAggregate) error {
		return a.Update(cmd.CoverLetter, cmd.OrganizationID)
	})
}

func (h *ApplicationHandler) Approve(ctx context.Context, cmd ReviewApplicationCommand) (Result, error) {
	if err := validateCommand("handlers.ApproveApplication", cmd); err != nil {
		return Result{}, err
	}
	return h.change(ctx, "ApproveApplication", cmd.ApplicationID, func(a *domain.ApplicationAggregate) error {
		return a.Approve(cmd.ReviewerID, h.now())
	})
}

func (h *ApplicationHandler) Reject(ctx context.Context, cmd ReviewApplicationCommand) (Result, error) {
	if err := validateCommand("handlers.RejectApplication", cmd); err != nil {
		return Result{}, err
	}
	return h.change(ctx, "RejectApplication", cmd.ApplicationID, func(a *domain.ApplicationAggregate) error {
		return a.Reject(cmd.ReviewerID, cmd.Reason, h.now())
	})
}

func (h *ApplicationHandler) Withdraw(ctx context.Context, cmd WithdrawApplicationCommand) (Result, error) {
	if err := validateCommand("handlers.WithdrawApplication", cmd); err != nil {
		return Result{}, err
	}
	return h.change(ctx, "WithdrawApplication", cmd.ApplicationID, func(a *domain.ApplicationAggregate) error {
		return a.Withdraw(cmd.Reason, h.now())
	})
}

// change loads an existing application, applies decide and saves
func (h *ApplicationHandler) change(ctx context.Context, command, id string, decide func(*domain.ApplicationAggregate) error) (Result, error) {
	return h.execute(ctx, command, id, func(ctx context.Context) (int, error) {
		aggregate, err := h.repo.LoadApplication(ctx, id)
		if err != nil {
			return 0, err
		}
		if err := decide(aggregate); err != nil {
			return 0, err
		}
		return h.save(ctx, aggregate)
	})
}

func (h *ApplicationHandler) save(ctx context.Context, aggregate *domain.ApplicationAggregate) (int, error) {
	if _, err := h.repo.Save(ctx, aggregate); err != nil {
		return 0, err
	}
	return aggregate.GetVersion(), nil
}
