package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/THEMKM/seraaj-eventsourced-sub001/domain"
	"github.com/THEMKM/seraaj-eventsourced-sub001/models"
)

type GenerateMatchSuggestionCommand struct {
	SuggestionID    string                  `json:"suggestionId" validate:"omitempty,identifier"`
	VolunteerID     string                  `json:"volunteerId" validate:"required,identifier"`
	OpportunityID   string                  `json:"opportunityId" validate:"required,identifier"`
	OrganizationID  string                  `json:"organizationId" validate:"required,identifier"`
	Score           *float64                `json:"score" validate:"required,unit_interval"`
	ScoreComponents *domain.ScoreComponents `json:"scoreComponents" validate:"required"`
	Explanation     []string                `json:"explanation" validate:"max=32,dive,max=500"`
}

type AcceptMatchSuggestionCommand struct {
	SuggestionID string `json:"suggestionId" validate:"required,identifier"`
}

type DeclineMatchSuggestionCommand struct {
	SuggestionID string `json:"suggestionId" validate:"required,identifier"`
	Reason       string `json:"reason" validate:"max=2000"`
}

type ExpireMatchSuggestionCommand struct {
	SuggestionID string `json:"suggestionId" validate:"required,identifier"`
}

// StaleSuggestionFinder lists active suggestions generated before cutoff
type StaleSuggestionFinder interface {
	StaleSuggestions(ctx context.Context, cutoff time.Time, limit int) ([]models.MatchSuggestion, error)
}

// MatchSuggestionHandler handles all match suggestion commands
type MatchSuggestionHandler struct {
	base
}

func NewMatchSuggestionHandler(repo Repository, opts ...Option) *MatchSuggestionHandler {
	return &MatchSuggestionHandler{base: newBase(repo, opts)}
}

func (h *MatchSuggestionHandler) Generate(ctx context.Context, cmd GenerateMatchSuggestionCommand) (Result, error) {
	if err := validateCommand("handlers.GenerateMatchSuggestion", cmd); err != nil {
		return Result{}, err
	}
	if cmd.SuggestionID == "" {
		cmd.SuggestionID = uuid.NewString()
	}

	return h.execute(ctx, "GenerateMatchSuggestion", cmd.SuggestionID, func(ctx context.Context) (int, error) {
		aggregate, err := h.repo.LoadMatchSuggestion(ctx, cmd.SuggestionID)
		if errors.Is(err, domain.ErrNotFound) {
			aggregate, err = domain.NewMatchSuggestionAggregate(cmd.SuggestionID), nil
		}
		if err != nil {
			return 0, err
		}

		err = aggregate.Generate(cmd.VolunteerID, cmd.OpportunityID, cmd.OrganizationID,
			*cmd.Score, cmd.ScoreComponents, cmd.Explanation, h.now())
		if err != nil {
			return 0, err
		}
		return h.save(ctx, aggregate)
	})
}

func (h *MatchSuggestionHandler) Accept(ctx context.Context, cmd AcceptMatchSuggestionCommand) (Result, error) {
	if err := validateCommand("handlers.AcceptMatchSuggestion", cmd); err != nil {
		return Result{}, err
	}
	return h.change(ctx, "AcceptMatchSuggestion", cmd.SuggestionID, func(s *domain.MatchSuggestionAggregate) error {
		return s.Accept(h.now())
	})
}

func (h *MatchSuggestionHandler) Decline(ctx context.Context, cmd DeclineMatchSuggestionCommand) (Result, error) {
	if err := validateCommand("handlers.DeclineMatchSuggestion", cmd); err != nil {
		return Result{}, err
	}
	return h.change(ctx, "DeclineMatchSuggestion", cmd.SuggestionID, func(s *domain.MatchSuggestionAggregate) error {
		return s.Decline(cmd.Reason, h.now())
	})
}

func (h *MatchSuggestionHandler) Expire(ctx context.Context, cmd ExpireMatchSuggestionCommand) (Result, error) {
	if err := validateCommand("handlers.ExpireMatchSuggestion", cmd); err != nil {
		return Result{}, err
	}
	return h.change(ctx, "ExpireMatchSuggestion", cmd.SuggestionID, func(s *domain.MatchSuggestionAggregate) error {
		return s.Expire(h.now())
	})
}

// ExpireStale expires up to limit active suggestions older than ttl and
// returns how many were expired. Suggestions that were accepted or declined
// since the read model was updated are skipped.
func (h *MatchSuggestionHandler) ExpireStale(ctx context.Context, finder StaleSuggestionFinder, ttl time.Duration, limit int) (int, error) {
	stale, err := finder.StaleSuggestions(ctx, h.now().Add(-ttl), limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, s := range stale {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		_, err := h.Expire(ctx, ExpireMatchSuggestionCommand{SuggestionID: s.ID})
		switch {
		case err == nil:
			expired++
		case domain.IsRejection(err), errors.Is(err, domain.ErrVersionConflict):
			log.Debug().Err(err).Str("suggestion_id", s.ID).Msg("Skipping suggestion expiry")
		default:
			return expired, err
		}
	}

	if expired > 0 {
		log.Info().Int("expired", expired).Dur("ttl", ttl).Msg("Expired stale match suggestions")
	}
	return expired, nil
}

func (h *MatchSuggestionHandler) change(ctx context.Context, command, id string, decide func(*domain.MatchSuggestionAggregate) error) (Result, error) {
	return h.execute(ctx, command, id, func(ctx context.Context) (int, error) {
		aggregate, err := h.repo.LoadMatchSuggestion(ctx, id)
		if err != nil {
			return 0, err
		}
		if err := decide(aggregate); err != nil {
			return 0, err
		}
		return h.save(ctx, aggregate)
	})
}

func (h *MatchSuggestionHandler) save(ctx context.Context, aggregate *domain.MatchSuggestionAggregate) (int, error) {
	if _, err := h.repo.Save(ctx, aggregate); err != nil {
		return 0, err
	}
	return aggregate.GetVersion(), nil
}
