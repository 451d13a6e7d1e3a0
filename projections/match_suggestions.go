package projections

import (
	"errors"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/THEMKM/seraaj-eventsourced-sub001/domain"
	"github.com/THEMKM/seraaj-eventsourced-sub001/models"
)

func findSuggestion(tx *gorm.DB, id string) (*models.MatchSuggestion, error) {
	var row models.MatchSuggestion
	err := tx.Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func suggestionGenerated(tx *gorm.DB, event domain.Event, e *domain.MatchSuggestionGeneratedPayload) (Projected, error) {
	existing, err := findSuggestion(tx, event.AggregateID)
	if err != nil {
		return Projected{}, err
	}
	if existing != nil {
		_, err := domain.NextSuggestionStatus(domain.MatchSuggestionStatus(existing.Status), e)
		return Projected{}, err
	}

	distance, skills, availability := e.ScoreComponents.Values()
	explanation := e.Explanation
	if explanation == nil {
		explanation = []string{}
	}

	row := &models.MatchSuggestion{
		ID:             event.AggregateID,
		VolunteerID:    e.VolunteerID,
		OpportunityID:  e.OpportunityID,
		OrganizationID: e.OrganizationID,
		Score:          e.ScoreValue(),
		ScoreComponents: datatypes.NewJSONType(models.ScoreComponents{
			Distance:     distance,
			Skills:       skills,
			Availability: availability,
		}),
		Explanation: datatypes.JSONSlice[string](explanation),
		GeneratedAt: e.GeneratedAt.UTC(),
		Status:      string(domain.SuggestionStatusActive),
		CreatedAt:   event.OccurredAt,
		UpdatedAt:   event.OccurredAt,
		Version:     event.Version,
	}
	if err := tx.Create(row).Error; err != nil {
		return Projected{}, err
	}
	return Projected{MatchSuggestion: row}, nil
}

func suggestionTransition(tx *gorm.DB, event domain.Event, payload domain.Payload) (Projected, error) {
	row, err := findSuggestion(tx, event.AggregateID)
	if err != nil {
		return Projected{}, err
	}
	if row == nil {
		return Projected{}, domain.Validation("projections.suggestionTransition", nil,
			"%s for match suggestion %s without a projected row", event.Type, event.AggregateID)
	}

	next, err := domain.NextSuggestionStatus(domain.MatchSuggestionStatus(row.Status), payload)
	if err != nil {
		return Projected{}, err
	}

	row.Status = string(next)
	row.UpdatedAt = event.OccurredAt
	row.Version = event.Version
	if err := tx.Save(row).Error; err != nil {
		return Projected{}, err
	}
	return Projected{MatchSuggestion: row}, nil
}
