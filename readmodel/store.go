package readmodel

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/plugin/dbresolver"

	"github.com/THEMKM/seraaj-eventsourced-sub001/domain"
	"github.com/THEMKM/seraaj-eventsourced-sub001/eventstore"
	"github.com/THEMKM/seraaj-eventsourced-sub001/models"
)

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

// Page is an offset window over a query result
type Page struct {
	Limit  int `form:"limit" json:"limit"`
	Offset int `form:"offset" json:"offset"`
}

// Normalize applies the default and maximum limit
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Store answers queries over the projection tables. Reads go to a replica
// when one is registered.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) read(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Clauses(dbresolver.Read)
}

func (s *Store) page(ctx context.Context, page Page) *gorm.DB {
	page = page.Normalize()
	return s.read(ctx).Limit(page.Limit).Offset(page.Offset)
}

// GetApplication returns one application row
func (s *Store) GetApplication(ctx context.Context, id string) (*models.Application, error) {
	const op = "readmodel.GetApplication"

	var row models.Application
	if err := s.read(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return nil, notFound(op, err, "application %s not found", id)
	}
	return &row, nil
}

// ApplicationByPair returns the application a volunteer holds for an
// opportunity
func (s *Store) ApplicationByPair(ctx context.Context, volunteerID, opportunityID string) (*models.Application, error) {
	const op = "readmodel.ApplicationByPair"

	var row models.Application
	err := s.read(ctx).
		Where("volunteer_id = ? AND opportunity_id = ?", volunteerID, opportunityID).
		Take(&row).Error
	if err != nil {
		return nil, notFound(op, err, "no application of volunteer %s for opportunity %s", volunteerID, opportunityID)
	}
	return &row, nil
}

func (s *Store) ApplicationsByVolunteer(ctx context.Context, volunteerID string, page Page) ([]models.Application, error) {
	var rows []models.Application
	err := s.page(ctx, page).
		Where("volunteer_id = ?", volunteerID).
		Order("created_at DESC").Order("id ASC").
		Find(&rows).Error
	return rows, mapErr("readmodel.ApplicationsByVolunteer", err)
}

func (s *Store) ApplicationsByOpportunity(ctx context.Context, opportunityID string, page Page) ([]models.Application, error) {
	var rows []models.Application
	err := s.page(ctx, page).
		Where("opportunity_id = ?", opportunityID).
		Order("created_at DESC").Order("id ASC").
		Find(&rows).Error
	return rows, mapErr("readmodel.ApplicationsByOpportunity", err)
}

func (s *Store) ApplicationsByStatus(ctx context.Context, status string, page Page) ([]models.Application, error) {
	const op = "readmodel.ApplicationsByStatus"
	if !domain.ApplicationStatus(status).Valid() {
		return nil, domain.Validation(op, nil, "unknown application status %q", status)
	}

	var rows []models.Application
	err := s.page(ctx, page).
		Where("status = ?", status).
		Order("updated_at DESC").Order("id ASC").
		Find(&rows).Error
	return rows, mapErr(op, err)
}

// GetMatchSuggestion returns one suggestion row
func (s *Store) GetMatchSuggestion(ctx context.Context, id string) (*models.MatchSuggestion, error) {
	const op = "readmodel.GetMatchSuggestion"

	var row models.MatchSuggestion
	if err := s.read(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return nil, notFound(op, err, "match suggestion %s not found", id)
	}
	return &row, nil
}

// SuggestionsByVolunteer lists a volunteer's suggestions, best score first
func (s *Store) SuggestionsByVolunteer(ctx context.Context, volunteerID string, page Page) ([]models.MatchSuggestion, error) {
	var rows []models.MatchSuggestion
	err := s.page(ctx, page).
		Where("volunteer_id = ?", volunteerID).
		Order("score DESC").Order("id ASC").
		Find(&rows).Error
	return rows, mapErr("readmodel.SuggestionsByVolunteer", err)
}

// SuggestionsByOpportunity lists an opportunity's suggestions, best score first
func (s *Store) SuggestionsByOpportunity(ctx context.Context, opportunityID string, page Page) ([]models.MatchSuggestion, error) {
	var rows []models.MatchSuggestion
	err := s.page(ctx, page).
		Where("opportunity_id = ?", opportunityID).
		Order("score DESC").Order("id ASC").
		Find(&rows).Error
	return rows, mapErr("readmodel.SuggestionsByOpportunity", err)
}

func (s *Store) SuggestionsByStatus(ctx context.Context, status string, page Page) ([]models.MatchSuggestion, error) {
	const op = "readmodel.SuggestionsByStatus"
	if !domain.MatchSuggestionStatus(status).Valid() {
		return nil, domain.Validation(op, nil, "unknown match suggestion status %q", status)
	}

	var rows []models.MatchSuggestion
	err := s.page(ctx, page).
		Where("status = ?", status).
		Order("score DESC").Order("id ASC").
		Find(&rows).Error
	return rows, mapErr(op, err)
}

// TopSuggestions lists all suggestions by score, ties broken by id
func (s *Store) TopSuggestions(ctx context.Context, page Page) ([]models.MatchSuggestion, error) {
	var rows []models.MatchSuggestion
	err := s.page(ctx, page).
		Order("score DESC").Order("id ASC").
		Find(&rows).Error
	return rows, mapErr("readmodel.TopSuggestions", err)
}

// StaleSuggestions returns active suggestions generated before cutoff,
// oldest first
func (s *Store) StaleSuggestions(ctx context.Context, cutoff time.Time, limit int) ([]models.MatchSuggestion, error) {
	var rows []models.MatchSuggestion
	err := s.read(ctx).
		Where("status = ? AND generated_at < ?", string(domain.SuggestionStatusActive), cutoff.UTC()).
		Order("generated_at ASC").Order("id ASC").
		Limit(Page{Limit: limit}.Normalize().Limit).
		Find(&rows).Error
	return rows, mapErr("readmodel.StaleSuggestions", err)
}

func notFound(op string, err error, format string, args ...interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.NotFound(op, format, args...)
	}
	return eventstore.MapStorageError(op, err)
}

func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return eventstore.MapStorageError(op, err)
}
