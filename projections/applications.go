package projections

import (
	"errors"

	"gorm.io/gorm"

	"github.com/THEMKM/seraaj-eventsourced-sub001/domain"
	"github.com/THEMKM/seraaj-eventsourced-sub001/eventstore"
	"github.com/THEMKM/seraaj-eventsourced-sub001/models"
)

// DuplicateApplicationMessage is the message of a refused duplicate pair
const DuplicateApplicationMessage = domain.DuplicateApplicationMessage

func findApplication(tx *gorm.DB, id string) (*models.Application, error) {
	var row models.Application
	err := tx.Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func applicationSubmitted(tx *gorm.DB, event domain.Event, e *domain.ApplicationSubmittedPayload) (Projected, error) {
	const op = "projections.ApplicationSubmitted"

	var taken int64
	err := tx.Model(&models.Application{}).
		Where("volunteer_id = ? AND opportunity_id = ? AND id <> ?", e.VolunteerID, e.OpportunityID, event.AggregateID).
		Count(&taken).Error
	if err != nil {
		return Projected{}, err
	}
	if taken > 0 {
		return Projected{}, domain.UniquenessViolation(op, "%s: volunteer %s, opportunity %s", DuplicateApplicationMessage, e.VolunteerID, e.OpportunityID)
	}

	existing, err := findApplication(tx, event.AggregateID)
	if err != nil {
		return Projected{}, err
	}

	submittedAt := e.SubmittedAt.UTC()

	// Same aggregate, same pair: refresh the pending row
	if existing != nil {
		if domain.ApplicationStatus(existing.Status) != domain.ApplicationStatusPending {
			_, err := domain.NextApplicationStatus(domain.ApplicationStatus(existing.Status), e)
			return Projected{}, err
		}
		existing.VolunteerID = e.VolunteerID
		existing.OpportunityID = e.OpportunityID
		existing.OrganizationID = e.OrganizationID
		existing.CoverLetter = e.CoverLetter
		existing.SubmittedAt = &submittedAt
		existing.UpdatedAt = event.OccurredAt
		existing.Version = event.Version
		if err := tx.Save(existing).Error; err != nil {
			return Projected{}, err
		}
		return Projected{Application: existing}, nil
	}

	row := &models.Application{
		ID:             event.AggregateID,
		VolunteerID:    e.VolunteerID,
		OpportunityID:  e.OpportunityID,
		OrganizationID: e.OrganizationID,
		Status:         string(domain.ApplicationStatusPending),
		CoverLetter:    e.CoverLetter,
		SubmittedAt:    &submittedAt,
		CreatedAt:      event.OccurredAt,
		UpdatedAt:      event.OccurredAt,
		Version:        event.Version,
	}

	// The unique pair index catches a concurrent submit the count missed.
	// Roll back to the savepoint so the quarantine can still be written.
	if err := tx.SavePoint("application_insert").Error; err != nil {
		return Projected{}, err
	}
	if err := tx.Create(row).Error; err != nil {
		if eventstore.IsDuplicateKey(err) {
			if rbErr := tx.RollbackTo("application_insert").Error; rbErr != nil {
				return Projected{}, rbErr
			}
			return Projected{}, domain.UniquenessViolation(op, "%s: volunteer %s, opportunity %s", DuplicateApplicationMessage, e.VolunteerID, e.OpportunityID)
		}
		return Projected{}, err
	}
	return Projected{Application: row}, nil
}

// applicationTransition moves an existing row through the state machine and
// lets mutate copy payload fields
func applicationTransition(tx *gorm.DB, event domain.Event, payload domain.Payload, mutate func(*models.Application)) (Projected, error) {
	row, err := findApplication(tx, event.AggregateID)
	if err != nil {
		return Projected{}, err
	}
	if row == nil {
		return Projected{}, domain.Validation("projections.applicationTransition", nil,
			"%s for application %s without a projected row", event.Type, event.AggregateID)
	}

	next, err := domain.NextApplicationStatus(domain.ApplicationStatus(row.Status), payload)
	if err != nil {
		return Projected{}, err
	}

	if mutate != nil {
		mutate(row)
	}
	row.Status = string(next)
	row.UpdatedAt = event.OccurredAt
	row.Version = event.Version

	if err := tx.Save(row).Error; err != nil {
		return Projected{}, err
	}
	return Projected{Application: row}, nil
}
