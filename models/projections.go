package models

import (
	"time"

	"gorm.io/datatypes"
)

// Application is the read model row of an application aggregate. Timestamps
// are copied from events, so gorm must not stamp them.
type Application struct {
	ID             string     `gorm:"primaryKey;size:64" json:"id"`
	VolunteerID    string     `gorm:"size:64;not null;uniqueIndex:uq_applications_volunteer_opportunity,priority:1" json:"volunteerId"`
	OpportunityID  string     `gorm:"size:64;not null;uniqueIndex:uq_applications_volunteer_opportunity,priority:2;index" json:"opportunityId"`
	OrganizationID string     `gorm:"size:64;not null;index" json:"organizationId"`
	Status         string     `gorm:"size:16;not null;index" json:"status"`
	CoverLetter    *string    `json:"coverLetter,omitempty"`
	SubmittedAt    *time.Time `json:"submittedAt,omitempty"`
	ReviewedAt     *time.Time `json:"reviewedAt,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime:false" json:"createdAt"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime:false" json:"updatedAt"`
	Version        int        `gorm:"not null" json:"version"`
}

func (Application) TableName() string { return "applications" }

// ScoreComponents is stored as a JSON column
type ScoreComponents struct {
	Distance     float64 `json:"distance"`
	Skills       float64 `json:"skills"`
	Availability float64 `json:"availability"`
}

// MatchSuggestion is the read model row of a match suggestion aggregate
type MatchSuggestion struct {
	ID              string                              `gorm:"primaryKey;size:64" json:"id"`
	VolunteerID     string                              `gorm:"size:64;not null;index" json:"volunteerId"`
	OpportunityID   string                              `gorm:"size:64;not null;index" json:"opportunityId"`
	OrganizationID  string                              `gorm:"size:64;not null" json:"organizationId"`
	Score           float64                             `gorm:"not null;index:idx_match_suggestions_score,sort:desc;check:chk_match_suggestions_score,score >= 0 AND score <= 1" json:"score"`
	ScoreComponents datatypes.JSONType[ScoreComponents] `gorm:"not null" json:"scoreComponents"`
	Explanation     datatypes.JSONSlice[string]         `json:"explanation"`
	GeneratedAt     time.Time                           `gorm:"not null" json:"generatedAt"`
	Status          string                              `gorm:"size:16;not null;index" json:"status"`
	CreatedAt       time.Time                           `gorm:"autoCreateTime:false" json:"createdAt"`
	UpdatedAt       time.Time                           `gorm:"autoUpdateTime:false" json:"updatedAt"`
	Version         int                                 `gorm:"not null" json:"version"`
}

func (MatchSuggestion) TableName() string { return "match_suggestions" }
