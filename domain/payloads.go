package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/THEMKM/seraaj-eventsourced-sub001/utils"
)

// Payload is the tagged union of event bodies. Every variant is listed in
// the registry below and handled by an exhaustive type switch wherever
// payloads are folded.
type Payload interface {
	AggregateType() string
	EventType() string
	isPayload()
}

// PayloadKey identifies one variant of the union
type PayloadKey struct {
	AggregateType    string
	EventType        string
	ContractsVersion string
}

func (k PayloadKey) String() string {
	return fmt.Sprintf("%s/%s@%s", k.AggregateType, k.EventType, k.ContractsVersion)
}

var (
	registryMu sync.RWMutex
	registry   = map[PayloadKey]func() Payload{}
)

func init() {
	v1 := DefaultContractsVersion
	RegisterPayload(PayloadKey{AggregateTypeApplication, ApplicationSubmitted, v1}, func() Payload { return &ApplicationSubmittedPayload{} })
	RegisterPayload(PayloadKey{AggregateTypeApplication, ApplicationUpdated, v1}, func() Payload { return &ApplicationUpdatedPayload{} })
	RegisterPayload(PayloadKey{AggregateTypeApplication, ApplicationApproved, v1}, func() Payload { return &ApplicationApprovedPayload{} })
	RegisterPayload(PayloadKey{AggregateTypeApplication, ApplicationRejected, v1}, func() Payload { return &ApplicationRejectedPayload{} })
	RegisterPayload(PayloadKey{AggregateTypeApplication, ApplicationWithdrawn, v1}, func() Payload { return &ApplicationWithdrawnPayload{} })
	RegisterPayload(PayloadKey{AggregateTypeMatchSuggestion, MatchSuggestionGenerated, v1}, func() Payload { return &MatchSuggestionGeneratedPayload{} })
	RegisterPayload(PayloadKey{AggregateTypeMatchSuggestion, MatchSuggestionAccepted, v1}, func() Payload { return &MatchSuggestionAcceptedPayload{} })
	RegisterPayload(PayloadKey{AggregateTypeMatchSuggestion, MatchSuggestionDeclined, v1}, func() Payload { return &MatchSuggestionDeclinedPayload{} })
	RegisterPayload(PayloadKey{AggregateTypeMatchSuggestion, MatchSuggestionExpired, v1}, func() Payload { return &MatchSuggestionExpiredPayload{} })
}

// RegisterPayload adds a variant. The factory must return a pointer.
func RegisterPayload(key PayloadKey, factory func() Payload) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[key] = factory
}

// EventTypesFor returns the event types registered for an aggregate type
func EventTypesFor(aggregateType string) []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	seen := map[string]bool{}
	var out []string
	for k := range registry {
		if k.AggregateType == aggregateType && !seen[k.EventType] {
			seen[k.EventType] = true
			out = append(out, k.EventType)
		}
	}
	return out
}

// DecodePayload strictly decodes and validates a payload. Any unknown key,
// malformed body or invariant violation is a validation error.
func DecodePayload(aggregateType, eventType, contractsVersion string, raw []byte) (Payload, error) {
	const op = "domain.DecodePayload"

	if contractsVersion == "" {
		contractsVersion = DefaultContractsVersion
	}
	key := PayloadKey{aggregateType, eventType, contractsVersion}

	registryMu.RLock()
	factory, ok := registry[key]
	registryMu.RUnlock()
	if !ok {
		return nil, Validation(op, nil, "unknown event shape %s", key)
	}

	payload := factory()
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(payload); err != nil {
		return nil, Validation(op, err, "malformed payload for %s", key)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, Validation(op, nil, "trailing data after payload for %s", key)
	}

	if err := ValidatePayload(payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ValidatePayload checks tag rules and cross-field rules of a payload
func ValidatePayload(p Payload) error {
	const op = "domain.ValidatePayload"

	if err := utils.ValidateStruct(p); err != nil {
		return Validation(op, err, "invalid %s payload %v", p.EventType(), utils.FieldErrors(err))
	}
	if v, ok := p.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return Validation(op, err, "invalid %s payload", p.EventType())
		}
	}
	return nil
}

// EncodePayload marshals a payload for storage
func EncodePayload(p Payload) (json.RawMessage, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", p.EventType(), err)
	}
	return data, nil
}

// Application payloads

type ApplicationSubmittedPayload struct {
	VolunteerID    string    `json:"volunteerId" validate:"required,identifier"`
	OpportunityID  string    `json:"opportunityId" validate:"required,identifier"`
	OrganizationID string    `json:"organizationId" validate:"required,identifier"`
	CoverLetter    *string   `json:"coverLetter,omitempty" validate:"omitempty,max=10000"`
	SubmittedAt    time.Time `json:"submittedAt" validate:"required"`
}

type ApplicationUpdatedPayload struct {
	CoverLetter    *string `json:"coverLetter,omitempty" validate:"omitempty,max=10000"`
	OrganizationID *string `json:"organizationId,omitempty" validate:"omitempty,identifier"`
}

func (p *ApplicationUpdatedPayload) Validate() error {
	if p.CoverLetter == nil && p.OrganizationID == nil {
		return fmt.Errorf("update carries no fields")
	}
	return nil
}

type ApplicationApprovedPayload struct {
	ReviewedAt time.Time `json:"reviewedAt" validate:"required"`
	ReviewerID string    `json:"reviewerId,omitempty" validate:"omitempty,identifier"`
}

type ApplicationRejectedPayload struct {
	ReviewedAt time.Time `json:"reviewedAt" validate:"required"`
	ReviewerID string    `json:"reviewerId,omitempty" validate:"omitempty,identifier"`
	Reason     string    `json:"reason,omitempty" validate:"max=2000"`
}

type ApplicationWithdrawnPayload struct {
	WithdrawnAt time.Time `json:"withdrawnAt" validate:"required"`
	Reason      string    `json:"reason,omitempty" validate:"max=2000"`
}

func (*ApplicationSubmittedPayload) AggregateType() string { return AggregateTypeApplication }
func (*ApplicationUpdatedPayload) AggregateType() string   { return AggregateTypeApplication }
func (*ApplicationApprovedPayload) AggregateType() string  { return AggregateTypeApplication }
func (*ApplicationRejectedPayload) AggregateType() string  { return AggregateTypeApplication }
func (*ApplicationWithdrawnPayload) AggregateType() string { return AggregateTypeApplication }

func (*ApplicationSubmittedPayload) EventType() string { return ApplicationSubmitted }
func (*ApplicationUpdatedPayload) EventType() string   { return ApplicationUpdated }
func (*ApplicationApprovedPayload) EventType() string  { return ApplicationApproved }
func (*ApplicationRejectedPayload) EventType() string  { return ApplicationRejected }
func (*ApplicationWithdrawnPayload) EventType() string { return ApplicationWithdrawn }

func (*ApplicationSubmittedPayload) isPayload() {}
func (*ApplicationUpdatedPayload) isPayload()   {}
func (*ApplicationApprovedPayload) isPayload()  {}
func (*ApplicationRejectedPayload) isPayload()  {}
func (*ApplicationWithdrawnPayload) isPayload() {}

// Match suggestion payloads

// ScoreComponents are pointers so a missing component fails "required"
// instead of silently reading as zero.
type ScoreComponents struct {
	Distance     *float64 `json:"distance" validate:"required,unit_interval"`
	Skills       *float64 `json:"skills" validate:"required,unit_interval"`
	Availability *float64 `json:"availability" validate:"required,unit_interval"`
}

// NewScoreComponents builds a fully populated ScoreComponents
func NewScoreComponents(distance, skills, availability float64) *ScoreComponents {
	return &ScoreComponents{Distance: &distance, Skills: &skills, Availability: &availability}
}

// Values returns the components, zero for any that are unset
func (c *ScoreComponents) Values() (distance, skills, availability float64) {
	if c == nil {
		return 0, 0, 0
	}
	return deref(c.Distance), deref(c.Skills), deref(c.Availability)
}

type MatchSuggestionGeneratedPayload struct {
	VolunteerID     string           `json:"volunteerId" validate:"required,identifier"`
	OpportunityID   string           `json:"opportunityId" validate:"required,identifier"`
	OrganizationID  string           `json:"organizationId" validate:"required,identifier"`
	Score           *float64         `json:"score" validate:"required,unit_interval"`
	ScoreComponents *ScoreComponents `json:"scoreComponents" validate:"required"`
	Explanation     []string         `json:"explanation" validate:"max=32,dive,max=500"`
	GeneratedAt     time.Time        `json:"generatedAt" validate:"required"`
}

// ScoreValue returns the score, zero when unset
func (p *MatchSuggestionGeneratedPayload) ScoreValue() float64 {
	return deref(p.Score)
}

type MatchSuggestionAcceptedPayload struct {
	AcceptedAt time.Time `json:"acceptedAt" validate:"required"`
}

type MatchSuggestionDeclinedPayload struct {
	DeclinedAt time.Time `json:"declinedAt" validate:"required"`
	Reason     string    `json:"reason,omitempty" validate:"max=2000"`
}

type MatchSuggestionExpiredPayload struct {
	ExpiredAt time.Time `json:"expiredAt" validate:"required"`
}

func (*MatchSuggestionGeneratedPayload) AggregateType() string { return AggregateTypeMatchSuggestion }
func (*MatchSuggestionAcceptedPayload) AggregateType() string  { return AggregateTypeMatchSuggestion }
func (*MatchSuggestionDeclinedPayload) AggregateType() string  { return AggregateTypeMatchSuggestion }
func (*MatchSuggestionExpiredPayload) AggregateType() string   { return AggregateTypeMatchSuggestion }

func (*MatchSuggestionGeneratedPayload) EventType() string { return MatchSuggestionGenerated }
func (*MatchSuggestionAcceptedPayload) EventType() string  { return MatchSuggestionAccepted }
func (*MatchSuggestionDeclinedPayload) EventType() string  { return MatchSuggestionDeclined }
func (*MatchSuggestionExpiredPayload) EventType() string   { return MatchSuggestionExpired }

func (*MatchSuggestionGeneratedPayload) isPayload() {}
func (*MatchSuggestionAcceptedPayload) isPayload()  {}
func (*MatchSuggestionDeclinedPayload) isPayload()  {}
func (*MatchSuggestionExpiredPayload) isPayload()   {}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
