package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/rs/zerolog/log"

	"github.com/THEMKM/seraaj-eventsourced-sub001/domain"
	"github.com/THEMKM/seraaj-eventsourced-sub001/handlers"
)

// Command names carried in the envelope
const (
	SubmitApplication   = "SubmitApplication"
	UpdateApplication   = "UpdateApplication"
	ApproveApplication  = "ApproveApplication"
	RejectApplication   = "RejectApplication"
	WithdrawApplication = "WithdrawApplication"

	GenerateMatchSuggestion = "GenerateMatchSuggestion"
	AcceptMatchSuggestion   = "AcceptMatchSuggestion"
	DeclineMatchSuggestion  = "DeclineMatchSuggestion"
	ExpireMatchSuggestion   = "ExpireMatchSuggestion"
)

// ErrUnprocessable marks a message that will never succeed
var ErrUnprocessable = errors.New("unprocessable message")

// AzureBusMessage is the common message structure
type AzureBusMessage struct {
	EventType string          `json:"eventType"`
	Data      json.RawMessage `json:"data"`
}

type ApplicationCommands interface {
	Submit(ctx context.Context, cmd handlers.SubmitApplicationCommand) (handlers.Result, error)
	Update(ctx context.Context, cmd handlers.UpdateApplicationCommand) (handlers.Result, error)
	Approve(ctx context.Context, cmd handlers.ReviewApplicationCommand) (handlers.Result, error)
	Reject(ctx context.Context, cmd handlers.ReviewApplicationCommand) (handlers.Result, error)
	Withdraw(ctx context.Context, cmd handlers.WithdrawApplicationCommand) (handlers.Result, error)
}

type MatchSuggestionCommands interface {
	Generate(ctx context.Context, cmd handlers.GenerateMatchSuggestionCommand) (handlers.Result, error)
	Accept(ctx context.Context, cmd handlers.AcceptMatchSuggestionCommand) (handlers.Result, error)
	Decline(ctx context.Context, cmd handlers.DeclineMatchSuggestionCommand) (handlers.Result, error)
	Expire(ctx context.Context, cmd handlers.ExpireMatchSuggestionCommand) (handlers.Result, error)
}

type Processor struct {
	applications ApplicationCommands
	suggestions  MatchSuggestionCommands
}

func NewProcessor(applications ApplicationCommands, suggestions MatchSuggestionCommands) *Processor {
	return &Processor{
		applications: applications,
		suggestions:  suggestions,
	}
}

func (p *Processor) ProcessMessage(ctx context.Context, message *azservicebus.ReceivedMessage) error {
	return p.Dispatch(ctx, message.Body)
}

// Dispatch decodes an envelope and runs its command. Malformed envelopes,
// unknown commands and domain rejections come back wrapped in
// ErrUnprocessable.
func (p *Processor) Dispatch(ctx context.Context, body []byte) error {
	var msg AzureBusMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("%w: error unmarshalling message: %v", ErrUnprocessable, err)
	}

	log.Info().Str("eventType", msg.EventType).Msg("Processing message")

	var (
		res handlers.Result
		err error
	)
	switch msg.EventType {
	// Application commands
	case SubmitApplication:
		var cmd handlers.SubmitApplicationCommand
		if err = decode(msg.Data, &cmd); err == nil {
			res, err = p.applications.Submit(ctx, cmd)
		}
	case UpdateApplication:
		var cmd handlers.UpdateApplicationCommand
		if err = decode(msg.Data, &cmd); err == nil {
			res, err = p.applications.Update(ctx, cmd)
		}
	case ApproveApplication:
		var cmd handlers.ReviewApplicationCommand
		if err = decode(msg.Data, &cmd); err == nil {
			res, err = p.applications.Approve(ctx, cmd)
		}
	case RejectApplication:
		var cmd handlers.ReviewApplicationCommand
		if err = decode(msg.Data, &cmd); err == nil {
			res, err = p.applications.Reject(ctx, cmd)
		}
	case WithdrawApplication:
		var cmd handlers.WithdrawApplicationCommand
		if err = decode(msg.Data, &cmd); err == nil {
			res, err = p.applications.Withdraw(ctx, cmd)
		}

	// Match suggestion commands
	case GenerateMatchSuggestion:
		var cmd handlers.GenerateMatchSuggestionCommand
		if err = decode(msg.Data, &cmd); err == nil {
			res, err = p.suggestions.Generate(ctx, cmd)
		}
	case AcceptMatchSuggestion:
		var cmd handlers.AcceptMatchSuggestionCommand
		if err = decode(msg.Data, &cmd); err == nil {
			res, err = p.suggestions.Accept(ctx, cmd)
		}
	case DeclineMatchSuggestion:
		var cmd handlers.DeclineMatchSuggestionCommand
		if err = decode(msg.Data, &cmd); err == nil {
			res, err = p.suggestions.Decline(ctx, cmd)
		}
	case ExpireMatchSuggestion:
		var cmd handlers.ExpireMatchSuggestionCommand
		if err = decode(msg.Data, &cmd); err == nil {
			res, err = p.suggestions.Expire(ctx, cmd)
		}

	default:
		return fmt.Errorf("%w: unknown event type %q", ErrUnprocessable, msg.EventType)
	}

	if err != nil {
		if domain.IsRejection(err) || errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: %s: %w", ErrUnprocessable, msg.EventType, err)
		}
		return err
	}

	log.Debug().Str("eventType", msg.EventType).Str("aggregate_id", res.ID).Int("version", res.Version).Msg("Message processed")
	return nil
}

func decode(data json.RawMessage, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.Validation("messaging.decode", err, "malformed command data")
	}
	return nil
}
