package handlers

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/THEMKM/seraaj-eventsourced-sub001/aggregates"
	"github.com/THEMKM/seraaj-eventsourced-sub001/domain"
	"github.com/THEMKM/seraaj-eventsourced-sub001/metrics"
	"github.com/THEMKM/seraaj-eventsourced-sub001/models"
	"github.com/THEMKM/seraaj-eventsourced-sub001/tracing"
	"github.com/THEMKM/seraaj-eventsourced-sub001/utils"
)

// DefaultMaxRetries is how often a command is retried after a version conflict
const DefaultMaxRetries = 3

// Repository loads aggregates and stores their changes
type Repository interface {
	LoadApplication(ctx context.Context, id string) (*domain.ApplicationAggregate, error)
	LoadMatchSuggestion(ctx context.Context, id string) (*domain.MatchSuggestionAggregate, error)
	Save(ctx context.Context, aggregate domain.Aggregate) ([]domain.Event, error)
}

// ApplicationLookup finds an existing application for a volunteer and
// opportunity pair in the read model
type ApplicationLookup interface {
	ApplicationByPair(ctx context.Context, volunteerID, opportunityID string) (*models.Application, error)
}

// Result identifies the aggregate a command wrote and its new version
type Result struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
}

type Option func(*base)

func WithTracer(tracer tracing.Tracer) Option {
	return func(b *base) {
		if tracer != nil {
			b.tracer = tracer
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *base) {
		b.now = now
	}
}

func WithMaxRetries(n int) Option {
	return func(b *base) {
		if n >= 0 {
			b.maxRetries = n
		}
	}
}

type base struct {
	repo       Repository
	tracer     tracing.Tracer
	maxRetries int
	now        func() time.Time
}

func newBase(repo Repository, opts []Option) base {
	b := base{
		repo:       repo,
		tracer:     tracing.Noop(),
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// execute runs a load-decide-save step, retrying it on version conflicts.
// step returns the aggregate version after saving.
func (b *base) execute(ctx context.Context, command, aggregateID string, step func(ctx context.Context) (int, error)) (Result, error) {
	ctx, end := b.tracer.Trace(ctx, command)
	b.tracer.AddAttribute(ctx, "aggregate_id", aggregateID)

	attempt := 0
	var version int
	err := aggregates.RetryOnConflict(ctx, b.maxRetries+1, func(ctx context.Context) error {
		if attempt > 0 {
			metrics.IncCommandRetry(command)
		}
		attempt++

		v, err := step(ctx)
		if err != nil {
			return err
		}
		version = v
		return nil
	})
	end(err)

	if err != nil {
		level := zerolog.ErrorLevel
		switch {
		case domain.IsCode(err, domain.CodeNotFound):
			level = zerolog.DebugLevel
		case domain.IsRejection(err), domain.IsCode(err, domain.CodeVersionConflict):
			level = zerolog.InfoLevel
		}
		log.WithLevel(level).Err(err).
			Str("command", command).
			Str("aggregate_id", aggregateID).
			Int("attempts", attempt).
			Msg("Command failed")
		return Result{}, err
	}

	log.Info().
		Str("command", command).
		Str("aggregate_id", aggregateID).
		Int("version", version).
		Msg("Command handled")
	return Result{ID: aggregateID, Version: version}, nil
}

func validateCommand(op string, cmd interface{}) error {
	if err := utils.ValidateStruct(cmd); err != nil {
		return domain.Validation(op, err, "invalid command %v", utils.FieldErrors(err))
	}
	return nil
}
