package aggregates

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/THEMKM/seraaj-eventsourced-sub001/domain"
)

// RetryOnConflict runs fn until it succeeds, fails with anything other than
// a version conflict, or has been tried attempts times. fn must reload the
// aggregate on every call.
func RetryOnConflict(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.RandomizationFactor = 0.5

	try := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		try++
		err := fn(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return struct{}{}, backoff.Permanent(err)
		}
		log.Debug().Err(err).Int("attempt", try).Msg("Version conflict, retrying")
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(attempts)))

	return err
}
