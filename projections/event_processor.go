package projections

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/THEMKM/seraaj-eventsourced-sub001/config"
	"github.com/THEMKM/seraaj-eventsourced-sub001/domain"
	"github.com/THEMKM/seraaj-eventsourced-sub001/eventstore"
	"github.com/THEMKM/seraaj-eventsourced-sub001/metrics"
	"github.com/THEMKM/seraaj-eventsourced-sub001/models"
)

const (
	defaultShards       = 4
	defaultBatchSize    = 100
	defaultPollInterval = 2 * time.Second
	defaultLeaseTimeout = 30 * time.Second

	retryBaseDelay = time.Second
	retryMaxDelay  = time.Minute
)

// EventProcessor drains the projection queue written by the event store
// and applies each event with the projector
type EventProcessor struct {
	db           *gorm.DB
	projector    *Projector
	shards       int
	batchSize    int
	pollInterval time.Duration
	leaseTimeout time.Duration
	worker       string
	now          func() time.Time

	running bool
	mutex   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

type ProcessorOption func(*EventProcessor)

// WithProcessorClock overrides the clock used for leases and retry backoff
func WithProcessorClock(now func() time.Time) ProcessorOption {
	return func(p *EventProcessor) {
		p.now = now
	}
}

// NewEventProcessor creates a new event processor
func NewEventProcessor(db *gorm.DB, projector *Projector, cfg config.ProjectionsConfig, opts ...ProcessorOption) *EventProcessor {
	p := &EventProcessor{
		db:           db,
		projector:    projector,
		shards:       cfg.Shards,
		batchSize:    cfg.BatchSize,
		pollInterval: cfg.PollInterval,
		leaseTimeout: cfg.LeaseTimeout,
		worker:       uuid.NewString(),
		now:          time.Now,
	}
	if p.shards <= 0 {
		p.shards = defaultShards
	}
	if p.batchSize <= 0 {
		p.batchSize = defaultBatchSize
	}
	if p.pollInterval <= 0 {
		p.pollInterval = defaultPollInterval
	}
	if p.leaseTimeout <= 0 {
		p.leaseTimeout = defaultLeaseTimeout
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start starts the event processor
func (p *EventProcessor) Start(ctx context.Context) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.running {
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	p.running = true

	go func() {
		defer close(p.done)
		p.processEvents(ctx)
	}()
}

// Stop stops the event processor and waits for the current batch
func (p *EventProcessor) Stop() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.running {
		return
	}

	p.running = false
	p.cancel()
	<-p.done
}

func (p *EventProcessor) processEvents(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	log.Info().
		Str("worker", p.worker).
		Int("shards", p.shards).
		Int("batch_size", p.batchSize).
		Msg("Event processor started")

	for {
		select {
		case <-ticker.C:
			for {
				n, err := p.ProcessBatch(ctx)
				if err != nil {
					log.Error().Err(err).Msg("Failed to process event batch")
					break
				}
				// A full batch means the queue may hold more.
				if n < p.batchSize || ctx.Err() != nil {
					break
				}
			}
		case <-ctx.Done():
			log.Info().Str("worker", p.worker).Msg("Event processor stopped")
			return
		}
	}
}

// ProcessBatch claims up to one batch of queue rows and projects them.
// It returns the number of rows claimed.
func (p *EventProcessor) ProcessBatch(ctx context.Context) (int, error) {
	items, err := p.claim(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to claim projection queue: %w", err)
	}
	if len(items) == 0 {
		p.reportDepth(ctx)
		return 0, nil
	}

	log.Debug().Int("count", len(items)).Msg("Processing projection queue batch")

	shards := make([][]models.ProjectionQueueItem, p.shards)
	for _, item := range items {
		s := shardFor(item.AggregateID, p.shards)
		shards[s] = append(shards[s], item)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range shards {
		if len(shards[i]) == 0 {
			continue
		}
		shard, rows := i, shards[i]
		g.Go(func() error {
			return p.processShard(gctx, shard, rows)
		})
	}
	err = g.Wait()

	p.reportDepth(ctx)
	return len(items), err
}

// claim leases pending rows that are due, plus rows whose lease expired.
// The status predicate on the update keeps two workers from taking the
// same row; the claim token tells which rows this call won.
func (p *EventProcessor) claim(ctx context.Context) ([]models.ProjectionQueueItem, error) {
	now := p.now().UTC()
	db := p.db.WithContext(ctx)

	due := func(tx *gorm.DB) *gorm.DB {
		return tx.Where("(status = ? AND available_at <= ?) OR (status = ? AND leased_until < ?)",
			models.QueueStatusPending, now, models.QueueStatusProcessing, now)
	}

	var ids []uint
	err := due(db.Model(&models.ProjectionQueueItem{})).
		Order("id ASC").
		Limit(p.batchSize).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	token := fmt.Sprintf("%s/%s", p.worker, uuid.NewString())
	leasedUntil := now.Add(p.leaseTimeout)

	err = due(db.Model(&models.ProjectionQueueItem{}).Where("id IN ?", ids)).
		Updates(map[string]interface{}{
			"status":       models.QueueStatusProcessing,
			"leased_until": leasedUntil,
			"worker":       token,
			"updated_at":   now,
		}).Error
	if err != nil {
		return nil, err
	}

	var items []models.ProjectionQueueItem
	err = db.Where("id IN ? AND worker = ? AND status = ?", ids, token, models.QueueStatusProcessing).
		Order("id ASC").
		Find(&items).Error
	return items, err
}

// processShard applies rows in queue order. Once an aggregate fails with a
// retryable error, its later rows in this batch go back to pending
// untouched so per-aggregate order is kept.
func (p *EventProcessor) processShard(ctx context.Context, shard int, items []models.ProjectionQueueItem) error {
	blocked := map[string]bool{}

	for _, item := range items {
		if blocked[item.AggregateID] || ctx.Err() != nil {
			if err := p.release(item); err != nil {
				return err
			}
			continue
		}

		outcome, err := p.processItem(ctx, item)
		switch {
		case err == nil:
			if err := p.finish(item, models.QueueStatusDone, nil); err != nil {
				return err
			}
		case outcome == OutcomeQuarantined:
			if err := p.finish(item, models.QueueStatusQuarantined, err); err != nil {
				return err
			}
		default:
			blocked[item.AggregateID] = true
			logger := log.Warn()
			if !errors.Is(err, ErrVersionGap) {
				logger = log.Error()
			}
			logger.Err(err).
				Int("shard", shard).
				Str("event_id", item.EventID).
				Str("aggregate_id", item.AggregateID).
				Int("version", item.Version).
				Int("attempts", item.Attempts+1).
				Msg("Projection failed, will retry")
			if err := p.retry(item, err); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *EventProcessor) processItem(ctx context.Context, item models.ProjectionQueueItem) (Outcome, error) {
	var row models.Event
	err := p.db.WithContext(ctx).Where("event_id = ?", item.EventID).Take(&row).Error
	if err != nil {
		err = eventstore.MapStorageError("projections.processItem", err)
		if domain.IsCode(err, domain.CodeNotFound) {
			// The queue row outlived its event; nothing can ever apply it.
			return OutcomeQuarantined, err
		}
		return "", err
	}
	return p.projector.Apply(ctx, eventstore.ToDomainEvent(row))
}

// The writes below use a fresh context so a shutdown mid-batch still
// settles the rows it claimed.

func (p *EventProcessor) finish(item models.ProjectionQueueItem, status string, cause error) error {
	updates := map[string]interface{}{
		"status":       status,
		"leased_until": nil,
		"updated_at":   p.now().UTC(),
	}
	if cause != nil {
		updates["last_error"] = cause.Error()
	}
	return p.settle(item, updates)
}

func (p *EventProcessor) retry(item models.ProjectionQueueItem, cause error) error {
	now := p.now().UTC()
	attempts := item.Attempts + 1
	return p.settle(item, map[string]interface{}{
		"status":       models.QueueStatusPending,
		"attempts":     attempts,
		"last_error":   cause.Error(),
		"available_at": now.Add(RetryDelay(attempts)),
		"leased_until": nil,
		"updated_at":   now,
	})
}

func (p *EventProcessor) release(item models.ProjectionQueueItem) error {
	now := p.now().UTC()
	return p.settle(item, map[string]interface{}{
		"status":       models.QueueStatusPending,
		"available_at": now,
		"leased_until": nil,
		"updated_at":   now,
	})
}

func (p *EventProcessor) settle(item models.ProjectionQueueItem, updates map[string]interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var token string
	if item.Worker != nil {
		token = *item.Worker
	}
	err := p.db.WithContext(ctx).Model(&models.ProjectionQueueItem{}).
		Where("id = ? AND worker = ?", item.ID, token).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to update projection queue row %d: %w", item.ID, err)
	}
	return nil
}

func (p *EventProcessor) reportDepth(ctx context.Context) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := p.db.WithContext(ctx).Model(&models.ProjectionQueueItem{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		log.Debug().Err(err).Msg("Failed to read projection queue depth")
		return
	}

	depth := map[string]int64{
		models.QueueStatusPending:     0,
		models.QueueStatusProcessing:  0,
		models.QueueStatusDone:        0,
		models.QueueStatusQuarantined: 0,
	}
	for _, r := range rows {
		depth[r.Status] = r.Count
	}
	for status, n := range depth {
		metrics.SetQueueDepth(status, n)
	}
}

// RetryDelay is the backoff before the given attempt: 1s doubling per
// attempt, capped at one minute. Attempts are counted on the queue row, so
// the sequence is rebuilt from the start on each call.
func RetryDelay(attempts int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval: retryBaseDelay,
		Multiplier:      2,
		MaxInterval:     retryMaxDelay,
	}
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func shardFor(aggregateID string, shards int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(aggregateID))
	return int(h.Sum32() % uint32(shards))
}
