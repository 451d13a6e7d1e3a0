package cmd

import (
	"context"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/THEMKM/seraaj-eventsourced-sub001/aggregates"
	"github.com/THEMKM/seraaj-eventsourced-sub001/cache"
	"github.com/THEMKM/seraaj-eventsourced-sub001/eventstore"
	"github.com/THEMKM/seraaj-eventsourced-sub001/handlers"
	"github.com/THEMKM/seraaj-eventsourced-sub001/internal/database"
	"github.com/THEMKM/seraaj-eventsourced-sub001/messaging"
	"github.com/THEMKM/seraaj-eventsourced-sub001/metrics"
	"github.com/THEMKM/seraaj-eventsourced-sub001/projections"
	"github.com/THEMKM/seraaj-eventsourced-sub001/readmodel"
	"github.com/THEMKM/seraaj-eventsourced-sub001/tracing"
)

// app holds the services shared by the commands
type app struct {
	db           *gorm.DB
	store        *eventstore.GormEventStore
	repo         *aggregates.Repository
	reads        *readmodel.Store
	stats        *readmodel.Stats
	cache        *cache.RedisCache
	tracer       *tracing.NewRelicTracer
	applications *handlers.ApplicationHandler
	suggestions  *handlers.MatchSuggestionHandler

	closers []func()
}

func newApp() (*app, error) {
	metrics.Register()

	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	a := &app{db: db}
	a.closers = append(a.closers, func() { database.Close(db) })

	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
		redisCache = nil
	}
	a.cache = redisCache
	if redisCache.Enabled() {
		a.closers = append(a.closers, func() { _ = redisCache.Close() })
	}

	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		tracer = tracing.Noop()
	}
	a.tracer = tracer
	a.closers = append(a.closers, tracer.Close)

	a.store = eventstore.NewGormEventStore(db)
	a.repo = aggregates.NewRepository(a.store,
		aggregates.WithSnapshots(aggregates.NewGormSnapshotStore(db), cfg.SnapshotFrequency))
	a.reads = readmodel.NewStore(db)

	statsOpts := []readmodel.StatsOption{}
	if redisCache.Enabled() {
		statsOpts = append(statsOpts, readmodel.WithCache(redisCache, cfg.StatsCacheTTL))
	}
	a.stats = readmodel.NewStats(db, statsOpts...)

	handlerOpts := []handlers.Option{
		handlers.WithTracer(tracer),
		handlers.WithMaxRetries(cfg.Handlers.MaxRetries),
	}
	a.applications = handlers.NewApplicationHandler(a.repo, a.reads, handlerOpts...)
	a.suggestions = handlers.NewMatchSuggestionHandler(a.repo, handlerOpts...)

	return a, nil
}

// sinks connects the optional post-commit sinks
func (a *app) sinks(ctx context.Context) []projections.Sink {
	var sinks []projections.Sink

	if indexer := a.indexer(); indexer != nil {
		sinks = append(sinks, indexer)
	}

	publisher, err := messaging.NewNATSPublisher(ctx, cfg.NATS)
	switch {
	case err != nil:
		log.Warn().Err(err).Msg("Failed to initialize NATS, continuing without event publishing")
	case publisher != nil:
		sinks = append(sinks, publisher)
		a.closers = append(a.closers, publisher.Close)
	}

	return sinks
}

func (a *app) indexer() *projections.ElasticsearchIndexer {
	if !cfg.Elasticsearch.Enabled {
		return nil
	}

	client, err := projections.NewElasticsearchClient(cfg.Elasticsearch)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search indexing")
		return nil
	}
	if err := projections.EnsureIndices(client, cfg.Elasticsearch); err != nil {
		log.Warn().Err(err).Msg("Failed to create Elasticsearch indices, continuing without search indexing")
		return nil
	}
	return projections.NewElasticsearchIndexer(client, cfg.Elasticsearch)
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
