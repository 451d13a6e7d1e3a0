package tracing

import (
	"context"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/THEMKM/seraaj-eventsourced-sub001/config"
	"github.com/THEMKM/seraaj-eventsourced-sub001/domain"
)

// Tracer defines the interface for tracing
type Tracer interface {
	// Trace runs under the transaction already in ctx as a segment, or
	// starts a transaction when there is none. The returned func ends it.
	Trace(ctx context.Context, name string) (context.Context, func(err error))
	AddAttribute(ctx context.Context, key string, value interface{})
	Application() *newrelic.Application
	Close()
}

// NewRelicTracer implements Tracer using New Relic
type NewRelicTracer struct {
	app     *newrelic.Application
	appName string
	enabled bool
}

// NewTracer creates a new tracer. Without a license key tracing is a no-op.
func NewTracer(cfg config.TracingConfig) (*NewRelicTracer, error) {
	if cfg.LicenseKey == "" {
		log.Warn().Msg("New Relic license key not provided, tracing will be disabled")
		return &NewRelicTracer{enabled: false}, nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(cfg.AppName),
		newrelic.ConfigLicense(cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(cfg.DistributedTracing),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize New Relic")
	}

	return &NewRelicTracer{
		app:     app,
		appName: cfg.AppName,
		enabled: true,
	}, nil
}

// Noop returns a disabled tracer
func Noop() *NewRelicTracer {
	return &NewRelicTracer{enabled: false}
}

func (t *NewRelicTracer) Enabled() bool {
	return t != nil && t.enabled && t.app != nil
}

func (t *NewRelicTracer) Application() *newrelic.Application {
	if !t.Enabled() {
		return nil
	}
	return t.app
}

func (t *NewRelicTracer) Trace(ctx context.Context, name string) (context.Context, func(err error)) {
	if !t.Enabled() {
		return ctx, func(error) {}
	}

	if txn := newrelic.FromContext(ctx); txn != nil {
		segment := txn.StartSegment(name)
		return ctx, func(err error) {
			noticeError(txn, err)
			segment.End()
		}
	}

	txn := t.app.StartTransaction(name)
	return newrelic.NewContext(ctx, txn), func(err error) {
		noticeError(txn, err)
		txn.End()
	}
}

// AddAttribute adds an attribute to the transaction in ctx
func (t *NewRelicTracer) AddAttribute(ctx context.Context, key string, value interface{}) {
	if !t.Enabled() {
		return
	}
	if txn := newrelic.FromContext(ctx); txn != nil {
		txn.AddAttribute(key, value)
	}
}

// Close flushes pending data and shuts the agent down
func (t *NewRelicTracer) Close() {
	if !t.Enabled() {
		return
	}
	t.app.Shutdown(10 * time.Second)
	log.Info().Msg("New Relic tracer shutdown")
}

// Expected outcomes of a command (rejections, misses) are not errors for
// the APM.
func noticeError(txn *newrelic.Transaction, err error) {
	if err == nil || domain.IsRejection(err) || domain.IsCode(err, domain.CodeNotFound) {
		return
	}
	txn.NoticeError(err)
}
