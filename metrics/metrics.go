package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seraaj_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "seraaj_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	eventsAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seraaj_events_appended_total",
			Help: "Events durably appended to the log.",
		},
		[]string{"aggregate_type", "event_type"},
	)
	appendFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seraaj_append_failures_total",
			Help: "Failed appends by error code.",
		},
		[]string{"aggregate_type", "code"},
	)
	projectionOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seraaj_projection_outcomes_total",
			Help: "Projection apply outcomes.",
		},
		[]string{"aggregate_type", "outcome"},
	)
	projectionLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "seraaj_projection_apply_seconds",
			Help:    "Latency of a single projection apply.",
			Buckets: prometheus.DefBuckets,
		},
	)
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "seraaj_projection_queue_depth",
			Help: "Projection queue rows by status.",
		},
		[]string{"status"},
	)
	sinkFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seraaj_sink_failures_total",
			Help: "Post-commit sink failures.",
		},
		[]string{"sink"},
	)
	commandRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seraaj_command_retries_total",
			Help: "Command retries after a version conflict.",
		},
		[]string{"command"},
	)
	replaySkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seraaj_replay_skipped_events_total",
			Help: "Stored events skipped while folding an aggregate.",
		},
		[]string{"aggregate_type", "event_type"},
	)

	registerOnce sync.Once
)

// Register adds every collector to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpLatency,
			eventsAppended, appendFailures,
			projectionOutcomes, projectionLatency, queueDepth,
			sinkFailures, commandRetries, replaySkipped,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// GinMiddleware records request counts and latency by route template
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		httpRequests.WithLabelValues(c.Request.Method, path, status).Inc()
		httpLatency.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
	}
}

func IncEventAppended(aggregateType, eventType string) {
	eventsAppended.WithLabelValues(aggregateType, eventType).Inc()
}

func IncAppendFailure(aggregateType, code string) {
	appendFailures.WithLabelValues(aggregateType, code).Inc()
}

func IncProjectionOutcome(aggregateType, outcome string) {
	projectionOutcomes.WithLabelValues(aggregateType, outcome).Inc()
}

func ObserveProjectionLatency(d time.Duration) {
	projectionLatency.Observe(d.Seconds())
}

func SetQueueDepth(status string, depth int64) {
	queueDepth.WithLabelValues(status).Set(float64(depth))
}

func IncSinkFailure(sink string) {
	sinkFailures.WithLabelValues(sink).Inc()
}

func IncCommandRetry(command string) {
	commandRetries.WithLabelValues(command).Inc()
}

func IncReplaySkipped(aggregateType, eventType string) {
	replaySkipped.WithLabelValues(aggregateType, eventType).Inc()
}
