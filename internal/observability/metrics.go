// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Settlement metrics
	TradesTotal        *prometheus.CounterVec
	TradeVolume        *prometheus.CounterVec
	SettlementLatency  *prometheus.HistogramVec
	SettlementRetries  prometheus.Counter
	SettlementConflict prometheus.Counter
	TokensCreated      prometheus.Counter

	// Event metrics
	EventsPublished *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	PublishErrors   *prometheus.CounterVec
	WSConnections   prometheus.Gauge
	TradesMirrored  prometheus.Counter

	// Lifecycle metrics
	RollupRuns          *prometheus.CounterVec
	RollupDuration      prometheus.Histogram
	InvariantViolations *prometheus.CounterVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec

	// Health metrics
	LastSuccessfulRollup prometheus.Gauge
	UptimeSeconds        prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "curve_market"
	}

	return &Metrics{
		// Settlement metrics
		TradesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "trades_total",
			Help:      "Total number of trade requests by side and result kind",
		}, []string{"side", "result"}),
		TradeVolume: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "volume_lamports_total",
			Help:      "Total lamports moved by settled trades",
		}, []string{"side"}),
		SettlementLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "latency_seconds",
			Help:      "Settlement latency including lock waits and retries",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		SettlementRetries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "retries_total",
			Help:      "Total number of transaction retries after a storage conflict",
		}),
		SettlementConflict: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "conflicts_total",
			Help:      "Total number of trades rejected after exhausting conflict retries",
		}),
		TokensCreated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "tokens_created_total",
			Help:      "Total number of tokens created",
		}),

		// Event metrics
		EventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Total number of events published by sink and type",
		}, []string{"sink", "type"}),
		EventsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Total number of events dropped because a buffer was full",
		}, []string{"sink"}),
		PublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "publish_errors_total",
			Help:      "Total number of failed event deliveries by sink",
		}, []string{"sink"}),
		WSConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "ws_connections",
			Help:      "Current number of WebSocket subscribers",
		}),
		TradesMirrored: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "trades_mirrored_total",
			Help:      "Total number of trades written to the analytics mirror",
		}),

		// Lifecycle metrics
		RollupRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "rollup_runs_total",
			Help:      "Total number of rollup runs by status",
		}, []string{"status"}),
		RollupDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "rollup_duration_seconds",
			Help:      "Duration of one rollup pass over all tokens",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
		InvariantViolations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "invariant_violations_total",
			Help:      "Total number of ledger invariant violations detected",
		}, []string{"invariant"}),

		// Database metrics
		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "query_duration_seconds",
			Help:      "Database transaction duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "query_errors_total",
			Help:      "Total number of database errors",
		}, []string{"database", "operation"}),

		// Health metrics
		LastSuccessfulRollup: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_rollup_timestamp",
			Help:      "Unix timestamp of last successful rollup",
		}),
		UptimeSeconds: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "uptime_seconds_total",
			Help:      "Total uptime in seconds",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordTrade records the outcome of a trade request. result is "ok" or an error kind.
func RecordTrade(side, result string, seconds float64) {
	DefaultMetrics.TradesTotal.WithLabelValues(side, result).Inc()
	DefaultMetrics.SettlementLatency.WithLabelValues(side).Observe(seconds)
}

// RecordVolume adds settled lamports for a side.
func RecordVolume(side string, lamports int64) {
	DefaultMetrics.TradeVolume.WithLabelValues(side).Add(float64(lamports))
}

// RecordRetry increments the conflict retry counter.
func RecordRetry() {
	DefaultMetrics.SettlementRetries.Inc()
}

// RecordConflict increments the exhausted-retries counter.
func RecordConflict() {
	DefaultMetrics.SettlementConflict.Inc()
}

// RecordTokenCreated increments the tokens created counter.
func RecordTokenCreated() {
	DefaultMetrics.TokensCreated.Inc()
}

// RecordEventPublished records a delivered event.
func RecordEventPublished(sink, eventType string) {
	DefaultMetrics.EventsPublished.WithLabelValues(sink, eventType).Inc()
}

// RecordEventDropped records an event dropped by a full buffer.
func RecordEventDropped(sink string) {
	DefaultMetrics.EventsDropped.WithLabelValues(sink).Inc()
}

// RecordPublishError records a failed delivery.
func RecordPublishError(sink string) {
	DefaultMetrics.PublishErrors.WithLabelValues(sink).Inc()
}

// SetWSConnections updates the WebSocket subscriber gauge.
func SetWSConnections(n int) {
	DefaultMetrics.WSConnections.Set(float64(n))
}

// RecordTradesMirrored adds to the mirrored trades counter.
func RecordTradesMirrored(n int) {
	DefaultMetrics.TradesMirrored.Add(float64(n))
}

// RecordRollup records a rollup pass.
func RecordRollup(status string, durationSeconds float64, finishedAtUnix int64) {
	DefaultMetrics.RollupRuns.WithLabelValues(status).Inc()
	DefaultMetrics.RollupDuration.Observe(durationSeconds)
	if status == "success" {
		DefaultMetrics.LastSuccessfulRollup.Set(float64(finishedAtUnix))
	}
}

// RecordInvariantViolation increments the violation counter for an invariant.
func RecordInvariantViolation(invariant string) {
	DefaultMetrics.InvariantViolations.WithLabelValues(invariant).Inc()
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}
