package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine. The helper methods
// are nil-safe so tests can run the engine without a registry.
type Metrics struct {
	// --- Request processing ---
	RequestsSubmitted *prometheus.CounterVec
	RequestsExecuted  *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	PendingRequests   prometheus.Gauge
	OpenPositions     prometheus.Gauge

	// --- Forced deleveraging ---
	Liquidations  *prometheus.CounterVec
	AdlExecutions *prometheus.CounterVec

	// --- Market state ---
	FundingRate        *prometheus.GaugeVec
	BorrowRate         *prometheus.GaugeVec
	OpenInterestBySide *prometheus.GaugeVec

	// --- Ingestion ---
	IngestMessages *prometheus.CounterVec
	IngestLatency  *prometheus.HistogramVec

	// --- Persistence ---
	SnapshotsTaken   prometheus.Counter
	SnapshotDuration prometheus.Histogram
	PersistErrors    *prometheus.CounterVec
	ExecutionsLogged prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	execBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005, 0.0001,
		0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01,
	}

	return &Metrics{
		RequestsSubmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_requests_submitted_total",
			Help: "Requests accepted into the pending store",
		}, []string{"kind"}),

		RequestsExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_requests_executed_total",
			Help: "Request executions by outcome (executed or rejection reason)",
		}, []string{"kind", "outcome"}),

		ExecutionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_execution_duration_seconds",
			Help:    "Time to execute a single request",
			Buckets: execBuckets,
		}, []string{"kind"}),

		PendingRequests: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_pending_requests",
			Help: "Requests currently awaiting execution",
		}),

		OpenPositions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_open_positions",
			Help: "Open positions across all instruments",
		}),

		Liquidations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_liquidations_total",
			Help: "Completed liquidations",
		}, []string{"instrument"}),

		AdlExecutions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_adl_executions_total",
			Help: "Completed auto-deleveraging decreases",
		}, []string{"instrument"}),

		FundingRate: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_funding_rate_per_day",
			Help: "Current funding rate, longs pay shorts when positive",
		}, []string{"instrument"}),

		BorrowRate: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_borrow_rate_per_day",
			Help: "Current borrowing rate per side",
		}, []string{"instrument", "side"}),

		OpenInterestBySide: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_open_interest_usd",
			Help: "Open interest per side in whole USD",
		}, []string{"instrument", "side"}),

		IngestMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_ingest_messages_total",
			Help: "NATS messages consumed by outcome",
		}, []string{"subject", "outcome"}),

		IngestLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_ingest_latency_seconds",
			Help:    "NATS receive to engine handoff",
			Buckets: execBuckets,
		}, []string{"subject"}),

		SnapshotsTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_snapshots_taken_total",
			Help: "State snapshots written",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_snapshot_duration_seconds",
			Help:    "Snapshot serialize and write duration",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_persist_errors_total",
			Help: "Persistence failures by operation",
		}, []string{"operation"}),

		ExecutionsLogged: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_executions_logged_total",
			Help: "Execution results written to the execution log",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_query_requests_total",
			Help: "HTTP query API requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_query_duration_seconds",
			Help:    "HTTP query API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// RecordSubmission counts an accepted request.
func (m *Metrics) RecordSubmission(kind string) {
	if m == nil {
		return
	}
	m.RequestsSubmitted.WithLabelValues(kind).Inc()
}

// RecordExecution counts an execution attempt and its duration.
func (m *Metrics) RecordExecution(kind, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestsExecuted.WithLabelValues(kind, outcome).Inc()
	m.ExecutionDuration.WithLabelValues(kind).Observe(seconds)
}

// SetPendingRequests updates the pending-store gauge.
func (m *Metrics) SetPendingRequests(n int) {
	if m == nil {
		return
	}
	m.PendingRequests.Set(float64(n))
}

// SetOpenPositions updates the open-positions gauge.
func (m *Metrics) SetOpenPositions(n int) {
	if m == nil {
		return
	}
	m.OpenPositions.Set(float64(n))
}

// RecordLiquidation counts a completed liquidation.
func (m *Metrics) RecordLiquidation(instrument string) {
	if m == nil {
		return
	}
	m.Liquidations.WithLabelValues(instrument).Inc()
}

// RecordADL counts a completed auto-deleveraging decrease.
func (m *Metrics) RecordADL(instrument string) {
	if m == nil {
		return
	}
	m.AdlExecutions.WithLabelValues(instrument).Inc()
}

// SetMarketGauges publishes one instrument's rate and open-interest gauges.
func (m *Metrics) SetMarketGauges(instrument string, fundingRate, longBorrowRate, shortBorrowRate, longOiUsd, shortOiUsd float64) {
	if m == nil {
		return
	}
	m.FundingRate.WithLabelValues(instrument).Set(fundingRate)
	m.BorrowRate.WithLabelValues(instrument, "long").Set(longBorrowRate)
	m.BorrowRate.WithLabelValues(instrument, "short").Set(shortBorrowRate)
	m.OpenInterestBySide.WithLabelValues(instrument, "long").Set(longOiUsd)
	m.OpenInterestBySide.WithLabelValues(instrument, "short").Set(shortOiUsd)
}

// RecordIngest counts a consumed NATS message by outcome.
func (m *Metrics) RecordIngest(subject, outcome string) {
	if m == nil {
		return
	}
	m.IngestMessages.WithLabelValues(subject, outcome).Inc()
}

// RecordPersistError counts a persistence failure.
func (m *Metrics) RecordPersistError(operation string) {
	if m == nil {
		return
	}
	m.PersistErrors.WithLabelValues(operation).Inc()
}
