package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for VaultBridge.
type Metrics struct {
	// --- Request lifecycle ---
	RequestsCreated   *prometheus.CounterVec
	RequestsCancelled prometheus.Counter
	RequestsSettled   *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	PendingRequests   prometheus.Gauge

	// --- Scheduler ---
	BatchRuns          prometheus.Counter
	BatchFanout        prometheus.Histogram
	ScheduleDelay      prometheus.Gauge
	SchedulerPaused    prometheus.Gauge
	SchedulingFailures prometheus.Counter

	// --- Worker & cross-ledger ---
	CrossLedgerCalls    *prometheus.CounterVec
	CrossLedgerDuration *prometheus.HistogramVec
	RefundsIssued       prometheus.Counter
	Escalations         prometheus.Counter
	LeaseExpiries       prometheus.Counter

	// --- Ownership ---
	OwnershipSize       prometheus.Gauge
	OwnershipDivergence prometheus.Gauge

	// --- Audit writer ---
	AuditRecordsWritten prometheus.Counter
	AuditBatchSize      prometheus.Histogram
	AuditErrors         *prometheus.CounterVec
	AuditRetry          prometheus.Counter

	// --- Channel & backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec

	// --- API ---
	APIRequests *prometheus.CounterVec
	APIDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	callBuckets := []float64{
		0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025,
		0.05, 0.1, 0.25, 0.5, 1.0, 2.5,
	}

	return &Metrics{
		// Request lifecycle
		RequestsCreated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_requests_created_total",
			Help: "Requests accepted into the pending queue",
		}, []string{"kind"}),

		RequestsCancelled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_requests_cancelled_total",
			Help: "Pending requests cancelled by their requester",
		}),

		RequestsSettled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_requests_settled_total",
			Help: "Requests driven to a terminal state",
		}, []string{"kind", "outcome"}),

		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_request_settle_duration_seconds",
			Help:    "Start of processing to terminal state",
			Buckets: callBuckets,
		}, []string{"kind"}),

		PendingRequests: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_pending_requests",
			Help: "Pending queue depth at last scheduler observation",
		}),

		// Scheduler
		BatchRuns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_batch_runs_total",
			Help: "Scheduler batch invocations",
		}),

		BatchFanout: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_batch_fanout",
			Help:    "Parallel worker slots used per run",
			Buckets: []float64{1, 2, 3, 4, 5, 8, 10, 16},
		}),

		ScheduleDelay: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_schedule_delay_seconds",
			Help: "Delay chosen for the next scheduled run",
		}),

		SchedulerPaused: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_scheduler_paused",
			Help: "1 while the processing loop is paused",
		}),

		SchedulingFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_scheduling_failures_total",
			Help: "Re-arm attempts rejected (fee source exhausted)",
		}),

		// Worker & cross-ledger
		CrossLedgerCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_cross_ledger_calls_total",
			Help: "Position-ledger calls by operation and outcome",
		}, []string{"op", "outcome"}),

		CrossLedgerDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_cross_ledger_duration_seconds",
			Help:    "Position-ledger call latency",
			Buckets: callBuckets,
		}, []string{"op"}),

		RefundsIssued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_refunds_issued_total",
			Help: "Failure-path refunds credited back to requesters",
		}),

		Escalations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_escalations_total",
			Help: "Finalize failures after a position-side effect",
		}),

		LeaseExpiries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_lease_expiries_total",
			Help: "Processing requests force-failed by the lease sweeper",
		}),

		// Ownership
		OwnershipSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_ownership_entries",
			Help: "Entries in the worker-side ownership index",
		}),

		OwnershipDivergence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_ownership_divergence",
			Help: "Entries differing between ledger and worker mirrors at last audit",
		}),

		// Audit writer
		AuditRecordsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_audit_records_written_total",
			Help: "Settlement records written to Postgres",
		}),

		AuditBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_audit_batch_size",
			Help:    "Records per audit batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		AuditErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_audit_errors_total",
			Help: "Audit write errors",
		}, []string{"error_type"}),

		AuditRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_audit_retry_total",
			Help: "Audit write retries",
		}),

		// Channel & backpressure
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		// API
		APIRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_api_requests_total",
			Help: "HTTP API requests",
		}, []string{"endpoint", "status"}),

		APIDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_api_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
