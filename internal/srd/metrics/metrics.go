package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for status checks. All methods are nil-safe
// so components can run without metrics in tests and CLI one-shots.
type Metrics struct {
	// Status API latency by result: ok, unreachable, rejected_by_server, malformed
	FetchLatency *prometheus.HistogramVec

	// End-to-end check results by outcome
	ChecksTotal *prometheus.CounterVec

	// Store writes by entity (identity, application, status_check, outcome) and op
	EntityWrites *prometheus.CounterVec

	// Outcome entries recovered with a warning, by kind
	Warnings *prometheus.CounterVec

	ReconcileLatency prometheus.Histogram
	LockWait         prometheus.Histogram

	OutboxPublished prometheus.Counter
	OutboxFailures  prometheus.Counter
}

// New registers metrics with the default Prometheus registry. Call once per process.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers metrics with reg; tests pass a fresh prometheus.NewRegistry().
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FetchLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "srdwatch_fetch_duration_seconds",
			Help:    "Duration of status API calls by result",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		}, []string{"result"}),

		ChecksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "srdwatch_checks_total",
			Help: "Total status checks by result",
		}, []string{"result"}),

		EntityWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "srdwatch_entity_writes_total",
			Help: "Reconciliation writes by entity and operation",
		}, []string{"entity", "op"}),

		Warnings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "srdwatch_outcome_warnings_total",
			Help: "Outcome entries recovered with a validation warning",
		}, []string{"kind"}),

		ReconcileLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "srdwatch_reconcile_duration_seconds",
			Help:    "Duration of the reconciliation unit of work",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		LockWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "srdwatch_lock_wait_seconds",
			Help:    "Time spent waiting for the per-applicant lock",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		OutboxPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "srdwatch_outbox_published_total",
			Help: "Outbox events published to the broker",
		}),

		OutboxFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "srdwatch_outbox_failures_total",
			Help: "Outbox publish attempts that failed",
		}),
	}
}

func (m *Metrics) ObserveFetch(result string, d time.Duration) {
	if m != nil {
		m.FetchLatency.WithLabelValues(result).Observe(d.Seconds())
	}
}

func (m *Metrics) IncrementCheck(result string) {
	if m != nil {
		m.ChecksTotal.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) IncrementWrite(entity, op string) {
	if m != nil {
		m.EntityWrites.WithLabelValues(entity, op).Inc()
	}
}

func (m *Metrics) IncrementWarning(kind string) {
	if m != nil {
		m.Warnings.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) ObserveReconcile(d time.Duration) {
	if m != nil {
		m.ReconcileLatency.Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m != nil {
		m.LockWait.Observe(d.Seconds())
	}
}

func (m *Metrics) IncrementPublished(n int) {
	if m != nil {
		m.OutboxPublished.Add(float64(n))
	}
}

func (m *Metrics) IncrementPublishFailure() {
	if m != nil {
		m.OutboxFailures.Inc()
	}
}
