// Package metrics exposes Prometheus collectors for the admission path.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	decisions     *prometheus.CounterVec
	duration      prometheus.Histogram
	storeErrors   *prometheus.CounterVec
	auditDropped  prometheus.Counter
	eventsDropped prometheus.Counter
	subscribers   prometheus.Gauge
	purged        *prometheus.CounterVec
}

// New registers the collectors with reg. Passing a fresh registry keeps tests isolated.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		decisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotagate_admission_decisions_total",
				Help: "Admission decisions by outcome and denial reason",
			},
			[]string{"outcome", "reason"},
		),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "quotagate_admission_duration_seconds",
			Help:    "Time spent deciding a request, including counter store round trips",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 100µs to ~800ms
		}),
		storeErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotagate_store_errors_total",
				Help: "Infrastructure failures surfaced as service failures",
			},
			[]string{"operation"},
		),
		auditDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "quotagate_audit_dropped_total",
			Help: "Audit entries discarded because the write buffer was full",
		}),
		eventsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "quotagate_events_dropped_total",
			Help: "Usage events a slow observer missed",
		}),
		subscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "quotagate_event_subscribers",
			Help: "Currently connected usage observers",
		}),
		purged: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotagate_retention_purged_total",
				Help: "Records removed by the retention sweep",
			},
			[]string{"kind"},
		),
	}
}

// ObserveDecision records one decided request. A nil receiver is a no-op.
func (m *Metrics) ObserveDecision(outcome, reason string, took time.Duration) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(outcome, reason).Inc()
	m.duration.Observe(took.Seconds())
}

func (m *Metrics) StoreError(operation string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(operation).Inc()
}

func (m *Metrics) AuditDropped() {
	if m == nil {
		return
	}
	m.auditDropped.Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

func (m *Metrics) Purged(kind string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.purged.WithLabelValues(kind).Add(float64(n))
}
