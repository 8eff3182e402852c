package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveDecision("allowed", "", time.Millisecond)
	m.ObserveDecision("denied", "minute_quota_exceeded", time.Millisecond)
	m.ObserveDecision("denied", "minute_quota_exceeded", time.Millisecond)
	m.StoreError("increment")
	m.AuditDropped()
	m.EventDropped()
	m.SetSubscribers(3)
	m.Purged("counters", 4)
	m.Purged("counters", 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.decisions.WithLabelValues("allowed", "")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.decisions.WithLabelValues("denied", "minute_quota_exceeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storeErrors.WithLabelValues("increment")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.auditDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsDropped))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.subscribers))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.purged.WithLabelValues("counters")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveDecision("allowed", "", time.Second)
		m.StoreError("find_key")
		m.AuditDropped()
		m.EventDropped()
		m.SetSubscribers(1)
		m.Purged("audit", 1)
	})
}
