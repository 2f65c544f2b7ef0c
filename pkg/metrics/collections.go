package metrics

import "github.com/prometheus/client_golang/prometheus"

// Merge outcomes.
const (
	OutcomeMerged  = "merged"
	OutcomeNoop    = "noop"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// CollectionMetrics tracks guest merges, store failures and live sessions.
// A nil *CollectionMetrics is a valid no-op recorder.
type CollectionMetrics struct {
	merges        *prometheus.CounterVec
	mergedItems   *prometheus.CounterVec
	writeFailures *prometheus.CounterVec
	subFailures   *prometheus.CounterVec
	sessions      prometheus.Gauge
}

func NewCollectionMetrics(reg prometheus.Registerer) *CollectionMetrics {
	if reg == nil {
		return nil
	}
	m := &CollectionMetrics{
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collection_merges_total",
			Help:      "Guest to account merges by outcome.",
		}, []string{"kind", "outcome"}),
		mergedItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collection_merged_items_total",
			Help:      "Guest items written into account collections.",
		}, []string{"kind"}),
		writeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collection_write_failures_total",
			Help:      "Failed collection writes by operation.",
		}, []string{"kind", "op"}),
		subFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collection_subscription_failures_total",
			Help:      "Live subscriptions that failed or were degraded.",
		}, []string{"kind"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "collection_active_sessions",
			Help:      "Collection sessions currently held by the hub.",
		}),
	}
	reg.MustRegister(m.merges, m.mergedItems, m.writeFailures, m.subFailures, m.sessions)
	return m
}

func (m *CollectionMetrics) MergeCompleted(kind string, merged int) {
	if m == nil {
		return
	}
	outcome := OutcomeMerged
	if merged == 0 {
		outcome = OutcomeNoop
	}
	m.merges.WithLabelValues(labelOrUnknown(kind), outcome).Inc()
	m.mergedItems.WithLabelValues(labelOrUnknown(kind)).Add(float64(merged))
}

func (m *CollectionMetrics) MergeFailed(kind string) {
	if m == nil {
		return
	}
	m.merges.WithLabelValues(labelOrUnknown(kind), OutcomeFailed).Inc()
}

// MergeSkipped counts transitions that could not attempt a merge, e.g. when
// the remote subscription never produced a first snapshot.
func (m *CollectionMetrics) MergeSkipped(kind string) {
	if m == nil {
		return
	}
	m.merges.WithLabelValues(labelOrUnknown(kind), OutcomeSkipped).Inc()
}

func (m *CollectionMetrics) WriteFailed(kind, op string) {
	if m == nil {
		return
	}
	m.writeFailures.WithLabelValues(labelOrUnknown(kind), labelOrUnknown(op)).Inc()
}

func (m *CollectionMetrics) SubscriptionFailed(kind string) {
	if m == nil {
		return
	}
	m.subFailures.WithLabelValues(labelOrUnknown(kind)).Inc()
}

func (m *CollectionMetrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}
