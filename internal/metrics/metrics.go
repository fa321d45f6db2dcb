package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "xbridge"

// Metrics groups the collectors used by quoting, execution and settlement.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	providerQuotes    *prometheus.CounterVec
	providerLatency   *prometheus.HistogramVec
	staleDiscards     prometheus.Counter
	alternateLookups  *prometheus.CounterVec
	submissions       *prometheus.CounterVec
	settlementChanges *prometheus.CounterVec
	activeRecords     prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		providerQuotes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quote",
			Name:      "provider_requests_total",
			Help:      "Quote requests per provider and outcome.",
		}, []string{"provider", "status"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "quote",
			Name:      "provider_latency_seconds",
			Help:      "Quote provider round-trip latency.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16},
		}, []string{"provider"}),
		staleDiscards: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quote",
			Name:      "stale_results_discarded_total",
			Help:      "Aggregation results dropped because a newer generation started.",
		}),
		alternateLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quote",
			Name:      "alternate_token_lookups_total",
			Help:      "Alternate pay token lookups after an empty quote round.",
		}, []string{"result"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "steps_total",
			Help:      "Execution steps by type and result.",
		}, []string{"step", "result"}),
		settlementChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "transitions_total",
			Help:      "Bridge record status transitions.",
		}, []string{"from", "to"}),
		activeRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "active_records",
			Help:      "Bridge records not yet in a terminal state.",
		}),
	}
	m.Registry.MustRegister(
		m.providerQuotes,
		m.providerLatency,
		m.staleDiscards,
		m.alternateLookups,
		m.submissions,
		m.settlementChanges,
		m.activeRecords,
	)
	return m
}

func (m *Metrics) ObserveProviderQuote(provider, status string, latency time.Duration) {
	if m == nil {
		return
	}
	m.providerQuotes.WithLabelValues(provider, status).Inc()
	m.providerLatency.WithLabelValues(provider).Observe(latency.Seconds())
}

func (m *Metrics) StaleDiscarded() {
	if m == nil {
		return
	}
	m.staleDiscards.Inc()
}

func (m *Metrics) AlternateLookup(result string) {
	if m == nil {
		return
	}
	m.alternateLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) ExecutionStep(step, result string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(step, result).Inc()
}

func (m *Metrics) SettlementTransition(from, to string) {
	if m == nil {
		return
	}
	m.settlementChanges.WithLabelValues(from, to).Inc()
}

func (m *Metrics) SetActiveRecords(n int) {
	if m == nil {
		return
	}
	m.activeRecords.Set(float64(n))
}
