package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics records orchestration activity: refresh outcomes, write
// outcomes per operation, and reconciler behaviour. A nil receiver is a
// no-op so tests can run without a registry.
type EngineMetrics struct {
	refreshes       *prometheus.CounterVec
	refreshLatency  prometheus.Histogram
	writes          *prometheus.CounterVec
	ticks           prometheus.Counter
	skips           prometheus.Counter
	inconsistencies prometheus.Counter
}

var (
	engineMetricsOnce sync.Once
	engineRegistry    *EngineMetrics
)

// Metrics returns the lazily-initialised engine metrics registry.
func Metrics() *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineRegistry = &EngineMetrics{
			refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "autorepay",
				Subsystem: "engine",
				Name:      "refreshes_total",
				Help:      "State refreshes segmented by outcome.",
			}, []string{"outcome"}),
			refreshLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "autorepay",
				Subsystem: "engine",
				Name:      "refresh_duration_seconds",
				Help:      "Latency of state refresh read sequences.",
				Buckets:   prometheus.DefBuckets,
			}),
			writes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "autorepay",
				Subsystem: "engine",
				Name:      "writes_total",
				Help:      "Submitted writes segmented by operation and outcome.",
			}, []string{"op", "outcome"}),
			ticks: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "autorepay",
				Subsystem: "reconciler",
				Name:      "ticks_total",
				Help:      "Reconciliation ticks fired.",
			}),
			skips: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "autorepay",
				Subsystem: "reconciler",
				Name:      "skips_total",
				Help:      "Reconciliation ticks skipped because a refresh was already in flight.",
			}),
			inconsistencies: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "autorepay",
				Subsystem: "engine",
				Name:      "inconsistent_states_total",
				Help:      "Confirmed writes contradicted by the subsequent authoritative read.",
			}),
		}
		prometheus.MustRegister(
			engineRegistry.refreshes,
			engineRegistry.refreshLatency,
			engineRegistry.writes,
			engineRegistry.ticks,
			engineRegistry.skips,
			engineRegistry.inconsistencies,
		)
	})
	return engineRegistry
}

// ObserveRefresh records one refresh attempt and its duration.
func (m *EngineMetrics) ObserveRefresh(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
	m.refreshLatency.Observe(took.Seconds())
}

// ObserveWrite records one submitted write outcome.
func (m *EngineMetrics) ObserveWrite(op, outcome string) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(op, outcome).Inc()
}

// ObserveTick records a reconciler tick, skipped or not.
func (m *EngineMetrics) ObserveTick(skipped bool) {
	if m == nil {
		return
	}
	m.ticks.Inc()
	if skipped {
		m.skips.Inc()
	}
}

// ObserveInconsistency counts an inconsistent-state detection.
func (m *EngineMetrics) ObserveInconsistency() {
	if m == nil {
		return
	}
	m.inconsistencies.Inc()
}
