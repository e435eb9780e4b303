// Package metrics exposes the agent's state as Prometheus gauges and counters,
// using the real
// prometheus/client_golang registry and handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"haguard/internal/ha"
)

// Registry bundles every metric the agent reports, all registered against a private
// prometheus.Registry so tests can construct independent instances.
type Registry struct {
	reg *prometheus.Registry

	isLeader       prometheus.Gauge
	tickDuration   prometheus.Histogram
	tickErrors     *prometheus.CounterVec
	dcsUnavailable prometheus.Counter
	cycles         prometheus.Counter
}

// New builds a Registry with all metrics registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		isLeader: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "haguard",
			Name:      "is_leader",
			Help:      "1 if this node currently holds the DCS leader lease, else 0.",
		}),
		tickDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "haguard",
			Name:      "tick_duration_seconds",
			Help:      "Duration of each HA engine RunCycle call.",
			Buckets:   prometheus.DefBuckets,
		}),
		tickErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "haguard",
			Name:      "tick_errors_total",
			Help:      "Count of ticks that completed with a non-nil error, by resulting state.",
		}, []string{"state"}),
		dcsUnavailable: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "haguard",
			Name:      "dcs_unavailable_total",
			Help:      "Count of ticks whose member heartbeat could not be written to the DCS.",
		}),
		cycles: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "haguard",
			Name:      "cycles_total",
			Help:      "Count of completed RunCycle invocations.",
		}),
	}
	return r
}

// Registry exposes the underlying prometheus.Registry for wiring into an HTTP handler.
func (r *Registry) Registry() *prometheus.Registry { return r.reg }

// Observe records the outcome of one tick, including its wall-clock duration.
func (r *Registry) Observe(st ha.Status, seconds float64) {
	r.cycles.Inc()
	r.tickDuration.Observe(seconds)

	if st.State == ha.StateLeader || (st.State == ha.StateLeaderCandidate && st.Err == nil) {
		r.isLeader.Set(1)
	} else {
		r.isLeader.Set(0)
	}

	if st.Err != nil {
		r.tickErrors.WithLabelValues(string(st.State)).Inc()
	}
}

// RecordDCSUnavailable increments the DCS-outage counter.
func (r *Registry) RecordDCSUnavailable() {
	r.dcsUnavailable.Inc()
}
