package kiln

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	cacheLookups *prometheus.CounterVec
	coalesced    prometheus.Counter
	invocations  *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiln_cache_lookups_total",
				Help: "Artifact cache lookups by result.",
			},
			[]string{"result"},
		),
		coalesced: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "kiln_cache_coalesced_total",
				Help: "Requests that shared an in-flight computation.",
			},
		),
		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiln_tool_invocations_total",
				Help: "External tool invocations by task.",
			},
			[]string{"task"},
		),
		toolDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kiln_tool_duration_seconds",
				Help:    "Wall clock time of external tool invocations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"task"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.cacheLookups,
			m.coalesced,
			m.invocations,
			m.toolDuration,
		)
	}
	return m
}

func (m *metrics) hit()  { m.cacheLookups.WithLabelValues("hit").Inc() }
func (m *metrics) miss() { m.cacheLookups.WithLabelValues("miss").Inc() }

func (m *metrics) invoked(task string, res *ProcessResult) {
	m.invocations.WithLabelValues(task).Inc()
	if res != nil {
		m.toolDuration.WithLabelValues(task).Observe(res.Duration.Seconds())
	}
}
