package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// initDigestMetrics initializes digest cycle metrics.
func (m *Manager) initDigestMetrics(cfg Config) {
	m.digestRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "digest_runs_total",
			Help: "Total number of digest runs by status",
		},
		[]string{"status"},
	)

	m.digestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "digest_duration_seconds",
			Help:    "Digest run duration in seconds",
			Buckets: cfg.DigestDurationBuckets,
		},
	)

	m.digestEntries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "digest_entries_total",
			Help: "Total number of live entries read by successful digests",
		},
	)

	m.digestFacts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "digest_memories_total",
			Help: "Total number of memories written by digests",
		},
		[]string{"action"},
	)

	m.registry.MustRegister(m.digestRuns)
	m.registry.MustRegister(m.digestDuration)
	m.registry.MustRegister(m.digestEntries)
	m.registry.MustRegister(m.digestFacts)
}

// ObserveDigest records one digest run.
func (m *Manager) ObserveDigest(entries, inserted, updated int, duration time.Duration, err error) {
	if !m.enabled {
		return
	}
	m.digestDuration.Observe(duration.Seconds())
	if err != nil {
		m.digestRuns.WithLabelValues("failed").Inc()
		return
	}
	m.digestRuns.WithLabelValues("success").Inc()
	m.digestEntries.Add(float64(entries))
	m.digestFacts.WithLabelValues("inserted").Add(float64(inserted))
	m.digestFacts.WithLabelValues("updated").Add(float64(updated))
}
