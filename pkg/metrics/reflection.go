package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/goclaw/recall/pkg/reflection"
)

// initReflectionMetrics initializes reflection engine metrics.
func (m *Manager) initReflectionMetrics(cfg Config) {
	m.reflectionCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reflection_cycles_total",
			Help: "Total number of reflection cycles by outcome",
		},
		[]string{"outcome", "trigger"},
	)

	m.reflectionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reflection_duration_seconds",
			Help:    "Reflection cycle duration in seconds",
			Buckets: cfg.ReflectionDurationBuckets,
		},
	)

	m.reflectionTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reflection_tokens_total",
			Help: "Total number of reasoning tokens spent on reflection",
		},
		[]string{"direction"},
	)

	m.registry.MustRegister(m.reflectionCycles)
	m.registry.MustRegister(m.reflectionDuration)
	m.registry.MustRegister(m.reflectionTokens)
}

// ObserveReflection records a finished reflection.
func (m *Manager) ObserveReflection(r reflection.Reflection) {
	if !m.enabled {
		return
	}
	trigger := "scheduled"
	if r.Manual {
		trigger = "manual"
	}
	m.reflectionCycles.WithLabelValues(string(r.Outcome()), trigger).Inc()
	if r.RateLimited {
		return
	}
	m.reflectionDuration.Observe(r.Duration.Seconds())
	m.reflectionTokens.WithLabelValues("input").Add(float64(r.InputTokens))
	m.reflectionTokens.WithLabelValues("output").Add(float64(r.OutputTokens))
}
