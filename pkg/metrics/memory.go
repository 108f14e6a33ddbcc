package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// initMemoryMetrics initializes memory store metrics.
func (m *Manager) initMemoryMetrics() {
	m.memoryWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memory_writes_total",
			Help: "Total number of deduplicated memory writes by partition and action",
		},
		[]string{"partition", "action"},
	)

	m.memoryPurged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memory_purged_total",
			Help: "Total number of expired records purged",
		},
		[]string{"partition"},
	)

	m.memoryPurgeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memory_purge_errors_total",
			Help: "Total number of failed partition purges",
		},
		[]string{"partition"},
	)

	m.registry.MustRegister(m.memoryWrites)
	m.registry.MustRegister(m.memoryPurged)
	m.registry.MustRegister(m.memoryPurgeErrors)
}

// ObserveStore records a deduplicated write.
func (m *Manager) ObserveStore(partition, action string) {
	if !m.enabled {
		return
	}
	m.memoryWrites.WithLabelValues(partition, action).Inc()
}

// ObservePurge records the outcome of one partition sweep.
func (m *Manager) ObservePurge(partition string, removed int, err error) {
	if !m.enabled {
		return
	}
	if err != nil {
		m.memoryPurgeErrors.WithLabelValues(partition).Inc()
		return
	}
	m.memoryPurged.WithLabelValues(partition).Add(float64(removed))
}

// RegisterPartitionGauge exposes the live record count of a partition. fn is
// called on every scrape.
func (m *Manager) RegisterPartitionGauge(partition string, fn func() float64) error {
	if !m.enabled {
		return nil
	}
	return m.registry.Register(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name:        "memory_records",
			Help:        "Current number of unexpired records",
			ConstLabels: prometheus.Labels{"partition": partition},
		},
		fn,
	))
}
