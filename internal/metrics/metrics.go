// Package metrics exposes Prometheus instrumentation for the page pool.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// PoolMetrics counts page pool events. All methods are safe on a nil
// receiver, so callers can leave instrumentation unconfigured.
type PoolMetrics struct {
	hits              prometheus.Counter
	misses            prometheus.Counter
	evictions         prometheus.Counter
	writeBackFailures prometheus.Counter
	poolFull          prometheus.Counter
}

// NewPoolMetrics builds the pool counters and registers them on reg when reg
// is non-nil.
func NewPoolMetrics(reg prometheus.Registerer) *PoolMetrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "berrydb",
			Subsystem: "page_pool",
			Name:      name,
			Help:      help,
		})
	}

	m := &PoolMetrics{
		hits:              counter("hits_total", "Page fetches served from a resident frame."),
		misses:            counter("misses_total", "Page fetches that were not resident and were served by a newly assigned frame."),
		evictions:         counter("evictions_total", "Frames evicted from the LRU list."),
		writeBackFailures: counter("write_back_failures_total", "Dirty write-backs that failed and closed the store."),
		poolFull:          counter("pool_full_total", "Page fetches rejected because no frame was available."),
	}
	if reg != nil {
		reg.MustRegister(m.hits, m.misses, m.evictions, m.writeBackFailures, m.poolFull)
	}
	return m
}

func (m *PoolMetrics) Hit() {
	if m != nil {
		m.hits.Inc()
	}
}

func (m *PoolMetrics) Miss() {
	if m != nil {
		m.misses.Inc()
	}
}

func (m *PoolMetrics) Eviction() {
	if m != nil {
		m.evictions.Inc()
	}
}

func (m *PoolMetrics) WriteBackFailure() {
	if m != nil {
		m.writeBackFailures.Inc()
	}
}

func (m *PoolMetrics) PoolFull() {
	if m != nil {
		m.poolFull.Inc()
	}
}
