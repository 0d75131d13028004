package ruvector

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds counters and gauges scoped to a single Bridge,
// instantiated once per Bridge against its own prometheus.Registry
// rather than the global default registry — so multiple bridges in one
// process never collide on metric names.
type Metrics struct {
	registry *prometheus.Registry

	queriesTotal       atomic.Int64
	queriesSucceeded   atomic.Int64
	queriesFailed      atomic.Int64
	slowQueries        atomic.Int64
	vectorsInserted    atomic.Int64
	vectorsUpdated     atomic.Int64
	vectorsDeleted     atomic.Int64
	searchesPerformed  atomic.Int64
	connAcquires       atomic.Int64
	connReleases       atomic.Int64
	connErrors         atomic.Int64
	startedAt          time.Time

	mu            sync.Mutex
	avgQueryTimeMs float64
	queryCount     int64
	lastQueryTime  time.Time

	queryDuration *prometheus.HistogramVec
	poolGauge     *prometheus.GaugeVec
}

// NewMetrics constructs a fresh per-bridge metrics instance and
// registers its collectors against a dedicated registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		startedAt: time.Now(),
	}

	m.queryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ruvector_query_duration_ms",
		Help:    "Query duration in milliseconds, labeled by outcome.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"outcome"})

	m.poolGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ruvector_pool_connections",
		Help: "Pool connection counts by state (total, idle, waiting).",
	}, []string{"state"})

	m.registry.MustRegister(m.queryDuration, m.poolGauge)
	return m
}

// Registry exposes the per-bridge Prometheus registry so the host can
// fold it into its own /metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordQueryStart increments the total-queries counter.
func (m *Metrics) RecordQueryStart() {
	m.queriesTotal.Add(1)
}

// RecordQueryComplete records a finished query's outcome and duration,
// updating the running mean (avg += (x - avg) / n) under a lock.
func (m *Metrics) RecordQueryComplete(durationMs float64, succeeded bool, slow bool) {
	if succeeded {
		m.queriesSucceeded.Add(1)
		m.queryDuration.WithLabelValues("success").Observe(durationMs)
	} else {
		m.queriesFailed.Add(1)
		m.queryDuration.WithLabelValues("error").Observe(durationMs)
	}
	if slow {
		m.slowQueries.Add(1)
	}

	m.mu.Lock()
	m.queryCount++
	m.avgQueryTimeMs += (durationMs - m.avgQueryTimeMs) / float64(m.queryCount)
	m.lastQueryTime = time.Now()
	m.mu.Unlock()
}

func (m *Metrics) RecordVectorsInserted(n int) { m.vectorsInserted.Add(int64(n)) }
func (m *Metrics) RecordVectorsUpdated(n int)  { m.vectorsUpdated.Add(int64(n)) }
func (m *Metrics) RecordVectorsDeleted(n int)  { m.vectorsDeleted.Add(int64(n)) }
func (m *Metrics) RecordSearch()               { m.searchesPerformed.Add(1) }
func (m *Metrics) RecordConnAcquire()          { m.connAcquires.Add(1) }
func (m *Metrics) RecordConnRelease()          { m.connReleases.Add(1) }
func (m *Metrics) RecordConnError()            { m.connErrors.Add(1) }

// SetPoolGauges reports a pool-stats snapshot into the gauges.
func (m *Metrics) SetPoolGauges(stats PoolStats) {
	m.poolGauge.WithLabelValues("total").Set(float64(stats.Total))
	m.poolGauge.WithLabelValues("idle").Set(float64(stats.Idle))
	m.poolGauge.WithLabelValues("waiting").Set(float64(stats.Waiting))
}

// MetricsSnapshot is the read-only view returned by (*Bridge).Metrics().
type MetricsSnapshot struct {
	QueriesTotal      int64
	QueriesSucceeded  int64
	QueriesFailed     int64
	SlowQueries       int64
	AvgQueryTimeMs    float64
	VectorsInserted   int64
	VectorsUpdated    int64
	VectorsDeleted    int64
	SearchesPerformed int64
	ConnAcquires      int64
	ConnReleases      int64
	ConnErrors        int64
	LastQueryTime     time.Time
	Uptime            time.Duration
}

// Snapshot returns a consistent read-only copy of the running counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	avg := m.avgQueryTimeMs
	last := m.lastQueryTime
	m.mu.Unlock()

	return MetricsSnapshot{
		QueriesTotal:      m.queriesTotal.Load(),
		QueriesSucceeded:  m.queriesSucceeded.Load(),
		QueriesFailed:     m.queriesFailed.Load(),
		SlowQueries:       m.slowQueries.Load(),
		AvgQueryTimeMs:    avg,
		VectorsInserted:   m.vectorsInserted.Load(),
		VectorsUpdated:    m.vectorsUpdated.Load(),
		VectorsDeleted:    m.vectorsDeleted.Load(),
		SearchesPerformed: m.searchesPerformed.Load(),
		ConnAcquires:      m.connAcquires.Load(),
		ConnReleases:      m.connReleases.Load(),
		ConnErrors:        m.connErrors.Load(),
		LastQueryTime:     last,
		Uptime:            time.Since(m.startedAt),
	}
}
