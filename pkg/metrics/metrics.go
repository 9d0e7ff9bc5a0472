// Package metrics holds the Prometheus collectors shared by gitvan components.
//
// Collectors are created per core handle and registered on a caller-supplied
// prometheus.Registerer, never on the global default registry, so several
// cores can live in one process. A nil *Metrics is valid and records nothing.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gitvan"

// Metrics is the set of collectors for one core handle.
type Metrics struct {
	lockOps          *prometheus.CounterVec
	receiptEntries   *prometheus.CounterVec
	receiptFlushes   *prometheus.CounterVec
	snapshotLookups  *prometheus.CounterVec
	snapshotCacheLen prometheus.Gauge
	snapshotCacheSz  prometheus.Gauge
	jobsTotal        *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	queueDepth       *prometheus.GaugeVec
	runaway          *prometheus.GaugeVec
}

// New creates the collectors and registers them on reg. A nil reg leaves them
// unregistered (useful in tests that read values directly).
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		lockOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_operations_total",
			Help:      "Lock operations by operation and outcome",
		}, []string{"op", "outcome"}),
		receiptEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receipt_entries_total",
			Help:      "Receipt entries buffered by namespace",
		}, []string{"namespace"}),
		receiptFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receipt_flushes_total",
			Help:      "Receipt note-append operations by namespace and outcome",
		}, []string{"namespace", "outcome"}),
		snapshotLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_lookups_total",
			Help:      "Snapshot lookups by result (hit, miss, absent)",
		}, []string{"result"}),
		snapshotCacheLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_cache_entries",
			Help:      "Entries held in the in-memory snapshot LRU",
		}),
		snapshotCacheSz: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_cache_bytes",
			Help:      "Payload bytes held in the in-memory snapshot LRU",
		}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Jobs reaching a terminal status by priority and status",
		}, []string{"priority", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Executor run time by priority",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"priority"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs per priority tier by state (pending, running)",
		}, []string{"priority", "state"}),
		runaway: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runaway_executors",
			Help:      "Executors still running after their cancel grace, by priority",
		}, []string{"priority"}),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.lockOps, m.receiptEntries, m.receiptFlushes,
		m.snapshotLookups, m.snapshotCacheLen, m.snapshotCacheSz,
		m.jobsTotal, m.jobDuration, m.queueDepth, m.runaway,
	}
}

// LockOp counts a lock operation. outcome is e.g. "acquired", "contended", "error".
func (m *Metrics) LockOp(op, outcome string) {
	if m == nil {
		return
	}
	m.lockOps.WithLabelValues(op, outcome).Inc()
}

// ReceiptBuffered counts one entry buffered for namespace.
func (m *Metrics) ReceiptBuffered(ns string) {
	if m == nil {
		return
	}
	m.receiptEntries.WithLabelValues(ns).Inc()
}

// ReceiptFlush counts one note-append for namespace.
func (m *Metrics) ReceiptFlush(ns string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.receiptFlushes.WithLabelValues(ns, outcome).Inc()
}

// SnapshotLookup counts a snapshot lookup by result.
func (m *Metrics) SnapshotLookup(result string) {
	if m == nil {
		return
	}
	m.snapshotLookups.WithLabelValues(result).Inc()
}

// SnapshotCache records the current LRU occupancy.
func (m *Metrics) SnapshotCache(entries int, bytes int64) {
	if m == nil {
		return
	}
	m.snapshotCacheLen.Set(float64(entries))
	m.snapshotCacheSz.Set(float64(bytes))
}

// JobFinished counts a terminal job and observes its run time.
func (m *Metrics) JobFinished(priority, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(priority, status).Inc()
	m.jobDuration.WithLabelValues(priority).Observe(d.Seconds())
}

// QueueDepth records pending and running counts for a tier.
func (m *Metrics) QueueDepth(priority string, pending, running int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(priority, "pending").Set(float64(pending))
	m.queueDepth.WithLabelValues(priority, "running").Set(float64(running))
}

// RunawayExecutors records how many abandoned executors of a tier are still running.
func (m *Metrics) RunawayExecutors(priority string, n int) {
	if m == nil {
		return
	}
	m.runaway.WithLabelValues(priority).Set(float64(n))
}
