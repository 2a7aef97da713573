package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Oplog metrics (C1)
	OplogAppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wexec_oplog_append_duration_seconds",
			Help:    "Time taken to durably append an oplog entry",
			Buckets: prometheus.DefBuckets,
		},
	)

	OplogEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wexec_oplog_entries_total",
			Help: "Total number of oplog entries appended, by kind",
		},
		[]string{"kind"},
	)

	OplogArchiveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wexec_oplog_archive_duration_seconds",
			Help:    "Time taken for an archive-tier migration pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Durability metrics (C3)
	HostCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wexec_host_call_duration_seconds",
			Help:    "Time taken to service a host call, by mode (live/replay)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	// Active workers cache metrics (C5)
	CachedWorkersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wexec_cached_workers_total",
			Help: "Number of Worker Instances currently resident in the active workers cache",
		},
	)

	MemoryPermitsHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wexec_memory_permits_held_bytes",
			Help: "Sum of memory permits currently held by live Worker Instances",
		},
	)

	MemoryReclamationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wexec_memory_reclamations_total",
			Help: "Total number of idle-worker reclamation passes triggered by permit starvation",
		},
	)

	MemoryAcquireDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wexec_memory_acquire_duration_seconds",
			Help:    "Time spent acquiring a memory permit, including reclamation retries",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Sharding metrics (C6)
	ShardsAssigned = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wexec_shards_assigned_total",
			Help: "Number of shards currently assigned to this node",
		},
	)

	ShardAssignmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wexec_shard_assignments_total",
			Help: "Total number of assign/revoke operations processed, by op and result",
		},
		[]string{"op", "result"},
	)

	// RPC metrics
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wexec_rpc_requests_total",
			Help: "Total number of RPC requests by method and status",
		},
		[]string{"method", "status"},
	)

	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wexec_rpc_request_duration_seconds",
			Help:    "RPC request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Structural operation metrics (C7)
	StructuralOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wexec_structural_ops_total",
			Help: "Total number of structural operations performed, by op and result",
		},
		[]string{"op", "result"},
	)

	StructuralOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wexec_structural_op_duration_seconds",
			Help:    "Structural operation duration in seconds, by op",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Executor housekeeping metrics
	IdleSweepEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wexec_idle_sweep_evictions_total",
			Help: "Total number of workers proactively evicted by the idle-worker housekeeping sweep",
		},
	)
)

func init() {
	prometheus.MustRegister(
		OplogAppendDuration,
		OplogEntriesTotal,
		OplogArchiveDuration,
		HostCallDuration,
		CachedWorkersTotal,
		MemoryPermitsHeld,
		MemoryReclamationsTotal,
		MemoryAcquireDuration,
		ShardsAssigned,
		ShardAssignmentsTotal,
		RPCRequestsTotal,
		RPCRequestDuration,
		StructuralOpDuration,
		StructuralOpsTotal,
		IdleSweepEvictionsTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
