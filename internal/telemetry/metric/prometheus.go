package metric

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric Synap exposes, each registered against its
// own *prometheus.Registry so multiple Engine instances in the same process
// (as in tests) never collide on a shared default registry.
type Registry struct {
	registry *prometheus.Registry

	// KV (C1-C2).
	KVOperationsTotal *prometheus.CounterVec // labels: op
	KVExpiredTotal    prometheus.Counter
	KVErrorsTotal     *prometheus.CounterVec // labels: kind

	// Queue (C3).
	QueuePublishedTotal    *prometheus.CounterVec // labels: queue
	QueueAckedTotal        *prometheus.CounterVec // labels: queue
	QueueNackedTotal       *prometheus.CounterVec // labels: queue, requeued
	QueueDeadLetteredTotal *prometheus.CounterVec // labels: queue
	QueueLeaseExpiredTotal *prometheus.CounterVec // labels: queue

	// Event log and consumer groups (C4-C5).
	StreamAppendedTotal  *prometheus.CounterVec // labels: topic
	StreamRetentionDrops *prometheus.CounterVec // labels: topic
	ConsumerRebalances   *prometheus.CounterVec // labels: topic, group, strategy

	// Topic router (C6).
	PubsubPublishedTotal *prometheus.CounterVec // labels: outcome (delivered|unmatched)
	PubsubOverflowsTotal prometheus.Counter

	// WAL (C7).
	WALWriteBytesTotal  prometheus.Counter
	WALFsyncDuration    prometheus.Histogram
	WALBatchSize        prometheus.Histogram
	WALCorruptionsTotal prometheus.Counter

	// Snapshot (C8-C9).
	SnapshotWriteDuration prometheus.Histogram
	SnapshotSizeBytes     prometheus.Gauge
	RecoveryReplayedTotal prometheus.Counter

	// Replication (C10-C12).
	ReplicationLagMs        *prometheus.GaugeVec   // labels: replica_id
	ReplicationOpsSentTotal *prometheus.CounterVec // labels: replica_id
	ReplicationFullSyncs    *prometheus.CounterVec // labels: replica_id
	ReplicationSessions     prometheus.Gauge
}

// NewRegistry builds a Registry with every metric registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		registry: reg,

		KVOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synap_kv_operations_total",
			Help: "KV operations by type.",
		}, []string{"op"}),
		KVExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synap_kv_expired_total",
			Help: "Keys removed by the TTL sweeper or lazy expiry on read.",
		}),
		KVErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synap_kv_errors_total",
			Help: "KV operation failures by error kind.",
		}, []string{"kind"}),

		QueuePublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synap_queue_published_total",
			Help: "Messages published per queue.",
		}, []string{"queue"}),
		QueueAckedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synap_queue_acked_total",
			Help: "Messages acknowledged per queue.",
		}, []string{"queue"}),
		QueueNackedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synap_queue_nacked_total",
			Help: "Messages nacked per queue, labeled by whether they were requeued.",
		}, []string{"queue", "requeued"}),
		QueueDeadLetteredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synap_queue_dead_lettered_total",
			Help: "Messages moved to the dead-letter list per queue.",
		}, []string{"queue"}),
		QueueLeaseExpiredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synap_queue_lease_expired_total",
			Help: "Implicit nacks from the periodic lease checker, per queue.",
		}, []string{"queue"}),

		StreamAppendedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synap_stream_appended_total",
			Help: "Records appended per topic.",
		}, []string{"topic"}),
		StreamRetentionDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synap_stream_retention_drops_total",
			Help: "Records dropped by retention enforcement, per topic.",
		}, []string{"topic"}),
		ConsumerRebalances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synap_consumer_rebalances_total",
			Help: "Consumer group rebalances, per topic/group/strategy.",
		}, []string{"topic", "group", "strategy"}),

		PubsubPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synap_pubsub_published_total",
			Help: "Topic router publishes, labeled by whether any subscriber matched.",
		}, []string{"outcome"}),
		PubsubOverflowsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synap_pubsub_overflows_total",
			Help: "Drop-oldest overflow events across all subscriber outboxes.",
		}),

		WALWriteBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synap_wal_write_bytes_total",
			Help: "Bytes written to the WAL.",
		}),
		WALFsyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "synap_wal_fsync_duration_seconds",
			Help:    "Latency of WAL fsync calls.",
			Buckets: prometheus.DefBuckets,
		}),
		WALBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "synap_wal_batch_size",
			Help:    "Number of entries committed per WAL batch.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		}),
		WALCorruptionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synap_wal_corruptions_total",
			Help: "CRC failures encountered during WAL replay (truncation points).",
		}),

		SnapshotWriteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "synap_snapshot_write_duration_seconds",
			Help:    "Latency of full snapshot writes.",
			Buckets: prometheus.DefBuckets,
		}),
		SnapshotSizeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "synap_snapshot_size_bytes",
			Help: "Size of the most recently sealed snapshot.",
		}),
		RecoveryReplayedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synap_recovery_replayed_total",
			Help: "WAL records replayed during the last startup recovery.",
		}),

		ReplicationLagMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "synap_replication_lag_ms",
			Help: "Heartbeat-derived replication lag per replica (spec.md §4.7).",
		}, []string{"replica_id"}),
		ReplicationOpsSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synap_replication_ops_sent_total",
			Help: "Replication log entries forwarded per replica.",
		}, []string{"replica_id"}),
		ReplicationFullSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synap_replication_full_syncs_total",
			Help: "Full (snapshot) syncs served per replica.",
		}, []string{"replica_id"}),
		ReplicationSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "synap_replication_sessions",
			Help: "Currently connected replica sessions.",
		}),
	}

	reg.MustRegister(
		r.KVOperationsTotal, r.KVExpiredTotal, r.KVErrorsTotal,
		r.QueuePublishedTotal, r.QueueAckedTotal, r.QueueNackedTotal,
		r.QueueDeadLetteredTotal, r.QueueLeaseExpiredTotal,
		r.StreamAppendedTotal, r.StreamRetentionDrops, r.ConsumerRebalances,
		r.PubsubPublishedTotal, r.PubsubOverflowsTotal,
		r.WALWriteBytesTotal, r.WALFsyncDuration, r.WALBatchSize, r.WALCorruptionsTotal,
		r.SnapshotWriteDuration, r.SnapshotSizeBytes, r.RecoveryReplayedTotal,
		r.ReplicationLagMs, r.ReplicationOpsSentTotal, r.ReplicationFullSyncs, r.ReplicationSessions,
	)
	return r
}

// MustRegisterCollector adds a custom prometheus.Collector (e.g. this
// package's Collector) to the registry.
func (r *Registry) MustRegisterCollector(c prometheus.Collector) {
	r.registry.MustRegister(c)
}

// Handler returns the HTTP handler serving this registry's metrics in
// Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

var (
	globalOnce sync.Once
	global     *Registry
)

// Global returns the process-wide default Registry, creating it on first
// use.
func Global() *Registry {
	globalOnce.Do(func() {
		global = NewRegistry()
	})
	return global
}

// Handler returns the HTTP handler for the global Registry.
func Handler() http.Handler {
	return Global().Handler()
}
