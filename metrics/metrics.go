// Package metrics collects the handful of numbers an operator needs to
// watch this module from outside: WAL append latency and rotations,
// MemTable flush activity, compaction throughput, replication term/commit
// index, and conversion outcomes. It exposes plain prometheus.Collectors
// through a Registry a host process registers into its own HTTP handler;
// scraping/exposition itself is out of scope (SPEC_FULL.md §A).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry holds every metric this module emits, namespaced "ledger".
type Registry struct {
	WALAppendLatency    prometheus.Histogram
	WALSegmentRotations prometheus.Counter
	WALAppendErrors     prometheus.Counter

	MemtableFlushesTotal *prometheus.CounterVec // labeled by table ("oltp"/"olap")
	MemtableFlushBytes   *prometheus.CounterVec

	CompactionRunsTotal   prometheus.Counter
	CompactionBytesMerged prometheus.Counter
	CompactionErrors      prometheus.Counter

	ReplicationTerm        prometheus.Gauge
	ReplicationCommitIndex prometheus.Gauge
	ReplicationRole        *prometheus.GaugeVec // one gauge per role, 1 for the active one

	ConversionSuccessTotal prometheus.Counter
	ConversionFailedTotal  prometheus.Counter
	ConversionZombieTotal  prometheus.Counter
}

// NewRegistry constructs a Registry with every metric registered against
// reg. Pass prometheus.NewRegistry() for an isolated registry, or
// prometheus.DefaultRegisterer to join the process-wide default.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		WALAppendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ledger",
			Subsystem: "wal",
			Name:      "append_latency_seconds",
			Help:      "Latency of a single WAL Append call.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
		}),
		WALSegmentRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledger", Subsystem: "wal", Name: "segment_rotations_total",
			Help: "Number of WAL segment rotations.",
		}),
		WALAppendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledger", Subsystem: "wal", Name: "append_errors_total",
			Help: "Number of failed WAL Append calls.",
		}),
		MemtableFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger", Subsystem: "memtable", Name: "flushes_total",
			Help: "Number of MemTable seal-and-flush operations.",
		}, []string{"table"}),
		MemtableFlushBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger", Subsystem: "memtable", Name: "flush_bytes_total",
			Help: "Approximate bytes flushed from MemTables to SSTables.",
		}, []string{"table"}),
		CompactionRunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledger", Subsystem: "compaction", Name: "runs_total",
			Help: "Number of compaction runs executed.",
		}),
		CompactionBytesMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledger", Subsystem: "compaction", Name: "bytes_merged_total",
			Help: "Total bytes read across compaction inputs.",
		}),
		CompactionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledger", Subsystem: "compaction", Name: "errors_total",
			Help: "Number of failed compaction runs.",
		}),
		ReplicationTerm: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ledger", Subsystem: "replication", Name: "term",
			Help: "Current raft term observed by this node.",
		}),
		ReplicationCommitIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ledger", Subsystem: "replication", Name: "commit_index",
			Help: "Last committed raft log index applied locally.",
		}),
		ReplicationRole: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ledger", Subsystem: "replication", Name: "role",
			Help: "1 for the node's current role, 0 otherwise.",
		}, []string{"role"}),
		ConversionSuccessTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledger", Subsystem: "conversion", Name: "success_total",
			Help: "Number of OLTP->OLAP conversions that succeeded.",
		}),
		ConversionFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledger", Subsystem: "conversion", Name: "failed_total",
			Help: "Number of OLTP->OLAP conversions that failed.",
		}),
		ConversionZombieTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledger", Subsystem: "conversion", Name: "zombie_recovered_total",
			Help: "Number of conversion tasks recovered from a crash mid-run.",
		}),
	}

	reg.MustRegister(
		r.WALAppendLatency, r.WALSegmentRotations, r.WALAppendErrors,
		r.MemtableFlushesTotal, r.MemtableFlushBytes,
		r.CompactionRunsTotal, r.CompactionBytesMerged, r.CompactionErrors,
		r.ReplicationTerm, r.ReplicationCommitIndex, r.ReplicationRole,
		r.ConversionSuccessTotal, r.ConversionFailedTotal, r.ConversionZombieTotal,
	)
	return r
}

// SetRole zeroes every role gauge except the active one.
func (r *Registry) SetRole(active string) {
	for _, role := range []string{"leader", "follower", "candidate"} {
		v := 0.0
		if role == active {
			v = 1.0
		}
		r.ReplicationRole.WithLabelValues(role).Set(v)
	}
}
