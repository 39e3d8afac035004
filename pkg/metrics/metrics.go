package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cyxcloud_nodes_total",
			Help: "Total number of storage nodes by type and status",
		},
		[]string{"type", "status"},
	)

	BucketsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cyxcloud_buckets_total",
			Help: "Total number of buckets",
		},
	)

	FilesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cyxcloud_files_total",
			Help: "Total number of files by status",
		},
		[]string{"status"},
	)

	ChunksUnderReplicated = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cyxcloud_chunks_under_replicated",
			Help: "Number of chunks currently below their target replica count",
		},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cyxcloud_raft_is_leader",
			Help: "Whether this coordinator node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cyxcloud_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cyxcloud_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cyxcloud_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cyxcloud_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// RPC metrics
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cyxcloud_rpc_requests_total",
			Help: "Total number of node agent RPC calls by method and status",
		},
		[]string{"method", "status"},
	)

	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cyxcloud_rpc_request_duration_seconds",
			Help:    "Node agent RPC duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Write/read coordinator metrics
	WriteLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cyxcloud_write_latency_seconds",
			Help:    "End-to-end time to accept and shard an uploaded file",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	ReadLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cyxcloud_read_latency_seconds",
			Help:    "End-to-end time to resolve and reassemble a read",
			Buckets: prometheus.DefBuckets,
		},
	)

	ShardWriteFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cyxcloud_shard_write_failures_total",
			Help: "Total number of shard store RPCs that failed during a write",
		},
	)

	// Placement metrics
	PlacementLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cyxcloud_placement_latency_seconds",
			Help:    "Time taken to select a placement for one chunk's shards",
			Buckets: prometheus.DefBuckets,
		},
	)

	PlacementConstraintRelaxationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cyxcloud_placement_constraint_relaxations_total",
			Help: "Total number of times placement had to relax a diversity constraint",
		},
	)

	// Node monitor metrics
	NodeStateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cyxcloud_node_state_transitions_total",
			Help: "Total number of node status transitions by from/to state",
		},
		[]string{"from", "to"},
	)

	// Repair engine metrics
	RepairJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cyxcloud_repair_jobs_total",
			Help: "Total number of repair jobs completed by outcome",
		},
		[]string{"outcome"},
	)

	RepairJobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cyxcloud_repair_job_duration_seconds",
			Help:    "Time taken to complete a single repair job",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900},
		},
	)

	RepairBytesTransferred = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cyxcloud_repair_bytes_transferred_total",
			Help: "Total bytes moved by the repair engine",
		},
	)

	RepairQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cyxcloud_repair_queue_depth",
			Help: "Number of pending repair jobs",
		},
	)

	// Epoch accountant metrics
	EpochFinalizeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cyxcloud_epoch_finalize_duration_seconds",
			Help:    "Time taken to finalize one epoch's payouts",
			Buckets: prometheus.DefBuckets,
		},
	)

	SlashingEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cyxcloud_slashing_events_total",
			Help: "Total number of slashing events applied by reason",
		},
		[]string{"reason"},
	)

	// Chunk store metrics
	ChunkStorePutDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cyxcloud_chunkstore_put_duration_seconds",
			Help:    "Time taken for the local chunk store to persist a shard",
			Buckets: prometheus.DefBuckets,
		},
	)

	ChunkStoreGetDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cyxcloud_chunkstore_get_duration_seconds",
			Help:    "Time taken for the local chunk store to read a shard",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReadInsufficientShardsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cyxcloud_read_insufficient_shards_total",
			Help: "Total number of chunk reads that failed because fewer than k shards were readable",
		},
	)
)

func init() {
	prometheus.MustRegister(
		NodesTotal,
		BucketsTotal,
		FilesTotal,
		ChunksUnderReplicated,
		RaftLeader,
		RaftPeers,
		RaftLogIndex,
		RaftAppliedIndex,
		RaftApplyDuration,
		RPCRequestsTotal,
		RPCRequestDuration,
		WriteLatency,
		ReadLatency,
		ShardWriteFailuresTotal,
		PlacementLatency,
		PlacementConstraintRelaxationsTotal,
		NodeStateTransitionsTotal,
		RepairJobsTotal,
		RepairJobDuration,
		RepairBytesTransferred,
		RepairQueueDepth,
		ReadInsufficientShardsTotal,
		EpochFinalizeDuration,
		SlashingEventsTotal,
		ChunkStorePutDuration,
		ChunkStoreGetDuration,
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
