// Package types defines the entity model shared by every component of
// the CyxCloud coordination core: users, buckets, files, chunks, shard
// locations, nodes, repair jobs, and epoch accounting records.
package types

import "time"

// UserStatus represents the lifecycle state of a User.
type UserStatus string

const (
	UserStatusActive    UserStatus = "active"
	UserStatusSuspended UserStatus = "suspended"
	UserStatusDeleted   UserStatus = "deleted"
)

// User is an account owning buckets and files. Users are created by the
// external auth collaborator; the coordination core only tracks quota
// and status.
type User struct {
	ID            string     `json:"id"`
	WalletID      string     `json:"wallet_id,omitempty"`
	StorageQuota  int64      `json:"storage_quota"`
	StorageUsed   int64      `json:"storage_used"`
	Status        UserStatus `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
}

// BucketVisibility controls who may read objects in a bucket.
type BucketVisibility string

const (
	BucketPrivate BucketVisibility = "private"
	BucketShared  BucketVisibility = "shared"
	BucketPublic  BucketVisibility = "public"
	BucketPaid    BucketVisibility = "paid"
)

// ErasureConfig pins the erasure profile a bucket hands to new files
// unless the upload request overrides it.
type ErasureConfig struct {
	K         int `json:"k"`
	M         int `json:"m"`
	ChunkSize int `json:"chunk_size"`
}

// Bucket is a globally (among non-deleted buckets) uniquely named
// container owned by a single user.
type Bucket struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Owner      string           `json:"owner"`
	Visibility BucketVisibility `json:"visibility"`
	SizeCap    int64            `json:"size_cap,omitempty"`
	Erasure    ErasureConfig    `json:"erasure"`
	CreatedAt  time.Time        `json:"created_at"`
	DeletedAt  *time.Time       `json:"deleted_at,omitempty"`
}

// FileStatus is the lifecycle state of a File.
type FileStatus string

const (
	FileStatusPending   FileStatus = "pending"
	FileStatusUploading FileStatus = "uploading"
	FileStatusComplete  FileStatus = "complete"
	FileStatusFailed    FileStatus = "failed"
	FileStatusDeleted   FileStatus = "deleted"
)

// File is an object identified by (bucket, key). A file in FileStatusComplete
// has exactly ChunkCount chunks, each with K+M shards whose current
// placement count equals K+M.
type File struct {
	ID          string     `json:"id"`
	BucketID    string     `json:"bucket_id"`
	Key         string     `json:"key"`
	ContentHash [32]byte   `json:"content_hash"`
	SizeBytes   int64      `json:"size_bytes"`
	ContentType string     `json:"content_type"`
	ChunkCount  int        `json:"chunk_count"`
	K           int        `json:"k"`
	M           int        `json:"m"`
	ChunkSize   int        `json:"chunk_size"`
	Owner       string     `json:"owner"`
	Status      FileStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// ChunkStatus is the lifecycle state of a Chunk.
type ChunkStatus string

const (
	ChunkStatusPending   ChunkStatus = "pending"
	ChunkStatusStored    ChunkStatus = "stored"
	ChunkStatusVerified  ChunkStatus = "verified"
	ChunkStatusCorrupted ChunkStatus = "corrupted"
)

// Chunk is a fixed-size slice of a file's plaintext, identified by the
// 256-bit hash of its plaintext bytes (PlaintextChunkID). Per §9's
// resolution of the content-hash ambiguity, the on-disk record hash
// recorded per shard location is a separate hash over the stored
// (post-compression/encryption) bytes.
type Chunk struct {
	ID                 string      `json:"id"` // hex of PlaintextChunkID
	PlaintextChunkID    [32]byte    `json:"plaintext_chunk_id"`
	FileID              string      `json:"file_id"`
	ChunkIndex          int         `json:"chunk_index"`
	SizeBytes           int         `json:"size_bytes"`
	ReplicationFactor   int         `json:"replication_factor"` // default 1; see DESIGN.md Open Question decisions
	CurrentReplicas     int         `json:"current_replicas"`
	Status              ChunkStatus `json:"status"`
	CreatedAt           time.Time   `json:"created_at"`
}

// ShardLocationStatus is the lifecycle state of a ShardLocation.
type ShardLocationStatus string

const (
	ShardLocationPending  ShardLocationStatus = "pending"
	ShardLocationStored   ShardLocationStatus = "stored"
	ShardLocationVerified ShardLocationStatus = "verified"
	ShardLocationFailed   ShardLocationStatus = "failed"
)

// ShardLocation maps one shard of one chunk onto one node. Unique on
// (ChunkID, NodeID); multiple shards of the same chunk must live on
// distinct nodes.
type ShardLocation struct {
	ChunkID              string              `json:"chunk_id"`
	ShardIndex           int                 `json:"shard_index"`
	IsParity             bool                `json:"is_parity"`
	NodeID               string              `json:"node_id"`
	ShardContentHash     [32]byte            `json:"shard_content_hash"` // hash of stored bytes
	SizeBytes            int                 `json:"size_bytes"`
	Status               ShardLocationStatus `json:"status"`
	LastVerifiedAt        time.Time           `json:"last_verified_at"`
	VerificationFailures int                 `json:"verification_failures"`
	CreatedAt            time.Time           `json:"created_at"`
}

// NodeStatus is the lifecycle state of a Node, driven by the Node Monitor
// state machine (§4.5).
type NodeStatus string

const (
	NodeStatusOnline      NodeStatus = "online"
	NodeStatusOffline     NodeStatus = "offline"
	NodeStatusRecovering  NodeStatus = "recovering"
	NodeStatusDraining    NodeStatus = "draining"
	NodeStatusMaintenance NodeStatus = "maintenance"
)

// NodeType classifies the operator relationship of a storage node.
type NodeType string

const (
	NodeTypeMiner      NodeType = "miner"
	NodeTypeVolunteer  NodeType = "volunteer"
	NodeTypeEnterprise NodeType = "enterprise"
)

// FailureDomain groups the topology attributes Placement uses for
// diversity scoring.
type FailureDomain struct {
	Datacenter string  `json:"datacenter,omitempty"`
	Rack       string  `json:"rack,omitempty"`
	RackGroup  string  `json:"rack_group,omitempty"`
	Region     string  `json:"region,omitempty"`
	Latitude   float64 `json:"latitude,omitempty"`
	Longitude  float64 `json:"longitude,omitempty"`
}

// NodeLoad carries the most recently heartbeated resource gauges used
// by Placement's load penalty and Read Coordinator's speed heuristic.
type NodeLoad struct {
	CPUPercent   float64 `json:"cpu_percent"`
	MemPercent   float64 `json:"mem_percent"`
	DiskReadMBps float64 `json:"disk_r_mbps"`
	DiskWriteMBps float64 `json:"disk_w_mbps"`
	NetInMBps    float64 `json:"net_in_mbps"`
	NetOutMBps   float64 `json:"net_out_mbps"`
	RecentRTT    time.Duration `json:"recent_rtt"`
}

// Node is a storage node registered with the coordinator.
type Node struct {
	ID               string        `json:"id"`
	PeerID           string        `json:"peer_id"`
	GRPCAddress      string        `json:"grpc_address"`
	LibP2PAddress    string        `json:"libp2p_address,omitempty"`
	Type             NodeType      `json:"type"`
	TotalBytes       int64         `json:"total_bytes"`
	ReservedBytes    int64         `json:"reserved_bytes"`
	UsedBytes        int64         `json:"used_bytes"`
	ChunkCount       int64         `json:"chunk_count"`
	Domain           FailureDomain `json:"domain"`
	Status           NodeStatus    `json:"status"`
	Load             NodeLoad      `json:"load"`
	LastHeartbeat    time.Time     `json:"last_heartbeat"`
	FirstOfflineAt   *time.Time    `json:"first_offline_at,omitempty"`
	StatusChangedAt  time.Time     `json:"status_changed_at"`
	FailureCount     int           `json:"failure_count"`
	PayoutIdentity   string        `json:"payout_identity,omitempty"`
	PublicKey        string        `json:"public_key,omitempty"`
	ReputationScore  int           `json:"reputation_score"` // 0..10000
	CreatedAt        time.Time     `json:"created_at"`
}

// Available returns the node's currently allocatable-and-unused capacity,
// floored at 0: total - reserved - used.
func (n *Node) Available() int64 {
	avail := n.TotalBytes - n.ReservedBytes - n.UsedBytes
	if avail < 0 {
		return 0
	}
	return avail
}

// Allocatable returns total - reserved, floored at 0.
func (n *Node) Allocatable() int64 {
	alloc := n.TotalBytes - n.ReservedBytes
	if alloc < 0 {
		return 0
	}
	return alloc
}

// Readable reports whether the node may currently serve reads, per the
// per-state capability table in §4.5.
func (n *Node) Readable() bool {
	switch n.Status {
	case NodeStatusOnline, NodeStatusRecovering, NodeStatusMaintenance:
		return true
	default:
		return false
	}
}

// Writable reports whether the node may currently receive new writes.
func (n *Node) Writable() bool {
	return n.Status == NodeStatusOnline
}

// RepairJobStatus is the lifecycle state of a RepairJob.
type RepairJobStatus string

const (
	RepairJobPending    RepairJobStatus = "pending"
	RepairJobInProgress RepairJobStatus = "in_progress"
	RepairJobCompleted  RepairJobStatus = "completed"
	RepairJobFailed     RepairJobStatus = "failed"
)

// RepairJob is an idempotent unit of work to (re)place one shard on a
// target node. Keyed on (ChunkID, ShardIndex, TargetNodeID).
type RepairJob struct {
	ID           string          `json:"id"`
	ChunkID      string          `json:"chunk_id"`
	ShardIndex   int             `json:"shard_index"`
	SourceNodeID string          `json:"source_node_id,omitempty"` // empty -> reconstruct
	TargetNodeID string          `json:"target_node_id"`
	Status       RepairJobStatus `json:"status"`
	Priority     int             `json:"priority"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	RetryCount   int             `json:"retry_count"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Repair job priority constants (§4.9).
const (
	RepairPriorityDrain           = 100
	RepairPriorityIntegrityFailed = 50
	RepairPriorityUnderReplicated = 10
	RepairPriorityOrphanCleanup   = 1
)

// Epoch is a fixed-duration settlement window over which per-node uptime
// is aggregated for payouts.
type Epoch struct {
	Number         uint64     `json:"number"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	Finalized      bool       `json:"finalized"`
	PoolTotal      string     `json:"pool_total"` // decimal string
	NodesShare     string     `json:"nodes_share"`
	PlatformShare  string     `json:"platform_share"`
	CommunityShare string     `json:"community_share"`
	NodesPaid      int        `json:"nodes_paid"`
	PlatformClaimed  bool     `json:"platform_claimed"`
	CommunityClaimed bool     `json:"community_claimed"`
	FinalizeTxRef  string     `json:"finalize_tx_ref,omitempty"`
}

// NodeEpochUptime tracks one node's uptime and payout within one epoch.
// Unique on (NodeID, Epoch).
type NodeEpochUptime struct {
	NodeID            string    `json:"node_id"`
	Epoch             uint64    `json:"epoch"`
	SecondsOnline     int64     `json:"seconds_online"`
	SecondsOffline    int64     `json:"seconds_offline"`
	LastStatusChange  time.Time `json:"last_status_change"`
	// StorageBytesSnapshot and ReputationSnapshot are captured on each
	// tick from the live Node row so the epoch-close payout weight
	// (§4.10) can still be computed for a node that was drained or
	// removed before its epoch finalized.
	StorageBytesSnapshot int64  `json:"storage_bytes_snapshot"`
	ReputationSnapshot   int    `json:"reputation_snapshot"`
	PaymentAllocated  bool      `json:"payment_allocated"`
	PaymentAmount     string    `json:"payment_amount"` // decimal string
	PaymentTxRef      string    `json:"payment_tx_ref,omitempty"`
}

// SlashingReason classifies why a SlashingEvent was recorded.
type SlashingReason string

const (
	SlashReasonDataLoss         SlashingReason = "data_loss"
	SlashReasonExtendedDowntime SlashingReason = "extended_downtime"
	SlashReasonCorruptedData    SlashingReason = "corrupted_data"
	SlashReasonFailedProofs     SlashingReason = "failed_proofs"
)

// Slash percentages by reason, per §4.10.
var SlashPercent = map[SlashingReason]int{
	SlashReasonExtendedDowntime: 5,
	SlashReasonFailedProofs:     15,
	SlashReasonDataLoss:         10,
	SlashReasonCorruptedData:    50,
}

// SlashingEvent records a penalty applied to a node within an epoch.
type SlashingEvent struct {
	ID        string         `json:"id"`
	NodeID    string         `json:"node_id"`
	Epoch     uint64         `json:"epoch"`
	Reason    SlashingReason `json:"reason"`
	Percent   int            `json:"percent"`
	Amount    string         `json:"amount,omitempty"`
	TxRef     string         `json:"tx_ref,omitempty"`
	Details   string         `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
