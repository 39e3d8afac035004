// Package storage implements the Metadata Store (spec §4.4): the
// durable, transactional authority for every entity in spec §3.
package storage

import "github.com/cyxcloud/cyxcloud/pkg/types"

// ChunkHealth is the derived view described in spec §4.4.
type ChunkHealth string

const (
	ChunkHealthy          ChunkHealth = "healthy"
	ChunkUnderReplicated  ChunkHealth = "under_replicated"
	ChunkMissing          ChunkHealth = "missing"
)

// Store is the full transactional interface over every entity in §3.
// All writes that establish a cross-entity invariant are atomic; the
// store never silently drops an invariant (§4.4).
type Store interface {
	// Users
	CreateUser(u *types.User) error
	GetUser(id string) (*types.User, error)
	UpdateUser(u *types.User) error

	// Buckets
	CreateBucket(b *types.Bucket) error
	GetBucket(id string) (*types.Bucket, error)
	GetBucketByName(name string) (*types.Bucket, error)
	ListBuckets() ([]*types.Bucket, error)
	DeleteBucket(id string) error

	// Files
	CreateFile(f *types.File) error
	GetFile(id string) (*types.File, error)
	GetFileByKey(bucketID, key string) (*types.File, error)
	ListFiles(bucketID, prefix string) ([]*types.File, error)
	UpdateFile(f *types.File) error
	SoftDeleteFile(id string) error

	// Chunks
	CreateChunk(c *types.Chunk) error
	GetChunk(id string) (*types.Chunk, error)
	ListChunksByFile(fileID string) ([]*types.Chunk, error)
	UpdateChunk(c *types.Chunk) error
	ChunkHealthOf(c *types.Chunk) ChunkHealth

	// Shard locations
	GetShardLocation(chunkID, nodeID string) (*types.ShardLocation, error)
	ListShardLocationsByChunk(chunkID string) ([]*types.ShardLocation, error)
	ListShardLocationsByNode(nodeID string) ([]*types.ShardLocation, error)

	// RecordShardStored atomically upserts the (chunk_id, node_id) shard
	// location row, bumps the chunk's current_replicas if this is a new
	// pairing, and bumps the node's used bytes (spec §4.4, §4.7 step 5).
	RecordShardStored(loc *types.ShardLocation) error

	// MarkShardFailed marks a shard location failed and increments its
	// node's verification-failure counter (spec §4.2, §7).
	MarkShardFailed(chunkID, nodeID string) error

	// DeleteShardLocation removes a shard location and decrements the
	// owning chunk's current_replicas and the node's used bytes.
	DeleteShardLocation(chunkID, nodeID string) error

	// TryCompleteFile flips a file to FileStatusComplete iff it has
	// exactly chunk_count*(k+m) shard locations in {stored, verified}
	// (spec §4.4). Returns whether the flip occurred.
	TryCompleteFile(fileID string) (bool, error)

	// Nodes
	CreateNode(n *types.Node) error
	GetNode(id string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	UpdateNode(n *types.Node) error
	DeleteNode(id string) error

	// Repair jobs
	CreateRepairJob(j *types.RepairJob) (created bool, err error)
	GetRepairJob(id string) (*types.RepairJob, error)
	ListRepairJobs() ([]*types.RepairJob, error)
	UpdateRepairJob(j *types.RepairJob) error

	// Epochs
	GetOpenEpoch() (*types.Epoch, error)
	CreateEpoch(e *types.Epoch) error
	FinalizeEpoch(number uint64, mutate func(*types.Epoch) error) error

	// Node-epoch uptime
	GetNodeEpochUptime(nodeID string, epoch uint64) (*types.NodeEpochUptime, error)
	UpsertNodeEpochUptime(u *types.NodeEpochUptime) error
	ListNodeEpochUptimesByEpoch(epoch uint64) ([]*types.NodeEpochUptime, error)

	// Slashing events
	CreateSlashingEvent(e *types.SlashingEvent) error
	ListSlashingEventsByNode(nodeID string) ([]*types.SlashingEvent, error)

	Close() error
}
