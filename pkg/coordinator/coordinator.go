// Package coordinator implements the Raft-replicated control plane of
// spec §4.1/§4.4: every write to cluster state is committed through
// Raft before it reaches the BoltDB-backed metadata store, and every
// coordinator node keeps a full replica it can serve reads from.
package coordinator

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/cyxcloud/cyxcloud/pkg/cyxerr"
	"github.com/cyxcloud/cyxcloud/pkg/cyxevents"
	"github.com/cyxcloud/cyxcloud/pkg/cyxlog"
	"github.com/cyxcloud/cyxcloud/pkg/metrics"
	"github.com/cyxcloud/cyxcloud/pkg/storage"
	"github.com/cyxcloud/cyxcloud/pkg/types"
)

// Coordinator is one member of the CyxCloud coordinator cluster.
type Coordinator struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft         *raft.Raft
	fsm          *FSM
	store        storage.Store
	tokenManager *TokenManager
	eventBroker  *cyxevents.Broker
}

// Config configures a new Coordinator.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// New creates a Coordinator backed by a fresh BoltDB store at
// cfg.DataDir. Call Bootstrap to start the Raft layer.
func New(cfg Config) (*Coordinator, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("coordinator: creating data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("coordinator: creating store: %w", err)
	}

	eventBroker := cyxevents.NewBroker()
	eventBroker.Start()

	return &Coordinator{
		nodeID:       cfg.NodeID,
		bindAddr:     cfg.BindAddr,
		dataDir:      cfg.DataDir,
		fsm:          NewFSM(store),
		store:        store,
		tokenManager: NewTokenManager(),
		eventBroker:  eventBroker,
	}, nil
}

func (c *Coordinator) raftConfig() *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(c.nodeID)
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond
	return config
}

func (c *Coordinator) newRaft() (*raft.Raft, *raft.NetworkTransport, error) {
	addr, err := net.ResolveTCPAddr("tcp", c.bindAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("coordinator: resolving bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(c.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("coordinator: creating transport: %w", err)
	}
	snapshotStore, err := raft.NewFileSnapshotStore(c.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("coordinator: creating snapshot store: %w", err)
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(c.dataDir, "raft-log.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("coordinator: creating log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(c.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("coordinator: creating stable store: %w", err)
	}
	r, err := raft.NewRaft(c.raftConfig(), c.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, nil, fmt.Errorf("coordinator: creating raft instance: %w", err)
	}
	return r, transport, nil
}

// Bootstrap initializes a brand-new single-node cluster.
func (c *Coordinator) Bootstrap() error {
	r, transport, err := c.newRaft()
	if err != nil {
		return err
	}
	c.raft = r

	configuration := raft.Configuration{
		Servers: []raft.Server{{ID: raft.ServerID(c.nodeID), Address: transport.LocalAddr()}},
	}
	if err := c.raft.BootstrapCluster(configuration).Error(); err != nil {
		return fmt.Errorf("coordinator: bootstrapping cluster: %w", err)
	}

	cyxlog.WithComponent("coordinator").Info().Str("node_id", c.nodeID).Msg("bootstrapped single-node cluster")
	return nil
}

// AddVoter adds a peer coordinator to the Raft cluster. Must be called
// on the leader.
func (c *Coordinator) AddVoter(nodeID, address string) error {
	if c.raft == nil {
		return fmt.Errorf("coordinator: raft not initialized")
	}
	if !c.IsLeader() {
		return fmt.Errorf("coordinator: not the leader, current leader is %s", c.LeaderAddr())
	}
	return c.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second).Error()
}

// RemoveServer removes a peer from the Raft cluster.
func (c *Coordinator) RemoveServer(nodeID string) error {
	if c.raft == nil {
		return fmt.Errorf("coordinator: raft not initialized")
	}
	if !c.IsLeader() {
		return fmt.Errorf("coordinator: not the leader")
	}
	return c.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second).Error()
}

// IsLeader reports whether this coordinator currently holds Raft
// leadership.
func (c *Coordinator) IsLeader() bool {
	return c.raft != nil && c.raft.State() == raft.Leader
}

// LeaderAddr returns the current Raft leader's address.
func (c *Coordinator) LeaderAddr() string {
	if c.raft == nil {
		return ""
	}
	return string(c.raft.Leader())
}

// Stats reports basic Raft cluster health, surfaced by metrics.
func (c *Coordinator) Stats() map[string]interface{} {
	if c.raft == nil {
		return nil
	}
	stats := map[string]interface{}{
		"state":          c.raft.State().String(),
		"last_log_index": c.raft.LastIndex(),
		"applied_index":  c.raft.AppliedIndex(),
		"leader":         string(c.raft.Leader()),
	}
	if cfg := c.raft.GetConfiguration(); cfg.Error() == nil {
		stats["peers"] = uint64(len(cfg.Configuration().Servers))
	}
	return stats
}

// EventBroker returns the coordinator's internal event bus.
func (c *Coordinator) EventBroker() *cyxevents.Broker {
	return c.eventBroker
}

// Store returns the underlying read path; writecoord/readcoord/
// placement/monitor/rebalancer/epoch read cluster state directly from
// here since Raft guarantees it reflects every committed write.
func (c *Coordinator) Store() storage.Store {
	return c.store
}

// apply marshals and submits cmd through Raft, returning any
// application-level error the FSM handler returned.
func (c *Coordinator) apply(op string, data interface{}) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftApplyDuration)

	if c.raft == nil {
		return fmt.Errorf("coordinator: raft not initialized")
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("coordinator: marshaling command payload: %w", err)
	}
	cmdBytes, err := json.Marshal(Command{Op: op, Data: payload})
	if err != nil {
		return fmt.Errorf("coordinator: marshaling command: %w", err)
	}

	future := c.raft.Apply(cmdBytes, 5*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("coordinator: applying command: %w", err)
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}
	return nil
}

// --- Users ---

func (c *Coordinator) CreateUser(u *types.User) error { return c.apply(opCreateUser, u) }
func (c *Coordinator) UpdateUser(u *types.User) error { return c.apply(opUpdateUser, u) }
func (c *Coordinator) GetUser(id string) (*types.User, error) { return c.store.GetUser(id) }

// --- Buckets ---

// validateBucket enforces spec §6's create_bucket preconditions on
// visibility and erasure_config before the command ever reaches Raft.
func validateBucket(b *types.Bucket) error {
	switch b.Visibility {
	case types.BucketPrivate, types.BucketShared, types.BucketPublic, types.BucketPaid:
	default:
		return cyxerr.New(cyxerr.KindInvalidRequest, fmt.Sprintf("invalid bucket visibility %q", b.Visibility))
	}
	if b.Erasure.K <= 0 || b.Erasure.M < 0 {
		return cyxerr.New(cyxerr.KindInvalidRequest, "erasure_config requires k > 0 and m >= 0")
	}
	if b.Erasure.ChunkSize <= 0 {
		return cyxerr.New(cyxerr.KindInvalidRequest, "erasure_config requires a positive chunk_size")
	}
	return nil
}

// CreateBucket validates b's visibility and erasure_config and, unless
// the name is already taken by a live bucket, commits it through Raft.
// A bucket given no erasure_config at all is recorded with the default
// profile k=10, m=4 and a 4 MiB chunk size.
func (c *Coordinator) CreateBucket(b *types.Bucket) error {
	if b.Erasure == (types.ErasureConfig{}) {
		b.Erasure = types.ErasureConfig{K: 10, M: 4, ChunkSize: 4 << 20}
	}
	if err := validateBucket(b); err != nil {
		return err
	}
	if existing, err := c.store.GetBucketByName(b.Name); err == nil && existing != nil {
		return cyxerr.New(cyxerr.KindBucketAlreadyExists, fmt.Sprintf("bucket %q already exists", b.Name))
	}
	return c.apply(opCreateBucket, b)
}

// DeleteBucket refuses to remove a bucket that still has live files in
// it (spec §6); the caller must delete every object first.
func (c *Coordinator) DeleteBucket(id string) error {
	files, err := c.store.ListFiles(id, "")
	if err != nil {
		return fmt.Errorf("coordinator: listing files before deleting bucket %s: %w", id, err)
	}
	for _, f := range files {
		if f.Status != types.FileStatusDeleted {
			return cyxerr.New(cyxerr.KindBucketNotEmpty, fmt.Sprintf("bucket %s still contains object %q", id, f.Key))
		}
	}
	return c.apply(opDeleteBucket, id)
}
func (c *Coordinator) GetBucket(id string) (*types.Bucket, error) { return c.store.GetBucket(id) }
func (c *Coordinator) GetBucketByName(name string) (*types.Bucket, error) {
	return c.store.GetBucketByName(name)
}
func (c *Coordinator) ListBuckets() ([]*types.Bucket, error) { return c.store.ListBuckets() }

// --- Files ---

func (c *Coordinator) CreateFile(f *types.File) error     { return c.apply(opCreateFile, f) }
func (c *Coordinator) UpdateFile(f *types.File) error     { return c.apply(opUpdateFile, f) }
func (c *Coordinator) SoftDeleteFile(id string) error     { return c.apply(opSoftDeleteFile, id) }
func (c *Coordinator) GetFile(id string) (*types.File, error) { return c.store.GetFile(id) }
func (c *Coordinator) GetFileByKey(bucketID, key string) (*types.File, error) {
	return c.store.GetFileByKey(bucketID, key)
}
func (c *Coordinator) ListFiles(bucketID, prefix string) ([]*types.File, error) {
	return c.store.ListFiles(bucketID, prefix)
}

// --- Chunks ---

func (c *Coordinator) CreateChunk(ch *types.Chunk) error { return c.apply(opCreateChunk, ch) }
func (c *Coordinator) UpdateChunk(ch *types.Chunk) error { return c.apply(opUpdateChunk, ch) }
func (c *Coordinator) GetChunk(id string) (*types.Chunk, error) { return c.store.GetChunk(id) }
func (c *Coordinator) ListChunksByFile(fileID string) ([]*types.Chunk, error) {
	return c.store.ListChunksByFile(fileID)
}
func (c *Coordinator) ChunkHealthOf(ch *types.Chunk) storage.ChunkHealth {
	return c.store.ChunkHealthOf(ch)
}

// --- Shard locations ---

type shardIDPayload struct {
	ChunkID string `json:"chunk_id"`
	NodeID  string `json:"node_id"`
}

func (c *Coordinator) RecordShardStored(loc *types.ShardLocation) error {
	return c.apply(opRecordShardStored, loc)
}
func (c *Coordinator) MarkShardFailed(chunkID, nodeID string) error {
	return c.apply(opMarkShardFailed, shardIDPayload{ChunkID: chunkID, NodeID: nodeID})
}
func (c *Coordinator) DeleteShardLocation(chunkID, nodeID string) error {
	return c.apply(opDeleteShardLocation, shardIDPayload{ChunkID: chunkID, NodeID: nodeID})
}
func (c *Coordinator) TryCompleteFile(fileID string) (bool, error) {
	if err := c.apply(opTryCompleteFile, fileID); err != nil {
		return false, err
	}
	file, err := c.store.GetFile(fileID)
	if err != nil {
		return false, err
	}
	return file.Status == types.FileStatusComplete, nil
}
func (c *Coordinator) GetShardLocation(chunkID, nodeID string) (*types.ShardLocation, error) {
	return c.store.GetShardLocation(chunkID, nodeID)
}
func (c *Coordinator) ListShardLocationsByChunk(chunkID string) ([]*types.ShardLocation, error) {
	return c.store.ListShardLocationsByChunk(chunkID)
}
func (c *Coordinator) ListShardLocationsByNode(nodeID string) ([]*types.ShardLocation, error) {
	return c.store.ListShardLocationsByNode(nodeID)
}

// --- Nodes ---

func (c *Coordinator) CreateNode(n *types.Node) error { return c.apply(opCreateNode, n) }
func (c *Coordinator) UpdateNode(n *types.Node) error { return c.apply(opUpdateNode, n) }
func (c *Coordinator) DeleteNode(id string) error     { return c.apply(opDeleteNode, id) }
func (c *Coordinator) GetNode(id string) (*types.Node, error) { return c.store.GetNode(id) }
func (c *Coordinator) ListNodes() ([]*types.Node, error)      { return c.store.ListNodes() }

// --- Repair jobs ---

func (c *Coordinator) CreateRepairJob(j *types.RepairJob) error { return c.apply(opCreateRepairJob, j) }
func (c *Coordinator) UpdateRepairJob(j *types.RepairJob) error { return c.apply(opUpdateRepairJob, j) }
func (c *Coordinator) GetRepairJob(id string) (*types.RepairJob, error) {
	return c.store.GetRepairJob(id)
}
func (c *Coordinator) ListRepairJobs() ([]*types.RepairJob, error) { return c.store.ListRepairJobs() }

// --- Epochs ---

func (c *Coordinator) CreateEpoch(e *types.Epoch) error { return c.apply(opCreateEpoch, e) }
func (c *Coordinator) GetOpenEpoch() (*types.Epoch, error) { return c.store.GetOpenEpoch() }
func (c *Coordinator) FinalizeEpoch(e *types.Epoch) error {
	return c.apply(opFinalizeEpoch, finalizeEpochPayload{Number: e.Number, Epoch: *e})
}
func (c *Coordinator) UpsertNodeEpochUptime(u *types.NodeEpochUptime) error {
	return c.apply(opUpsertNodeEpochUptime, u)
}
func (c *Coordinator) GetNodeEpochUptime(nodeID string, epoch uint64) (*types.NodeEpochUptime, error) {
	return c.store.GetNodeEpochUptime(nodeID, epoch)
}
func (c *Coordinator) ListNodeEpochUptimesByEpoch(epoch uint64) ([]*types.NodeEpochUptime, error) {
	return c.store.ListNodeEpochUptimesByEpoch(epoch)
}
func (c *Coordinator) CreateSlashingEvent(e *types.SlashingEvent) error {
	return c.apply(opCreateSlashingEvent, e)
}
func (c *Coordinator) ListSlashingEventsByNode(nodeID string) ([]*types.SlashingEvent, error) {
	return c.store.ListSlashingEventsByNode(nodeID)
}

// --- Join tokens ---

// GenerateJoinToken issues a bearer token a Node Agent presents to
// RegisterNode (spec §4.3).
func (c *Coordinator) GenerateJoinToken() (*JoinToken, error) {
	return c.tokenManager.GenerateToken(24 * time.Hour)
}

// ValidateJoinToken validates a join token presented by a registering
// node.
func (c *Coordinator) ValidateJoinToken(token string) error {
	return c.tokenManager.ValidateToken(token)
}

// NodeID returns this coordinator's Raft server ID.
func (c *Coordinator) NodeID() string { return c.nodeID }

// Shutdown stops the Raft layer, event broker, and metadata store.
func (c *Coordinator) Shutdown() error {
	c.eventBroker.Stop()

	if c.raft != nil {
		if err := c.raft.Shutdown().Error(); err != nil {
			return fmt.Errorf("coordinator: shutting down raft: %w", err)
		}
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			return fmt.Errorf("coordinator: closing store: %w", err)
		}
	}
	return nil
}
