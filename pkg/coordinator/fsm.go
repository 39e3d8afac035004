package coordinator

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/cyxcloud/cyxcloud/pkg/storage"
	"github.com/cyxcloud/cyxcloud/pkg/types"
)

// FSM implements the Raft Finite State Machine for CyxCloud's
// coordinator cluster state: every entity mutation reaches the
// metadata store only after being committed through Raft (spec §4.1,
// §4.4).
type FSM struct {
	mu    sync.RWMutex
	store storage.Store
}

// NewFSM creates a new FSM over store.
func NewFSM(store storage.Store) *FSM {
	return &FSM{store: store}
}

// Command is a single state-change operation in the Raft log.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// Command ops.
const (
	opCreateUser    = "create_user"
	opUpdateUser    = "update_user"
	opCreateBucket  = "create_bucket"
	opDeleteBucket  = "delete_bucket"
	opCreateFile    = "create_file"
	opUpdateFile    = "update_file"
	opSoftDeleteFile = "soft_delete_file"
	opCreateChunk   = "create_chunk"
	opUpdateChunk   = "update_chunk"
	opRecordShardStored  = "record_shard_stored"
	opMarkShardFailed    = "mark_shard_failed"
	opDeleteShardLocation = "delete_shard_location"
	opTryCompleteFile     = "try_complete_file"
	opCreateNode    = "create_node"
	opUpdateNode    = "update_node"
	opDeleteNode    = "delete_node"
	opCreateRepairJob = "create_repair_job"
	opUpdateRepairJob = "update_repair_job"
	opCreateEpoch     = "create_epoch"
	opFinalizeEpoch   = "finalize_epoch"
	opUpsertNodeEpochUptime = "upsert_node_epoch_uptime"
	opCreateSlashingEvent   = "create_slashing_event"
)

// finalizeEpochPayload carries a precomputed epoch (the FSM must be
// deterministic, so the accountant's payout math runs before Apply and
// the result is what gets replicated).
type finalizeEpochPayload struct {
	Number uint64      `json:"number"`
	Epoch  types.Epoch `json:"epoch"`
}

// Apply applies one committed Raft log entry to the FSM.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("coordinator: unmarshaling command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opCreateUser:
		var u types.User
		if err := json.Unmarshal(cmd.Data, &u); err != nil {
			return err
		}
		return f.store.CreateUser(&u)

	case opUpdateUser:
		var u types.User
		if err := json.Unmarshal(cmd.Data, &u); err != nil {
			return err
		}
		return f.store.UpdateUser(&u)

	case opCreateBucket:
		var b types.Bucket
		if err := json.Unmarshal(cmd.Data, &b); err != nil {
			return err
		}
		return f.store.CreateBucket(&b)

	case opDeleteBucket:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteBucket(id)

	case opCreateFile:
		var file types.File
		if err := json.Unmarshal(cmd.Data, &file); err != nil {
			return err
		}
		return f.store.CreateFile(&file)

	case opUpdateFile:
		var file types.File
		if err := json.Unmarshal(cmd.Data, &file); err != nil {
			return err
		}
		return f.store.UpdateFile(&file)

	case opSoftDeleteFile:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.SoftDeleteFile(id)

	case opCreateChunk:
		var c types.Chunk
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		return f.store.CreateChunk(&c)

	case opUpdateChunk:
		var c types.Chunk
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		return f.store.UpdateChunk(&c)

	case opRecordShardStored:
		var loc types.ShardLocation
		if err := json.Unmarshal(cmd.Data, &loc); err != nil {
			return err
		}
		return f.store.RecordShardStored(&loc)

	case opMarkShardFailed:
		var payload shardIDPayload
		if err := json.Unmarshal(cmd.Data, &payload); err != nil {
			return err
		}
		return f.store.MarkShardFailed(payload.ChunkID, payload.NodeID)

	case opDeleteShardLocation:
		var payload shardIDPayload
		if err := json.Unmarshal(cmd.Data, &payload); err != nil {
			return err
		}
		return f.store.DeleteShardLocation(payload.ChunkID, payload.NodeID)

	case opTryCompleteFile:
		var fileID string
		if err := json.Unmarshal(cmd.Data, &fileID); err != nil {
			return err
		}
		_, err := f.store.TryCompleteFile(fileID)
		return err

	case opCreateNode:
		var n types.Node
		if err := json.Unmarshal(cmd.Data, &n); err != nil {
			return err
		}
		return f.store.CreateNode(&n)

	case opUpdateNode:
		var n types.Node
		if err := json.Unmarshal(cmd.Data, &n); err != nil {
			return err
		}
		return f.store.UpdateNode(&n)

	case opDeleteNode:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteNode(id)

	case opCreateRepairJob:
		var j types.RepairJob
		if err := json.Unmarshal(cmd.Data, &j); err != nil {
			return err
		}
		_, err := f.store.CreateRepairJob(&j)
		return err

	case opUpdateRepairJob:
		var j types.RepairJob
		if err := json.Unmarshal(cmd.Data, &j); err != nil {
			return err
		}
		return f.store.UpdateRepairJob(&j)

	case opCreateEpoch:
		var e types.Epoch
		if err := json.Unmarshal(cmd.Data, &e); err != nil {
			return err
		}
		return f.store.CreateEpoch(&e)

	case opFinalizeEpoch:
		var payload finalizeEpochPayload
		if err := json.Unmarshal(cmd.Data, &payload); err != nil {
			return err
		}
		return f.store.FinalizeEpoch(payload.Number, func(e *types.Epoch) error {
			*e = payload.Epoch
			return nil
		})

	case opUpsertNodeEpochUptime:
		var u types.NodeEpochUptime
		if err := json.Unmarshal(cmd.Data, &u); err != nil {
			return err
		}
		return f.store.UpsertNodeEpochUptime(&u)

	case opCreateSlashingEvent:
		var e types.SlashingEvent
		if err := json.Unmarshal(cmd.Data, &e); err != nil {
			return err
		}
		return f.store.CreateSlashingEvent(&e)

	default:
		return fmt.Errorf("coordinator: unknown command %q", cmd.Op)
	}
}

// Snapshot captures a point-in-time view of every entity for Raft log
// compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	nodes, err := f.store.ListNodes()
	if err != nil {
		return nil, fmt.Errorf("coordinator: listing nodes: %w", err)
	}
	buckets, err := f.store.ListBuckets()
	if err != nil {
		return nil, fmt.Errorf("coordinator: listing buckets: %w", err)
	}
	repairJobs, err := f.store.ListRepairJobs()
	if err != nil {
		return nil, fmt.Errorf("coordinator: listing repair jobs: %w", err)
	}

	var files []*types.File
	var chunks []*types.Chunk
	var shardLocations []*types.ShardLocation
	for _, b := range buckets {
		bucketFiles, err := f.store.ListFiles(b.ID, "")
		if err != nil {
			return nil, fmt.Errorf("coordinator: listing files for bucket %s: %w", b.ID, err)
		}
		files = append(files, bucketFiles...)
		for _, file := range bucketFiles {
			fileChunks, err := f.store.ListChunksByFile(file.ID)
			if err != nil {
				return nil, fmt.Errorf("coordinator: listing chunks for file %s: %w", file.ID, err)
			}
			chunks = append(chunks, fileChunks...)
			for _, c := range fileChunks {
				locs, err := f.store.ListShardLocationsByChunk(c.ID)
				if err != nil {
					return nil, fmt.Errorf("coordinator: listing shard locations for chunk %s: %w", c.ID, err)
				}
				shardLocations = append(shardLocations, locs...)
			}
		}
	}

	snapshot := &Snapshot{
		Nodes:          nodes,
		Buckets:        buckets,
		Files:          files,
		Chunks:         chunks,
		ShardLocations: shardLocations,
		RepairJobs:     repairJobs,
	}
	return snapshot, nil
}

// Restore rebuilds the FSM's store from a previously persisted
// snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot Snapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("coordinator: decoding snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, n := range snapshot.Nodes {
		if err := f.store.CreateNode(n); err != nil {
			return fmt.Errorf("coordinator: restoring node: %w", err)
		}
	}
	for _, b := range snapshot.Buckets {
		if err := f.store.CreateBucket(b); err != nil {
			return fmt.Errorf("coordinator: restoring bucket: %w", err)
		}
	}
	for _, file := range snapshot.Files {
		if err := f.store.CreateFile(file); err != nil {
			return fmt.Errorf("coordinator: restoring file: %w", err)
		}
	}
	for _, c := range snapshot.Chunks {
		if err := f.store.CreateChunk(c); err != nil {
			return fmt.Errorf("coordinator: restoring chunk: %w", err)
		}
	}
	for _, loc := range snapshot.ShardLocations {
		if err := f.store.RecordShardStored(loc); err != nil {
			return fmt.Errorf("coordinator: restoring shard location: %w", err)
		}
	}
	for _, j := range snapshot.RepairJobs {
		if _, err := f.store.CreateRepairJob(j); err != nil {
			return fmt.Errorf("coordinator: restoring repair job: %w", err)
		}
	}

	return nil
}

// Snapshot is the serialized point-in-time view of all FSM state.
type Snapshot struct {
	Nodes          []*types.Node
	Buckets        []*types.Bucket
	Files          []*types.File
	Chunks         []*types.Chunk
	ShardLocations []*types.ShardLocation
	RepairJobs     []*types.RepairJob
}

// Persist writes the snapshot to the given SnapshotSink.
func (s *Snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release releases any snapshot resources. None are held.
func (s *Snapshot) Release() {}
