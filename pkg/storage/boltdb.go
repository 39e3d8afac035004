package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cyxcloud/cyxcloud/pkg/cyxerr"
	"github.com/cyxcloud/cyxcloud/pkg/types"
)

var (
	bucketUsers           = []byte("users")
	bucketBuckets         = []byte("buckets")
	bucketFiles           = []byte("files")
	bucketChunks          = []byte("chunks")
	bucketShardLocations  = []byte("shard_locations")
	bucketNodes           = []byte("nodes")
	bucketRepairJobs      = []byte("repair_jobs")
	bucketEpochs          = []byte("epochs")
	bucketNodeEpochUptime = []byte("node_epoch_uptime")
	bucketSlashingEvents  = []byte("slashing_events")
)

var allBuckets = [][]byte{
	bucketUsers, bucketBuckets, bucketFiles, bucketChunks,
	bucketShardLocations, bucketNodes, bucketRepairJobs, bucketEpochs,
	bucketNodeEpochUptime, bucketSlashingEvents,
}

// BoltStore is the bbolt-backed Store implementation used by the
// coordinator's Raft FSM.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) a bbolt database at
// <dataDir>/cyxcloud.db with every entity bucket present.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "cyxcloud.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: opening bbolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: initializing buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func shardLocationKey(chunkID, nodeID string) []byte {
	return []byte(chunkID + "|" + nodeID)
}

func epochUptimeKey(nodeID string, epoch uint64) []byte {
	return []byte(fmt.Sprintf("%s|%020d", nodeID, epoch))
}

func epochKey(number uint64) []byte {
	return []byte(fmt.Sprintf("%020d", number))
}

// --- Users ---

func (s *BoltStore) CreateUser(u *types.User) error {
	return s.put(bucketUsers, []byte(u.ID), u)
}

func (s *BoltStore) GetUser(id string) (*types.User, error) {
	var u types.User
	if err := s.get(bucketUsers, []byte(id), &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *BoltStore) UpdateUser(u *types.User) error {
	return s.put(bucketUsers, []byte(u.ID), u)
}

// --- Buckets ---

func (s *BoltStore) CreateBucket(b *types.Bucket) error {
	existing, _ := s.GetBucketByName(b.Name)
	if existing != nil && existing.DeletedAt == nil {
		return cyxerr.New(cyxerr.KindBucketAlreadyExists, b.Name)
	}
	return s.put(bucketBuckets, []byte(b.ID), b)
}

func (s *BoltStore) GetBucket(id string) (*types.Bucket, error) {
	var b types.Bucket
	if err := s.get(bucketBuckets, []byte(id), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *BoltStore) GetBucketByName(name string) (*types.Bucket, error) {
	var found *types.Bucket
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBuckets).ForEach(func(k, v []byte) error {
			var b types.Bucket
			if jerr := json.Unmarshal(v, &b); jerr != nil {
				return jerr
			}
			if b.Name == name && b.DeletedAt == nil {
				found = &b
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, cyxerr.New(cyxerr.KindNoSuchBucket, name)
	}
	return found, nil
}

func (s *BoltStore) ListBuckets() ([]*types.Bucket, error) {
	var out []*types.Bucket
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBuckets).ForEach(func(k, v []byte) error {
			var b types.Bucket
			if jerr := json.Unmarshal(v, &b); jerr != nil {
				return jerr
			}
			if b.DeletedAt == nil {
				out = append(out, &b)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteBucket(id string) error {
	b, err := s.GetBucket(id)
	if err != nil {
		return err
	}
	files, err := s.ListFiles(b.ID, "")
	if err != nil {
		return err
	}
	if len(files) > 0 {
		return cyxerr.New(cyxerr.KindBucketNotEmpty, b.Name)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBuckets).Delete([]byte(id))
	})
}

// --- Files ---

func (s *BoltStore) CreateFile(f *types.File) error {
	return s.put(bucketFiles, []byte(f.ID), f)
}

func (s *BoltStore) GetFile(id string) (*types.File, error) {
	var f types.File
	if err := s.get(bucketFiles, []byte(id), &f); err != nil {
		return nil, cyxerr.Wrap(cyxerr.KindNoSuchKey, id, err)
	}
	return &f, nil
}

func (s *BoltStore) GetFileByKey(bucketID, key string) (*types.File, error) {
	var found *types.File
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).ForEach(func(k, v []byte) error {
			var f types.File
			if jerr := json.Unmarshal(v, &f); jerr != nil {
				return jerr
			}
			if f.BucketID == bucketID && f.Key == key && f.Status != types.FileStatusDeleted {
				found = &f
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, cyxerr.New(cyxerr.KindNoSuchKey, key)
	}
	return found, nil
}

func (s *BoltStore) ListFiles(bucketID, prefix string) ([]*types.File, error) {
	var out []*types.File
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).ForEach(func(k, v []byte) error {
			var f types.File
			if jerr := json.Unmarshal(v, &f); jerr != nil {
				return jerr
			}
			if f.BucketID == bucketID && f.Status != types.FileStatusDeleted && strings.HasPrefix(f.Key, prefix) {
				out = append(out, &f)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateFile(f *types.File) error {
	return s.put(bucketFiles, []byte(f.ID), f)
}

func (s *BoltStore) SoftDeleteFile(id string) error {
	f, err := s.GetFile(id)
	if err != nil {
		return err
	}
	now := time.Now()
	f.DeletedAt = &now
	f.Status = types.FileStatusDeleted
	return s.UpdateFile(f)
}

// --- Chunks ---

func (s *BoltStore) CreateChunk(c *types.Chunk) error {
	return s.put(bucketChunks, []byte(c.ID), c)
}

func (s *BoltStore) GetChunk(id string) (*types.Chunk, error) {
	var c types.Chunk
	if err := s.get(bucketChunks, []byte(id), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) ListChunksByFile(fileID string) ([]*types.Chunk, error) {
	var out []*types.Chunk
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChunks).ForEach(func(k, v []byte) error {
			var c types.Chunk
			if jerr := json.Unmarshal(v, &c); jerr != nil {
				return jerr
			}
			if c.FileID == fileID {
				out = append(out, &c)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateChunk(c *types.Chunk) error {
	return s.put(bucketChunks, []byte(c.ID), c)
}

// ChunkHealthOf implements the derived health view of spec §4.4.
func (s *BoltStore) ChunkHealthOf(c *types.Chunk) ChunkHealth {
	if c.CurrentReplicas == 0 {
		return ChunkMissing
	}
	locs, err := s.ListShardLocationsByChunk(c.ID)
	if err != nil {
		return ChunkMissing
	}
	distinct := map[int]bool{}
	for _, l := range locs {
		if l.Status == types.ShardLocationStored || l.Status == types.ShardLocationVerified {
			distinct[l.ShardIndex] = true
		}
	}
	factor := c.ReplicationFactor
	if factor <= 0 {
		factor = 1
	}
	if c.CurrentReplicas >= factor && len(distinct) >= 1 {
		return ChunkHealthy
	}
	return ChunkUnderReplicated
}

// --- Shard locations ---

func (s *BoltStore) GetShardLocation(chunkID, nodeID string) (*types.ShardLocation, error) {
	var l types.ShardLocation
	if err := s.get(bucketShardLocations, shardLocationKey(chunkID, nodeID), &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *BoltStore) ListShardLocationsByChunk(chunkID string) ([]*types.ShardLocation, error) {
	var out []*types.ShardLocation
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketShardLocations).ForEach(func(k, v []byte) error {
			var l types.ShardLocation
			if jerr := json.Unmarshal(v, &l); jerr != nil {
				return jerr
			}
			if l.ChunkID == chunkID {
				out = append(out, &l)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListShardLocationsByNode(nodeID string) ([]*types.ShardLocation, error) {
	var out []*types.ShardLocation
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketShardLocations).ForEach(func(k, v []byte) error {
			var l types.ShardLocation
			if jerr := json.Unmarshal(v, &l); jerr != nil {
				return jerr
			}
			if l.NodeID == nodeID {
				out = append(out, &l)
			}
			return nil
		})
	})
	return out, err
}

// RecordShardStored implements the atomic insert-location +
// bump-replicas + bump-node-used transaction of spec §4.4/§4.7.
func (s *BoltStore) RecordShardStored(loc *types.ShardLocation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		locBucket := tx.Bucket(bucketShardLocations)
		key := shardLocationKey(loc.ChunkID, loc.NodeID)

		isNew := locBucket.Get(key) == nil

		data, err := json.Marshal(loc)
		if err != nil {
			return err
		}
		if err := locBucket.Put(key, data); err != nil {
			return err
		}

		if isNew {
			chunkBucket := tx.Bucket(bucketChunks)
			cv := chunkBucket.Get([]byte(loc.ChunkID))
			if cv != nil {
				var c types.Chunk
				if err := json.Unmarshal(cv, &c); err != nil {
					return err
				}
				c.CurrentReplicas++
				if loc.Status == types.ShardLocationStored || loc.Status == types.ShardLocationVerified {
					c.Status = types.ChunkStatusStored
				}
				cdata, err := json.Marshal(&c)
				if err != nil {
					return err
				}
				if err := chunkBucket.Put([]byte(loc.ChunkID), cdata); err != nil {
					return err
				}
			}

			nodeBucket := tx.Bucket(bucketNodes)
			nv := nodeBucket.Get([]byte(loc.NodeID))
			if nv != nil {
				var n types.Node
				if err := json.Unmarshal(nv, &n); err != nil {
					return err
				}
				n.UsedBytes += int64(loc.SizeBytes)
				n.ChunkCount++
				ndata, err := json.Marshal(&n)
				if err != nil {
					return err
				}
				if err := nodeBucket.Put([]byte(loc.NodeID), ndata); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// MarkShardFailed marks the shard location failed and increments the
// node's verification-failure counter, atomically.
func (s *BoltStore) MarkShardFailed(chunkID, nodeID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		locBucket := tx.Bucket(bucketShardLocations)
		key := shardLocationKey(chunkID, nodeID)
		lv := locBucket.Get(key)
		if lv == nil {
			return cyxerr.New(cyxerr.KindInternalError, "shard location not found")
		}
		var l types.ShardLocation
		if err := json.Unmarshal(lv, &l); err != nil {
			return err
		}
		l.Status = types.ShardLocationFailed
		l.VerificationFailures++
		ldata, err := json.Marshal(&l)
		if err != nil {
			return err
		}
		return locBucket.Put(key, ldata)
	})
}

// DeleteShardLocation removes a shard location and decrements the owning
// chunk's current_replicas and the node's used bytes, atomically.
func (s *BoltStore) DeleteShardLocation(chunkID, nodeID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		locBucket := tx.Bucket(bucketShardLocations)
		key := shardLocationKey(chunkID, nodeID)
		lv := locBucket.Get(key)
		if lv == nil {
			return nil
		}
		var l types.ShardLocation
		if err := json.Unmarshal(lv, &l); err != nil {
			return err
		}
		if err := locBucket.Delete(key); err != nil {
			return err
		}

		chunkBucket := tx.Bucket(bucketChunks)
		if cv := chunkBucket.Get([]byte(chunkID)); cv != nil {
			var c types.Chunk
			if err := json.Unmarshal(cv, &c); err != nil {
				return err
			}
			if c.CurrentReplicas > 0 {
				c.CurrentReplicas--
			}
			cdata, err := json.Marshal(&c)
			if err != nil {
				return err
			}
			if err := chunkBucket.Put([]byte(chunkID), cdata); err != nil {
				return err
			}
		}

		nodeBucket := tx.Bucket(bucketNodes)
		if nv := nodeBucket.Get([]byte(nodeID)); nv != nil {
			var n types.Node
			if err := json.Unmarshal(nv, &n); err != nil {
				return err
			}
			n.UsedBytes -= int64(l.SizeBytes)
			if n.UsedBytes < 0 {
				n.UsedBytes = 0
			}
			if n.ChunkCount > 0 {
				n.ChunkCount--
			}
			ndata, err := json.Marshal(&n)
			if err != nil {
				return err
			}
			if err := nodeBucket.Put([]byte(nodeID), ndata); err != nil {
				return err
			}
		}
		return nil
	})
}

// TryCompleteFile flips a file to complete iff it has exactly
// chunk_count*(k+m) shard locations in {stored, verified} (spec §4.4).
func (s *BoltStore) TryCompleteFile(fileID string) (bool, error) {
	f, err := s.GetFile(fileID)
	if err != nil {
		return false, err
	}
	chunks, err := s.ListChunksByFile(fileID)
	if err != nil {
		return false, err
	}
	if len(chunks) != f.ChunkCount {
		return false, nil
	}
	want := f.ChunkCount * (f.K + f.M)
	got := 0
	for _, c := range chunks {
		locs, err := s.ListShardLocationsByChunk(c.ID)
		if err != nil {
			return false, err
		}
		for _, l := range locs {
			if l.Status == types.ShardLocationStored || l.Status == types.ShardLocationVerified {
				got++
			}
		}
	}
	if got != want {
		return false, nil
	}
	f.Status = types.FileStatusComplete
	if err := s.UpdateFile(f); err != nil {
		return false, err
	}
	return true, nil
}

// --- Nodes ---

func (s *BoltStore) CreateNode(n *types.Node) error {
	return s.put(bucketNodes, []byte(n.ID), n)
}

func (s *BoltStore) GetNode(id string) (*types.Node, error) {
	var n types.Node
	if err := s.get(bucketNodes, []byte(id), &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var out []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var n types.Node
			if jerr := json.Unmarshal(v, &n); jerr != nil {
				return jerr
			}
			out = append(out, &n)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateNode(n *types.Node) error {
	return s.put(bucketNodes, []byte(n.ID), n)
}

func (s *BoltStore) DeleteNode(id string) error {
	locs, err := s.ListShardLocationsByNode(id)
	if err != nil {
		return err
	}
	for _, l := range locs {
		if err := s.DeleteShardLocation(l.ChunkID, l.NodeID); err != nil {
			return err
		}
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Delete([]byte(id))
	})
}

// --- Repair jobs ---

func repairJobIdempotencyKey(chunkID string, shardIndex int, targetNodeID string) string {
	return fmt.Sprintf("%s|%d|%s", chunkID, shardIndex, targetNodeID)
}

// CreateRepairJob inserts j unless an equivalent job on
// (chunk_id, shard_index, target_node_id) already exists (spec §4.9
// idempotency).
func (s *BoltStore) CreateRepairJob(j *types.RepairJob) (bool, error) {
	created := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRepairJobs)
		dupKey := repairJobIdempotencyKey(j.ChunkID, j.ShardIndex, j.TargetNodeID)
		dup := false
		_ = b.ForEach(func(k, v []byte) error {
			var existing types.RepairJob
			if jerr := json.Unmarshal(v, &existing); jerr != nil {
				return jerr
			}
			if repairJobIdempotencyKey(existing.ChunkID, existing.ShardIndex, existing.TargetNodeID) == dupKey &&
				(existing.Status == types.RepairJobPending || existing.Status == types.RepairJobInProgress) {
				dup = true
			}
			return nil
		})
		if dup {
			return nil
		}
		data, err := json.Marshal(j)
		if err != nil {
			return err
		}
		created = true
		return b.Put([]byte(j.ID), data)
	})
	return created, err
}

func (s *BoltStore) GetRepairJob(id string) (*types.RepairJob, error) {
	var j types.RepairJob
	if err := s.get(bucketRepairJobs, []byte(id), &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *BoltStore) ListRepairJobs() ([]*types.RepairJob, error) {
	var out []*types.RepairJob
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRepairJobs).ForEach(func(k, v []byte) error {
			var j types.RepairJob
			if jerr := json.Unmarshal(v, &j); jerr != nil {
				return jerr
			}
			out = append(out, &j)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateRepairJob(j *types.RepairJob) error {
	return s.put(bucketRepairJobs, []byte(j.ID), j)
}

// --- Epochs ---

func (s *BoltStore) GetOpenEpoch() (*types.Epoch, error) {
	var found *types.Epoch
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEpochs).ForEach(func(k, v []byte) error {
			var e types.Epoch
			if jerr := json.Unmarshal(v, &e); jerr != nil {
				return jerr
			}
			if !e.Finalized {
				found = &e
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, cyxerr.New(cyxerr.KindNoSuchKey, "no open epoch")
	}
	return found, nil
}

func (s *BoltStore) CreateEpoch(e *types.Epoch) error {
	return s.put(bucketEpochs, epochKey(e.Number), e)
}

// FinalizeEpoch loads the epoch, invokes mutate (which must set
// Finalized=true as part of the payout computation), and persists the
// result in a single transaction. Finalized is the idempotency gate: if
// the epoch is already finalized, mutate is not called.
func (s *BoltStore) FinalizeEpoch(number uint64, mutate func(*types.Epoch) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEpochs)
		key := epochKey(number)
		v := b.Get(key)
		if v == nil {
			return cyxerr.New(cyxerr.KindNoSuchKey, "epoch not found")
		}
		var e types.Epoch
		if err := json.Unmarshal(v, &e); err != nil {
			return err
		}
		if e.Finalized {
			return nil
		}
		if err := mutate(&e); err != nil {
			return err
		}
		data, err := json.Marshal(&e)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// --- Node-epoch uptime ---

func (s *BoltStore) GetNodeEpochUptime(nodeID string, epoch uint64) (*types.NodeEpochUptime, error) {
	var u types.NodeEpochUptime
	if err := s.get(bucketNodeEpochUptime, epochUptimeKey(nodeID, epoch), &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *BoltStore) UpsertNodeEpochUptime(u *types.NodeEpochUptime) error {
	return s.put(bucketNodeEpochUptime, epochUptimeKey(u.NodeID, u.Epoch), u)
}

func (s *BoltStore) ListNodeEpochUptimesByEpoch(epoch uint64) ([]*types.NodeEpochUptime, error) {
	var out []*types.NodeEpochUptime
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodeEpochUptime).ForEach(func(k, v []byte) error {
			var u types.NodeEpochUptime
			if jerr := json.Unmarshal(v, &u); jerr != nil {
				return jerr
			}
			if u.Epoch == epoch {
				out = append(out, &u)
			}
			return nil
		})
	})
	return out, err
}

// --- Slashing events ---

func (s *BoltStore) CreateSlashingEvent(e *types.SlashingEvent) error {
	return s.put(bucketSlashingEvents, []byte(e.ID), e)
}

func (s *BoltStore) ListSlashingEventsByNode(nodeID string) ([]*types.SlashingEvent, error) {
	var out []*types.SlashingEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSlashingEvents).ForEach(func(k, v []byte) error {
			var e types.SlashingEvent
			if jerr := json.Unmarshal(v, &e); jerr != nil {
				return jerr
			}
			if e.NodeID == nodeID {
				out = append(out, &e)
			}
			return nil
		})
	})
	return out, err
}

// --- generic helpers ---

func (s *BoltStore) put(bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: marshaling record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, data)
	})
}

func (s *BoltStore) get(bucket, key []byte, v interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get(key)
		if data == nil {
			return cyxerr.New(cyxerr.KindNoSuchKey, string(key))
		}
		return json.Unmarshal(data, v)
	})
}
