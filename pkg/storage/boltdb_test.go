package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cyxcloud/cyxcloud/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBucketCreateAndLookup(t *testing.T) {
	s := newTestStore(t)

	b := &types.Bucket{ID: "b1", Name: "videos", Owner: "u1", CreatedAt: time.Now()}
	require.NoError(t, s.CreateBucket(b))

	_, err := s.GetBucketByName("videos")
	require.NoError(t, err)

	dup := &types.Bucket{ID: "b2", Name: "videos", Owner: "u1", CreatedAt: time.Now()}
	err = s.CreateBucket(dup)
	require.Error(t, err)
}

func TestDeleteBucketRequiresEmpty(t *testing.T) {
	s := newTestStore(t)

	b := &types.Bucket{ID: "b1", Name: "archive", Owner: "u1", CreatedAt: time.Now()}
	require.NoError(t, s.CreateBucket(b))

	f := &types.File{ID: "f1", BucketID: "b1", Key: "a.bin", Status: types.FileStatusPending, CreatedAt: time.Now()}
	require.NoError(t, s.CreateFile(f))

	err := s.DeleteBucket("b1")
	require.Error(t, err)

	require.NoError(t, s.SoftDeleteFile("f1"))
	require.NoError(t, s.DeleteBucket("b1"))
}

func TestRecordShardStoredBumpsChunkAndNode(t *testing.T) {
	s := newTestStore(t)

	n := &types.Node{ID: "n1", TotalBytes: 1 << 30, Status: types.NodeStatusOnline, CreatedAt: time.Now()}
	require.NoError(t, s.CreateNode(n))

	c := &types.Chunk{ID: "c1", FileID: "f1", ChunkIndex: 0, ReplicationFactor: 1, CreatedAt: time.Now()}
	require.NoError(t, s.CreateChunk(c))

	loc := &types.ShardLocation{ChunkID: "c1", ShardIndex: 0, NodeID: "n1", SizeBytes: 4096, Status: types.ShardLocationStored, CreatedAt: time.Now()}
	require.NoError(t, s.RecordShardStored(loc))

	gotChunk, err := s.GetChunk("c1")
	require.NoError(t, err)
	require.Equal(t, 1, gotChunk.CurrentReplicas)

	gotNode, err := s.GetNode("n1")
	require.NoError(t, err)
	require.Equal(t, int64(4096), gotNode.UsedBytes)
	require.Equal(t, int64(1), gotNode.ChunkCount)

	// Re-recording the same (chunk, node) pairing must not double-count.
	require.NoError(t, s.RecordShardStored(loc))
	gotChunk, err = s.GetChunk("c1")
	require.NoError(t, err)
	require.Equal(t, 1, gotChunk.CurrentReplicas)
}

func TestDeleteShardLocationUnwindsCounters(t *testing.T) {
	s := newTestStore(t)

	n := &types.Node{ID: "n1", TotalBytes: 1 << 30, Status: types.NodeStatusOnline, CreatedAt: time.Now()}
	require.NoError(t, s.CreateNode(n))
	c := &types.Chunk{ID: "c1", FileID: "f1", CreatedAt: time.Now()}
	require.NoError(t, s.CreateChunk(c))

	loc := &types.ShardLocation{ChunkID: "c1", ShardIndex: 0, NodeID: "n1", SizeBytes: 2048, Status: types.ShardLocationStored, CreatedAt: time.Now()}
	require.NoError(t, s.RecordShardStored(loc))
	require.NoError(t, s.DeleteShardLocation("c1", "n1"))

	gotChunk, err := s.GetChunk("c1")
	require.NoError(t, err)
	require.Equal(t, 0, gotChunk.CurrentReplicas)

	gotNode, err := s.GetNode("n1")
	require.NoError(t, err)
	require.Equal(t, int64(0), gotNode.UsedBytes)
}

func TestTryCompleteFileRequiresExactShardCount(t *testing.T) {
	s := newTestStore(t)

	f := &types.File{ID: "f1", BucketID: "b1", Key: "x.bin", ChunkCount: 1, K: 2, M: 1, Status: types.FileStatusUploading, CreatedAt: time.Now()}
	require.NoError(t, s.CreateFile(f))
	c := &types.Chunk{ID: "c1", FileID: "f1", CreatedAt: time.Now()}
	require.NoError(t, s.CreateChunk(c))

	for i := 0; i < 2; i++ {
		n := &types.Node{ID: string(rune('a' + i)), TotalBytes: 1 << 30, Status: types.NodeStatusOnline, CreatedAt: time.Now()}
		require.NoError(t, s.CreateNode(n))
		loc := &types.ShardLocation{ChunkID: "c1", ShardIndex: i, NodeID: n.ID, Status: types.ShardLocationStored, CreatedAt: time.Now()}
		require.NoError(t, s.RecordShardStored(loc))
	}

	completed, err := s.TryCompleteFile("f1")
	require.NoError(t, err)
	require.False(t, completed)

	n := &types.Node{ID: "z", TotalBytes: 1 << 30, Status: types.NodeStatusOnline, CreatedAt: time.Now()}
	require.NoError(t, s.CreateNode(n))
	loc := &types.ShardLocation{ChunkID: "c1", ShardIndex: 2, NodeID: "z", Status: types.ShardLocationStored, CreatedAt: time.Now()}
	require.NoError(t, s.RecordShardStored(loc))

	completed, err = s.TryCompleteFile("f1")
	require.NoError(t, err)
	require.True(t, completed)

	got, err := s.GetFile("f1")
	require.NoError(t, err)
	require.Equal(t, types.FileStatusComplete, got.Status)
}

func TestRepairJobDeduplicatesPending(t *testing.T) {
	s := newTestStore(t)

	j1 := &types.RepairJob{ID: "j1", ChunkID: "c1", ShardIndex: 0, TargetNodeID: "n1", Status: types.RepairJobPending, CreatedAt: time.Now()}
	created, err := s.CreateRepairJob(j1)
	require.NoError(t, err)
	require.True(t, created)

	j2 := &types.RepairJob{ID: "j2", ChunkID: "c1", ShardIndex: 0, TargetNodeID: "n1", Status: types.RepairJobPending, CreatedAt: time.Now()}
	created, err = s.CreateRepairJob(j2)
	require.NoError(t, err)
	require.False(t, created)
}

func TestFinalizeEpochIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	e := &types.Epoch{Number: 1, StartedAt: time.Now(), PoolTotal: "100"}
	require.NoError(t, s.CreateEpoch(e))

	calls := 0
	mutate := func(ep *types.Epoch) error {
		calls++
		ep.Finalized = true
		ep.NodesShare = "80"
		return nil
	}

	require.NoError(t, s.FinalizeEpoch(1, mutate))
	require.NoError(t, s.FinalizeEpoch(1, mutate))
	require.Equal(t, 1, calls)
}
