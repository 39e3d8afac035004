package nodeagent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cyxcloud/cyxcloud/pkg/erasure"
	"github.com/cyxcloud/cyxcloud/pkg/health"
	"github.com/cyxcloud/cyxcloud/pkg/rpc"
)

func newTestAgent(t *testing.T) *Agent {
	t.Helper()
	a, err := New(Config{NodeID: "node-1", DataDir: t.TempDir()})
	require.NoError(t, err)
	a.healthMonitor = health.NewMonitor(NewChunkStoreChecker(a.store), health.DefaultConfig(), func(health.Status) {})
	return a
}

func TestAgentStoreAndGetChunk(t *testing.T) {
	a := newTestAgent(t)
	data := []byte("shard bytes")
	id := erasure.Hash(data)

	_, err := a.StoreChunk(context.Background(), &rpc.StoreChunkRequest{Id: rpc.ChunkId{Hash: id}, Data: data})
	require.NoError(t, err)

	resp, err := a.GetChunk(context.Background(), &rpc.GetChunkRequest{Id: rpc.ChunkId{Hash: id}})
	require.NoError(t, err)
	require.True(t, resp.Found)
	require.Equal(t, data, resp.Data)
}

func TestAgentGetChunkNotFound(t *testing.T) {
	a := newTestAgent(t)
	resp, err := a.GetChunk(context.Background(), &rpc.GetChunkRequest{Id: rpc.ChunkId{Hash: [32]byte{9}}})
	require.NoError(t, err)
	require.False(t, resp.Found)
}

func TestAgentDeleteChunk(t *testing.T) {
	a := newTestAgent(t)
	data := []byte("to be deleted")
	id := erasure.Hash(data)
	_, err := a.StoreChunk(context.Background(), &rpc.StoreChunkRequest{Id: rpc.ChunkId{Hash: id}, Data: data})
	require.NoError(t, err)

	delResp, err := a.DeleteChunk(context.Background(), &rpc.DeleteChunkRequest{Id: rpc.ChunkId{Hash: id}})
	require.NoError(t, err)
	require.True(t, delResp.Removed)

	hasResp, err := a.HasChunk(context.Background(), &rpc.HasChunkRequest{Id: rpc.ChunkId{Hash: id}})
	require.NoError(t, err)
	require.False(t, hasResp.Present)
}

func TestAgentListChunksExcludesProbe(t *testing.T) {
	a := newTestAgent(t)
	data := []byte("listed shard")
	id := erasure.Hash(data)
	_, err := a.StoreChunk(context.Background(), &rpc.StoreChunkRequest{Id: rpc.ChunkId{Hash: id}, Data: data})
	require.NoError(t, err)

	checker := NewChunkStoreChecker(a.store)
	checker.Check(context.Background())

	listResp, err := a.ListChunks(context.Background(), &rpc.ListChunksRequest{})
	require.NoError(t, err)
	require.Len(t, listResp.Ids, 1)
	require.Equal(t, id, listResp.Ids[0].Hash)
}

func TestAgentVerifyChunk(t *testing.T) {
	a := newTestAgent(t)
	data := []byte("verify me")
	id := erasure.Hash(data)
	_, err := a.StoreChunk(context.Background(), &rpc.StoreChunkRequest{Id: rpc.ChunkId{Hash: id}, Data: data})
	require.NoError(t, err)

	resp, err := a.VerifyChunk(context.Background(), &rpc.VerifyChunkRequest{Id: rpc.ChunkId{Hash: id}, ExpectedHash: id})
	require.NoError(t, err)
	require.True(t, resp.Valid)
}
