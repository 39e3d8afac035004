package readcoord

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/cyxcloud/cyxcloud/pkg/coordinator"
	"github.com/cyxcloud/cyxcloud/pkg/placement"
	"github.com/cyxcloud/cyxcloud/pkg/rpc"
	"github.com/cyxcloud/cyxcloud/pkg/types"
	"github.com/cyxcloud/cyxcloud/pkg/writecoord"
)

func freePort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func newTestCoordinator(t *testing.T) *coordinator.Coordinator {
	t.Helper()
	c, err := coordinator.New(coordinator.Config{NodeID: "node-1", BindAddr: freePort(t), DataDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, c.Bootstrap())
	t.Cleanup(func() { c.Shutdown() })
	require.Eventually(t, c.IsLeader, 5*time.Second, 10*time.Millisecond)
	return c
}

// inMemoryNodeAgent is a minimal real gRPC-backed rpc.NodeAgentServer
// used so reads exercise the actual dial/codec/ServiceDesc path.
type inMemoryNodeAgent struct {
	store map[[32]byte][]byte
}

func startNodeAgent(t *testing.T, addr string) *inMemoryNodeAgent {
	t.Helper()
	lis, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	srv := grpc.NewServer()
	a := &inMemoryNodeAgent{store: make(map[[32]byte][]byte)}
	rpc.RegisterNodeAgentServer(srv, a)
	go srv.Serve(lis)
	t.Cleanup(srv.GracefulStop)
	return a
}

func (a *inMemoryNodeAgent) StoreChunk(ctx context.Context, req *rpc.StoreChunkRequest) (*rpc.StoreChunkResponse, error) {
	a.store[req.Id.Hash] = req.Data
	return &rpc.StoreChunkResponse{BytesWritten: int64(len(req.Data))}, nil
}

func (a *inMemoryNodeAgent) GetChunk(ctx context.Context, req *rpc.GetChunkRequest) (*rpc.GetChunkResponse, error) {
	data, ok := a.store[req.Id.Hash]
	return &rpc.GetChunkResponse{Found: ok, Data: data}, nil
}

func (a *inMemoryNodeAgent) DeleteChunk(ctx context.Context, req *rpc.DeleteChunkRequest) (*rpc.DeleteChunkResponse, error) {
	_, ok := a.store[req.Id.Hash]
	delete(a.store, req.Id.Hash)
	return &rpc.DeleteChunkResponse{Removed: ok}, nil
}

func (a *inMemoryNodeAgent) HasChunk(ctx context.Context, req *rpc.HasChunkRequest) (*rpc.HasChunkResponse, error) {
	_, ok := a.store[req.Id.Hash]
	return &rpc.HasChunkResponse{Present: ok}, nil
}

func (a *inMemoryNodeAgent) ListChunks(ctx context.Context, req *rpc.ListChunksRequest) (*rpc.ListChunksResponse, error) {
	return &rpc.ListChunksResponse{}, nil
}

func (a *inMemoryNodeAgent) VerifyChunk(ctx context.Context, req *rpc.VerifyChunkRequest) (*rpc.VerifyChunkResponse, error) {
	_, ok := a.store[req.Id.Hash]
	return &rpc.VerifyChunkResponse{Valid: ok}, nil
}

func (a *inMemoryNodeAgent) HealthCheck(ctx context.Context, req *rpc.HealthCheckRequest) (*rpc.HealthCheckResponse, error) {
	return &rpc.HealthCheckResponse{Healthy: true}, nil
}

func (a *inMemoryNodeAgent) StreamChunks(stream rpc.NodeAgent_StreamChunksServer) error { return nil }
func (a *inMemoryNodeAgent) FetchChunks(stream rpc.NodeAgent_FetchChunksServer) error   { return nil }

func seedNodes(t *testing.T, c *coordinator.Coordinator, n int) []*types.Node {
	t.Helper()
	var nodes []*types.Node
	for i := 0; i < n; i++ {
		addr := freePort(t)
		startNodeAgent(t, addr)
		node := &types.Node{
			ID:          addr,
			GRPCAddress: addr,
			TotalBytes:  1 << 30,
			Status:      types.NodeStatusOnline,
			Domain:      types.FailureDomain{Rack: "r1", Datacenter: "dc1"},
			CreatedAt:   time.Now(),
		}
		require.NoError(t, c.CreateNode(node))
		nodes = append(nodes, node)
	}
	return nodes
}

// uploadAndGetFile writes payload through a real writecoord.Engine so
// the on-disk shard layout readcoord reads back is produced by the
// actual write path, not hand-built fixtures.
func uploadAndGetFile(t *testing.T, c *coordinator.Coordinator, payload []byte) *types.File {
	t.Helper()
	u := &types.User{ID: "u1", StorageQuota: 1 << 40, Status: types.UserStatusActive, CreatedAt: time.Now()}
	require.NoError(t, c.CreateUser(u))
	b := &types.Bucket{ID: "b1", Name: "media", Owner: "u1", Visibility: types.BucketPrivate, Erasure: types.ErasureConfig{K: 2, M: 1, ChunkSize: 64}, CreatedAt: time.Now()}
	require.NoError(t, c.CreateBucket(b))

	pe := placement.New(c, placement.DefaultConfig())
	we := writecoord.New(c, pe, writecoord.DefaultConfig())
	t.Cleanup(func() { we.Close() })

	file, err := we.PutObject(context.Background(), "b1", "obj.bin", "application/octet-stream", "u1", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, types.FileStatusComplete, file.Status)
	return file
}

func TestGetObjectRoundTripsFullFile(t *testing.T) {
	c := newTestCoordinator(t)
	seedNodes(t, c, 3)
	payload := bytes.Repeat([]byte("xyz"), 50) // 150 bytes, not chunk-size-aligned
	uploadAndGetFile(t, c, payload)

	re := New(c, DefaultConfig())
	t.Cleanup(func() { re.Close() })

	var out bytes.Buffer
	_, err := re.GetObject(context.Background(), "b1", "obj.bin", &out, nil)
	require.NoError(t, err)
	require.Equal(t, payload, out.Bytes())
}

func TestGetObjectRange(t *testing.T) {
	c := newTestCoordinator(t)
	seedNodes(t, c, 3)
	payload := bytes.Repeat([]byte("0123456789"), 20) // 200 bytes
	uploadAndGetFile(t, c, payload)

	re := New(c, DefaultConfig())
	t.Cleanup(func() { re.Close() })

	var out bytes.Buffer
	_, err := re.GetObject(context.Background(), "b1", "obj.bin", &out, &Range{Start: 70, End: 140})
	require.NoError(t, err)
	require.Equal(t, payload[70:140], out.Bytes())
}

func TestGetObjectFailsOnDeletedFile(t *testing.T) {
	c := newTestCoordinator(t)
	seedNodes(t, c, 3)
	file := uploadAndGetFile(t, c, []byte("hello"))
	require.NoError(t, c.SoftDeleteFile(file.ID))

	re := New(c, DefaultConfig())
	t.Cleanup(func() { re.Close() })

	var out bytes.Buffer
	_, err := re.GetObject(context.Background(), "b1", "obj.bin", &out, nil)
	require.Error(t, err)
}

func TestHeadObjectReturnsMetadataWithoutFetchingShards(t *testing.T) {
	c := newTestCoordinator(t)
	seedNodes(t, c, 3)
	uploadAndGetFile(t, c, []byte("hello"))

	re := New(c, DefaultConfig())
	t.Cleanup(func() { re.Close() })

	file, err := re.HeadObject("b1", "obj.bin")
	require.NoError(t, err)
	require.Equal(t, int64(5), file.SizeBytes)
	require.Equal(t, types.FileStatusComplete, file.Status)
}

func TestHeadObjectFailsOnDeletedFile(t *testing.T) {
	c := newTestCoordinator(t)
	seedNodes(t, c, 3)
	file := uploadAndGetFile(t, c, []byte("hello"))
	require.NoError(t, c.SoftDeleteFile(file.ID))

	re := New(c, DefaultConfig())
	t.Cleanup(func() { re.Close() })

	_, err := re.HeadObject("b1", "obj.bin")
	require.Error(t, err)
}

func TestListObjectsOrdersByKeyAndPaginates(t *testing.T) {
	c := newTestCoordinator(t)
	seedNodes(t, c, 3)

	u := &types.User{ID: "u1", StorageQuota: 1 << 40, Status: types.UserStatusActive, CreatedAt: time.Now()}
	require.NoError(t, c.CreateUser(u))
	b := &types.Bucket{ID: "b1", Name: "media", Owner: "u1", Visibility: types.BucketPrivate, Erasure: types.ErasureConfig{K: 2, M: 1, ChunkSize: 64}, CreatedAt: time.Now()}
	require.NoError(t, c.CreateBucket(b))

	pe := placement.New(c, placement.DefaultConfig())
	we := writecoord.New(c, pe, writecoord.DefaultConfig())
	t.Cleanup(func() { we.Close() })

	for _, key := range []string{"c.txt", "a.txt", "b.txt"} {
		_, err := we.PutObject(context.Background(), "b1", key, "text/plain", "u1", bytes.NewReader([]byte("x")))
		require.NoError(t, err)
	}

	re := New(c, DefaultConfig())
	t.Cleanup(func() { re.Close() })

	page, err := re.ListObjects("b1", "", "", 2)
	require.NoError(t, err)
	require.True(t, page.Truncated)
	require.Equal(t, []string{"a.txt", "b.txt"}, keysOf(page.Files))
	require.Equal(t, "b.txt", page.NextMarker)

	next, err := re.ListObjects("b1", "", page.NextMarker, 2)
	require.NoError(t, err)
	require.False(t, next.Truncated)
	require.Equal(t, []string{"c.txt"}, keysOf(next.Files))
}

func TestListObjectsExcludesDeletedFiles(t *testing.T) {
	c := newTestCoordinator(t)
	seedNodes(t, c, 3)
	file := uploadAndGetFile(t, c, []byte("hello"))
	require.NoError(t, c.SoftDeleteFile(file.ID))

	re := New(c, DefaultConfig())
	t.Cleanup(func() { re.Close() })

	page, err := re.ListObjects("b1", "", "", 0)
	require.NoError(t, err)
	require.Empty(t, page.Files)
}

func keysOf(files []*types.File) []string {
	keys := make([]string, len(files))
	for i, f := range files {
		keys[i] = f.Key
	}
	return keys
}

func TestGetObjectFailsWhenNotEnoughReadableNodes(t *testing.T) {
	c := newTestCoordinator(t)
	seedNodes(t, c, 3)
	file := uploadAndGetFile(t, c, []byte("hello world"))

	// Take two of the three nodes offline so fewer than k=2 remain
	// readable for at least one shard of the chunk.
	nodes, err := c.ListNodes()
	require.NoError(t, err)
	for i, n := range nodes {
		if i >= 2 {
			break
		}
		n.Status = types.NodeStatusOffline
		require.NoError(t, c.UpdateNode(n))
	}

	re := New(c, DefaultConfig())
	t.Cleanup(func() { re.Close() })

	var out bytes.Buffer
	_, err = re.GetObject(context.Background(), "b1", file.Key, &out, nil)
	require.Error(t, err)
}
