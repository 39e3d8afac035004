package writecoord

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/cyxcloud/cyxcloud/pkg/coordinator"
	"github.com/cyxcloud/cyxcloud/pkg/cyxevents"
	"github.com/cyxcloud/cyxcloud/pkg/placement"
	"github.com/cyxcloud/cyxcloud/pkg/rpc"
	"github.com/cyxcloud/cyxcloud/pkg/types"
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

// fakeNodeAgent is a minimal in-memory rpc.NodeAgentServer backing a
// real gRPC listener, so storeShards exercises the actual transport
// (codec, ServiceDesc, dial) rather than a mocked client.
type fakeNodeAgent struct {
	mu    chan struct{}
	store map[[32]byte][]byte
	fail  bool
}

func newFakeNodeAgent(t *testing.T, addr string, fail bool) {
	t.Helper()
	lis, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	srv := grpc.NewServer()
	f := &fakeNodeAgent{store: make(map[[32]byte][]byte), fail: fail}
	rpc.RegisterNodeAgentServer(srv, f)
	go srv.Serve(lis)
	t.Cleanup(srv.GracefulStop)
}

func (f *fakeNodeAgent) StoreChunk(ctx context.Context, req *rpc.StoreChunkRequest) (*rpc.StoreChunkResponse, error) {
	if f.fail {
		return nil, context.DeadlineExceeded
	}
	f.store[req.Id.Hash] = req.Data
	return &rpc.StoreChunkResponse{BytesWritten: int64(len(req.Data))}, nil
}

func (f *fakeNodeAgent) GetChunk(ctx context.Context, req *rpc.GetChunkRequest) (*rpc.GetChunkResponse, error) {
	data, ok := f.store[req.Id.Hash]
	return &rpc.GetChunkResponse{Found: ok, Data: data}, nil
}

func (f *fakeNodeAgent) DeleteChunk(ctx context.Context, req *rpc.DeleteChunkRequest) (*rpc.DeleteChunkResponse, error) {
	_, ok := f.store[req.Id.Hash]
	delete(f.store, req.Id.Hash)
	return &rpc.DeleteChunkResponse{Removed: ok}, nil
}

func (f *fakeNodeAgent) HasChunk(ctx context.Context, req *rpc.HasChunkRequest) (*rpc.HasChunkResponse, error) {
	_, ok := f.store[req.Id.Hash]
	return &rpc.HasChunkResponse{Present: ok}, nil
}

func (f *fakeNodeAgent) ListChunks(ctx context.Context, req *rpc.ListChunksRequest) (*rpc.ListChunksResponse, error) {
	var ids []rpc.ChunkId
	for id := range f.store {
		ids = append(ids, rpc.ChunkId{Hash: id})
	}
	return &rpc.ListChunksResponse{Ids: ids}, nil
}

func (f *fakeNodeAgent) VerifyChunk(ctx context.Context, req *rpc.VerifyChunkRequest) (*rpc.VerifyChunkResponse, error) {
	_, ok := f.store[req.Id.Hash]
	return &rpc.VerifyChunkResponse{Valid: ok}, nil
}

func (f *fakeNodeAgent) HealthCheck(ctx context.Context, req *rpc.HealthCheckRequest) (*rpc.HealthCheckResponse, error) {
	return &rpc.HealthCheckResponse{Healthy: true}, nil
}

func (f *fakeNodeAgent) StreamChunks(stream rpc.NodeAgent_StreamChunksServer) error {
	return nil
}

func (f *fakeNodeAgent) FetchChunks(stream rpc.NodeAgent_FetchChunksServer) error {
	return nil
}

func seedNodes(t *testing.T, c *coordinator.Coordinator, n int, fail bool) []*types.Node {
	t.Helper()
	var nodes []*types.Node
	for i := 0; i < n; i++ {
		addr := freePort(t)
		newFakeNodeAgent(t, addr, fail)
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

func newTestEngine(t *testing.T, numNodes int, fail bool) (*Engine, *coordinator.Coordinator) {
	t.Helper()
	c := newTestCoordinator(t)
	seedNodes(t, c, numNodes, fail)
	pe := placement.New(c, placement.DefaultConfig())
	e := New(c, pe, DefaultConfig())
	t.Cleanup(func() { e.Close() })
	return e, c
}

func createTestBucketAndUser(t *testing.T, c *coordinator.Coordinator) *types.Bucket {
	t.Helper()
	u := &types.User{ID: "u1", StorageQuota: 1 << 40, Status: types.UserStatusActive, CreatedAt: time.Now()}
	require.NoError(t, c.CreateUser(u))

	b := &types.Bucket{
		ID:         "b1",
		Name:       "media",
		Owner:      "u1",
		Visibility: types.BucketPrivate,
		Erasure:    types.ErasureConfig{K: 2, M: 1, ChunkSize: 64},
		CreatedAt:  time.Now(),
	}
	require.NoError(t, c.CreateBucket(b))
	return b
}

func TestPutObjectStoresAllShardsAndCompletesFile(t *testing.T) {
	e, c := newTestEngine(t, 3, false)
	createTestBucketAndUser(t, c)

	payload := bytes.Repeat([]byte("a"), 130)
	file, err := e.PutObject(context.Background(), "b1", "hello.txt", "text/plain", "u1", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, types.FileStatusComplete, file.Status)
	require.Equal(t, int64(len(payload)), file.SizeBytes)
	require.Equal(t, 3, file.ChunkCount) // ChunkSize 64 over 130 bytes -> 3 chunks

	user, err := c.GetUser("u1")
	require.NoError(t, err)
	require.Equal(t, int64(len(payload)), user.StorageUsed)

	chunks, err := c.ListChunksByFile(file.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for _, ch := range chunks {
		require.Equal(t, types.ChunkStatusStored, ch.Status)
		locs, err := c.ListShardLocationsByChunk(ch.ID)
		require.NoError(t, err)
		require.Len(t, locs, 3) // K+M = 3
	}
}

func TestPutObjectFailsWhenNotEnoughNodes(t *testing.T) {
	e, c := newTestEngine(t, 1, false)
	createTestBucketAndUser(t, c)

	_, err := e.PutObject(context.Background(), "b1", "hello.txt", "text/plain", "u1", bytes.NewReader([]byte("x")))
	require.Error(t, err)

	file, err := c.GetFileByKey("b1", "hello.txt")
	require.NoError(t, err)
	require.Equal(t, types.FileStatusFailed, file.Status)
}

func TestDeleteObjectSoftDeletesAndPublishesEvent(t *testing.T) {
	e, c := newTestEngine(t, 3, false)
	createTestBucketAndUser(t, c)

	file, err := e.PutObject(context.Background(), "b1", "hello.txt", "text/plain", "u1", bytes.NewReader([]byte("hello world")))
	require.NoError(t, err)

	sub := c.EventBroker().Subscribe()
	t.Cleanup(func() { c.EventBroker().Unsubscribe(sub) })

	require.NoError(t, e.DeleteObject(context.Background(), "b1", "hello.txt"))

	got, err := c.GetFile(file.ID)
	require.NoError(t, err)
	require.Equal(t, types.FileStatusDeleted, got.Status)

	user, err := c.GetUser("u1")
	require.NoError(t, err)
	require.Equal(t, int64(0), user.StorageUsed)

	select {
	case ev := <-sub:
		require.Equal(t, cyxevents.EventFileDeleted, ev.Type)
		require.Equal(t, file.ID, ev.Metadata["file_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("expected EventFileDeleted to be published")
	}
}

func TestDeleteObjectIsIdempotent(t *testing.T) {
	e, c := newTestEngine(t, 3, false)
	createTestBucketAndUser(t, c)

	_, err := e.PutObject(context.Background(), "b1", "hello.txt", "text/plain", "u1", bytes.NewReader([]byte("x")))
	require.NoError(t, err)

	require.NoError(t, e.DeleteObject(context.Background(), "b1", "hello.txt"))
	require.NoError(t, e.DeleteObject(context.Background(), "b1", "hello.txt"))
}

func TestPutObjectRetriesOnFreshCandidateAfterShardFailure(t *testing.T) {
	e, c := newTestEngine(t, 3, true) // every existing node fails StoreChunk
	createTestBucketAndUser(t, c)

	_, err := e.PutObject(context.Background(), "b1", "hello.txt", "text/plain", "u1", bytes.NewReader([]byte("x")))
	require.Error(t, err) // no healthy node exists to retry onto, so this must still fail
}
