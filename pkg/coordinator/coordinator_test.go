package coordinator

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

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

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	c, err := New(Config{NodeID: "node-1", BindAddr: freePort(t), DataDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, c.Bootstrap())
	t.Cleanup(func() { c.Shutdown() })

	require.Eventually(t, c.IsLeader, 5*time.Second, 10*time.Millisecond)
	return c
}

func TestBootstrapBecomesLeader(t *testing.T) {
	c := newTestCoordinator(t)
	require.True(t, c.IsLeader())
}

func TestApplyReplicatesNodeCreation(t *testing.T) {
	c := newTestCoordinator(t)

	n := &types.Node{ID: "n1", TotalBytes: 1 << 30, Status: types.NodeStatusOnline, CreatedAt: time.Now()}
	require.NoError(t, c.CreateNode(n))

	got, err := c.GetNode("n1")
	require.NoError(t, err)
	require.Equal(t, n.TotalBytes, got.TotalBytes)
}

func TestJoinTokenLifecycle(t *testing.T) {
	c := newTestCoordinator(t)

	jt, err := c.GenerateJoinToken()
	require.NoError(t, err)
	require.NoError(t, c.ValidateJoinToken(jt.Token))

	c.tokenManager.RevokeToken(jt.Token)
	require.Error(t, c.ValidateJoinToken(jt.Token))
}

func TestBucketCreateAndFetchThroughRaft(t *testing.T) {
	c := newTestCoordinator(t)

	b := &types.Bucket{ID: "b1", Name: "media", Owner: "u1", Visibility: types.BucketPrivate, CreatedAt: time.Now()}
	require.NoError(t, c.CreateBucket(b))

	got, err := c.GetBucketByName("media")
	require.NoError(t, err)
	require.Equal(t, "b1", got.ID)
}
