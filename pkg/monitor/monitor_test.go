package monitor

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cyxcloud/cyxcloud/pkg/coordinator"
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

func testConfig() Config {
	return Config{
		MonitorInterval:    time.Hour, // sweep is driven manually in these tests
		OfflineThreshold:   5 * time.Minute,
		RecoveryQuarantine: 5 * time.Minute,
		DrainThreshold:     4 * time.Hour,
		RemoveThreshold:    7 * 24 * time.Hour,
	}
}

func TestOnlineNodeGoesOfflineAfterThreshold(t *testing.T) {
	c := newTestCoordinator(t)
	m := New(c, testConfig())

	now := time.Now()
	n := &types.Node{
		ID:              "n1",
		Status:          types.NodeStatusOnline,
		LastHeartbeat:   now.Add(-10 * time.Minute),
		StatusChangedAt: now.Add(-10 * time.Minute),
		CreatedAt:       now.Add(-10 * time.Minute),
	}
	require.NoError(t, c.CreateNode(n))

	require.NoError(t, m.sweep())

	got, err := c.GetNode("n1")
	require.NoError(t, err)
	require.Equal(t, types.NodeStatusOffline, got.Status)
	require.NotNil(t, got.FirstOfflineAt)
}

func TestOfflineNodeEntersDrainingAfterThreshold(t *testing.T) {
	c := newTestCoordinator(t)
	m := New(c, testConfig())

	now := time.Now()
	firstOffline := now.Add(-5 * time.Hour)
	n := &types.Node{
		ID:              "n1",
		Status:          types.NodeStatusOffline,
		LastHeartbeat:   firstOffline,
		FirstOfflineAt:  &firstOffline,
		StatusChangedAt: firstOffline,
		CreatedAt:       firstOffline,
	}
	require.NoError(t, c.CreateNode(n))

	require.NoError(t, m.sweep())

	got, err := c.GetNode("n1")
	require.NoError(t, err)
	require.Equal(t, types.NodeStatusDraining, got.Status)
}

func TestDrainingNodeRemovedOnceEmpty(t *testing.T) {
	c := newTestCoordinator(t)
	m := New(c, testConfig())

	now := time.Now()
	n := &types.Node{
		ID:              "n1",
		Status:          types.NodeStatusDraining,
		StatusChangedAt: now.Add(-time.Minute),
		CreatedAt:       now,
	}
	require.NoError(t, c.CreateNode(n))

	require.NoError(t, m.sweep())

	_, err := c.GetNode("n1")
	require.Error(t, err)
}

func TestDrainingNodeNotRemovedWhileShardsRemain(t *testing.T) {
	c := newTestCoordinator(t)
	m := New(c, testConfig())

	now := time.Now()
	n := &types.Node{
		ID:              "n1",
		Status:          types.NodeStatusDraining,
		StatusChangedAt: now.Add(-time.Minute),
		CreatedAt:       now,
	}
	require.NoError(t, c.CreateNode(n))
	require.NoError(t, c.RecordShardStored(&types.ShardLocation{
		ChunkID: "chunk1", ShardIndex: 0, NodeID: "n1", Status: types.ShardLocationStored, CreatedAt: now,
	}))

	require.NoError(t, m.sweep())

	got, err := c.GetNode("n1")
	require.NoError(t, err)
	require.Equal(t, types.NodeStatusDraining, got.Status)
}

func TestHeartbeatRecoversDrainingNode(t *testing.T) {
	c := newTestCoordinator(t)
	m := New(c, testConfig())

	firstOffline := time.Now().Add(-time.Minute)
	n := &types.Node{
		ID:              "n1",
		Status:          types.NodeStatusDraining,
		FirstOfflineAt:  &firstOffline,
		StatusChangedAt: firstOffline,
		CreatedAt:       firstOffline,
	}
	require.NoError(t, c.CreateNode(n))

	require.NoError(t, m.Heartbeat("n1", types.NodeLoad{}))

	got, err := c.GetNode("n1")
	require.NoError(t, err)
	require.Equal(t, types.NodeStatusRecovering, got.Status)
	require.Nil(t, got.FirstOfflineAt)
}

func TestDrainingNodeReenteredDuringSweepOnFreshHeartbeat(t *testing.T) {
	c := newTestCoordinator(t)
	m := New(c, testConfig())

	now := time.Now()
	n := &types.Node{
		ID:              "n1",
		Status:          types.NodeStatusDraining,
		LastHeartbeat:   now,
		StatusChangedAt: now.Add(-time.Minute),
		CreatedAt:       now.Add(-time.Minute),
	}
	require.NoError(t, c.CreateNode(n))

	require.NoError(t, m.sweep())

	got, err := c.GetNode("n1")
	require.NoError(t, err)
	require.Equal(t, types.NodeStatusRecovering, got.Status)
}

func TestHeartbeatRecoversOfflineNode(t *testing.T) {
	c := newTestCoordinator(t)
	m := New(c, testConfig())

	firstOffline := time.Now().Add(-time.Minute)
	n := &types.Node{
		ID:              "n1",
		Status:          types.NodeStatusOffline,
		FirstOfflineAt:  &firstOffline,
		StatusChangedAt: firstOffline,
		CreatedAt:       firstOffline,
	}
	require.NoError(t, c.CreateNode(n))

	require.NoError(t, m.Heartbeat("n1", types.NodeLoad{}))

	got, err := c.GetNode("n1")
	require.NoError(t, err)
	require.Equal(t, types.NodeStatusRecovering, got.Status)
	require.Nil(t, got.FirstOfflineAt)
}

func TestRecoveringNodeReturnsOnlineAfterQuarantine(t *testing.T) {
	c := newTestCoordinator(t)
	m := New(c, testConfig())

	now := time.Now()
	n := &types.Node{
		ID:              "n1",
		Status:          types.NodeStatusRecovering,
		LastHeartbeat:   now,
		StatusChangedAt: now.Add(-10 * time.Minute),
		CreatedAt:       now.Add(-10 * time.Minute),
	}
	require.NoError(t, c.CreateNode(n))

	require.NoError(t, m.sweep())

	got, err := c.GetNode("n1")
	require.NoError(t, err)
	require.Equal(t, types.NodeStatusOnline, got.Status)
}

func TestMaintenanceNodeIgnoredBySweep(t *testing.T) {
	c := newTestCoordinator(t)
	m := New(c, testConfig())

	now := time.Now()
	n := &types.Node{
		ID:              "n1",
		Status:          types.NodeStatusMaintenance,
		LastHeartbeat:   now.Add(-24 * time.Hour),
		StatusChangedAt: now.Add(-24 * time.Hour),
		CreatedAt:       now.Add(-24 * time.Hour),
	}
	require.NoError(t, c.CreateNode(n))

	require.NoError(t, m.sweep())

	got, err := c.GetNode("n1")
	require.NoError(t, err)
	require.Equal(t, types.NodeStatusMaintenance, got.Status)
}

func TestDrainEnqueuesRepairJobsForHostedShards(t *testing.T) {
	c := newTestCoordinator(t)
	m := New(c, testConfig())

	now := time.Now()
	n := &types.Node{ID: "n1", Status: types.NodeStatusOnline, LastHeartbeat: now, StatusChangedAt: now, CreatedAt: now}
	require.NoError(t, c.CreateNode(n))

	loc := &types.ShardLocation{ChunkID: "chunk1", ShardIndex: 0, NodeID: "n1", Status: types.ShardLocationStored, CreatedAt: now}
	require.NoError(t, c.RecordShardStored(loc))

	require.NoError(t, m.Drain("n1"))

	jobs, err := c.ListRepairJobs()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, types.RepairPriorityDrain, jobs[0].Priority)
	require.Equal(t, "chunk1", jobs[0].ChunkID)
}
