package epoch

import (
	"net"
	"testing"
	"time"

	"github.com/shopspring/decimal"
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

type fixedPool struct{ total decimal.Decimal }

func (p fixedPool) PoolTotal(uint64) (decimal.Decimal, error) { return p.total, nil }

func registerNode(t *testing.T, coord *coordinator.Coordinator, id string, totalBytes int64, reputation int) {
	t.Helper()
	require.NoError(t, coord.CreateNode(&types.Node{
		ID:              id,
		GRPCAddress:     "127.0.0.1:0",
		Type:            types.NodeTypeMiner,
		TotalBytes:      totalBytes,
		Status:          types.NodeStatusOnline,
		ReputationScore: reputation,
		StatusChangedAt: time.Now(),
		CreatedAt:       time.Now(),
	}))
}

// TestFinalizeSplitsPoolProRata verifies the spec's documented
// scenario: two nodes, equal capacity and reputation, fully online for
// the whole epoch, split a 1,000,000 unit pool 85/10/5 and then evenly
// between themselves.
func TestFinalizeSplitsPoolProRata(t *testing.T) {
	coord := newTestCoordinator(t)
	registerNode(t, coord, "node-a", 1000, 5000)
	registerNode(t, coord, "node-b", 1000, 5000)

	cfg := DefaultConfig()
	cfg.Duration = time.Hour

	pool := fixedPool{total: decimal.NewFromInt(1_000_000)}
	acc := New(coord, pool, cfg)

	epoch := &types.Epoch{Number: 1, StartedAt: time.Now().Add(-cfg.Duration)}
	require.NoError(t, coord.CreateEpoch(epoch))

	require.NoError(t, coord.UpsertNodeEpochUptime(&types.NodeEpochUptime{
		NodeID: "node-a", Epoch: 1, SecondsOnline: int64(cfg.Duration.Seconds()),
		StorageBytesSnapshot: 1000, ReputationSnapshot: 5000,
	}))
	require.NoError(t, coord.UpsertNodeEpochUptime(&types.NodeEpochUptime{
		NodeID: "node-b", Epoch: 1, SecondsOnline: int64(cfg.Duration.Seconds()),
		StorageBytesSnapshot: 1000, ReputationSnapshot: 5000,
	}))

	require.NoError(t, acc.finalize(epoch, time.Now()))

	closed, err := coord.GetOpenEpoch()
	require.NoError(t, err)
	// A new epoch (2) should now be open, distinct from the finalized one.
	require.Equal(t, uint64(2), closed.Number)

	uptimeA, err := coord.GetNodeEpochUptime("node-a", 1)
	require.NoError(t, err)
	uptimeB, err := coord.GetNodeEpochUptime("node-b", 1)
	require.NoError(t, err)

	require.True(t, uptimeA.PaymentAllocated)
	require.True(t, uptimeB.PaymentAllocated)

	amountA, err := decimal.NewFromString(uptimeA.PaymentAmount)
	require.NoError(t, err)
	amountB, err := decimal.NewFromString(uptimeB.PaymentAmount)
	require.NoError(t, err)

	expectedEach := decimal.NewFromInt(425_000)
	require.True(t, amountA.Sub(expectedEach).Abs().LessThan(decimal.NewFromFloat(0.01)))
	require.True(t, amountB.Sub(expectedEach).Abs().LessThan(decimal.NewFromFloat(0.01)))
}

// TestFinalizeIsIdempotent confirms a second finalize on an
// already-finalized epoch is a no-op: finalize returns early when the
// epoch it is handed is already marked finalized, leaving the payout
// amounts unchanged.
func TestFinalizeIsIdempotent(t *testing.T) {
	coord := newTestCoordinator(t)
	registerNode(t, coord, "node-a", 1000, 5000)

	cfg := DefaultConfig()
	cfg.Duration = time.Hour
	pool := fixedPool{total: decimal.NewFromInt(1000)}
	acc := New(coord, pool, cfg)

	epoch := &types.Epoch{Number: 1, StartedAt: time.Now().Add(-cfg.Duration)}
	require.NoError(t, coord.CreateEpoch(epoch))
	require.NoError(t, coord.UpsertNodeEpochUptime(&types.NodeEpochUptime{
		NodeID: "node-a", Epoch: 1, SecondsOnline: int64(cfg.Duration.Seconds()),
		StorageBytesSnapshot: 1000, ReputationSnapshot: 5000,
	}))

	require.NoError(t, acc.finalize(epoch, time.Now()))

	before, err := coord.GetNodeEpochUptime("node-a", 1)
	require.NoError(t, err)

	// finalize called again with an epoch struct marked finalized must
	// not re-run the payout math.
	already := *epoch
	already.Finalized = true
	require.NoError(t, acc.finalize(&already, time.Now()))

	after, err := coord.GetNodeEpochUptime("node-a", 1)
	require.NoError(t, err)
	require.Equal(t, before.PaymentAmount, after.PaymentAmount)
}

// TestSlashDedupesWithinEpoch verifies that slashing the same node for
// the same reason twice within one open epoch only records one event.
func TestSlashDedupesWithinEpoch(t *testing.T) {
	coord := newTestCoordinator(t)
	registerNode(t, coord, "node-a", 1000, 5000)

	cfg := DefaultConfig()
	acc := New(coord, nil, cfg)

	require.NoError(t, acc.slash(1, "node-a", types.SlashReasonCorruptedData, "first"))
	require.NoError(t, acc.slash(1, "node-a", types.SlashReasonCorruptedData, "second"))

	events, err := coord.ListSlashingEventsByNode("node-a")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, types.SlashReasonCorruptedData, events[0].Reason)
	require.Equal(t, 50, events[0].Percent)
}

// TestWeightScalesWithUptimeAndReputation checks the weight formula's
// monotonicity: more uptime and higher reputation both increase weight,
// holding storage constant.
func TestWeightScalesWithUptimeAndReputation(t *testing.T) {
	full := weight(1000, 3600, time.Hour, 5000)
	half := weight(1000, 1800, time.Hour, 5000)
	require.True(t, full.GreaterThan(half))

	lowRep := weight(1000, 3600, time.Hour, 0)
	highRep := weight(1000, 3600, time.Hour, 10000)
	require.True(t, highRep.GreaterThan(lowRep))
}
