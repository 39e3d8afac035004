// Package monitor implements the Node Monitor (spec §4.5): the single
// writer of nodes.status, driving every storage node through
// online/offline/recovering/draining/maintenance on a ticking
// reconciliation loop adapted from the coordination core's general
// reconcile-on-a-timer shape.
package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cyxcloud/cyxcloud/pkg/coordinator"
	"github.com/cyxcloud/cyxcloud/pkg/cyxevents"
	"github.com/cyxcloud/cyxcloud/pkg/cyxlog"
	"github.com/cyxcloud/cyxcloud/pkg/metrics"
	"github.com/cyxcloud/cyxcloud/pkg/types"
)

// Config holds the timers driving the state machine, defaulting to the
// values in spec §6's environment table.
type Config struct {
	MonitorInterval     time.Duration
	OfflineThreshold     time.Duration
	RecoveryQuarantine   time.Duration
	DrainThreshold       time.Duration
	RemoveThreshold      time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		MonitorInterval:    30 * time.Second,
		OfflineThreshold:   5 * time.Minute,
		RecoveryQuarantine: 5 * time.Minute,
		DrainThreshold:     4 * time.Hour,
		RemoveThreshold:    7 * 24 * time.Hour,
	}
}

// Monitor runs the per-node state machine on a ticker, transitioning
// nodes.status and enqueueing repair jobs as nodes drain or are removed.
type Monitor struct {
	coord  *coordinator.Coordinator
	cfg    Config
	logger zerolog.Logger

	// locks guards per-node transactional locking so a transition never
	// races a concurrent RegisterNode update of the same row (spec §5).
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	stopCh chan struct{}
}

// New creates a Monitor over coord using cfg.
func New(coord *coordinator.Coordinator, cfg Config) *Monitor {
	return &Monitor{
		coord:  coord,
		cfg:    cfg,
		logger: cyxlog.WithComponent("monitor"),
		locks:  make(map[string]*sync.Mutex),
		stopCh: make(chan struct{}),
	}
}

// Start begins the reconciliation loop in a new goroutine.
func (m *Monitor) Start() {
	go m.run()
}

// Stop terminates the reconciliation loop.
func (m *Monitor) Stop() {
	close(m.stopCh)
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()

	m.logger.Info().Msg("node monitor started")

	for {
		select {
		case <-ticker.C:
			if err := m.sweep(); err != nil {
				m.logger.Error().Err(err).Msg("sweep failed")
			}
		case <-m.stopCh:
			m.logger.Info().Msg("node monitor stopped")
			return
		}
	}
}

func (m *Monitor) lockFor(nodeID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[nodeID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[nodeID] = l
	}
	return l
}

// sweep evaluates every node once against the current clock.
func (m *Monitor) sweep() error {
	nodes, err := m.coord.ListNodes()
	if err != nil {
		return fmt.Errorf("monitor: listing nodes: %w", err)
	}

	now := time.Now()
	for _, n := range nodes {
		if err := m.evaluate(n, now); err != nil {
			m.logger.Error().Err(err).Str("node_id", n.ID).Msg("evaluating node failed")
		}
	}
	return nil
}

// evaluate applies the state machine's timer-driven transitions to a
// single node. Operator-driven transitions (maintenance, explicit drain)
// are applied directly via Drain/SetMaintenance/ReturnFromMaintenance and are not
// second-guessed here, except that a node already in maintenance is left
// alone until an operator returns it.
func (m *Monitor) evaluate(n *types.Node, now time.Time) error {
	lock := m.lockFor(n.ID)
	lock.Lock()
	defer lock.Unlock()

	// Re-fetch under the per-node lock: a concurrent RegisterNode or
	// heartbeat handler may have updated the row since the sweep listed it.
	cur, err := m.coord.GetNode(n.ID)
	if err != nil {
		return err
	}

	switch cur.Status {
	case types.NodeStatusMaintenance:
		return nil

	case types.NodeStatusOnline:
		if now.Sub(cur.LastHeartbeat) > m.cfg.OfflineThreshold {
			return m.transition(cur, types.NodeStatusOffline, now)
		}
		return nil

	case types.NodeStatusOffline:
		if cur.FirstOfflineAt == nil {
			// Should not happen (offline always sets it), but guard
			// against a FSM-restored row missing the field.
			return m.transition(cur, types.NodeStatusOffline, now)
		}
		if now.Sub(*cur.FirstOfflineAt) > m.cfg.DrainThreshold {
			return m.enterDraining(cur, now)
		}
		if now.Sub(cur.LastHeartbeat) <= m.cfg.OfflineThreshold {
			// A heartbeat arrived again; re-admit through recovering.
			return m.transition(cur, types.NodeStatusRecovering, now)
		}
		return nil

	case types.NodeStatusRecovering:
		if now.Sub(cur.LastHeartbeat) > m.cfg.OfflineThreshold {
			return m.transition(cur, types.NodeStatusOffline, now)
		}
		if now.Sub(cur.StatusChangedAt) > m.cfg.RecoveryQuarantine {
			return m.transition(cur, types.NodeStatusOnline, now)
		}
		return nil

	case types.NodeStatusDraining:
		if now.Sub(cur.LastHeartbeat) <= m.cfg.OfflineThreshold {
			// A heartbeat arrived again; resume the normal recovery path.
			return m.transition(cur, types.NodeStatusRecovering, now)
		}
		if cur.FirstOfflineAt != nil && now.Sub(*cur.FirstOfflineAt) > m.cfg.RemoveThreshold {
			return m.removeNode(cur)
		}
		locs, err := m.coord.ListShardLocationsByNode(cur.ID)
		if err != nil {
			return fmt.Errorf("monitor: listing shard locations for draining node %s: %w", cur.ID, err)
		}
		if len(locs) == 0 {
			return m.removeNode(cur)
		}
		return nil

	default:
		return fmt.Errorf("monitor: node %s has unknown status %q", cur.ID, cur.Status)
	}
}

// Heartbeat records a fresh heartbeat and, for an offline or draining
// node, begins its recovery quarantine. Called by the Node Agent RPC
// handler, not the sweep loop, so a node recovers promptly rather than
// waiting a full monitor interval after its first packet lands.
func (m *Monitor) Heartbeat(nodeID string, load types.NodeLoad) error {
	lock := m.lockFor(nodeID)
	lock.Lock()
	defer lock.Unlock()

	n, err := m.coord.GetNode(nodeID)
	if err != nil {
		return err
	}

	n.LastHeartbeat = time.Now()
	n.Load = load

	if n.Status == types.NodeStatusOffline || n.Status == types.NodeStatusDraining {
		return m.transition(n, types.NodeStatusRecovering, time.Now())
	}
	return m.coord.UpdateNode(n)
}

// Drain requests an operator-initiated drain of n, regardless of its
// current heartbeat freshness.
func (m *Monitor) Drain(nodeID string) error {
	lock := m.lockFor(nodeID)
	lock.Lock()
	defer lock.Unlock()

	n, err := m.coord.GetNode(nodeID)
	if err != nil {
		return err
	}
	return m.enterDraining(n, time.Now())
}

// SetMaintenance moves n into maintenance from any state.
func (m *Monitor) SetMaintenance(nodeID string) error {
	lock := m.lockFor(nodeID)
	lock.Lock()
	defer lock.Unlock()

	n, err := m.coord.GetNode(nodeID)
	if err != nil {
		return err
	}
	return m.transition(n, types.NodeStatusMaintenance, time.Now())
}

// ReturnFromMaintenance moves n from maintenance back to recovering, so
// it re-enters the normal quarantine path rather than jumping straight
// to online.
func (m *Monitor) ReturnFromMaintenance(nodeID string) error {
	lock := m.lockFor(nodeID)
	lock.Lock()
	defer lock.Unlock()

	n, err := m.coord.GetNode(nodeID)
	if err != nil {
		return err
	}
	if n.Status != types.NodeStatusMaintenance {
		return fmt.Errorf("monitor: node %s is not in maintenance", nodeID)
	}
	return m.transition(n, types.NodeStatusRecovering, time.Now())
}

// transition applies a single status change, updating first_offline_at
// and status_changed_at per the invariants in spec §8, publishes an
// event, and persists the row through Raft.
func (m *Monitor) transition(n *types.Node, next types.NodeStatus, now time.Time) error {
	prev := n.Status
	n.Status = next
	n.StatusChangedAt = now

	switch next {
	case types.NodeStatusOffline, types.NodeStatusDraining:
		if n.FirstOfflineAt == nil {
			n.FirstOfflineAt = &now
		}
	default:
		n.FirstOfflineAt = nil
	}

	if err := m.coord.UpdateNode(n); err != nil {
		return fmt.Errorf("monitor: updating node %s: %w", n.ID, err)
	}

	metrics.NodeStateTransitionsTotal.WithLabelValues(string(prev), string(next)).Inc()
	if broker := m.coord.EventBroker(); broker != nil {
		broker.Publish(&cyxevents.Event{
			Type:    cyxevents.EventNodeStateChanged,
			Message: fmt.Sprintf("node %s: %s -> %s", n.ID, prev, next),
			Metadata: map[string]string{
				"node_id": n.ID,
				"from":    string(prev),
				"to":      string(next),
			},
		})
	}
	m.logger.Info().Str("node_id", n.ID).Str("from", string(prev)).Str("to", string(next)).Msg("node state transition")
	return nil
}

// enterDraining transitions n into draining and enqueues a high-priority
// repair job for every shard it currently hosts (spec §4.5, §4.9).
func (m *Monitor) enterDraining(n *types.Node, now time.Time) error {
	if n.Status == types.NodeStatusDraining {
		return nil
	}
	if err := m.transition(n, types.NodeStatusDraining, now); err != nil {
		return err
	}

	locs, err := m.coord.ListShardLocationsByNode(n.ID)
	if err != nil {
		return fmt.Errorf("monitor: listing shard locations to drain for node %s: %w", n.ID, err)
	}

	for _, loc := range locs {
		job := &types.RepairJob{
			ID:           fmt.Sprintf("%s-%d-drain-%d", loc.ChunkID, loc.ShardIndex, now.UnixNano()),
			ChunkID:      loc.ChunkID,
			ShardIndex:   loc.ShardIndex,
			SourceNodeID: n.ID,
			Status:       types.RepairJobPending,
			Priority:     types.RepairPriorityDrain,
			CreatedAt:    now,
		}
		if err := m.coord.CreateRepairJob(job); err != nil {
			m.logger.Error().Err(err).Str("chunk_id", loc.ChunkID).Msg("enqueueing drain repair job failed")
		}
	}

	if broker := m.coord.EventBroker(); broker != nil {
		broker.Publish(&cyxevents.Event{
			Type:     cyxevents.EventNodeDrained,
			Message:  fmt.Sprintf("node %s draining, %d shards to migrate", n.ID, len(locs)),
			Metadata: map[string]string{"node_id": n.ID},
		})
	}
	return nil
}

// removeNode deletes a drained node once no shard locations remain on
// it (or it has passed remove_threshold regardless). Deleting the node
// row cascades deletion of any remaining shard locations, which
// naturally queues repair jobs for those shards via the under-replication
// scan, rather than this method enumerating them itself.
func (m *Monitor) removeNode(n *types.Node) error {
	if err := m.coord.DeleteNode(n.ID); err != nil {
		return fmt.Errorf("monitor: removing node %s: %w", n.ID, err)
	}
	m.logger.Info().Str("node_id", n.ID).Msg("node removed after drain")
	return nil
}
