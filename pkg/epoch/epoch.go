// Package epoch implements the Epoch Accountant (spec §4.10): a
// minute-granular ticker that tracks per-node online/offline seconds
// within the current 7-day settlement window, detects the slashing
// conditions of spec §4.10, and at epoch boundary computes pro-rated
// payout weights before finalizing the epoch. Grounded on the
// teacher's pkg/reconciler/reconciler.go for the ticker shape and
// pkg/manager/manager.go's Apply-transactional mutation pattern for
// the finalize-is-the-payout-gate invariant.
package epoch

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/cyxcloud/cyxcloud/pkg/coordinator"
	"github.com/cyxcloud/cyxcloud/pkg/cyxevents"
	"github.com/cyxcloud/cyxcloud/pkg/cyxlog"
	"github.com/cyxcloud/cyxcloud/pkg/metrics"
	"github.com/cyxcloud/cyxcloud/pkg/types"
)

// Config holds the Epoch Accountant's tunables (spec §4.10, §6).
type Config struct {
	Duration        time.Duration
	TickInterval    time.Duration
	ExtendedDowntimeThreshold time.Duration
	FailedProofsThreshold     int
}

// DefaultConfig returns the spec's documented defaults: 7-day epochs,
// a one-minute tick, a 24h continuous-downtime slash threshold, and a
// 3-strike failed-proofs threshold.
func DefaultConfig() Config {
	return Config{
		Duration:                  7 * 24 * time.Hour,
		TickInterval:              time.Minute,
		ExtendedDowntimeThreshold: 24 * time.Hour,
		FailedProofsThreshold:     3,
	}
}

// PoolSource supplies the external settlement pool total (the
// payments/on-chain collaborator, out of scope per spec §1) for the
// epoch about to close.
type PoolSource interface {
	PoolTotal(epoch uint64) (decimal.Decimal, error)
}

// ZeroPool is a PoolSource that reports an empty pool every epoch; it
// is the default when no settlement collaborator is wired, so the
// Accountant still exercises the full uptime/slashing/finalize path in
// deployments or tests that have not plugged in a real payments
// backend.
type ZeroPool struct{}

// PoolTotal implements PoolSource.
func (ZeroPool) PoolTotal(uint64) (decimal.Decimal, error) { return decimal.Zero, nil }

// reasonKey disambiguates a (node, reason) pair already slashed within
// the current open epoch, so a persistent condition (e.g. a node stuck
// at 3+ verification failures) is not slashed again on every tick.
type reasonKey struct {
	nodeID string
	reason types.SlashingReason
}

// Accountant is one running Epoch Accountant instance.
type Accountant struct {
	coord *coordinator.Coordinator
	cfg   Config
	pool  PoolSource

	logger zerolog.Logger

	mu       sync.Mutex
	lastTick time.Time
	slashed  map[reasonKey]bool

	sub    cyxevents.Subscriber
	stopCh chan struct{}
}

// New creates an Accountant over coord. pool may be nil, in which case
// ZeroPool is used.
func New(coord *coordinator.Coordinator, pool PoolSource, cfg Config) *Accountant {
	if pool == nil {
		pool = ZeroPool{}
	}
	return &Accountant{
		coord:   coord,
		cfg:     cfg,
		pool:    pool,
		logger:  cyxlog.WithComponent("epoch"),
		slashed: make(map[reasonKey]bool),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the minute-tick loop and subscribes to the event bus for
// the reactive slashing triggers (corrupted_data, data_loss) that the
// Read Coordinator and Rebalancer surface as they discover them.
func (a *Accountant) Start() {
	if broker := a.coord.EventBroker(); broker != nil {
		a.sub = broker.Subscribe()
		go a.consumeEvents(a.sub)
	}
	go a.run()
}

// Stop terminates the tick loop and unsubscribes from the event bus.
func (a *Accountant) Stop() {
	close(a.stopCh)
	if a.sub != nil {
		if broker := a.coord.EventBroker(); broker != nil {
			broker.Unsubscribe(a.sub)
		}
	}
}

func (a *Accountant) run() {
	ticker := time.NewTicker(a.cfg.TickInterval)
	defer ticker.Stop()

	a.logger.Info().Msg("epoch accountant started")

	for {
		select {
		case <-ticker.C:
			if err := a.Tick(); err != nil {
				a.logger.Error().Err(err).Msg("epoch tick failed")
			}
		case <-a.stopCh:
			a.logger.Info().Msg("epoch accountant stopped")
			return
		}
	}
}

func (a *Accountant) consumeEvents(sub cyxevents.Subscriber) {
	for ev := range sub {
		switch ev.Type {
		case cyxevents.EventChunkIntegrityFailed:
			a.handleIntegrityEvent(ev)
		case cyxevents.EventRepairFailed:
			a.handleRepairFailedEvent(ev)
		}
	}
}

// handleIntegrityEvent reacts to a corrupted-shard detection from the
// Read Coordinator: a node that returned bytes whose hash disagrees
// with the stored content hash is slashed corrupted_data (spec
// §4.10's 50% tier), the harshest penalty in the taxonomy.
func (a *Accountant) handleIntegrityEvent(ev *cyxevents.Event) {
	if ev.Metadata["reason"] != "corrupted_data" {
		return
	}
	nodeID := ev.Metadata["node_id"]
	if nodeID == "" {
		return
	}
	epoch, err := a.coord.GetOpenEpoch()
	if err != nil {
		a.logger.Error().Err(err).Msg("no open epoch to record corrupted_data slash against")
		return
	}
	if err := a.slash(epoch.Number, nodeID, types.SlashReasonCorruptedData, ev.Message); err != nil {
		a.logger.Error().Err(err).Str("node_id", nodeID).Msg("recording corrupted_data slash")
	}
}

// handleRepairFailedEvent reacts to a Rebalancer repair job that
// permanently exhausted its retries while trying to recover a shard
// that could not be reconstructed from any remaining shards — spec
// §4.10's data_loss condition, attributed to whichever node's loss of
// its hosted shard is what made reconstruction impossible.
func (a *Accountant) handleRepairFailedEvent(ev *cyxevents.Event) {
	if ev.Metadata["reason"] != "data_loss" {
		return
	}
	nodeID := ev.Metadata["node_id"]
	if nodeID == "" {
		return
	}
	epoch, err := a.coord.GetOpenEpoch()
	if err != nil {
		a.logger.Error().Err(err).Msg("no open epoch to record data_loss slash against")
		return
	}
	if err := a.slash(epoch.Number, nodeID, types.SlashReasonDataLoss, ev.Message); err != nil {
		a.logger.Error().Err(err).Str("node_id", nodeID).Msg("recording data_loss slash")
	}
}

// Tick runs one minute-granular accounting pass: accrue uptime seconds
// for every registered node, evaluate the tick-detectable slashing
// conditions, and finalize the epoch if its duration has elapsed.
func (a *Accountant) Tick() error {
	a.mu.Lock()
	now := time.Now()
	last := a.lastTick
	if last.IsZero() {
		last = now
	}
	a.lastTick = now
	a.mu.Unlock()

	epoch, err := a.ensureOpenEpoch(now)
	if err != nil {
		return fmt.Errorf("epoch: ensuring open epoch: %w", err)
	}

	boundary := epoch.StartedAt.Add(a.cfg.Duration)
	// Split the elapsed window at the epoch boundary so a tick that
	// straddles the close of one epoch and the open of the next
	// credits each side only the seconds that actually fall within it
	// (spec §8: "epoch boundary crossing mid-minute must not
	// double-count seconds").
	creditEnd := now
	crossesBoundary := now.After(boundary) && last.Before(boundary)
	if crossesBoundary {
		creditEnd = boundary
	}

	if err := a.accrue(epoch.Number, last, creditEnd); err != nil {
		return fmt.Errorf("epoch: accruing uptime: %w", err)
	}
	if err := a.detectTickSlashing(epoch); err != nil {
		a.logger.Error().Err(err).Msg("evaluating tick-based slashing conditions")
	}

	if !now.Before(boundary) {
		if err := a.finalize(epoch, boundary); err != nil {
			return fmt.Errorf("epoch: finalizing epoch %d: %w", epoch.Number, err)
		}
		next := &types.Epoch{Number: epoch.Number + 1, StartedAt: boundary}
		if err := a.coord.CreateEpoch(next); err != nil {
			return fmt.Errorf("epoch: opening epoch %d: %w", next.Number, err)
		}
		a.mu.Lock()
		a.slashed = make(map[reasonKey]bool)
		a.mu.Unlock()

		if crossesBoundary && creditEnd.Before(now) {
			if err := a.accrue(next.Number, boundary, now); err != nil {
				a.logger.Error().Err(err).Msg("accruing remainder of boundary-crossing tick into new epoch")
			}
		}
	}
	return nil
}

// ensureOpenEpoch returns the currently open epoch, bootstrapping
// epoch 1 on first run if the metadata store has none.
func (a *Accountant) ensureOpenEpoch(now time.Time) (*types.Epoch, error) {
	epoch, err := a.coord.GetOpenEpoch()
	if err == nil {
		return epoch, nil
	}
	first := &types.Epoch{Number: 1, StartedAt: now}
	if cerr := a.coord.CreateEpoch(first); cerr != nil {
		return nil, cerr
	}
	return first, nil
}

// accrue credits every registered node's NodeEpochUptime row for
// [from, to) according to its current status: online time counts as
// seconds_online, anything else (offline, recovering, draining,
// maintenance) as seconds_offline per §4.10's "readable-and-writable"
// definition of online.
func (a *Accountant) accrue(epochNum uint64, from, to time.Time) error {
	elapsed := to.Sub(from)
	if elapsed <= 0 {
		return nil
	}
	secs := int64(elapsed.Seconds())

	nodes, err := a.coord.ListNodes()
	if err != nil {
		return err
	}

	for _, n := range nodes {
		uptime, err := a.coord.GetNodeEpochUptime(n.ID, epochNum)
		if err != nil {
			uptime = &types.NodeEpochUptime{NodeID: n.ID, Epoch: epochNum}
		}

		if n.Status == types.NodeStatusOnline {
			uptime.SecondsOnline += secs
		} else {
			uptime.SecondsOffline += secs
		}
		uptime.LastStatusChange = n.StatusChangedAt
		uptime.StorageBytesSnapshot = n.TotalBytes
		uptime.ReputationSnapshot = n.ReputationScore

		if err := a.coord.UpsertNodeEpochUptime(uptime); err != nil {
			a.logger.Error().Err(err).Str("node_id", n.ID).Msg("upserting node epoch uptime")
		}
	}
	return nil
}

// detectTickSlashing evaluates the two slashing conditions that can be
// read directly off current node/shard-location state on every tick:
// extended_downtime (continuous offline duration) and failed_proofs
// (consecutive verification failures recorded on a hosted shard).
func (a *Accountant) detectTickSlashing(epoch *types.Epoch) error {
	nodes, err := a.coord.ListNodes()
	if err != nil {
		return err
	}

	now := time.Now()
	for _, n := range nodes {
		if n.FirstOfflineAt != nil && now.Sub(*n.FirstOfflineAt) > a.cfg.ExtendedDowntimeThreshold {
			if err := a.slash(epoch.Number, n.ID, types.SlashReasonExtendedDowntime,
				fmt.Sprintf("offline continuously since %s", n.FirstOfflineAt.Format(time.RFC3339))); err != nil {
				a.logger.Error().Err(err).Str("node_id", n.ID).Msg("recording extended_downtime slash")
			}
		}

		locs, err := a.coord.ListShardLocationsByNode(n.ID)
		if err != nil {
			a.logger.Error().Err(err).Str("node_id", n.ID).Msg("listing shard locations for failed_proofs check")
			continue
		}
		for _, loc := range locs {
			if loc.VerificationFailures >= a.cfg.FailedProofsThreshold {
				if err := a.slash(epoch.Number, n.ID, types.SlashReasonFailedProofs,
					fmt.Sprintf("chunk %s shard %d: %d consecutive verification failures", loc.ChunkID, loc.ShardIndex, loc.VerificationFailures)); err != nil {
					a.logger.Error().Err(err).Str("node_id", n.ID).Msg("recording failed_proofs slash")
				}
				break
			}
		}
	}
	return nil
}

// slash records a SlashingEvent and publishes it on the event bus, at
// most once per (node, reason) within the open epoch.
func (a *Accountant) slash(epochNum uint64, nodeID string, reason types.SlashingReason, details string) error {
	key := reasonKey{nodeID: nodeID, reason: reason}

	a.mu.Lock()
	if a.slashed[key] {
		a.mu.Unlock()
		return nil
	}
	a.slashed[key] = true
	a.mu.Unlock()

	event := &types.SlashingEvent{
		ID:        fmt.Sprintf("%s-%d-%s", nodeID, epochNum, reason),
		NodeID:    nodeID,
		Epoch:     epochNum,
		Reason:    reason,
		Percent:   types.SlashPercent[reason],
		Details:   details,
		CreatedAt: time.Now(),
	}
	if err := a.coord.CreateSlashingEvent(event); err != nil {
		return err
	}

	metrics.SlashingEventsTotal.WithLabelValues(string(reason)).Inc()
	a.logger.Warn().Str("node_id", nodeID).Str("reason", string(reason)).Int("percent", event.Percent).Msg("slashing event recorded")

	if broker := a.coord.EventBroker(); broker != nil {
		broker.Publish(&cyxevents.Event{
			Type:    cyxevents.EventSlashingApplied,
			Message: fmt.Sprintf("node %s slashed %d%% for %s", nodeID, event.Percent, reason),
			Metadata: map[string]string{
				"node_id": nodeID,
				"reason":  string(reason),
			},
		})
	}
	return nil
}

// weight computes a node's payout weight for a closing epoch: storage
// capacity scaled by how much of the epoch it was online for and by
// its reputation, per spec §4.10 step 2.
func weight(storageTotal int64, secondsOnline int64, epochDuration time.Duration, reputationScore int) decimal.Decimal {
	durationSecs := epochDuration.Seconds()
	uptimeFactor := decimal.NewFromInt(secondsOnline).Div(decimal.NewFromFloat(durationSecs))
	one := decimal.NewFromInt(1)
	if uptimeFactor.GreaterThan(one) {
		uptimeFactor = one
	}

	reputationFactor := decimal.NewFromFloat(0.5).Add(decimal.NewFromInt(int64(reputationScore)).Div(decimal.NewFromInt(10000)))
	reputationFactor = clampDecimal(reputationFactor, decimal.NewFromFloat(0.5), decimal.NewFromFloat(1.5))

	return decimal.NewFromInt(storageTotal).Mul(uptimeFactor).Mul(reputationFactor)
}

func clampDecimal(d, lo, hi decimal.Decimal) decimal.Decimal {
	if d.LessThan(lo) {
		return lo
	}
	if d.GreaterThan(hi) {
		return hi
	}
	return d
}

// finalize computes §4.10 steps 2-5: per-node payout weights, the
// 85/10/5 pool split, and pro-rated payment amounts, then atomically
// flips the epoch's finalized flag. boundary is used as the epoch's
// EndedAt timestamp rather than wall-clock now, so a late-running tick
// does not record an EndedAt after the next epoch has already started
// accruing.
func (a *Accountant) finalize(epoch *types.Epoch, boundary time.Time) error {
	if epoch.Finalized {
		return nil
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.EpochFinalizeDuration)

	uptimes, err := a.coord.ListNodeEpochUptimesByEpoch(epoch.Number)
	if err != nil {
		return fmt.Errorf("listing node epoch uptimes: %w", err)
	}

	weights := make(map[string]decimal.Decimal, len(uptimes))
	sum := decimal.Zero
	for _, u := range uptimes {
		w := weight(u.StorageBytesSnapshot, u.SecondsOnline, a.cfg.Duration, u.ReputationSnapshot)
		weights[u.NodeID] = w
		sum = sum.Add(w)
	}

	poolTotal, err := a.pool.PoolTotal(epoch.Number)
	if err != nil {
		return fmt.Errorf("fetching pool total for epoch %d: %w", epoch.Number, err)
	}

	nodesShare := poolTotal.Mul(decimal.NewFromFloat(0.85))
	platformShare := poolTotal.Mul(decimal.NewFromFloat(0.10))
	communityShare := poolTotal.Mul(decimal.NewFromFloat(0.05))

	nodesPaid := 0
	for _, u := range uptimes {
		amount := decimal.Zero
		if sum.IsPositive() {
			amount = nodesShare.Mul(weights[u.NodeID]).Div(sum)
		}
		u.PaymentAllocated = true
		u.PaymentAmount = amount.StringFixed(8)
		if amount.IsPositive() {
			nodesPaid++
		}
		if err := a.coord.UpsertNodeEpochUptime(u); err != nil {
			a.logger.Error().Err(err).Str("node_id", u.NodeID).Msg("recording payout amount")
		}
	}

	closing := *epoch
	closing.EndedAt = &boundary
	closing.Finalized = true
	closing.PoolTotal = poolTotal.StringFixed(8)
	closing.NodesShare = nodesShare.StringFixed(8)
	closing.PlatformShare = platformShare.StringFixed(8)
	closing.CommunityShare = communityShare.StringFixed(8)
	closing.NodesPaid = nodesPaid
	closing.PlatformClaimed = true
	closing.CommunityClaimed = true

	if err := a.coord.FinalizeEpoch(&closing); err != nil {
		return fmt.Errorf("applying finalize: %w", err)
	}
	next := &types.Epoch{Number: epoch.Number + 1, StartedAt: boundary}
	if err := a.coord.CreateEpoch(next); err != nil {
		return fmt.Errorf("opening epoch %d: %w", next.Number, err)
	}

	a.logger.Info().Uint64("epoch", epoch.Number).Str("pool_total", closing.PoolTotal).Int("nodes_paid", nodesPaid).Msg("epoch finalized")

	if broker := a.coord.EventBroker(); broker != nil {
		broker.Publish(&cyxevents.Event{
			Type:    cyxevents.EventEpochFinalized,
			Message: fmt.Sprintf("epoch %d finalized, %d nodes paid", epoch.Number, nodesPaid),
			Metadata: map[string]string{
				"epoch":      fmt.Sprintf("%d", epoch.Number),
				"pool_total": closing.PoolTotal,
			},
		})
	}
	return nil
}
