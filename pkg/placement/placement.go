// Package placement implements the Placement Engine (spec §4.6): the
// decision mapping each shard_index of a chunk onto a target node,
// generalizing the coordination core's node-selection shape (filter
// candidates, score, pick) into a scored, diversity-constrained, greedy
// algorithm with ordered constraint relaxation.
package placement

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/cyxcloud/cyxcloud/pkg/coordinator"
	"github.com/cyxcloud/cyxcloud/pkg/cyxerr"
	"github.com/cyxcloud/cyxcloud/pkg/cyxlog"
	"github.com/cyxcloud/cyxcloud/pkg/metrics"
	"github.com/cyxcloud/cyxcloud/pkg/types"
)

// Config holds the scoring weights and diversity caps. Defaults are the
// values spec §4.6 names.
type Config struct {
	CapacityWeight  float64
	LoadWeight      float64
	DiversityWeight float64

	MaxShardsPerRack       int
	MaxShardsPerRackGroup  int
	MaxShardsPerDatacenter int
}

// DefaultConfig returns spec §4.6's documented diversity caps and a
// capacity-dominant scoring weight set.
func DefaultConfig() Config {
	return Config{
		CapacityWeight:         1.0,
		LoadWeight:             0.5,
		DiversityWeight:        0.25,
		MaxShardsPerRack:       2,
		MaxShardsPerRackGroup:  4,
		MaxShardsPerDatacenter: 6,
	}
}

// Engine selects placement targets from the coordinator's current node
// view.
type Engine struct {
	coord  *coordinator.Coordinator
	cfg    Config
	logger zerolog.Logger
}

// New creates an Engine over coord.
func New(coord *coordinator.Coordinator, cfg Config) *Engine {
	return &Engine{coord: coord, cfg: cfg, logger: cyxlog.WithComponent("placement")}
}

// candidate is a scored node under consideration for one chunk's shards.
type candidate struct {
	node  *types.Node
	score float64
}

// constraintLevel names one relaxation step, from most to least strict.
// Level 0 (distinct nodes per chunk) is never relaxed. Latency
// preference for data shards (spec §4.6 item 5) is not a filter at all —
// it is applied as a post-selection reordering in SelectTargets, since
// every selected node still hosts a shard regardless of latency.
type constraintLevel int

const (
	levelDistinctNode constraintLevel = iota
	levelRackCap
	levelRackGroupCap
	levelDatacenterCap
	levelNone
)

// SelectTargets picks n = k+m distinct nodes to host the shards of one
// chunk, applying diversity constraints in hard-to-soft relaxation
// order. dataShards is the number of leading shard indices considered
// data (vs. parity), used only for the (currently best-effort) latency
// preference. Returns cyxerr.KindInsufficientStorage if n cannot be
// satisfied even with every relaxable constraint dropped.
func (e *Engine) SelectTargets(n, dataShards int, shardSize int64) ([]*types.Node, error) {
	return e.SelectTargetsExcluding(n, dataShards, shardSize, nil)
}

// SelectTargetsExcluding behaves like SelectTargets but drops any node
// id present in exclude from the candidate set before scoring — used by
// the Write Coordinator and Rebalancer to retry a single failed shard
// on a node distinct from ones already known bad (spec §4.7 step 6,
// §4.9 step 2).
func (e *Engine) SelectTargetsExcluding(n, dataShards int, shardSize int64, exclude map[string]bool) ([]*types.Node, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PlacementLatency)

	nodes, err := e.coord.ListNodes()
	if err != nil {
		return nil, fmt.Errorf("placement: listing nodes: %w", err)
	}

	candidates := e.scoreCandidates(nodes, shardSize, exclude)
	if len(candidates) < n {
		return nil, cyxerr.New(cyxerr.KindInsufficientStorage, fmt.Sprintf("only %d eligible nodes for %d shards", len(candidates), n))
	}

	for level := levelDistinctNode; level <= levelNone; level++ {
		selected := e.greedySelect(candidates, n, level)
		if len(selected) == n {
			if level > levelDistinctNode {
				metrics.PlacementConstraintRelaxationsTotal.Add(float64(level))
				e.logger.Warn().Int("level", int(level)).Msg("placement relaxed diversity constraints")
			}
			out := make([]*types.Node, n)
			for i, c := range selected {
				out[i] = c.node
			}
			preferLowLatencyForDataShards(out, dataShards)
			return out, nil
		}
	}

	return nil, cyxerr.New(cyxerr.KindInsufficientStorage, "cannot satisfy shard count even with diversity constraints fully relaxed")
}

// preferLowLatencyForDataShards reorders out in place so the nodes with
// the lowest heartbeated RecentRTT take the leading (data shard)
// positions. Nodes with no RTT hint sort after those with one, and the
// score order is kept among equal RTTs.
func preferLowLatencyForDataShards(out []*types.Node, dataShards int) {
	if dataShards <= 0 {
		return
	}
	rtt := func(n *types.Node) int64 {
		if n.Load.RecentRTT <= 0 {
			return 1<<63 - 1
		}
		return int64(n.Load.RecentRTT)
	}
	sort.SliceStable(out, func(i, j int) bool { return rtt(out[i]) < rtt(out[j]) })
}

// scoreCandidates filters nodes to the eligible set (online, available
// capacity, not excluded) and computes each one's placement score.
func (e *Engine) scoreCandidates(nodes []*types.Node, shardSize int64, exclude map[string]bool) []candidate {
	var out []candidate
	for _, n := range nodes {
		if n.Status != types.NodeStatusOnline {
			continue
		}
		if n.Available() < shardSize {
			continue
		}
		if exclude[n.ID] {
			continue
		}
		out = append(out, candidate{node: n, score: e.score(n)})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		// Deterministic tie-break.
		return out[i].node.ID < out[j].node.ID
	})
	return out
}

// score weights available capacity against load penalty and a small
// reputation-driven diversity bonus (spec §4.6).
func (e *Engine) score(n *types.Node) float64 {
	capacityScore := float64(n.Available())
	loadPenalty := n.Load.CPUPercent + n.Load.MemPercent
	diversityBonus := float64(n.ReputationScore) / 10000.0

	return e.cfg.CapacityWeight*capacityScore -
		e.cfg.LoadWeight*loadPenalty*capacityScore/100.0 +
		e.cfg.DiversityWeight*diversityBonus*capacityScore
}

// greedySelect walks candidates by descending score, admitting each one
// unless it violates a constraint still enforced at level.
func (e *Engine) greedySelect(candidates []candidate, n int, level constraintLevel) []candidate {
	var selected []candidate
	usedNodes := make(map[string]bool)
	perRack := make(map[string]int)
	perRackGroup := make(map[string]int)
	perDatacenter := make(map[string]int)

	for _, c := range candidates {
		if len(selected) == n {
			break
		}
		if usedNodes[c.node.ID] {
			continue // hard constraint, never relaxed
		}

		if level < levelRackCap && perRack[c.node.Domain.Rack] >= e.cfg.MaxShardsPerRack && c.node.Domain.Rack != "" {
			continue
		}
		if level < levelRackGroupCap && perRackGroup[c.node.Domain.RackGroup] >= e.cfg.MaxShardsPerRackGroup && c.node.Domain.RackGroup != "" {
			continue
		}
		if level < levelDatacenterCap && perDatacenter[c.node.Domain.Datacenter] >= e.cfg.MaxShardsPerDatacenter && c.node.Domain.Datacenter != "" {
			continue
		}

		selected = append(selected, c)
		usedNodes[c.node.ID] = true
		perRack[c.node.Domain.Rack]++
		perRackGroup[c.node.Domain.RackGroup]++
		perDatacenter[c.node.Domain.Datacenter]++
	}

	return selected
}
