// Package rebalancer implements the Rebalancer / Repair Engine (spec
// §4.9): a priority queue of repair jobs drawn from under-replication
// scans, drain jobs, integrity failures, and orphan cleanup, executed
// with bounded parallelism and a global byte rate limit. Grounded on
// the teacher's pkg/reconciler/reconciler.go — the same
// ticker-driven-sweep-then-fix-what's-wrong shape, generalized from
// node/container health to shard placement health.
package rebalancer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cyxcloud/cyxcloud/pkg/coordinator"
	"github.com/cyxcloud/cyxcloud/pkg/cyxerr"
	"github.com/cyxcloud/cyxcloud/pkg/cyxevents"
	"github.com/cyxcloud/cyxcloud/pkg/cyxlog"
	"github.com/cyxcloud/cyxcloud/pkg/erasure"
	"github.com/cyxcloud/cyxcloud/pkg/metrics"
	"github.com/cyxcloud/cyxcloud/pkg/placement"
	"github.com/cyxcloud/cyxcloud/pkg/rpc"
	"github.com/cyxcloud/cyxcloud/pkg/types"
)

// Config holds the Rebalancer's tunables (spec §4.9).
type Config struct {
	ScanInterval      time.Duration
	RepairParallelism int
	// ByteRateLimit bounds sustained shard transfer throughput in
	// bytes/hour; default 10 GiB/h.
	ByteRateLimit  int64
	RateBurstBytes int64
	MaxRetries     int
	ShardTimeout   time.Duration
}

// DefaultConfig returns spec §4.9's documented defaults.
func DefaultConfig() Config {
	return Config{
		ScanInterval:      30 * time.Second,
		RepairParallelism: 4,
		ByteRateLimit:     10 << 30, // 10 GiB/h
		RateBurstBytes:    64 << 20,
		MaxRetries:        5,
		ShardTimeout:      30 * time.Second,
	}
}

// Engine is one Rebalancer instance.
type Engine struct {
	coord     *coordinator.Coordinator
	placement *placement.Engine
	cfg       Config
	logger    zerolog.Logger
	clients   *rpc.ClientPool
	limiter   *rate.Limiter
	sem       chan struct{}
	sub       cyxevents.Subscriber
	stopCh    chan struct{}
}

// New creates an Engine over coord and placementEngine.
func New(coord *coordinator.Coordinator, placementEngine *placement.Engine, cfg Config) *Engine {
	bytesPerSecond := float64(cfg.ByteRateLimit) / 3600.0
	return &Engine{
		coord:     coord,
		placement: placementEngine,
		cfg:       cfg,
		logger:    cyxlog.WithComponent("rebalancer"),
		clients:   rpc.NewClientPool(),
		limiter:   rate.NewLimiter(rate.Limit(bytesPerSecond), int(cfg.RateBurstBytes)),
		sem:       make(chan struct{}, cfg.RepairParallelism),
		stopCh:    make(chan struct{}),
	}
}

// Start runs the scan-and-repair loop in a background goroutine and
// subscribes to file lifecycle events so a failed or deleted upload's
// already-stored shards are reclaimed (spec §4.7 step 6, §4.9).
func (e *Engine) Start() {
	if broker := e.coord.EventBroker(); broker != nil {
		e.sub = broker.Subscribe()
		go e.consumeEvents(e.sub)
	}
	go e.run()
}

// Stop halts the loop, unsubscribes from the event bus, and tears down
// cached connections.
func (e *Engine) Stop() {
	close(e.stopCh)
	if e.sub != nil {
		if broker := e.coord.EventBroker(); broker != nil {
			broker.Unsubscribe(e.sub)
		}
	}
	e.clients.Close()
}

// consumeEvents enqueues orphan cleanup for every shard a failed or
// deleted file left behind.
func (e *Engine) consumeEvents(sub cyxevents.Subscriber) {
	for ev := range sub {
		switch ev.Type {
		case cyxevents.EventFileFailed, cyxevents.EventFileDeleted:
			e.handleFileGone(ev)
		}
	}
}

// handleFileGone walks every chunk of the file named in ev's metadata
// and schedules orphan cleanup for each shard location it finds,
// regardless of that location's status: the node still holds bytes
// that no longer belong to any live file.
func (e *Engine) handleFileGone(ev *cyxevents.Event) {
	fileID := ev.Metadata["file_id"]
	if fileID == "" {
		return
	}
	chunks, err := e.coord.ListChunksByFile(fileID)
	if err != nil {
		e.logger.Error().Err(err).Str("file_id", fileID).Msg("listing chunks for orphan cleanup")
		return
	}
	for _, chunk := range chunks {
		locs, err := e.coord.ListShardLocationsByChunk(chunk.ID)
		if err != nil {
			e.logger.Error().Err(err).Str("chunk_id", chunk.ID).Msg("listing shard locations for orphan cleanup")
			continue
		}
		for _, loc := range locs {
			if err := e.EnqueueOrphanCleanup(chunk.ID, loc.NodeID); err != nil {
				e.logger.Error().Err(err).Str("chunk_id", chunk.ID).Str("node_id", loc.NodeID).Msg("enqueueing orphan cleanup")
			}
		}
	}
}

func (e *Engine) run() {
	ticker := time.NewTicker(e.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := e.Tick(context.Background()); err != nil {
				e.logger.Error().Err(err).Msg("repair cycle failed")
			}
		case <-e.stopCh:
			return
		}
	}
}

// Tick performs one scan-then-dispatch cycle: enqueue jobs for any
// under-replicated or integrity-failed shard, then execute pending jobs
// up to RepairParallelism concurrently, highest priority first.
func (e *Engine) Tick(ctx context.Context) error {
	if err := e.scanUnderReplicated(); err != nil {
		e.logger.Error().Err(err).Msg("under-replication scan failed")
	}

	jobs, err := e.coord.ListRepairJobs()
	if err != nil {
		return fmt.Errorf("rebalancer: listing repair jobs: %w", err)
	}

	var pending []*types.RepairJob
	for _, j := range jobs {
		if j.Status == types.RepairJobPending {
			pending = append(pending, j)
		}
	}
	metrics.RepairQueueDepth.Set(float64(len(pending)))

	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	var wg sync.WaitGroup
	for _, job := range pending {
		select {
		case e.sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		}
		wg.Add(1)
		go func(job *types.RepairJob) {
			defer wg.Done()
			defer func() { <-e.sem }()
			e.executeJob(ctx, job)
		}(job)
	}
	wg.Wait()
	return nil
}

// scanUnderReplicated walks every complete file's chunks and enqueues
// a repair job for any shard_index lacking a stored-or-verified
// location, per spec §4.9's under-replication scan. Duplicate jobs on
// the same (chunk_id, shard_index, target_node_id) are absorbed by the
// metadata store's idempotency check.
func (e *Engine) scanUnderReplicated() error {
	buckets, err := e.coord.ListBuckets()
	if err != nil {
		return fmt.Errorf("listing buckets: %w", err)
	}

	for _, b := range buckets {
		files, err := e.coord.ListFiles(b.ID, "")
		if err != nil {
			e.logger.Error().Err(err).Str("bucket_id", b.ID).Msg("listing files for under-replication scan")
			continue
		}
		for _, f := range files {
			if f.Status != types.FileStatusComplete {
				continue // uploading/failed files are owned by the write path
			}
			if f.Status == types.FileStatusDeleted {
				continue
			}
			if err := e.scanFile(f); err != nil {
				e.logger.Error().Err(err).Str("file_id", f.ID).Msg("scanning file for under-replication")
			}
		}
	}
	return nil
}

func (e *Engine) scanFile(f *types.File) error {
	chunks, err := e.coord.ListChunksByFile(f.ID)
	if err != nil {
		return fmt.Errorf("listing chunks for file %s: %w", f.ID, err)
	}
	for _, chunk := range chunks {
		if err := e.scanChunk(f, chunk); err != nil {
			e.logger.Error().Err(err).Str("chunk_id", chunk.ID).Msg("scanning chunk for under-replication")
		}
	}
	return nil
}

func (e *Engine) scanChunk(f *types.File, chunk *types.Chunk) error {
	locs, err := e.coord.ListShardLocationsByChunk(chunk.ID)
	if err != nil {
		return fmt.Errorf("listing shard locations for chunk %s: %w", chunk.ID, err)
	}

	present := make(map[int]bool, len(locs))
	failedIdx := make(map[int]bool)
	for _, loc := range locs {
		switch loc.Status {
		case types.ShardLocationStored, types.ShardLocationVerified:
			present[loc.ShardIndex] = true
		case types.ShardLocationFailed:
			failedIdx[loc.ShardIndex] = true
		}
	}

	want := f.K + f.M
	for idx := 0; idx < want; idx++ {
		if present[idx] {
			continue
		}

		priority := types.RepairPriorityUnderReplicated
		if failedIdx[idx] {
			priority = types.RepairPriorityIntegrityFailed
		}

		job := &types.RepairJob{
			ID:         uuid.New().String(),
			ChunkID:    chunk.ID,
			ShardIndex: idx,
			Status:     types.RepairJobPending,
			Priority:   priority,
			CreatedAt:  time.Now(),
		}
		if err := e.coord.CreateRepairJob(job); err != nil {
			e.logger.Error().Err(err).Str("chunk_id", chunk.ID).Int("shard_index", idx).Msg("enqueueing repair job")
		}
	}
	return nil
}

// executeJob runs one job to completion, implementing spec §4.9's
// execution procedure (steps 1-3) plus orphan cleanup as a fourth job
// shape alongside placement repair.
func (e *Engine) executeJob(ctx context.Context, job *types.RepairJob) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RepairJobDuration)

	started := time.Now()
	job.Status = types.RepairJobInProgress
	job.StartedAt = &started
	if err := e.coord.UpdateRepairJob(job); err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("marking repair job in progress")
		return
	}

	var err error
	if job.Priority == types.RepairPriorityOrphanCleanup {
		err = e.runOrphanCleanup(ctx, job)
	} else {
		err = e.runPlacementRepair(ctx, job)
	}

	completed := time.Now()
	if err != nil {
		job.RetryCount++
		job.ErrorMessage = err.Error()
		if job.RetryCount >= e.cfg.MaxRetries {
			job.Status = types.RepairJobFailed
			job.CompletedAt = &completed
			metrics.RepairJobsTotal.WithLabelValues("failed").Inc()
			e.logger.Error().Err(err).Str("job_id", job.ID).Str("chunk_id", job.ChunkID).Int("shard_index", job.ShardIndex).Msg("repair job exhausted retries")
			// A job that exhausted retries because reconstruction
			// genuinely could not assemble k shards means the data is
			// gone, not merely slow to repair; attribute it to the
			// node that last held this shard so the Epoch Accountant
			// can slash data_loss.
			if cyxerr.Is(err, cyxerr.KindInsufficientShards) && job.SourceNodeID != "" {
				if broker := e.coord.EventBroker(); broker != nil {
					broker.Publish(&cyxevents.Event{
						Type:    cyxevents.EventRepairFailed,
						Message: fmt.Sprintf("repair job %s for chunk %s shard %d could not reconstruct", job.ID, job.ChunkID, job.ShardIndex),
						Metadata: map[string]string{
							"node_id":     job.SourceNodeID,
							"chunk_id":    job.ChunkID,
							"shard_index": fmt.Sprintf("%d", job.ShardIndex),
							"reason":      "data_loss",
						},
					})
				}
			}
		} else {
			job.Status = types.RepairJobPending
			metrics.RepairJobsTotal.WithLabelValues("retry").Inc()
			e.logger.Warn().Err(err).Str("job_id", job.ID).Int("retry_count", job.RetryCount).Msg("repair job failed, will retry")
		}
	} else {
		job.Status = types.RepairJobCompleted
		job.CompletedAt = &completed
		job.ErrorMessage = ""
		metrics.RepairJobsTotal.WithLabelValues("completed").Inc()
	}

	if uerr := e.coord.UpdateRepairJob(job); uerr != nil {
		e.logger.Error().Err(uerr).Str("job_id", job.ID).Msg("recording repair job outcome")
	}
}

// runPlacementRepair acquires the missing shard's bytes (direct fetch or
// reconstruction read), stores them on a resolved target, records the
// new shard location, and — for drain jobs only, and only once the
// target store is confirmed — removes the source location.
func (e *Engine) runPlacementRepair(ctx context.Context, job *types.RepairJob) error {
	chunk, err := e.coord.GetChunk(job.ChunkID)
	if err != nil {
		return fmt.Errorf("looking up chunk %s: %w", job.ChunkID, err)
	}
	file, err := e.coord.GetFile(chunk.FileID)
	if err != nil {
		return fmt.Errorf("looking up file for chunk %s: %w", job.ChunkID, err)
	}

	data, err := e.acquireShard(ctx, job, chunk, file)
	if err != nil {
		return fmt.Errorf("acquiring shard %d of chunk %s: %w", job.ShardIndex, job.ChunkID, err)
	}

	target, err := e.resolveTarget(job, chunk)
	if err != nil {
		return err
	}

	if err := e.limiter.WaitN(ctx, len(data)); err != nil {
		return fmt.Errorf("rate limiting repair transfer: %w", err)
	}

	client, err := e.clients.Get(target.GRPCAddress)
	if err != nil {
		return fmt.Errorf("dialing target %s: %w", target.ID, err)
	}

	shardHash := erasure.Hash(data)
	storeCtx, cancel := context.WithTimeout(ctx, e.cfg.ShardTimeout)
	defer cancel()
	if _, err := client.StoreChunk(storeCtx, &rpc.StoreChunkRequest{Id: rpc.ChunkId{Hash: shardHash}, Data: data}); err != nil {
		return fmt.Errorf("storing repaired shard on %s: %w", target.ID, err)
	}

	loc := &types.ShardLocation{
		ChunkID:          job.ChunkID,
		ShardIndex:       job.ShardIndex,
		IsParity:         job.ShardIndex >= file.K,
		NodeID:           target.ID,
		ShardContentHash: shardHash,
		SizeBytes:        len(data),
		Status:           types.ShardLocationVerified,
		LastVerifiedAt:   time.Now(),
		CreatedAt:        time.Now(),
	}
	if err := e.coord.RecordShardStored(loc); err != nil {
		return fmt.Errorf("recording repaired shard location: %w", err)
	}
	e.bumpNodeUsage(target.ID, int64(len(data)))
	metrics.RepairBytesTransferred.Add(float64(len(data)))

	// Never delete the last healthy replica: only drop the source once
	// the target store above has already succeeded and been recorded.
	if job.Priority == types.RepairPriorityDrain && job.SourceNodeID != "" {
		if err := e.coord.DeleteShardLocation(job.ChunkID, job.SourceNodeID); err != nil {
			e.logger.Warn().Err(err).Str("chunk_id", job.ChunkID).Str("node_id", job.SourceNodeID).Msg("failed to remove drained shard location")
		} else {
			e.bumpNodeUsage(job.SourceNodeID, -int64(len(data)))
		}
	}

	job.TargetNodeID = target.ID
	return nil
}

// acquireShard tries a direct fetch from job.SourceNodeID when one is
// specified and reachable, falling back to a reconstruction read
// otherwise (spec §4.9 step 2).
func (e *Engine) acquireShard(ctx context.Context, job *types.RepairJob, chunk *types.Chunk, file *types.File) ([]byte, error) {
	if job.SourceNodeID != "" {
		if srcNode, err := e.coord.GetNode(job.SourceNodeID); err == nil && srcNode.Status != types.NodeStatusOffline {
			if loc, err := e.coord.GetShardLocation(job.ChunkID, job.SourceNodeID); err == nil {
				if data, err := e.fetchShard(ctx, srcNode, loc.ShardContentHash); err == nil {
					return data, nil
				}
			}
		}
	}
	return e.reconstructShard(ctx, job, chunk, file)
}

// fetchShard pulls one shard's bytes from node and verifies them
// against the expected content hash before returning them.
func (e *Engine) fetchShard(ctx context.Context, node *types.Node, hash [32]byte) ([]byte, error) {
	client, err := e.clients.Get(node.GRPCAddress)
	if err != nil {
		return nil, err
	}

	getCtx, cancel := context.WithTimeout(ctx, e.cfg.ShardTimeout)
	defer cancel()
	resp, err := client.GetChunk(getCtx, &rpc.GetChunkRequest{Id: rpc.ChunkId{Hash: hash}})
	if err != nil {
		return nil, err
	}
	if !resp.Found {
		return nil, cyxerr.New(cyxerr.KindNoSuchKey, "shard not found on source node")
	}
	if erasure.Hash(resp.Data) != hash {
		return nil, cyxerr.New(cyxerr.KindIntegrityFailure, "source shard content hash mismatch")
	}
	return resp.Data, nil
}

// reconstructShard fetches any k other shards of chunk, decodes them to
// recover the plaintext, and re-encodes to extract job.ShardIndex (spec
// §4.9 step 2's reconstruction read).
func (e *Engine) reconstructShard(ctx context.Context, job *types.RepairJob, chunk *types.Chunk, file *types.File) ([]byte, error) {
	locs, err := e.coord.ListShardLocationsByChunk(chunk.ID)
	if err != nil {
		return nil, err
	}

	shards := make([][]byte, file.K+file.M)
	got := 0
	for _, loc := range locs {
		if loc.ShardIndex == job.ShardIndex {
			continue
		}
		if loc.Status != types.ShardLocationStored && loc.Status != types.ShardLocationVerified {
			continue
		}
		node, err := e.coord.GetNode(loc.NodeID)
		if err != nil || node.Status == types.NodeStatusOffline {
			continue
		}
		data, err := e.fetchShard(ctx, node, loc.ShardContentHash)
		if err != nil {
			continue
		}
		shards[loc.ShardIndex] = data
		got++
		if got >= file.K {
			break
		}
	}
	if got < file.K {
		return nil, cyxerr.New(cyxerr.KindInsufficientShards, fmt.Sprintf("only %d of %d shards available to reconstruct chunk %s", got, file.K, chunk.ID))
	}

	originalSize := file.ChunkSize
	if chunk.ChunkIndex == file.ChunkCount-1 {
		if remainder := int(file.SizeBytes % int64(file.ChunkSize)); remainder != 0 {
			originalSize = remainder
		}
	}

	plaintext, err := erasure.Decode(shards, file.K, file.M, originalSize)
	if err != nil {
		return nil, fmt.Errorf("decoding chunk %s for reconstruction: %w", chunk.ID, err)
	}

	// Encode expects the original fixed-size chunk; re-pad the trimmed
	// plaintext the same way ChunkFile padded it at write time.
	padded := make([]byte, file.ChunkSize)
	copy(padded, plaintext)

	reencoded, err := erasure.Encode(padded, file.K, file.M)
	if err != nil {
		return nil, fmt.Errorf("re-encoding chunk %s: %w", chunk.ID, err)
	}
	if job.ShardIndex < 0 || job.ShardIndex >= len(reencoded) {
		return nil, fmt.Errorf("shard index %d out of range for chunk %s", job.ShardIndex, chunk.ID)
	}
	return reencoded[job.ShardIndex], nil
}

// resolveTarget returns job's pre-assigned target if it is still online,
// otherwise selects a fresh one excluding every node already hosting a
// shard of this chunk (drain jobs arrive with TargetNodeID empty — the
// Node Monitor only names the source).
func (e *Engine) resolveTarget(job *types.RepairJob, chunk *types.Chunk) (*types.Node, error) {
	if job.TargetNodeID != "" {
		if node, err := e.coord.GetNode(job.TargetNodeID); err == nil && node.Status == types.NodeStatusOnline {
			return node, nil
		}
	}

	exclude := map[string]bool{}
	if locs, err := e.coord.ListShardLocationsByChunk(chunk.ID); err == nil {
		for _, loc := range locs {
			exclude[loc.NodeID] = true
		}
	}

	file, err := e.coord.GetFile(chunk.FileID)
	if err != nil {
		return nil, fmt.Errorf("looking up file for chunk %s: %w", chunk.ID, err)
	}
	shardSize := int64(erasure.ShardSize(file.ChunkSize, file.K))

	targets, err := e.placement.SelectTargetsExcluding(1, 0, shardSize, exclude)
	if err != nil {
		return nil, fmt.Errorf("selecting repair target for chunk %s shard %d: %w", chunk.ID, job.ShardIndex, err)
	}
	return targets[0], nil
}

// runOrphanCleanup deletes a shard that belongs to a failed or deleted
// file from the node that still holds it (spec §4.9's orphan cleanup
// job shape). Treated as a no-op success if the location is already
// gone, so repeated ticks are idempotent.
func (e *Engine) runOrphanCleanup(ctx context.Context, job *types.RepairJob) error {
	loc, err := e.coord.GetShardLocation(job.ChunkID, job.TargetNodeID)
	if err != nil {
		return nil
	}

	node, err := e.coord.GetNode(job.TargetNodeID)
	if err != nil {
		return e.coord.DeleteShardLocation(job.ChunkID, job.TargetNodeID)
	}

	client, err := e.clients.Get(node.GRPCAddress)
	if err != nil {
		return fmt.Errorf("dialing node %s for orphan cleanup: %w", node.ID, err)
	}

	delCtx, cancel := context.WithTimeout(ctx, e.cfg.ShardTimeout)
	defer cancel()
	if _, err := client.DeleteChunk(delCtx, &rpc.DeleteChunkRequest{Id: rpc.ChunkId{Hash: loc.ShardContentHash}}); err != nil {
		return fmt.Errorf("deleting orphaned shard on %s: %w", node.ID, err)
	}

	e.bumpNodeUsage(node.ID, -int64(loc.SizeBytes))
	return e.coord.DeleteShardLocation(job.ChunkID, job.TargetNodeID)
}

// EnqueueOrphanCleanup schedules removal of the shard a failed or
// deleted file left on node. Called by whatever marks a file
// failed/deleted (spec §4.9's orphan cleanup job source); exported so
// pkg/coordinator-adjacent callers don't need to construct RepairJob
// values themselves.
func (e *Engine) EnqueueOrphanCleanup(chunkID, nodeID string) error {
	job := &types.RepairJob{
		ID:           uuid.New().String(),
		ChunkID:      chunkID,
		TargetNodeID: nodeID,
		Status:       types.RepairJobPending,
		Priority:     types.RepairPriorityOrphanCleanup,
		CreatedAt:    time.Now(),
	}
	return e.coord.CreateRepairJob(job)
}

func (e *Engine) bumpNodeUsage(nodeID string, delta int64) {
	node, err := e.coord.GetNode(nodeID)
	if err != nil {
		return
	}
	node.UsedBytes += delta
	if node.UsedBytes < 0 {
		node.UsedBytes = 0
	}
	if err := e.coord.UpdateNode(node); err != nil {
		e.logger.Warn().Err(err).Str("node_id", nodeID).Msg("failed to update node used bytes after repair")
	}
}
