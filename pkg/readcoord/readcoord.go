// Package readcoord implements the Read Coordinator (spec §4.8): it
// resolves a file to its chunks, hedges GetChunk calls across the
// fastest readable shard candidates per chunk, decodes, and streams
// the plaintext (optionally trimmed to a byte range). Grounded on the
// teacher's pkg/worker/health_monitor.go: the same
// cancel-once-the-unit-of-work-is-satisfied pattern that loop uses for
// per-task health checks, generalized here to per-chunk shard fetch —
// once k shards are in hand, every other in-flight fetch for that
// chunk is cancelled.
package readcoord

import (
	"context"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cyxcloud/cyxcloud/pkg/coordinator"
	"github.com/cyxcloud/cyxcloud/pkg/cyxerr"
	"github.com/cyxcloud/cyxcloud/pkg/cyxevents"
	"github.com/cyxcloud/cyxcloud/pkg/cyxlog"
	"github.com/cyxcloud/cyxcloud/pkg/erasure"
	"github.com/cyxcloud/cyxcloud/pkg/metrics"
	"github.com/cyxcloud/cyxcloud/pkg/rpc"
	"github.com/cyxcloud/cyxcloud/pkg/types"
)

// Config holds the Read Coordinator's tunables.
type Config struct {
	FetchTimeout time.Duration
	// HedgeDelay staggers the start of each candidate beyond the first
	// k: ranks 0..k-1 start immediately, rank k after one HedgeDelay,
	// rank k+1 after two, and so on.
	HedgeDelay time.Duration
}

// DefaultConfig returns conservative fetch/hedge defaults.
func DefaultConfig() Config {
	return Config{FetchTimeout: 10 * time.Second, HedgeDelay: 150 * time.Millisecond}
}

// Range is an inclusive-start, exclusive-end byte window of a file.
type Range struct {
	Start int64
	End   int64
}

// Engine is one Read Coordinator instance.
type Engine struct {
	coord   *coordinator.Coordinator
	cfg     Config
	logger  zerolog.Logger
	clients *rpc.ClientPool
}

// New creates an Engine.
func New(coord *coordinator.Coordinator, cfg Config) *Engine {
	return &Engine{
		coord:   coord,
		cfg:     cfg,
		logger:  cyxlog.WithComponent("readcoord"),
		clients: rpc.NewClientPool(),
	}
}

// Close tears down every cached node agent connection.
func (e *Engine) Close() error { return e.clients.Close() }

// GetObject resolves bucketID/key, decodes the requested range (the
// whole file if rng is nil), and writes the plaintext to w.
func (e *Engine) GetObject(ctx context.Context, bucketID, key string, w io.Writer, rng *Range) (*types.File, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReadLatency)

	file, err := e.coord.GetFileByKey(bucketID, key)
	if err != nil {
		return nil, fmt.Errorf("readcoord: resolving %s/%s: %w", bucketID, key, err)
	}
	if file.Status == types.FileStatusDeleted {
		return nil, cyxerr.New(cyxerr.KindNoSuchKey, "file is deleted")
	}
	if file.Status != types.FileStatusComplete {
		return nil, cyxerr.New(cyxerr.KindNoSuchKey, "file is not complete")
	}

	startByte, endByte := int64(0), file.SizeBytes
	if rng != nil {
		startByte = rng.Start
		if rng.End > 0 && rng.End <= file.SizeBytes {
			endByte = rng.End
		}
		if startByte < 0 || startByte >= file.SizeBytes || startByte >= endByte {
			return nil, cyxerr.New(cyxerr.KindInvalidRequest, "range out of bounds")
		}
	}

	chunkSize := int64(file.ChunkSize)
	firstChunk := int(startByte / chunkSize)
	lastChunk := int((endByte - 1) / chunkSize)

	chunks, err := e.coord.ListChunksByFile(file.ID)
	if err != nil {
		return nil, fmt.Errorf("readcoord: listing chunks for file %s: %w", file.ID, err)
	}
	byIndex := make(map[int]*types.Chunk, len(chunks))
	for _, ch := range chunks {
		byIndex[ch.ChunkIndex] = ch
	}

	for idx := firstChunk; idx <= lastChunk; idx++ {
		chunk, ok := byIndex[idx]
		if !ok {
			return nil, fmt.Errorf("readcoord: file %s missing chunk index %d", file.ID, idx)
		}

		plaintext, err := e.readChunk(ctx, file, chunk)
		if err != nil {
			return nil, err
		}

		chunkStart := int64(idx) * chunkSize
		lo, hi := int64(0), int64(len(plaintext))
		if chunkStart < startByte {
			lo = startByte - chunkStart
		}
		if chunkStart+hi > endByte {
			hi = endByte - chunkStart
		}
		if lo >= hi {
			continue
		}
		if _, err := w.Write(plaintext[lo:hi]); err != nil {
			return nil, fmt.Errorf("readcoord: writing output: %w", err)
		}
	}

	return file, nil
}

// HeadObject resolves bucketID/key's metadata without fetching any
// shard bytes (spec §6's head_object).
func (e *Engine) HeadObject(bucketID, key string) (*types.File, error) {
	file, err := e.coord.GetFileByKey(bucketID, key)
	if err != nil {
		return nil, fmt.Errorf("readcoord: resolving %s/%s: %w", bucketID, key, err)
	}
	if file.Status == types.FileStatusDeleted {
		return nil, cyxerr.New(cyxerr.KindNoSuchKey, "file is deleted")
	}
	return file, nil
}

// maxListObjectsKeys caps a single ListObjects page.
const maxListObjectsKeys = 1000

// ListObjectsResult is one page of a bucket listing.
type ListObjectsResult struct {
	Files      []*types.File
	NextMarker string
	Truncated  bool
}

// ListObjects lists non-deleted objects in bucketID whose key begins
// with prefix, in key order, starting strictly after marker and capped
// at maxKeys (spec §6's list_objects).
func (e *Engine) ListObjects(bucketID, prefix, marker string, maxKeys int) (*ListObjectsResult, error) {
	if maxKeys <= 0 || maxKeys > maxListObjectsKeys {
		maxKeys = maxListObjectsKeys
	}

	files, err := e.coord.ListFiles(bucketID, prefix)
	if err != nil {
		return nil, fmt.Errorf("readcoord: listing objects in bucket %s: %w", bucketID, err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Key < files[j].Key })

	var page []*types.File
	for _, f := range files {
		if f.Status == types.FileStatusDeleted {
			continue
		}
		if marker != "" && f.Key <= marker {
			continue
		}
		page = append(page, f)
		if len(page) > maxKeys {
			break
		}
	}

	result := &ListObjectsResult{}
	if len(page) > maxKeys {
		result.Truncated = true
		page = page[:maxKeys]
	}
	result.Files = page
	if result.Truncated {
		result.NextMarker = page[len(page)-1].Key
	}
	return result, nil
}

// shardCandidate pairs a shard location with its hosting node.
type shardCandidate struct {
	loc  *types.ShardLocation
	node *types.Node
}

// readChunk resolves, fetches, and decodes one chunk's plaintext.
func (e *Engine) readChunk(ctx context.Context, file *types.File, chunk *types.Chunk) ([]byte, error) {
	locs, err := e.coord.ListShardLocationsByChunk(chunk.ID)
	if err != nil {
		return nil, fmt.Errorf("readcoord: listing shard locations for chunk %s: %w", chunk.ID, err)
	}

	var candidates []shardCandidate
	for _, loc := range locs {
		if loc.Status != types.ShardLocationStored && loc.Status != types.ShardLocationVerified {
			continue
		}
		node, err := e.coord.GetNode(loc.NodeID)
		if err != nil {
			continue
		}
		if node.Status == types.NodeStatusOffline || node.Status == types.NodeStatusDraining {
			continue
		}
		candidates = append(candidates, shardCandidate{loc: loc, node: node})
	}

	if len(candidates) < file.K {
		metrics.ReadInsufficientShardsTotal.Inc()
		e.logger.Warn().Str("chunk_id", chunk.ID).Int("readable", len(candidates)).Int("k", file.K).Msg("insufficient readable shards, repair needed")
		return nil, cyxerr.New(cyxerr.KindInsufficientShards, fmt.Sprintf("chunk %s: only %d readable candidates, need %d", chunk.ID, len(candidates), file.K))
	}

	sort.Slice(candidates, func(i, j int) bool {
		return speedScore(candidates[i].node) < speedScore(candidates[j].node)
	})

	shards, err := e.fetchChunkShards(ctx, chunk, candidates, file.K, file.M)
	if err != nil {
		return nil, err
	}

	originalSize := file.ChunkSize
	if chunk.ChunkIndex == file.ChunkCount-1 {
		if remainder := int(file.SizeBytes % int64(file.ChunkSize)); remainder != 0 {
			originalSize = remainder
		}
	}

	plaintext, err := erasure.Decode(shards, file.K, file.M, originalSize)
	if err != nil {
		return nil, fmt.Errorf("readcoord: decoding chunk %s: %w", chunk.ID, err)
	}
	return plaintext, nil
}

// speedScore ranks nodes by most-recently-heartbeated round-trip time;
// nodes with no RTT sample yet sort last.
func speedScore(n *types.Node) float64 {
	if n.Load.RecentRTT <= 0 {
		return math.MaxFloat64
	}
	return float64(n.Load.RecentRTT)
}

type shardResult struct {
	idx  int
	data []byte
}

// fetchChunkShards fans GetChunk out to candidates, the first k
// immediately and the rest staggered by HedgeDelay as hedges, and
// cancels every outstanding call once k distinct shard indices have
// come back.
func (e *Engine) fetchChunkShards(ctx context.Context, chunk *types.Chunk, candidates []shardCandidate, k, m int) ([][]byte, error) {
	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan shardResult, len(candidates))
	var wg sync.WaitGroup

	for rank, cand := range candidates {
		wg.Add(1)
		go func(rank int, cand shardCandidate) {
			defer wg.Done()
			if rank >= k {
				delay := time.Duration(rank-k+1) * e.cfg.HedgeDelay
				select {
				case <-time.After(delay):
				case <-fetchCtx.Done():
					return
				}
			}
			data, err := e.fetchOneShard(fetchCtx, chunk, cand)
			if err != nil {
				return
			}
			select {
			case results <- shardResult{idx: cand.loc.ShardIndex, data: data}:
			case <-fetchCtx.Done():
			}
		}(rank, cand)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	shards := make([][]byte, k+m)
	got := 0
	for res := range results {
		if shards[res.idx] != nil {
			continue
		}
		shards[res.idx] = res.data
		got++
		if got >= k {
			cancel()
			break
		}
	}

	if got < k {
		return nil, cyxerr.New(cyxerr.KindInsufficientShards, fmt.Sprintf("chunk %s: only %d of %d required shards fetched", chunk.ID, got, k))
	}
	return shards, nil
}

// fetchOneShard pulls one shard from cand and verifies it against the
// content hash recorded at write time, marking the location failed on
// mismatch — spec §4.8 step 4's corruption handling, applied as soon as
// a bad shard surfaces rather than waiting for a downstream decode
// failure.
func (e *Engine) fetchOneShard(ctx context.Context, chunk *types.Chunk, cand shardCandidate) ([]byte, error) {
	client, err := e.clients.Get(cand.node.GRPCAddress)
	if err != nil {
		return nil, err
	}

	getCtx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	resp, err := client.GetChunk(getCtx, &rpc.GetChunkRequest{Id: rpc.ChunkId{Hash: cand.loc.ShardContentHash}})
	if err != nil {
		return nil, err
	}
	if !resp.Found {
		return nil, cyxerr.New(cyxerr.KindNoSuchKey, "shard not found on node")
	}

	if erasure.Hash(resp.Data) != cand.loc.ShardContentHash {
		e.logger.Error().Str("chunk_id", chunk.ID).Str("node_id", cand.node.ID).Msg("shard content hash mismatch, marking location failed")
		_ = e.coord.MarkShardFailed(chunk.ID, cand.node.ID)
		if broker := e.coord.EventBroker(); broker != nil {
			broker.Publish(&cyxevents.Event{
				Type:    cyxevents.EventChunkIntegrityFailed,
				Message: fmt.Sprintf("node %s returned corrupted shard for chunk %s", cand.node.ID, chunk.ID),
				Metadata: map[string]string{
					"node_id":  cand.node.ID,
					"chunk_id": chunk.ID,
					"reason":   "corrupted_data",
				},
			})
		}
		return nil, cyxerr.New(cyxerr.KindIntegrityFailure, "shard content hash mismatch")
	}

	return resp.Data, nil
}
