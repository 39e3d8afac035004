package nodeagent

import (
	"context"
	"fmt"
	"time"

	"github.com/cyxcloud/cyxcloud/pkg/chunkstore"
	"github.com/cyxcloud/cyxcloud/pkg/health"
)

// ChunkStoreChecker is the Node Agent's self-check (SPEC_FULL.md
// supplemental components): it verifies the local chunk store is still
// reachable and writable by writing a small probe record with Put and
// reading it back with Get, distinguishing "slow to heartbeat" from
// "storage is failing" independently of the heartbeat RPC itself. The
// probe record is left in the store between checks.
type ChunkStoreChecker struct {
	store chunkstore.Store
}

// NewChunkStoreChecker creates a checker over store.
func NewChunkStoreChecker(store chunkstore.Store) *ChunkStoreChecker {
	return &ChunkStoreChecker{store: store}
}

// probeID is a fixed content hash reserved for self-checks; it is never
// a real shard hash (those are blake3 digests of actual payloads, and
// this probe payload is deterministic and private to the checker).
var probeID = [32]byte{'c', 'y', 'x', 'c', 'l', 'o', 'u', 'd', '-', 's', 'e', 'l', 'f', '-', 'c', 'h', 'e', 'c', 'k'}

var probePayload = []byte("cyxcloud-node-agent-self-check")

// Check implements health.Checker.
func (c *ChunkStoreChecker) Check(ctx context.Context) (result health.Result) {
	start := time.Now()
	defer func() {
		result.Duration = time.Since(start)
		result.CheckedAt = start
	}()

	if err := c.store.Put(probeID, probePayload); err != nil {
		return health.Result{Healthy: false, Message: fmt.Sprintf("self-check put failed: %v", err)}
	}
	got, err := c.store.Get(probeID)
	if err != nil {
		return health.Result{Healthy: false, Message: fmt.Sprintf("self-check get failed: %v", err)}
	}
	if string(got) != string(probePayload) {
		return health.Result{Healthy: false, Message: "self-check payload mismatch"}
	}
	return health.Result{Healthy: true, Message: "ok"}
}
