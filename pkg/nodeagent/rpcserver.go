package nodeagent

import (
	"context"
	"fmt"
	"io"

	"github.com/cyxcloud/cyxcloud/pkg/cyxerr"
	"github.com/cyxcloud/cyxcloud/pkg/rpc"
)

// the following methods implement rpc.NodeAgentServer by delegating to
// the Node Agent's local chunkstore.Store (spec §4.2-4.3).

func (a *Agent) StoreChunk(ctx context.Context, req *rpc.StoreChunkRequest) (*rpc.StoreChunkResponse, error) {
	if err := a.store.Put(req.Id.Hash, req.Data); err != nil {
		return nil, err
	}
	return &rpc.StoreChunkResponse{BytesWritten: int64(len(req.Data))}, nil
}

func (a *Agent) GetChunk(ctx context.Context, req *rpc.GetChunkRequest) (*rpc.GetChunkResponse, error) {
	data, err := a.store.Get(req.Id.Hash)
	if err != nil {
		if cyxerr.Is(err, cyxerr.KindNoSuchKey) {
			return &rpc.GetChunkResponse{Found: false}, nil
		}
		return nil, err
	}
	return &rpc.GetChunkResponse{Found: true, Data: data}, nil
}

func (a *Agent) DeleteChunk(ctx context.Context, req *rpc.DeleteChunkRequest) (*rpc.DeleteChunkResponse, error) {
	removed, err := a.store.Delete(req.Id.Hash)
	if err != nil {
		return nil, err
	}
	return &rpc.DeleteChunkResponse{Removed: removed}, nil
}

func (a *Agent) HasChunk(ctx context.Context, req *rpc.HasChunkRequest) (*rpc.HasChunkResponse, error) {
	return &rpc.HasChunkResponse{Present: a.store.Has(req.Id.Hash)}, nil
}

func (a *Agent) ListChunks(ctx context.Context, req *rpc.ListChunksRequest) (*rpc.ListChunksResponse, error) {
	ids, err := a.store.List()
	if err != nil {
		return nil, err
	}
	out := make([]rpc.ChunkId, 0, len(ids))
	for _, id := range ids {
		if id == probeID {
			continue
		}
		out = append(out, rpc.ChunkId{Hash: id})
	}
	return &rpc.ListChunksResponse{Ids: out}, nil
}

func (a *Agent) VerifyChunk(ctx context.Context, req *rpc.VerifyChunkRequest) (*rpc.VerifyChunkResponse, error) {
	valid := a.store.Verify(req.Id.Hash) && req.Id.Hash == req.ExpectedHash
	return &rpc.VerifyChunkResponse{Valid: valid}, nil
}

func (a *Agent) HealthCheck(ctx context.Context, req *rpc.HealthCheckRequest) (*rpc.HealthCheckResponse, error) {
	status := a.healthMonitor.Current()
	stats := a.store.Stats()
	return &rpc.HealthCheckResponse{
		NodeID:     a.cfg.NodeID,
		Status:     string(a.currentStatus()),
		UsedBytes:  stats.UsedBytes,
		ChunkCount: stats.ChunkCount,
		Healthy:    status.Healthy,
		Message:    status.LastResult.Message,
	}, nil
}

// StreamChunks receives a client-streamed sequence of shards and stores
// each one, returning a single summary response on close (spec §4.3's
// streaming variant of StoreChunk).
func (a *Agent) StreamChunks(stream rpc.NodeAgent_StreamChunksServer) error {
	var count, bytesWritten int64
	for {
		item, err := stream.Recv()
		if err == io.EOF {
			return stream.SendAndClose(&rpc.StreamChunksResponse{Count: count, BytesWritten: bytesWritten})
		}
		if err != nil {
			return err
		}
		if err := a.store.Put(item.Id.Hash, item.Data); err != nil {
			return fmt.Errorf("nodeagent: streamed store of shard %x: %w", item.Id.Hash, err)
		}
		count++
		bytesWritten += int64(len(item.Data))
	}
}

// FetchChunks serves a bidirectional pull: the caller sends ids one at a
// time and receives the corresponding shard (or a not-found response)
// as soon as it is read, serving many ids over one connection. The Read
// Coordinator and Rebalancer call GetChunk per shard instead.
func (a *Agent) FetchChunks(stream rpc.NodeAgent_FetchChunksServer) error {
	for {
		req, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		data, getErr := a.store.Get(req.Id.Hash)
		if getErr != nil {
			if cyxerr.Is(getErr, cyxerr.KindNoSuchKey) {
				if sendErr := stream.Send(&rpc.FetchChunksResponse{Id: req.Id, Found: false}); sendErr != nil {
					return sendErr
				}
				continue
			}
			return getErr
		}
		if sendErr := stream.Send(&rpc.FetchChunksResponse{Id: req.Id, Found: true, Data: data}); sendErr != nil {
			return sendErr
		}
	}
}

