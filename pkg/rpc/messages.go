// Package rpc defines the wire messages and gRPC service surface between
// the coordinator and Node Agents (spec §4.2-4.3, §6). The teacher's own
// RPC surface (pkg/api, pkg/client) is generated from a .proto file that
// is not part of this retrieval pack; reproducing it would mean
// fabricating generated code. Instead this package hand-authors the
// message structs, a grpc.ServiceDesc per service, and a JSON
// encoding.Codec, so the transport still runs on google.golang.org/grpc
// (the teacher's real dependency) without fabricated .pb.go stubs. See
// DESIGN.md's "RPC / protobuf gap" entry.
package rpc

import "time"

// ChunkId is the 256-bit content hash identifying a shard's bytes as
// stored on a node (spec §6 — distinct from the chunk's own plaintext
// content hash).
type ChunkId struct {
	Hash [32]byte
}

// ChunkMetadata accompanies a stored shard.
type ChunkMetadata struct {
	OriginalSize uint64
	StoredSize   uint64
	Encrypted    bool
	Compressed   bool
	CreatedAt    time.Time
	FileID       string
	ChunkIndex   int
	ShardIndex   int
}

// NodeStatusSnapshot is the live capacity/load snapshot a Node Agent
// attaches to each Heartbeat (spec §4.3, §6).
type NodeStatusSnapshot struct {
	UsedBytes     int64
	ChunkCount    int64
	CPUPercent    float64
	MemPercent    float64
	DiskReadMBps  float64
	DiskWriteMBps float64
	NetInMBps     float64
	NetOutMBps    float64
	RecentRTT     time.Duration
}

// --- Node Agent chunk RPCs (spec §4.2-4.3) ---

type StoreChunkRequest struct {
	Id   ChunkId
	Data []byte
	Meta ChunkMetadata
}

type StoreChunkResponse struct {
	BytesWritten int64
}

type GetChunkRequest struct {
	Id ChunkId
}

type GetChunkResponse struct {
	Found bool
	Data  []byte
	Meta  ChunkMetadata
}

type DeleteChunkRequest struct {
	Id ChunkId
}

type DeleteChunkResponse struct {
	Removed bool
}

type HasChunkRequest struct {
	Id ChunkId
}

type HasChunkResponse struct {
	Present bool
}

type ListChunksRequest struct{}

type ListChunksResponse struct {
	Ids []ChunkId
}

type VerifyChunkRequest struct {
	Id           ChunkId
	ExpectedHash [32]byte
}

type VerifyChunkResponse struct {
	Valid bool
}

type HealthCheckRequest struct{}

type HealthCheckResponse struct {
	NodeID     string
	Status     string
	UsedBytes  int64
	ChunkCount int64
	Healthy    bool
	Message    string
}

// StreamChunkItem is one element of the StreamChunks client stream: a
// shard pushed to the node without waiting for a per-call round trip.
type StreamChunkItem struct {
	Id         ChunkId
	Data       []byte
	ShardIndex int
}

type StreamChunksResponse struct {
	Count        int64
	BytesWritten int64
}

// FetchChunksRequest is one element of the FetchChunks bidirectional
// stream: the caller requests ids one at a time and receives responses
// as they become available, pulling many shards over one connection.
// The Read Coordinator and Rebalancer fetch shards with GetChunk instead.
type FetchChunksRequest struct {
	Id ChunkId
}

type FetchChunksResponse struct {
	Id    ChunkId
	Found bool
	Data  []byte
	Meta  ChunkMetadata
}

// --- Coordinator registration RPCs (spec §4.3, §6) ---

type RegisterNodeRequest struct {
	NodeID         string
	PeerID         string
	GRPCAddress    string
	LibP2PAddress  string
	TotalBytes     int64
	AvailableBytes int64
	Datacenter     string
	Rack           string
	RackGroup      string
	Region         string
	Latitude       float64
	Longitude      float64
	Type           string
	JoinToken      string
}

type RegisterNodeResponse struct {
	Success           bool
	ErrorMessage      string
	AuthToken         string
	AvailableCapacity int64
}

type HeartbeatRequest struct {
	NodeID    string
	AuthToken string
	Status    NodeStatusSnapshot
}

type HeartbeatResponse struct {
	Acknowledged bool
	Commands     []string
}
