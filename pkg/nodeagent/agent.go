// Package nodeagent implements the Node Agent (spec §4.3): it serves
// the Local Chunk Store over gRPC and maintains registration with the
// coordinator, sending periodic heartbeats carrying live capacity and
// load. Grounded on the teacher's pkg/worker/worker.go — the
// registration-then-heartbeat-loop lifecycle is the same shape,
// generalized from container task execution to shard storage.
package nodeagent

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/cyxcloud/cyxcloud/pkg/chunkstore"
	"github.com/cyxcloud/cyxcloud/pkg/cyxlog"
	"github.com/cyxcloud/cyxcloud/pkg/health"
	"github.com/cyxcloud/cyxcloud/pkg/rpc"
	"github.com/cyxcloud/cyxcloud/pkg/types"
)

// Config configures a Node Agent instance.
type Config struct {
	NodeID          string
	PeerID          string
	BindAddr        string // this agent's own gRPC listen address
	GRPCAddress     string // address advertised to the coordinator
	LibP2PAddress   string
	CoordinatorAddr string
	DataDir         string
	JoinToken       string
	TotalBytes      int64
	Type            types.NodeType
	Domain          types.FailureDomain

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	MaxBackoff        time.Duration
}

// DefaultConfig fills in spec §4.3's documented heartbeat cadence and a
// capped-backoff ceiling for heartbeat retries.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  5 * time.Second,
		MaxBackoff:        5 * time.Minute,
	}
}

// Agent is one running Node Agent: a local chunk store exposed over
// gRPC, plus the registration and heartbeat lifecycle against the
// coordinator.
type Agent struct {
	cfg Config

	store         chunkstore.Store
	healthMonitor *health.Monitor
	load          *loadSampler

	coordClient *rpc.CoordinatorClient
	grpcServer  *grpc.Server

	mu        sync.RWMutex
	authToken string
	status    types.NodeStatus
	lastRTT   time.Duration

	logger zerolog.Logger
	stopCh chan struct{}
}

// New creates an Agent backed by a LocalStore rooted at cfg.DataDir.
func New(cfg Config) (*Agent, error) {
	store, err := chunkstore.NewLocalStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("nodeagent: creating local store: %w", err)
	}

	a := &Agent{
		cfg:    cfg,
		store:  store,
		load:   newLoadSampler(),
		status: types.NodeStatusOffline,
		logger: cyxlog.WithComponent("nodeagent").With().Str("node_id", cfg.NodeID).Logger(),
		stopCh: make(chan struct{}),
	}
	a.healthMonitor = health.NewMonitor(NewChunkStoreChecker(store), health.DefaultConfig(), a.onHealthChange)
	return a, nil
}

func (a *Agent) currentStatus() types.NodeStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

func (a *Agent) onHealthChange(s health.Status) {
	if s.Healthy {
		a.logger.Info().Msg("chunk store self-check recovered")
		return
	}
	a.logger.Error().Str("message", s.LastResult.Message).Msg("chunk store self-check failing")
}

// Start registers with the coordinator, serves the Node Agent RPC
// surface, and begins the heartbeat loop. Mirrors the teacher worker's
// Start: request admission, dial, register, then launch background
// loops.
func (a *Agent) Start(ctx context.Context) error {
	client, err := rpc.DialCoordinator(a.cfg.CoordinatorAddr)
	if err != nil {
		return fmt.Errorf("nodeagent: dialing coordinator: %w", err)
	}
	a.coordClient = client

	regCtx, cancel := context.WithTimeout(ctx, rpc.DefaultCallTimeout)
	resp, err := client.RegisterNode(regCtx, &rpc.RegisterNodeRequest{
		NodeID:        a.cfg.NodeID,
		PeerID:        a.cfg.PeerID,
		GRPCAddress:   a.cfg.GRPCAddress,
		LibP2PAddress: a.cfg.LibP2PAddress,
		TotalBytes:    a.cfg.TotalBytes,
		Datacenter:    a.cfg.Domain.Datacenter,
		Rack:          a.cfg.Domain.Rack,
		RackGroup:     a.cfg.Domain.RackGroup,
		Region:        a.cfg.Domain.Region,
		Latitude:      a.cfg.Domain.Latitude,
		Longitude:     a.cfg.Domain.Longitude,
		Type:          string(a.cfg.Type),
		JoinToken:     a.cfg.JoinToken,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("nodeagent: registering with coordinator: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("nodeagent: registration rejected: %s", resp.ErrorMessage)
	}

	a.mu.Lock()
	a.authToken = resp.AuthToken
	a.status = types.NodeStatusOnline
	a.mu.Unlock()

	a.logger.Info().Int64("available_capacity", resp.AvailableCapacity).Msg("registered with coordinator")

	lis, err := net.Listen("tcp", a.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("nodeagent: listening on %s: %w", a.cfg.BindAddr, err)
	}
	a.grpcServer = grpc.NewServer()
	rpc.RegisterNodeAgentServer(a.grpcServer, a)
	go func() {
		if err := a.grpcServer.Serve(lis); err != nil {
			a.logger.Error().Err(err).Msg("grpc server stopped")
		}
	}()

	a.healthMonitor.Start(ctx)
	go a.heartbeatLoop(ctx)

	return nil
}

// Stop drains the RPC server and tears down background loops.
func (a *Agent) Stop() {
	close(a.stopCh)
	a.healthMonitor.Stop()
	if a.grpcServer != nil {
		a.grpcServer.GracefulStop()
	}
	if a.coordClient != nil {
		a.coordClient.Close()
	}
}

// heartbeatLoop sends a Heartbeat every HeartbeatInterval. Network
// errors do not tear down the agent (spec §4.3's failure handling):
// they are retried on the next tick with capped exponential backoff,
// applied as extra delay before the following send rather than busy
// retry, so a coordinator outage does not flood it on reconnect.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	var consecutiveFailures int

	for {
		select {
		case <-ticker.C:
			if err := a.sendHeartbeat(ctx); err != nil {
				consecutiveFailures++
				backoff := a.backoffFor(consecutiveFailures)
				a.logger.Warn().Err(err).Dur("backoff", backoff).Msg("heartbeat failed, backing off")
				time.Sleep(backoff)
				continue
			}
			consecutiveFailures = 0

		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// backoffFor computes a capped exponential backoff with jitter for the
// nth consecutive heartbeat failure.
func (a *Agent) backoffFor(n int) time.Duration {
	base := a.cfg.HeartbeatInterval
	ceiling := a.cfg.MaxBackoff
	d := base
	for i := 1; i < n && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 4 + 1))
	return d + jitter
}

func (a *Agent) sendHeartbeat(ctx context.Context) error {
	stats := a.store.Stats()
	healthStatus := a.healthMonitor.Current()
	load := a.load.sample()

	a.mu.RLock()
	token := a.authToken
	rtt := a.lastRTT
	a.mu.RUnlock()

	hbCtx, cancel := context.WithTimeout(ctx, a.cfg.HeartbeatTimeout)
	defer cancel()

	start := time.Now()
	resp, err := a.coordClient.Heartbeat(hbCtx, &rpc.HeartbeatRequest{
		NodeID:    a.cfg.NodeID,
		AuthToken: token,
		Status: rpc.NodeStatusSnapshot{
			UsedBytes:     stats.UsedBytes,
			ChunkCount:    stats.ChunkCount,
			CPUPercent:    load.CPUPercent,
			MemPercent:    load.MemPercent,
			DiskReadMBps:  load.DiskReadMBps,
			DiskWriteMBps: load.DiskWriteMBps,
			NetInMBps:     load.NetInMBps,
			NetOutMBps:    load.NetOutMBps,
			RecentRTT:     rtt,
		},
	})
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.lastRTT = time.Since(start)
	a.mu.Unlock()

	if !healthStatus.Healthy {
		a.logger.Warn().Msg("heartbeat sent while chunk store self-check is failing")
	}

	for _, cmd := range resp.Commands {
		a.handleCommand(cmd)
	}
	return nil
}

// handleCommand reacts to a command piggybacked on a Heartbeat
// response (spec §6): "drain" requests the node start winding down, at
// which point the Node Monitor already owns the transition and this
// agent only needs to note it locally for operator visibility.
func (a *Agent) handleCommand(cmd string) {
	switch cmd {
	case "drain":
		a.mu.Lock()
		a.status = types.NodeStatusDraining
		a.mu.Unlock()
		a.logger.Info().Msg("coordinator requested drain")
	case "shutdown":
		a.logger.Warn().Msg("coordinator requested shutdown")
	default:
		a.logger.Warn().Str("command", cmd).Msg("unrecognized heartbeat command")
	}
}
