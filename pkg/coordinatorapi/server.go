// Package coordinatorapi exposes the coordinator's registration and
// heartbeat RPC surface (spec §4.3, §6) over gRPC, adapting
// pkg/coordinator and pkg/monitor to the rpc.CoordinatorServer
// interface. Grounded on the teacher's pkg/api/server.go: a thin gRPC
// front that validates a bearer token, then delegates to the
// replicated control plane.
package coordinatorapi

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/cyxcloud/cyxcloud/pkg/coordinator"
	"github.com/cyxcloud/cyxcloud/pkg/cyxerr"
	"github.com/cyxcloud/cyxcloud/pkg/cyxlog"
	"github.com/cyxcloud/cyxcloud/pkg/metrics"
	"github.com/cyxcloud/cyxcloud/pkg/monitor"
	"github.com/cyxcloud/cyxcloud/pkg/rpc"
	"github.com/cyxcloud/cyxcloud/pkg/types"
)

// Config holds the capacity-admission minimums spec §6's environment
// table names.
type Config struct {
	ReservedBytes     int64
	MinAllocatable    int64
}

// DefaultConfig returns spec §6's documented defaults: 2 GiB reserved,
// 1 GiB minimum allocatable.
func DefaultConfig() Config {
	return Config{
		ReservedBytes:  2 << 30,
		MinAllocatable: 1 << 30,
	}
}

// Server implements rpc.CoordinatorServer over a *coordinator.Coordinator
// and *monitor.Monitor.
type Server struct {
	coord   *coordinator.Coordinator
	monitor *monitor.Monitor
	cfg     Config
	logger  zerolog.Logger

	grpcServer *grpc.Server
}

// NewServer creates a Server. monitor may be nil if this coordinator
// process does not run the Node Monitor locally (a follower forwards
// to the leader in that case, not modeled here — every coordinator in
// this deployment runs its own Monitor instance reading the shared
// replicated state).
func NewServer(coord *coordinator.Coordinator, mon *monitor.Monitor, cfg Config) *Server {
	return &Server{coord: coord, monitor: mon, cfg: cfg, logger: cyxlog.WithComponent("coordinatorapi")}
}

// Start listens on addr and serves the Coordinator RPC surface until
// Stop is called.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("coordinatorapi: listening on %s: %w", addr, err)
	}

	s.grpcServer = grpc.NewServer()
	rpc.RegisterCoordinatorServer(s.grpcServer, s)

	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			s.logger.Error().Err(err).Msg("grpc server stopped")
		}
	}()

	s.logger.Info().Str("addr", addr).Msg("coordinator RPC server listening")
	return nil
}

// Stop gracefully drains in-flight RPCs before returning (spec §5's
// bounded-grace-period shutdown discipline).
func (s *Server) Stop() {
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
}

// RegisterNode validates the join token, admission-checks the
// advertised capacity, and inserts the node row (spec §4.3 step 2).
func (s *Server) RegisterNode(ctx context.Context, req *rpc.RegisterNodeRequest) (*rpc.RegisterNodeResponse, error) {
	if err := s.coord.ValidateJoinToken(req.JoinToken); err != nil {
		return &rpc.RegisterNodeResponse{Success: false, ErrorMessage: err.Error()}, nil
	}

	minimum := s.cfg.ReservedBytes + s.cfg.MinAllocatable
	if req.TotalBytes < minimum {
		return &rpc.RegisterNodeResponse{
			Success:      false,
			ErrorMessage: fmt.Sprintf("capacity.total %d below required minimum %d", req.TotalBytes, minimum),
		}, nil
	}

	now := time.Now()
	node := &types.Node{
		ID:              req.NodeID,
		PeerID:          req.PeerID,
		GRPCAddress:     req.GRPCAddress,
		LibP2PAddress:   req.LibP2PAddress,
		Type:            types.NodeType(req.Type),
		TotalBytes:      req.TotalBytes,
		ReservedBytes:   s.cfg.ReservedBytes,
		UsedBytes:       0,
		Domain: types.FailureDomain{
			Datacenter: req.Datacenter,
			Rack:       req.Rack,
			RackGroup:  req.RackGroup,
			Region:     req.Region,
			Latitude:   req.Latitude,
			Longitude:  req.Longitude,
		},
		Status:          types.NodeStatusOnline,
		LastHeartbeat:   now,
		StatusChangedAt: now,
		CreatedAt:       now,
	}

	if err := s.coord.CreateNode(node); err != nil {
		return &rpc.RegisterNodeResponse{Success: false, ErrorMessage: err.Error()}, nil
	}

	token, err := s.coord.GenerateJoinToken()
	if err != nil {
		return &rpc.RegisterNodeResponse{Success: false, ErrorMessage: err.Error()}, nil
	}

	metrics.NodesTotal.WithLabelValues(string(node.Type), string(node.Status)).Inc()
	s.logger.Info().Str("node_id", node.ID).Str("addr", node.GRPCAddress).Msg("node registered")

	return &rpc.RegisterNodeResponse{
		Success:           true,
		AuthToken:         token.Token,
		AvailableCapacity: node.Available(),
	}, nil
}

// Heartbeat authenticates the bearer token and forwards the status
// snapshot to the Node Monitor (spec §4.3 step 3).
func (s *Server) Heartbeat(ctx context.Context, req *rpc.HeartbeatRequest) (*rpc.HeartbeatResponse, error) {
	if err := s.coord.ValidateJoinToken(req.AuthToken); err != nil {
		return nil, cyxerr.Wrap(cyxerr.KindAccessDenied, "invalid heartbeat auth token", err)
	}
	if s.monitor == nil {
		return nil, cyxerr.New(cyxerr.KindInternalError, "coordinatorapi: no monitor wired")
	}

	load := types.NodeLoad{
		CPUPercent:    req.Status.CPUPercent,
		MemPercent:    req.Status.MemPercent,
		DiskReadMBps:  req.Status.DiskReadMBps,
		DiskWriteMBps: req.Status.DiskWriteMBps,
		NetInMBps:     req.Status.NetInMBps,
		NetOutMBps:    req.Status.NetOutMBps,
		RecentRTT:     req.Status.RecentRTT,
	}

	// The monitor moves a draining node to recovering on heartbeat, so
	// the drain command is decided from the status the heartbeat found.
	wasDraining := false
	if node, err := s.coord.GetNode(req.NodeID); err == nil {
		wasDraining = node.Status == types.NodeStatusDraining
	}

	if err := s.monitor.Heartbeat(req.NodeID, load); err != nil {
		return nil, fmt.Errorf("coordinatorapi: recording heartbeat: %w", err)
	}

	var commands []string
	if wasDraining {
		commands = append(commands, "drain")
	}

	return &rpc.HeartbeatResponse{Acknowledged: true, Commands: commands}, nil
}
