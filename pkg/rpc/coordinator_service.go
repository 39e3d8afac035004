package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// CoordinatorServer is implemented by pkg/coordinator and exposes the
// registration/heartbeat surface a Node Agent calls (spec §4.3, §6).
type CoordinatorServer interface {
	RegisterNode(context.Context, *RegisterNodeRequest) (*RegisterNodeResponse, error)
	Heartbeat(context.Context, *HeartbeatRequest) (*HeartbeatResponse, error)
}

const serviceCoordinator = "/cyxcloud.Coordinator"

func coordinatorRegisterNodeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RegisterNodeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServer).RegisterNode(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceCoordinator + "/RegisterNode"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CoordinatorServer).RegisterNode(ctx, req.(*RegisterNodeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func coordinatorHeartbeatHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(HeartbeatRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServer).Heartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceCoordinator + "/Heartbeat"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CoordinatorServer).Heartbeat(ctx, req.(*HeartbeatRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// CoordinatorServiceDesc wires RegisterNode/Heartbeat to a
// CoordinatorServer implementation.
var CoordinatorServiceDesc = grpc.ServiceDesc{
	ServiceName: "cyxcloud.Coordinator",
	HandlerType: (*CoordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RegisterNode", Handler: coordinatorRegisterNodeHandler},
		{MethodName: "Heartbeat", Handler: coordinatorHeartbeatHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cyxcloud/coordinator.proto",
}

// RegisterCoordinatorServer registers srv's implementation of the
// registration/heartbeat surface on s.
func RegisterCoordinatorServer(s *grpc.Server, srv CoordinatorServer) {
	s.RegisterService(&CoordinatorServiceDesc, srv)
}
