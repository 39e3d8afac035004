package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// NodeAgentServer is implemented by pkg/nodeagent and registered against
// a grpc.Server via RegisterNodeAgentServer. The method set is exactly
// the RPC surface of spec §4.2-4.3.
type NodeAgentServer interface {
	StoreChunk(context.Context, *StoreChunkRequest) (*StoreChunkResponse, error)
	GetChunk(context.Context, *GetChunkRequest) (*GetChunkResponse, error)
	DeleteChunk(context.Context, *DeleteChunkRequest) (*DeleteChunkResponse, error)
	HasChunk(context.Context, *HasChunkRequest) (*HasChunkResponse, error)
	ListChunks(context.Context, *ListChunksRequest) (*ListChunksResponse, error)
	VerifyChunk(context.Context, *VerifyChunkRequest) (*VerifyChunkResponse, error)
	HealthCheck(context.Context, *HealthCheckRequest) (*HealthCheckResponse, error)
	StreamChunks(NodeAgent_StreamChunksServer) error
	FetchChunks(NodeAgent_FetchChunksServer) error
}

// NodeAgent_StreamChunksServer is the server-side handle for the
// StreamChunks client-streaming RPC: the caller pushes many shards and
// receives one summary response on close.
type NodeAgent_StreamChunksServer interface {
	Recv() (*StreamChunkItem, error)
	SendAndClose(*StreamChunksResponse) error
	grpc.ServerStream
}

type nodeAgentStreamChunksServer struct {
	grpc.ServerStream
}

func (x *nodeAgentStreamChunksServer) Recv() (*StreamChunkItem, error) {
	m := new(StreamChunkItem)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (x *nodeAgentStreamChunksServer) SendAndClose(m *StreamChunksResponse) error {
	return x.ServerStream.SendMsg(m)
}

// NodeAgent_FetchChunksServer is the server-side handle for the
// FetchChunks bidirectional stream: the caller requests ids one at a
// time and receives responses as they become available.
type NodeAgent_FetchChunksServer interface {
	Send(*FetchChunksResponse) error
	Recv() (*FetchChunksRequest, error)
	grpc.ServerStream
}

type nodeAgentFetchChunksServer struct {
	grpc.ServerStream
}

func (x *nodeAgentFetchChunksServer) Send(m *FetchChunksResponse) error {
	return x.ServerStream.SendMsg(m)
}

func (x *nodeAgentFetchChunksServer) Recv() (*FetchChunksRequest, error) {
	m := new(FetchChunksRequest)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func nodeAgentStoreChunkHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(StoreChunkRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeAgentServer).StoreChunk(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceNodeAgent + "/StoreChunk"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NodeAgentServer).StoreChunk(ctx, req.(*StoreChunkRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func nodeAgentGetChunkHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetChunkRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeAgentServer).GetChunk(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceNodeAgent + "/GetChunk"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NodeAgentServer).GetChunk(ctx, req.(*GetChunkRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func nodeAgentDeleteChunkHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DeleteChunkRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeAgentServer).DeleteChunk(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceNodeAgent + "/DeleteChunk"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NodeAgentServer).DeleteChunk(ctx, req.(*DeleteChunkRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func nodeAgentHasChunkHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(HasChunkRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeAgentServer).HasChunk(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceNodeAgent + "/HasChunk"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NodeAgentServer).HasChunk(ctx, req.(*HasChunkRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func nodeAgentListChunksHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ListChunksRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeAgentServer).ListChunks(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceNodeAgent + "/ListChunks"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NodeAgentServer).ListChunks(ctx, req.(*ListChunksRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func nodeAgentVerifyChunkHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(VerifyChunkRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeAgentServer).VerifyChunk(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceNodeAgent + "/VerifyChunk"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NodeAgentServer).VerifyChunk(ctx, req.(*VerifyChunkRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func nodeAgentHealthCheckHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(HealthCheckRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeAgentServer).HealthCheck(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceNodeAgent + "/HealthCheck"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NodeAgentServer).HealthCheck(ctx, req.(*HealthCheckRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func nodeAgentStreamChunksHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(NodeAgentServer).StreamChunks(&nodeAgentStreamChunksServer{stream})
}

func nodeAgentFetchChunksHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(NodeAgentServer).FetchChunks(&nodeAgentFetchChunksServer{stream})
}

const serviceNodeAgent = "/cyxcloud.NodeAgent"

// NodeAgentServiceDesc is the hand-authored equivalent of a codegen'd
// grpc.ServiceDesc: it wires the RPC names of spec §4.2-4.3 to the
// handlers above so grpc.Server can dispatch to a NodeAgentServer
// implementation without any .pb.go file.
var NodeAgentServiceDesc = grpc.ServiceDesc{
	ServiceName: "cyxcloud.NodeAgent",
	HandlerType: (*NodeAgentServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StoreChunk", Handler: nodeAgentStoreChunkHandler},
		{MethodName: "GetChunk", Handler: nodeAgentGetChunkHandler},
		{MethodName: "DeleteChunk", Handler: nodeAgentDeleteChunkHandler},
		{MethodName: "HasChunk", Handler: nodeAgentHasChunkHandler},
		{MethodName: "ListChunks", Handler: nodeAgentListChunksHandler},
		{MethodName: "VerifyChunk", Handler: nodeAgentVerifyChunkHandler},
		{MethodName: "HealthCheck", Handler: nodeAgentHealthCheckHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamChunks", Handler: nodeAgentStreamChunksHandler, ClientStreams: true},
		{StreamName: "FetchChunks", Handler: nodeAgentFetchChunksHandler, ClientStreams: true, ServerStreams: true},
	},
	Metadata: "cyxcloud/nodeagent.proto",
}

// RegisterNodeAgentServer registers srv's implementation of the Node
// Agent RPC surface on s.
func RegisterNodeAgentServer(s *grpc.Server, srv NodeAgentServer) {
	s.RegisterService(&NodeAgentServiceDesc, srv)
}
