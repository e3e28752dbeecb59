package server

import (
	"context"

	"github.com/pixperk/leaselock/pkg/wire"
	"google.golang.org/grpc"
)

// LeaseStoreServer is the server side of the leaselock.v1.LeaseStore service.
type LeaseStoreServer interface {
	Acquire(context.Context, *wire.Request) (*wire.Response, error)
	Inspect(context.Context, *wire.Request) (*wire.Response, error)
	Release(context.Context, *wire.Request) (*wire.Response, error)
	Renew(context.Context, *wire.Request) (*wire.Response, error)
	Status(context.Context, *wire.StatusRequest) (*wire.StatusResponse, error)
}

// ServiceDesc describes the lease store service for grpc.Server.RegisterService.
// Messages travel with the wire codec instead of generated protobuf types.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: wire.ServiceName,
	HandlerType: (*LeaseStoreServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Acquire", Handler: requestHandler(wire.MethodAcquire, LeaseStoreServer.Acquire)},
		{MethodName: "Inspect", Handler: requestHandler(wire.MethodInspect, LeaseStoreServer.Inspect)},
		{MethodName: "Release", Handler: requestHandler(wire.MethodRelease, LeaseStoreServer.Release)},
		{MethodName: "Renew", Handler: requestHandler(wire.MethodRenew, LeaseStoreServer.Renew)},
		{MethodName: "Status", Handler: statusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "leaselock/v1/lease_store.proto",
}

type requestMethod func(LeaseStoreServer, context.Context, *wire.Request) (*wire.Response, error)

func requestHandler(fullMethod string, call requestMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(wire.Request)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(LeaseStoreServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(LeaseStoreServer), ctx, req.(*wire.Request))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func statusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wire.StatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LeaseStoreServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: wire.MethodStatus}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LeaseStoreServer).Status(ctx, req.(*wire.StatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// NewGRPCServer builds a grpc server that speaks the wire codec.
func NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ForceServerCodec(wire.Codec{}))
	return grpc.NewServer(opts...)
}

func Register(g *grpc.Server, s LeaseStoreServer) {
	g.RegisterService(&ServiceDesc, s)
}
