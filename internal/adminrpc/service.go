package adminrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name. Requests and
// responses are google.protobuf.Struct documents shaped like the HTTP
// admin API's JSON bodies.
const ServiceName = "queuekeeper.admin.v1.QueueAdmin"

const (
	MethodGetStatus       = "GetStatus"
	MethodGetTaskHistory  = "GetTaskHistory"
	MethodGetTaskStats    = "GetTaskStats"
	MethodGetStorageStats = "GetStorageStats"
	MethodManualCleanup   = "ManualCleanup"
)

type QueueAdminServer interface {
	GetStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetTaskHistory(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetTaskStats(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetStorageStats(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ManualCleanup(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(srv QueueAdminServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*QueueAdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodGetStatus, Handler: unaryHandler(MethodGetStatus, QueueAdminServer.GetStatus)},
		{MethodName: MethodGetTaskHistory, Handler: unaryHandler(MethodGetTaskHistory, QueueAdminServer.GetTaskHistory)},
		{MethodName: MethodGetTaskStats, Handler: unaryHandler(MethodGetTaskStats, QueueAdminServer.GetTaskStats)},
		{MethodName: MethodGetStorageStats, Handler: unaryHandler(MethodGetStorageStats, QueueAdminServer.GetStorageStats)},
		{MethodName: MethodManualCleanup, Handler: unaryHandler(MethodManualCleanup, QueueAdminServer.ManualCleanup)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "queuekeeper/admin/v1/admin.proto",
}

func RegisterQueueAdminServer(s grpc.ServiceRegistrar, srv QueueAdminServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unaryHandler(method string, call unaryCall) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(QueueAdminServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(QueueAdminServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Client is a thin typed wrapper over a connection to QueueAdmin.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) GetStatus(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodGetStatus, req, opts...)
}

func (c *Client) GetTaskHistory(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodGetTaskHistory, req, opts...)
}

func (c *Client) GetTaskStats(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodGetTaskStats, req, opts...)
}

func (c *Client) GetStorageStats(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodGetStorageStats, req, opts...)
}

func (c *Client) ManualCleanup(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodManualCleanup, req, opts...)
}

func (c *Client) invoke(ctx context.Context, method string, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if req == nil {
		req = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(method), req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
