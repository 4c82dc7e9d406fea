// Package proto defines the gRPC service interface for gophermeta.
//
// The descriptor, messages and client are hand-written and travel as JSON
// through the codec in codec.go, so no protoc step is needed.
package proto

import (
	"context"

	"google.golang.org/grpc"
)

const ServiceName = "gophermeta.MetadataService"

// MetadataServiceServer is the server-side interface for the MetadataService.
type MetadataServiceServer interface {
	Request(context.Context, *MetadataRequest) (*MetadataResponse, error)
	Preload(context.Context, *MetadataRequest) (*MetadataResponse, error)
	Prefetch(context.Context, *PrefetchRequest) (*PrefetchResponse, error)
	Stats(context.Context, *StatsRequest) (*StatsResponse, error)
	ClearCache(context.Context, *ClearCacheRequest) (*ClearCacheResponse, error)
}

// MetadataServiceClient is the client-side interface for the MetadataService.
type MetadataServiceClient interface {
	Request(ctx context.Context, in *MetadataRequest, opts ...grpc.CallOption) (*MetadataResponse, error)
	Preload(ctx context.Context, in *MetadataRequest, opts ...grpc.CallOption) (*MetadataResponse, error)
	Prefetch(ctx context.Context, in *PrefetchRequest, opts ...grpc.CallOption) (*PrefetchResponse, error)
	Stats(ctx context.Context, in *StatsRequest, opts ...grpc.CallOption) (*StatsResponse, error)
	ClearCache(ctx context.Context, in *ClearCacheRequest, opts ...grpc.CallOption) (*ClearCacheResponse, error)
}

// ---- server registration ----

// ServiceDesc is the grpc.ServiceDesc for the MetadataService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MetadataServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Request", Handler: _MetadataService_Request_Handler},
		{MethodName: "Preload", Handler: _MetadataService_Preload_Handler},
		{MethodName: "Prefetch", Handler: _MetadataService_Prefetch_Handler},
		{MethodName: "Stats", Handler: _MetadataService_Stats_Handler},
		{MethodName: "ClearCache", Handler: _MetadataService_ClearCache_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "proto/gophermeta.proto",
}

// RegisterMetadataServiceServer registers the server implementation with a gRPC server.
func RegisterMetadataServiceServer(s grpc.ServiceRegistrar, srv MetadataServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// unary decodes the request and runs handler through the interceptor chain.
func unary[Req any, Resp any](
	method string,
	call func(MetadataServiceServer, context.Context, *Req) (*Resp, error),
) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(MetadataServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(MetadataServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var (
	_MetadataService_Request_Handler    = unary("Request", MetadataServiceServer.Request)
	_MetadataService_Preload_Handler    = unary("Preload", MetadataServiceServer.Preload)
	_MetadataService_Prefetch_Handler   = unary("Prefetch", MetadataServiceServer.Prefetch)
	_MetadataService_Stats_Handler      = unary("Stats", MetadataServiceServer.Stats)
	_MetadataService_ClearCache_Handler = unary("ClearCache", MetadataServiceServer.ClearCache)
)

// ---- client implementation ----

type metadataServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewMetadataServiceClient creates a new MetadataService gRPC client. The
// connection must use Codec, e.g. via grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec())).
func NewMetadataServiceClient(cc grpc.ClientConnInterface) MetadataServiceClient {
	return &metadataServiceClient{cc: cc}
}

func invoke[Req any, Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in *Req, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	if err := cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *metadataServiceClient) Request(ctx context.Context, in *MetadataRequest, opts ...grpc.CallOption) (*MetadataResponse, error) {
	return invoke[MetadataRequest, MetadataResponse](ctx, c.cc, "Request", in, opts)
}

func (c *metadataServiceClient) Preload(ctx context.Context, in *MetadataRequest, opts ...grpc.CallOption) (*MetadataResponse, error) {
	return invoke[MetadataRequest, MetadataResponse](ctx, c.cc, "Preload", in, opts)
}

func (c *metadataServiceClient) Prefetch(ctx context.Context, in *PrefetchRequest, opts ...grpc.CallOption) (*PrefetchResponse, error) {
	return invoke[PrefetchRequest, PrefetchResponse](ctx, c.cc, "Prefetch", in, opts)
}

func (c *metadataServiceClient) Stats(ctx context.Context, in *StatsRequest, opts ...grpc.CallOption) (*StatsResponse, error) {
	return invoke[StatsRequest, StatsResponse](ctx, c.cc, "Stats", in, opts)
}

func (c *metadataServiceClient) ClearCache(ctx context.Context, in *ClearCacheRequest, opts ...grpc.CallOption) (*ClearCacheResponse, error) {
	return invoke[ClearCacheRequest, ClearCacheResponse](ctx, c.cc, "ClearCache", in, opts)
}
