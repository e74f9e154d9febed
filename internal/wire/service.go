package wire

import (
	"context"

	"google.golang.org/grpc"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "ndnchunks.Segments"

	expressMethod = "/" + ServiceName + "/Express"
)

// SegmentsServer answers interests for published segments.
type SegmentsServer interface {
	Express(ctx context.Context, in *Interest) (*Content, error)
}

// SegmentsClient expresses interests to a publisher.
type SegmentsClient interface {
	Express(ctx context.Context, in *Interest, opts ...grpc.CallOption) (*Content, error)
}

type segmentsClient struct {
	cc grpc.ClientConnInterface
}

// NewSegmentsClient returns a client whose calls use the bencode codec.
func NewSegmentsClient(cc grpc.ClientConnInterface) SegmentsClient {
	return &segmentsClient{cc: cc}
}

func (c *segmentsClient) Express(ctx context.Context, in *Interest, opts ...grpc.CallOption) (*Content, error) {
	out := new(Content)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, expressMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterSegmentsServer registers srv with s.
func RegisterSegmentsServer(s grpc.ServiceRegistrar, srv SegmentsServer) {
	s.RegisterService(&segmentsServiceDesc, srv)
}

func expressHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Interest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SegmentsServer).Express(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: expressMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SegmentsServer).Express(ctx, req.(*Interest))
	}
	return interceptor(ctx, in, info, handler)
}

var segmentsServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SegmentsServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Express",
			Handler:    expressHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ndnchunks/segments",
}
