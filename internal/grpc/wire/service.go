package wire

import (
	"context"

	"google.golang.org/grpc"
)

const (
	ServiceName   = "silofleet.v1.FleetService"
	ContactMethod = "/" + ServiceName + "/Contact"
)

type FleetServiceServer interface {
	Contact(ctx context.Context, req *ContactRequest) (*ContactResponse, error)
}

func RegisterFleetServiceServer(s grpc.ServiceRegistrar, srv FleetServiceServer) {
	s.RegisterService(&FleetServiceDesc, srv)
}

func contactHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ContactRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FleetServiceServer).Contact(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: ContactMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FleetServiceServer).Contact(ctx, req.(*ContactRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var FleetServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FleetServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Contact",
			Handler:    contactHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "silofleet/v1/fleet.proto",
}

type FleetServiceClient interface {
	Contact(ctx context.Context, req *ContactRequest, opts ...grpc.CallOption) (*ContactResponse, error)
}

type fleetServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewFleetServiceClient(cc grpc.ClientConnInterface) FleetServiceClient {
	return &fleetServiceClient{cc: cc}
}

func (c *fleetServiceClient) Contact(ctx context.Context, req *ContactRequest, opts ...grpc.CallOption) (*ContactResponse, error) {
	out := new(ContactResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, ContactMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
