package visualiser

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The stream carries each frame as the JSON datagram payload it arrived as,
// so viewers reuse the packet decoder instead of a generated schema.
const (
	serviceName = "pose.v1.FrameStream"
	watchMethod = "/pose.v1.FrameStream/Watch"
)

// FrameStreamServer is the server API for the pose.v1.FrameStream service.
type FrameStreamServer interface {
	Watch(*emptypb.Empty, grpc.ServerStreamingServer[wrapperspb.BytesValue]) error
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	m := new(emptypb.Empty)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(FrameStreamServer).Watch(m, &grpc.GenericServerStream[emptypb.Empty, wrapperspb.BytesValue]{ServerStream: stream})
}

var frameStreamDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*FrameStreamServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "pose/v1/frame_stream.proto",
}

// RegisterFrameStreamServer registers srv on s.
func RegisterFrameStreamServer(s grpc.ServiceRegistrar, srv FrameStreamServer) {
	s.RegisterService(&frameStreamDesc, srv)
}

// watch opens a Watch stream on cc.
func watch(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (grpc.ServerStreamingClient[wrapperspb.BytesValue], error) {
	stream, err := cc.NewStream(ctx, &frameStreamDesc.Streams[0], watchMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[emptypb.Empty, wrapperspb.BytesValue]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
