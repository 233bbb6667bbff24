package visualiser

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/banshee-data/pose-receiver/internal/pose"
)

// Client reads frames from a frame stream server.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr without transport security. Extra options are
// appended after the defaults.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to frame stream %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// FrameStream is an open Watch stream.
type FrameStream struct {
	stream grpc.ServerStreamingClient[wrapperspb.BytesValue]
}

// Watch opens a stream. It ends when ctx is cancelled or the server stops.
func (c *Client) Watch(ctx context.Context) (*FrameStream, error) {
	s, err := watch(ctx, c.conn)
	if err != nil {
		return nil, err
	}
	return &FrameStream{stream: s}, nil
}

// Recv blocks for the next frame. A frame whose image fails to decode is
// returned without an image together with the error.
func (s *FrameStream) Recv() (pose.Frame, error) {
	msg, err := s.stream.Recv()
	if err != nil {
		return pose.Frame{}, err
	}
	p, err := pose.DecodePacket(msg.GetValue())
	if err != nil {
		return pose.Frame{}, err
	}
	return pose.NewFrame(p)
}
