package visualiser

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// FrameStream receives frames from StreamFrames.
type FrameStream struct {
	stream grpc.ClientStream
}

// StreamFrames opens a frame stream on conn. opts become the request
// struct (see server.StreamFrames for recognised keys).
func StreamFrames(ctx context.Context, conn grpc.ClientConnInterface, opts map[string]interface{}) (*FrameStream, error) {
	req, err := structpb.NewStruct(opts)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	cs, err := conn.NewStream(ctx, &serviceDesc.Streams[0], StreamFramesMethod)
	if err != nil {
		return nil, err
	}
	if err := cs.SendMsg(req); err != nil {
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		return nil, err
	}
	return &FrameStream{stream: cs}, nil
}

// Recv blocks for the next frame.
func (f *FrameStream) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := f.stream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
