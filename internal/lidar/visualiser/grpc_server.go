package visualiser

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Method names.
const (
	ServiceName        = "localizer.Visualiser"
	StreamFramesMethod = "/" + ServiceName + "/StreamFrames"
)

// FrameStreamer is the service implementation type.
type FrameStreamer interface {
	StreamFrames(req *structpb.Struct, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FrameStreamer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "StreamFrames",
		Handler:       streamFramesHandler,
		ServerStreams: true,
	}},
	Metadata: "localizer/visualiser.proto",
}

func streamFramesHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(FrameStreamer).StreamFrames(req, stream)
}

type server struct {
	p *Publisher
}

// StreamFrames sends the current map then every published frame until the
// client goes away or the publisher stops. Request fields:
// include_map (default true), include_points (default true).
func (s *server) StreamFrames(req *structpb.Struct, stream grpc.ServerStream) error {
	includeMap := boolField(req, "include_map", true)
	includePoints := boolField(req, "include_points", true)

	c, err := s.p.addClient()
	if err != nil {
		return status.Error(codes.ResourceExhausted, err.Error())
	}
	defer s.p.removeClient(c.id)

	send := func(f *structpb.Struct) error {
		if !includePoints {
			f = withoutPoints(f)
		}
		return stream.SendMsg(f)
	}

	if m := s.p.currentMap(); includeMap && m != nil {
		if err := send(m); err != nil {
			return err
		}
	}

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.p.stopCh:
			return nil
		case f := <-c.frameCh:
			if !includeMap && f.GetFields()[fieldType].GetStringValue() == string(FrameTypeMap) {
				continue
			}
			if err := send(f); err != nil {
				return err
			}
		}
	}
}

func boolField(s *structpb.Struct, key string, def bool) bool {
	v, ok := s.GetFields()[key]
	if !ok {
		return def
	}
	return v.GetBoolValue()
}
