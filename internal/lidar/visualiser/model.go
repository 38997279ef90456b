package visualiser

import (
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/pose.report/internal/lidar/l2frames"
	"github.com/banshee-data/pose.report/internal/lidar/pipeline"
)

// FrameType distinguishes the map frame, sent once per client and on every
// refresh, from per-cycle frames that carry only the aligned scan.
type FrameType string

const (
	FrameTypeMap   FrameType = "map"
	FrameTypeCycle FrameType = "cycle"
)

// Frame field names.
const (
	fieldType     = "type"
	fieldFrameID  = "frame_id"
	fieldPoints   = "points"
	fieldMapSeq   = "map_seq"
	fieldSequence = "sequence"
)

// pointsValue encodes points as a flat [x0, y0, z0, x1, ...] list.
func pointsValue(pts []l2frames.Point) *structpb.Value {
	vals := make([]*structpb.Value, 0, 3*len(pts))
	for _, p := range pts {
		vals = append(vals,
			structpb.NewNumberValue(p.X),
			structpb.NewNumberValue(p.Y),
			structpb.NewNumberValue(p.Z))
	}
	return structpb.NewListValue(&structpb.ListValue{Values: vals})
}

func poseValue(p l2frames.Pose) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"x":     structpb.NewNumberValue(p.Position.X),
		"y":     structpb.NewNumberValue(p.Position.Y),
		"z":     structpb.NewNumberValue(p.Position.Z),
		"yaw":   structpb.NewNumberValue(p.Yaw),
		"pitch": structpb.NewNumberValue(p.Pitch),
		"roll":  structpb.NewNumberValue(p.Roll),
	}})
}

func boxValue(b pipeline.Box) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"cx":     structpb.NewNumberValue(b.Center.X),
		"cy":     structpb.NewNumberValue(b.Center.Y),
		"cz":     structpb.NewNumberValue(b.Center.Z),
		"yaw":    structpb.NewNumberValue(b.Yaw),
		"length": structpb.NewNumberValue(b.Length),
		"width":  structpb.NewNumberValue(b.Width),
		"height": structpb.NewNumberValue(b.Height),
	}})
}

// MapFrame builds the static map frame.
func MapFrame(frameID, mapSeq uint64, pts []l2frames.Point) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldType:    structpb.NewStringValue(string(FrameTypeMap)),
		fieldFrameID: structpb.NewNumberValue(float64(frameID)),
		fieldMapSeq:  structpb.NewNumberValue(float64(mapSeq)),
		"count":      structpb.NewNumberValue(float64(len(pts))),
		fieldPoints:  pointsValue(pts),
	}}
}

// CycleFrame builds a frame from one cycle result.
func CycleFrame(frameID, mapSeq uint64, r *pipeline.CycleResult) *structpb.Struct {
	f := map[string]*structpb.Value{
		fieldType:      structpb.NewStringValue(string(FrameTypeCycle)),
		fieldFrameID:   structpb.NewNumberValue(float64(frameID)),
		fieldMapSeq:    structpb.NewNumberValue(float64(mapSeq)),
		fieldSequence:  structpb.NewNumberValue(float64(r.Sequence)),
		"timestamp_ns": structpb.NewNumberValue(float64(r.Time.UnixNano())),
		"pose":         poseValue(r.Pose),
		"vehicle":      boxValue(r.Vehicle),
		"max_error":    structpb.NewNumberValue(r.MaxError),
		"converged":    structpb.NewBoolValue(r.Converged),
		"iterations":   structpb.NewNumberValue(float64(r.Iterations)),
		"score":        structpb.NewNumberValue(r.Score),
		"raw_points":   structpb.NewNumberValue(float64(r.RawPoints)),
		"filtered_pts": structpb.NewNumberValue(float64(r.FilteredPoints)),
		"throttle":     structpb.NewNumberValue(r.Control.Throttle),
		"steer":        structpb.NewNumberValue(r.Control.Steer),
		"reverse":      structpb.NewBoolValue(r.Control.Reverse),
		fieldPoints:    pointsValue(r.AlignedScan),
	}
	if r.HasGroundTruth {
		f["ground_truth"] = poseValue(r.GroundTruth)
		f["error"] = structpb.NewNumberValue(r.Error)
	}
	return &structpb.Struct{Fields: f}
}

// withoutPoints returns a shallow copy of f minus the point list.
func withoutPoints(f *structpb.Struct) *structpb.Struct {
	out := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(f.Fields))}
	for k, v := range f.Fields {
		if k != fieldPoints {
			out.Fields[k] = v
		}
	}
	return out
}

// DecodePoints reads a frame's point list back into points.
func DecodePoints(f *structpb.Struct) []l2frames.Point {
	list := f.GetFields()[fieldPoints].GetListValue().GetValues()
	pts := make([]l2frames.Point, 0, len(list)/3)
	for i := 0; i+2 < len(list); i += 3 {
		pts = append(pts, l2frames.Point{
			X: list[i].GetNumberValue(),
			Y: list[i+1].GetNumberValue(),
			Z: list[i+2].GetNumberValue(),
		})
	}
	return pts
}
