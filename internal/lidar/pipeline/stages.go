package pipeline

import (
	"context"
	"reflect"
	"time"

	"github.com/banshee-data/pose.report/internal/control"
	"github.com/banshee-data/pose.report/internal/lidar/l2frames"
	"github.com/banshee-data/pose.report/internal/lidar/l5register"
)

// World is the simulation collaborator. Tick advances it while the loop
// waits for a scan.
type World interface {
	Tick(ctx context.Context) error
	GroundTruth() (l2frames.Pose, error)
}

// Registrar aligns a downsampled scan to the map. *l5register.Registrar
// implements it.
type Registrar interface {
	Align(source []l2frames.Point, guess l2frames.RigidTransform) (l5register.Result, error)
}

// ControlSink receives the absolute vehicle actuation state.
type ControlSink interface {
	ApplyControl(v control.VehicleControl) error
}

// FrameSink renders the map and each cycle's aligned scan and vehicle box.
type FrameSink interface {
	// SetMap is called once at start and again on every refresh request.
	SetMap(points []l2frames.Point) error
	PublishFrame(ctx context.Context, r *CycleResult) error
}

// CycleSink records cycle results (storage, telemetry).
type CycleSink interface {
	RecordCycle(ctx context.Context, r *CycleResult) error
}

// Vehicle box dimensions in metres.
const (
	VehicleLength = 4.0
	VehicleWidth  = 2.0
	VehicleHeight = 2.0
)

// Box is an oriented box on the ground plane.
type Box struct {
	Center l2frames.Point `json:"center"`
	Yaw    float64        `json:"yaw"`
	Length float64        `json:"length"`
	Width  float64        `json:"width"`
	Height float64        `json:"height"`
}

// VehicleBox returns the rendering box centred on pose.
func VehicleBox(pose l2frames.Pose) Box {
	return Box{
		Center: l2frames.Point{X: pose.Position.X, Y: pose.Position.Y},
		Yaw:    pose.Yaw,
		Length: VehicleLength,
		Width:  VehicleWidth,
		Height: VehicleHeight,
	}
}

// Corners returns the four ground-plane corners counter-clockwise from the
// rear right.
func (b Box) Corners() [4]l2frames.Point {
	T := l2frames.Transform2D(b.Yaw, b.Center.X, b.Center.Y)
	hl, hw := b.Length/2, b.Width/2
	return [4]l2frames.Point{
		T.Apply(l2frames.Point{X: -hl, Y: -hw}),
		T.Apply(l2frames.Point{X: hl, Y: -hw}),
		T.Apply(l2frames.Point{X: hl, Y: hw}),
		T.Apply(l2frames.Point{X: -hl, Y: hw}),
	}
}

// CycleResult is the immutable outcome of one localization cycle. Sinks
// must not modify it.
type CycleResult struct {
	Sequence        uint64                 `json:"sequence"`
	Time            time.Time              `json:"time"`
	Pose            l2frames.Pose          `json:"pose"`
	GroundTruth     l2frames.Pose          `json:"ground_truth"`
	HasGroundTruth  bool                   `json:"has_ground_truth"`
	Error           float64                `json:"error"`
	MaxError        float64                `json:"max_error"`
	Converged       bool                   `json:"converged"`
	Iterations      int                    `json:"iterations"`
	Score           float64                `json:"score"`
	Correspondences int                    `json:"correspondences"`
	RawPoints       int                    `json:"raw_points"`
	FilteredPoints  int                    `json:"filtered_points"`
	AlignedScan     []l2frames.Point       `json:"-"`
	Vehicle         Box                    `json:"vehicle"`
	Control         control.VehicleControl `json:"control"`
	Duration        time.Duration          `json:"duration"`

	// Failed is set when registration could not run; Pose is then the
	// previous estimate and AlignedScan is empty.
	Failed  bool   `json:"failed"`
	Failure string `json:"failure,omitempty"`
}

// isNilInterface reports whether i is nil or holds a nil pointer.
func isNilInterface(i interface{}) bool {
	if i == nil {
		return true
	}
	v := reflect.ValueOf(i)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return v.IsNil()
	}
	return false
}
