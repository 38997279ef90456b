// Package sim is an in-process stand-in for the driving simulator. It
// drives a kinematic vehicle through a static point-cloud map and ray-samples
// that map with a spinning LiDAR, so the localizer can run end to end without
// an external simulator.
package sim

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/banshee-data/pose.report/internal/control"
	"github.com/banshee-data/pose.report/internal/lidar/l2frames"
)

// Ingester receives detections in the vehicle frame.
type Ingester interface {
	IngestBatch(points []l2frames.Point) int
}

// TruthSink receives the ground-truth pose after each tick.
type TruthSink interface {
	SendGroundTruth(pose l2frames.Pose) error
}

// Config configures a World.
type Config struct {
	Map     []l2frames.Point
	Spawn   l2frames.Pose
	Lidar   LidarConfig
	Vehicle VehicleParams

	// Mount is the sensor origin in the vehicle frame.
	Mount l2frames.Point

	// Step is the simulated time advanced per Tick (default: 50ms).
	Step time.Duration

	// Jitter adds uniform noise of ±Jitter metres to every return.
	Jitter float64
	Seed   int64

	// Sink receives each sweep. Truth, when set, is sent the pose after
	// each tick.
	Sink  Ingester
	Truth TruthSink
}

// World is a synthetic simulator. Tick, GroundTruth and ApplyControl are
// safe for concurrent use.
type World struct {
	mu      sync.Mutex
	vehicle Vehicle
	control control.VehicleControl
	sensor  *sensor
	step    time.Duration
	ticks   uint64
	sink    Ingester
	truth   TruthSink
}

// NewWorld builds the map index and places the vehicle at cfg.Spawn.
func NewWorld(cfg Config) *World {
	if cfg.Step <= 0 {
		cfg.Step = 50 * time.Millisecond
	}
	if cfg.Lidar == (LidarConfig{}) {
		cfg.Lidar = DefaultLidarConfig()
	}
	if cfg.Vehicle == (VehicleParams{}) {
		cfg.Vehicle = DefaultVehicleParams()
	}
	cell := cfg.Lidar.Range / 4
	if cell <= 0 {
		cell = 5
	}
	w := &World{
		vehicle: Vehicle{
			Params: cfg.Vehicle,
			X:      cfg.Spawn.Position.X,
			Y:      cfg.Spawn.Position.Y,
			Yaw:    cfg.Spawn.Yaw,
		},
		sensor: &sensor{
			cfg:    cfg.Lidar,
			mount:  cfg.Mount,
			index:  newMapIndex(cfg.Map, cell),
			jitter: cfg.Jitter,
			rng:    rand.New(rand.NewSource(cfg.Seed)),
		},
		step:  cfg.Step,
		sink:  cfg.Sink,
		truth: cfg.Truth,
	}
	opsf("synthetic world: %d map points, spawn %v, %d channels x %d azimuth bins",
		len(cfg.Map), cfg.Spawn, cfg.Lidar.Channels, cfg.Lidar.AzimuthBins())
	return w
}

// Tick advances the vehicle by one step and emits one sensor revolution.
func (w *World) Tick(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	w.vehicle.Step(w.control, w.step)
	w.ticks++
	pose := w.vehicle.Pose()
	points := w.sensor.sweep(pose)
	w.mu.Unlock()

	tracef("tick %d: pose %v, %d returns", w.ticks, pose, len(points))
	if w.truth != nil {
		if err := w.truth.SendGroundTruth(pose); err != nil {
			return err
		}
	}
	if w.sink != nil && len(points) > 0 {
		w.sink.IngestBatch(points)
	}
	return nil
}

// Scan returns one revolution from the current pose without advancing time.
func (w *World) Scan() []l2frames.Point {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sensor.sweep(w.vehicle.Pose())
}

// GroundTruth returns the vehicle pose.
func (w *World) GroundTruth() (l2frames.Pose, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.vehicle.Pose(), nil
}

// ApplyControl sets the actuation used by subsequent ticks.
func (w *World) ApplyControl(v control.VehicleControl) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.control = v
	return nil
}

// Control returns the current actuation.
func (w *World) Control() control.VehicleControl {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.control
}

// Speed returns the signed vehicle speed in m/s.
func (w *World) Speed() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.vehicle.Speed
}

// Ticks returns the number of completed ticks.
func (w *World) Ticks() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ticks
}
