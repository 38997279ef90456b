package sim

import (
	"math"
	"time"

	"github.com/banshee-data/pose.report/internal/control"
	"github.com/banshee-data/pose.report/internal/lidar/l2frames"
)

// VehicleParams describes the kinematic bicycle driven by the simulator.
type VehicleParams struct {
	Wheelbase     float64 // metres between axles
	MaxSteerAngle float64 // front wheel angle at steer = ±1, radians
	MaxAccel      float64 // m/s² at full throttle
	BrakeDecel    float64 // m/s² while braking
	Drag          float64 // 1/s linear speed damping
	MaxSpeed      float64 // m/s
}

// DefaultVehicleParams approximates a small passenger car.
func DefaultVehicleParams() VehicleParams {
	return VehicleParams{
		Wheelbase:     2.7,
		MaxSteerAngle: 0.6,
		MaxAccel:      3.0,
		BrakeDecel:    8.0,
		Drag:          0.2,
		MaxSpeed:      15.0,
	}
}

// Vehicle is planar rear-axle bicycle state.
type Vehicle struct {
	Params VehicleParams
	X, Y   float64
	Yaw    float64
	Speed  float64 // signed, negative when reversing
}

// Pose returns the vehicle pose with zero pitch and roll.
func (v *Vehicle) Pose() l2frames.Pose {
	return l2frames.Pose{Position: l2frames.Point{X: v.X, Y: v.Y}, Yaw: v.Yaw}
}

// Step integrates the vehicle over dt under ctl.
func (v *Vehicle) Step(ctl control.VehicleControl, dt time.Duration) {
	s := dt.Seconds()
	if s <= 0 {
		return
	}
	p := v.Params

	dir := 1.0
	if ctl.Reverse {
		dir = -1
	}
	accel := ctl.Throttle*p.MaxAccel*dir - p.Drag*v.Speed
	v.Speed += accel * s
	if ctl.Brake {
		dv := p.BrakeDecel * s
		if math.Abs(v.Speed) <= dv {
			v.Speed = 0
		} else {
			v.Speed -= math.Copysign(dv, v.Speed)
		}
	}
	v.Speed = math.Max(-p.MaxSpeed, math.Min(p.MaxSpeed, v.Speed))

	delta := ctl.Steer * p.MaxSteerAngle
	v.Yaw = wrapAngle(v.Yaw + v.Speed/p.Wheelbase*math.Tan(delta)*s)
	v.X += v.Speed * math.Cos(v.Yaw) * s
	v.Y += v.Speed * math.Sin(v.Yaw) * s
}

// wrapAngle maps a to (-π, π].
func wrapAngle(a float64) float64 {
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a <= 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}
