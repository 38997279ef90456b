package l2frames

import (
	"fmt"
	"math"
)

// MatrixValidationTolerance is the tolerance for checking rotation matrix validity.
const MatrixValidationTolerance = 0.01

// Point is a 3D coordinate in map units.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Norm2 returns the squared distance from the origin.
func (p Point) Norm2() float64 {
	return p.X*p.X + p.Y*p.Y + p.Z*p.Z
}

// Sub returns p - q.
func (p Point) Sub(q Point) Point {
	return Point{X: p.X - q.X, Y: p.Y - q.Y, Z: p.Z - q.Z}
}

// Add returns p + q.
func (p Point) Add(q Point) Point {
	return Point{X: p.X + q.X, Y: p.Y + q.Y, Z: p.Z + q.Z}
}

// Distance returns the Euclidean distance between p and q.
func (p Point) Distance(q Point) float64 {
	return math.Sqrt(p.Sub(q).Norm2())
}

// IsFinite reports whether no coordinate is NaN or infinite.
func (p Point) IsFinite() bool {
	return finite(p.X) && finite(p.Y) && finite(p.Z)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func (p Point) String() string {
	return fmt.Sprintf("(%.3f, %.3f, %.3f)", p.X, p.Y, p.Z)
}

// Pose is a rigid-body placement in world space. Angles are radians.
type Pose struct {
	Position Point   `json:"position"`
	Yaw      float64 `json:"yaw"`
	Pitch    float64 `json:"pitch"`
	Roll     float64 `json:"roll"`
}

// Transform returns the homogeneous transform that places a body at p.
func (p Pose) Transform() RigidTransform {
	return BuildTransform(p.Yaw, p.Pitch, p.Roll, p.Position.X, p.Position.Y, p.Position.Z)
}

// DistanceTo returns the Euclidean distance between the two positions.
// Orientation is ignored.
func (p Pose) DistanceTo(q Pose) float64 {
	return p.Position.Distance(q.Position)
}

// IsFinite reports whether position and angles are all finite.
func (p Pose) IsFinite() bool {
	return p.Position.IsFinite() && finite(p.Yaw) && finite(p.Pitch) && finite(p.Roll)
}

func (p Pose) String() string {
	return fmt.Sprintf("pos=%v yaw=%.3f pitch=%.3f roll=%.3f", p.Position, p.Yaw, p.Pitch, p.Roll)
}

// RigidTransform is a 4x4 homogeneous transform stored row-major:
// m00,m01,m02,m03, m10,m11,m12,m13, m20,m21,m22,m23, m30,m31,m32,m33.
type RigidTransform [16]float64

// Identity returns the identity transform.
func Identity() RigidTransform {
	return RigidTransform{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// BuildTransform composes R = Rz(yaw)·Ry(pitch)·Rx(roll) with the
// translation (x, y, z).
func BuildTransform(yaw, pitch, roll, x, y, z float64) RigidTransform {
	cy, sy := math.Cos(yaw), math.Sin(yaw)
	cp, sp := math.Cos(pitch), math.Sin(pitch)
	cr, sr := math.Cos(roll), math.Sin(roll)

	return RigidTransform{
		cy * cp, cy*sp*sr - sy*cr, cy*sp*cr + sy*sr, x,
		sy * cp, sy*sp*sr + cy*cr, sy*sp*cr - cy*sr, y,
		-sp, cp * sr, cp * cr, z,
		0, 0, 0, 1,
	}
}

// Transform2D builds a planar transform rotating by theta about Z and
// translating by (x, y).
func Transform2D(theta, x, y float64) RigidTransform {
	return BuildTransform(theta, 0, 0, x, y, 0)
}

// DecomposePose recovers the pose encoded by T. Angles follow the
// BuildTransform composition order.
//
// At pitch = ±90° yaw and roll are coupled (gimbal lock); the triple
// returned is one consistent solution, not necessarily the one T was built
// from.
func DecomposePose(T RigidTransform) Pose {
	s := -T[8]
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	return Pose{
		Position: Point{X: T[3], Y: T[7], Z: T[11]},
		Yaw:      math.Atan2(T[4], T[0]),
		Pitch:    math.Asin(s),
		Roll:     math.Atan2(T[9], T[10]),
	}
}

// Apply transforms p by T.
func (T RigidTransform) Apply(p Point) Point {
	return Point{
		X: T[0]*p.X + T[1]*p.Y + T[2]*p.Z + T[3],
		Y: T[4]*p.X + T[5]*p.Y + T[6]*p.Z + T[7],
		Z: T[8]*p.X + T[9]*p.Y + T[10]*p.Z + T[11],
	}
}

// Mul returns T·U, the transform that applies U first and then T.
func (T RigidTransform) Mul(U RigidTransform) RigidTransform {
	var out RigidTransform
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var s float64
			for k := 0; k < 4; k++ {
				s += T[i*4+k] * U[k*4+j]
			}
			out[i*4+j] = s
		}
	}
	return out
}

// Inverse returns the inverse of a rigid transform: [Rᵀ | -Rᵀt].
func (T RigidTransform) Inverse() RigidTransform {
	var out RigidTransform
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i*4+j] = T[j*4+i]
		}
	}
	tx, ty, tz := T[3], T[7], T[11]
	for i := 0; i < 3; i++ {
		out[i*4+3] = -(out[i*4]*tx + out[i*4+1]*ty + out[i*4+2]*tz)
	}
	out[15] = 1
	return out
}

// Translation returns the translation column.
func (T RigidTransform) Translation() Point {
	return Point{X: T[3], Y: T[7], Z: T[11]}
}

// Determinant returns the determinant of the rotation block.
func (T RigidTransform) Determinant() float64 {
	r00, r01, r02 := T[0], T[1], T[2]
	r10, r11, r12 := T[4], T[5], T[6]
	r20, r21, r22 := T[8], T[9], T[10]
	return r00*(r11*r22-r12*r21) - r01*(r10*r22-r12*r20) + r02*(r10*r21-r11*r20)
}

// IsValid reports whether T is a rigid transform within tol:
// orthonormal rotation columns, det ≈ 1 and last row [0 0 0 1].
func (T RigidTransform) IsValid(tol float64) bool {
	for _, v := range T {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	if math.Abs(T.Determinant()-1.0) > tol {
		return false
	}
	for a := 0; a < 3; a++ {
		for b := a; b < 3; b++ {
			dot := T[a]*T[b] + T[4+a]*T[4+b] + T[8+a]*T[8+b]
			want := 0.0
			if a == b {
				want = 1.0
			}
			if math.Abs(dot-want) > tol {
				return false
			}
		}
	}
	if T[12] != 0 || T[13] != 0 || T[14] != 0 || math.Abs(T[15]-1.0) > 0.001 {
		return false
	}
	return true
}

// TransformPoints applies T to every point and returns a new slice.
func TransformPoints(points []Point, T RigidTransform) []Point {
	if points == nil {
		return nil
	}
	out := make([]Point, len(points))
	for i, p := range points {
		out[i] = T.Apply(p)
	}
	return out
}

// MinDistance returns the distance from target to its nearest neighbour in
// points, or +Inf when points is empty.
func MinDistance(points []Point, target Point) float64 {
	best := math.Inf(1)
	for _, p := range points {
		if d := p.Sub(target).Norm2(); d < best {
			best = d
		}
	}
	if math.IsInf(best, 1) {
		return best
	}
	return math.Sqrt(best)
}
