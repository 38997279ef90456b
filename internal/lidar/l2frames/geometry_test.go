package l2frames

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const geomTol = 1e-9

func TestBuildTransform_Identity(t *testing.T) {
	t.Parallel()
	assert.Equal(t, Identity(), BuildTransform(0, 0, 0, 0, 0, 0))
}

func TestBuildTransform_YawQuarterTurn(t *testing.T) {
	t.Parallel()
	T := BuildTransform(math.Pi/2, 0, 0, 1, 2, 3)
	p := T.Apply(Point{X: 1})
	assert.InDelta(t, 1.0, p.X, geomTol)
	assert.InDelta(t, 3.0, p.Y, geomTol)
	assert.InDelta(t, 3.0, p.Z, geomTol)
}

func TestBuildTransform_ZYXComposition(t *testing.T) {
	t.Parallel()
	yaw, pitch, roll := 0.3, -0.4, 0.7
	rz := BuildTransform(yaw, 0, 0, 0, 0, 0)
	ry := BuildTransform(0, pitch, 0, 0, 0, 0)
	rx := BuildTransform(0, 0, roll, 0, 0, 0)
	want := rz.Mul(ry).Mul(rx)
	got := BuildTransform(yaw, pitch, roll, 0, 0, 0)
	for i := range want {
		assert.InDelta(t, want[i], got[i], geomTol, "element %d", i)
	}
}

func TestDecomposePose_RoundTrip(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		yaw := (rng.Float64()*2 - 1) * math.Pi * 0.999
		pitch := (rng.Float64()*2 - 1) * (math.Pi/2 - 0.05)
		roll := (rng.Float64()*2 - 1) * math.Pi * 0.999
		x, y, z := rng.NormFloat64()*50, rng.NormFloat64()*50, rng.NormFloat64()*5

		p := DecomposePose(BuildTransform(yaw, pitch, roll, x, y, z))
		require.InDelta(t, yaw, p.Yaw, 1e-7, "yaw case %d", i)
		require.InDelta(t, pitch, p.Pitch, 1e-7, "pitch case %d", i)
		require.InDelta(t, roll, p.Roll, 1e-7, "roll case %d", i)
		require.InDelta(t, x, p.Position.X, geomTol)
		require.InDelta(t, y, p.Position.Y, geomTol)
		require.InDelta(t, z, p.Position.Z, geomTol)
	}
}

func TestDecomposePose_GimbalLockStillConsistent(t *testing.T) {
	t.Parallel()
	T := BuildTransform(0.4, math.Pi/2, 0.1, 1, 1, 1)
	p := DecomposePose(T)
	assert.InDelta(t, math.Pi/2, p.Pitch, 1e-6)

	// The recovered triple must rebuild the same rotation even though the
	// individual yaw and roll values are not unique.
	rebuilt := p.Transform()
	for i := range T {
		assert.InDelta(t, T[i], rebuilt[i], 1e-6, "element %d", i)
	}
}

func TestBuildTransform_RotationOrthonormal(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		T := BuildTransform(rng.Float64()*20-10, rng.Float64()*20-10, rng.Float64()*20-10, 0, 0, 0)
		require.InDelta(t, 1.0, T.Determinant(), 1e-9)
		for a := 0; a < 3; a++ {
			for b := 0; b < 3; b++ {
				dot := T[a]*T[b] + T[4+a]*T[4+b] + T[8+a]*T[8+b]
				want := 0.0
				if a == b {
					want = 1.0
				}
				require.InDelta(t, want, dot, 1e-9, "columns %d,%d", a, b)
			}
		}
		require.True(t, T.IsValid(MatrixValidationTolerance))
	}
}

func TestRigidTransform_IsValid(t *testing.T) {
	t.Parallel()
	assert.True(t, Identity().IsValid(MatrixValidationTolerance))

	scaled := Identity()
	scaled[0] = 2
	assert.False(t, scaled.IsValid(MatrixValidationTolerance), "scaling is not rigid")

	reflected := Identity()
	reflected[0] = -1
	assert.False(t, reflected.IsValid(MatrixValidationTolerance), "reflection has det -1")

	badRow := Identity()
	badRow[12] = 0.5
	assert.False(t, badRow.IsValid(MatrixValidationTolerance))

	nan := Identity()
	nan[3] = math.NaN()
	assert.False(t, nan.IsValid(MatrixValidationTolerance))
}

func TestRigidTransform_InverseAndMul(t *testing.T) {
	t.Parallel()
	T := BuildTransform(0.2, 0.1, -0.3, 4, -2, 1)
	I := T.Mul(T.Inverse())
	want := Identity()
	for i := range want {
		assert.InDelta(t, want[i], I[i], geomTol, "element %d", i)
	}
	p := Point{X: 1, Y: 2, Z: 3}
	back := T.Inverse().Apply(T.Apply(p))
	assert.InDelta(t, p.X, back.X, geomTol)
	assert.InDelta(t, p.Y, back.Y, geomTol)
	assert.InDelta(t, p.Z, back.Z, geomTol)
}

func TestTransform2D(t *testing.T) {
	t.Parallel()
	T := Transform2D(math.Pi, 1, 0)
	p := T.Apply(Point{X: 1, Y: 1, Z: 2})
	assert.InDelta(t, 0.0, p.X, geomTol)
	assert.InDelta(t, -1.0, p.Y, geomTol)
	assert.InDelta(t, 2.0, p.Z, geomTol)
}

func TestTransformPoints(t *testing.T) {
	t.Parallel()
	assert.Nil(t, TransformPoints(nil, Identity()))
	out := TransformPoints([]Point{{X: 1}, {Y: 1}}, BuildTransform(0, 0, 0, 0, 0, 5))
	assert.Equal(t, []Point{{X: 1, Z: 5}, {Y: 1, Z: 5}}, out)
}

func TestMinDistance(t *testing.T) {
	t.Parallel()

	t.Run("empty is infinite", func(t *testing.T) {
		assert.True(t, math.IsInf(MinDistance(nil, Point{}), 1))
		assert.True(t, math.IsInf(MinDistance([]Point{}, Point{X: 3}), 1))
	})

	t.Run("singleton", func(t *testing.T) {
		assert.InDelta(t, 5.0, MinDistance([]Point{{X: 3, Y: 4}}, Point{}), geomTol)
	})

	t.Run("nearest of many", func(t *testing.T) {
		pts := []Point{{X: 10}, {X: -2}, {Y: 1, Z: 1}}
		assert.InDelta(t, math.Sqrt2, MinDistance(pts, Point{}), geomTol)
	})
}

func TestPose_DistanceTo(t *testing.T) {
	t.Parallel()
	a := Pose{Position: Point{X: 3, Y: 4}, Yaw: 1}
	b := Pose{}
	assert.InDelta(t, 5.0, a.DistanceTo(b), geomTol)
}

func TestIsFinite(t *testing.T) {
	t.Parallel()
	assert.True(t, Point{X: 1, Y: -2, Z: 3}.IsFinite())
	assert.False(t, Point{Y: math.NaN()}.IsFinite())
	assert.False(t, Point{Z: math.Inf(-1)}.IsFinite())

	assert.True(t, Pose{Position: Point{X: 1}, Yaw: math.Pi}.IsFinite())
	assert.False(t, Pose{Pitch: math.NaN()}.IsFinite())
	assert.False(t, Pose{Position: Point{X: math.Inf(1)}}.IsFinite())
}
