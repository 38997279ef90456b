package l5register

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pose.report/internal/config"
	"github.com/banshee-data/pose.report/internal/lidar/l2frames"
	"github.com/banshee-data/pose.report/internal/lidar/l3grid"
)

// lattice returns a symmetric 8x8x8 lattice with spacing 0.5 centred on the
// origin. At resolution 1 every grid cell holds exactly 8 points.
func lattice() []l2frames.Point {
	var pts []l2frames.Point
	for i := 0; i < 8; i++ {
		for j := 0; j < 8; j++ {
			for k := 0; k < 8; k++ {
				pts = append(pts, l2frames.Point{
					X: -1.75 + 0.5*float64(i),
					Y: -1.75 + 0.5*float64(j),
					Z: -1.75 + 0.5*float64(k),
				})
			}
		}
	}
	return pts
}

func unitCubeCorners() []l2frames.Point {
	var pts []l2frames.Point
	for _, x := range []float64{0, 1} {
		for _, y := range []float64{0, 1} {
			for _, z := range []float64{0, 1} {
				pts = append(pts, l2frames.Point{X: x, Y: y, Z: z})
			}
		}
	}
	return pts
}

func offset(pts []l2frames.Point, d l2frames.Point) []l2frames.Point {
	out := make([]l2frames.Point, len(pts))
	for i, p := range pts {
		out[i] = p.Add(d)
	}
	return out
}

func assertNearIdentityRotation(t *testing.T, T l2frames.RigidTransform, tol float64) {
	t.Helper()
	pose := l2frames.DecomposePose(T)
	assert.InDelta(t, 0, pose.Yaw, tol, "yaw")
	assert.InDelta(t, 0, pose.Pitch, tol, "pitch")
	assert.InDelta(t, 0, pose.Roll, tol, "roll")
}

func TestAlign_SelfAlignmentConverges(t *testing.T) {
	t.Parallel()
	pts := lattice()
	res, err := Align(pts, pts, l2frames.Identity(), DefaultParams())
	require.NoError(t, err)

	assert.True(t, res.Converged)
	assert.True(t, res.Transform.IsValid(l2frames.MatrixValidationTolerance))
	tr := res.Transform.Translation()
	assert.InDelta(t, 0, tr.X, 0.01)
	assert.InDelta(t, 0, tr.Y, 0.01)
	assert.InDelta(t, 0, tr.Z, 0.01)
	assertNearIdentityRotation(t, res.Transform, 0.01)
	assert.Equal(t, len(pts), res.Correspondences)
	assert.Greater(t, res.Score, 0.0)
	assert.Greater(t, res.FitnessPerPoint(), 0.0)
}

func TestAlign_UnitCubeOffset(t *testing.T) {
	t.Parallel()
	target := unitCubeCorners()
	// The scan sees the map from a sensor displaced +1 in x.
	source := offset(target, l2frames.Point{X: -1})

	params := Params{
		TransformEpsilon: 1e-5,
		StepSize:         1,
		GridResolution:   2, // one Gaussian over all 8 corners
		MaxIterations:    100,
	}
	res, err := Align(source, target, l2frames.Identity(), params)
	require.NoError(t, err)

	assert.True(t, res.Converged)
	tr := res.Transform.Translation()
	assert.InDelta(t, 1, tr.X, 0.05)
	assert.InDelta(t, 0, tr.Y, 0.05)
	assert.InDelta(t, 0, tr.Z, 0.05)
	assertNearIdentityRotation(t, res.Transform, 0.05)
}

func TestAlign_RecoversSmallTranslation(t *testing.T) {
	t.Parallel()
	target := lattice()
	source := offset(target, l2frames.Point{X: -0.2, Y: 0.1})

	res, err := Align(source, target, l2frames.Identity(), DefaultParams())
	require.NoError(t, err)

	tr := res.Transform.Translation()
	assert.InDelta(t, 0.2, tr.X, 0.05)
	assert.InDelta(t, -0.1, tr.Y, 0.05)
	assert.InDelta(t, 0, tr.Z, 0.05)
	assertNearIdentityRotation(t, res.Transform, 0.05)
}

func TestAlign_Preconditions(t *testing.T) {
	t.Parallel()
	pts := lattice()

	tests := []struct {
		name   string
		source []l2frames.Point
		target []l2frames.Point
		guess  l2frames.RigidTransform
		want   error
	}{
		{"empty source", nil, pts, l2frames.Identity(), ErrEmptySource},
		{"empty target", pts, nil, l2frames.Identity(), ErrEmptyTarget},
		{"sparse target", pts, pts[:3], l2frames.Identity(), ErrSparseTarget},
		{"invalid guess", pts, pts, l2frames.RigidTransform{}, ErrInvalidGuess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res, err := Align(tt.source, tt.target, tt.guess, DefaultParams())
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.True(t, errors.Is(err, ErrPrecondition))
			assert.False(t, res.Converged)
		})
	}
}

func TestAlign_NonConvergenceStillRigid(t *testing.T) {
	t.Parallel()
	target := lattice()
	source := offset(target, l2frames.Point{X: -0.3, Y: 0.2, Z: 0.1})
	params := DefaultParams()
	params.MaxIterations = 1
	params.TransformEpsilon = 1e-9

	res, err := Align(source, target, l2frames.BuildTransform(0.05, 0, 0, 0, 0, 0), params)
	require.NoError(t, err)
	assert.False(t, res.Converged)
	assert.Equal(t, 1, res.Iterations)
	assert.True(t, res.Transform.IsValid(l2frames.MatrixValidationTolerance))
}

func TestAlign_NoCorrespondencesKeepsGuess(t *testing.T) {
	t.Parallel()
	target := lattice()
	source := offset(target, l2frames.Point{X: 100})
	guess := l2frames.Identity()

	res, err := Align(source, target, guess, DefaultParams())
	require.NoError(t, err)
	assert.False(t, res.Converged)
	assert.Equal(t, guess, res.Transform)
	assert.Zero(t, res.Correspondences)
	assert.Zero(t, res.FitnessPerPoint())
}

func TestAlignGrid_DoesNotMutateInputs(t *testing.T) {
	t.Parallel()
	target := lattice()
	grid, err := l3grid.NewNDTGrid(target, l3grid.NDTGridConfig{Resolution: 1})
	require.NoError(t, err)
	source := offset(target, l2frames.Point{X: 0.1})
	before := append([]l2frames.Point(nil), source...)

	_, err = AlignGrid(source, grid, l2frames.Identity(), DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, before, source)
	assert.Equal(t, len(target)/8, grid.Len())
}

func TestNewtonDirection_SingularFallsBackToGradient(t *testing.T) {
	t.Parallel()
	var d derivatives
	d.grad = [6]float64{1, 2, 3, 0, 0, 0}
	assert.Equal(t, d.grad, newtonDirection(d))
}

func TestNewtonDirection_SolvesDiagonalSystem(t *testing.T) {
	t.Parallel()
	var d derivatives
	for i := 0; i < 6; i++ {
		d.hess[i][i] = -2
		d.grad[i] = float64(i + 1)
	}
	dir := newtonDirection(d)
	for i := 0; i < 6; i++ {
		assert.InDelta(t, float64(i+1)/2, dir[i], 1e-12)
	}
}

func TestStep_ComposesRotationAboutCentroid(t *testing.T) {
	t.Parallel()
	target := lattice()
	grid, err := l3grid.NewNDTGrid(target, l3grid.NDTGridConfig{Resolution: 1})
	require.NoError(t, err)
	source := offset(target, l2frames.Point{X: 5})
	pb := newProblem(source, grid, 0.55)

	got := pb.step(l2frames.Identity(), [6]float64{0, 0, 0, 0, 0, 1}, math.Pi/2)
	assert.True(t, got.IsValid(1e-9))
	// The centroid (5,0,0) stays put under a pure rotation.
	c := got.Apply(l2frames.Point{X: 5})
	assert.InDelta(t, 5, c.X, 1e-9)
	assert.InDelta(t, 0, c.Y, 1e-9)
	assert.InDelta(t, math.Pi/2, l2frames.DecomposePose(got).Yaw, 1e-9)
}

func TestGaussConsts(t *testing.T) {
	t.Parallel()
	g := newGaussConsts(1, 0.55)
	assert.Less(t, g.d1, 0.0)
	assert.Greater(t, g.d2, 0.0)
}

func TestRegistrar(t *testing.T) {
	t.Parallel()
	target := lattice()
	r, err := NewRegistrar(target, DefaultParams())
	require.NoError(t, err)
	grid := r.Grid()
	require.NotNil(t, grid)

	res, err := r.Align(target, l2frames.Identity())
	require.NoError(t, err)
	assert.True(t, res.Converged)
	assert.Same(t, grid, r.Grid(), "grid is reused between scans")

	p := r.Params()
	p.MaxIterations = 5
	require.NoError(t, r.SetParams(p))
	assert.Same(t, grid, r.Grid(), "iteration changes do not rebuild the grid")

	p.GridResolution = 2
	require.NoError(t, r.SetParams(p))
	assert.NotSame(t, grid, r.Grid())
	assert.Equal(t, 2.0, r.Grid().Resolution())

	p.GridResolution = 100
	p.MinPointsPerCell = 10000
	assert.ErrorIs(t, r.SetParams(p), ErrSparseTarget)
	assert.Equal(t, 2.0, r.Params().GridResolution, "failed update keeps previous params")

	_, err = NewRegistrar(nil, DefaultParams())
	assert.ErrorIs(t, err, ErrEmptyTarget)
}

func TestParamsFromConfig(t *testing.T) {
	t.Parallel()
	p := ParamsFromConfig(config.EmptyTuningConfig())
	assert.Equal(t, DefaultParams(), p)
}
