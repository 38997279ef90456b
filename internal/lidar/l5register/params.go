package l5register

import (
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/pose.report/internal/config"
	"github.com/banshee-data/pose.report/internal/lidar/l2frames"
)

// Precondition errors. All of them wrap ErrPrecondition.
var (
	ErrPrecondition = errors.New("registration precondition failed")
	ErrEmptySource  = fmt.Errorf("%w: source cloud is empty", ErrPrecondition)
	ErrEmptyTarget  = fmt.Errorf("%w: target cloud is empty", ErrPrecondition)
	ErrSparseTarget = fmt.Errorf("%w: target grid has no cell with enough points", ErrPrecondition)
	ErrInvalidGuess = fmt.Errorf("%w: initial guess is not a rigid transform", ErrPrecondition)
)

// Params controls NDT registration.
type Params struct {
	TransformEpsilon float64 // step length below which the solution is converged (default: 0.01)
	StepSize         float64 // maximum line search step (default: 1.0)
	GridResolution   float64 // target voxel side length (default: 1.0)
	MaxIterations    int     // Newton iteration cap (default: 30)
	OutlierRatio     float64 // uniform outlier mixture weight (default: 0.55)
	MinPointsPerCell int     // target voxels with fewer points are ignored (default: 6)
}

// DefaultParams returns the registration defaults.
func DefaultParams() Params {
	return Params{
		TransformEpsilon: 0.01,
		StepSize:         1.0,
		GridResolution:   1.0,
		MaxIterations:    30,
		OutlierRatio:     0.55,
		MinPointsPerCell: 6,
	}
}

// ParamsFromConfig reads registration parameters from the tuning config.
func ParamsFromConfig(c *config.TuningConfig) Params {
	return Params{
		TransformEpsilon: c.GetTransformEpsilon(),
		StepSize:         c.GetStepSize(),
		GridResolution:   c.GetGridResolution(),
		MaxIterations:    c.GetMaxIterations(),
		OutlierRatio:     c.GetOutlierRatio(),
		MinPointsPerCell: c.GetMinPointsPerCell(),
	}
}

// withDefaults fills zero fields from DefaultParams.
func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.TransformEpsilon <= 0 {
		p.TransformEpsilon = d.TransformEpsilon
	}
	if p.StepSize <= 0 {
		p.StepSize = d.StepSize
	}
	if p.GridResolution <= 0 {
		p.GridResolution = d.GridResolution
	}
	if p.MaxIterations <= 0 {
		p.MaxIterations = d.MaxIterations
	}
	if p.OutlierRatio <= 0 || p.OutlierRatio >= 1 {
		p.OutlierRatio = d.OutlierRatio
	}
	if p.MinPointsPerCell <= 0 {
		p.MinPointsPerCell = d.MinPointsPerCell
	}
	return p
}

// Result is the outcome of one registration.
type Result struct {
	Transform       l2frames.RigidTransform // object frame to world frame; always a valid rigid transform
	Converged       bool
	Iterations      int
	Score           float64 // NDT likelihood score at Transform
	Correspondences int     // source points with at least one neighbouring Gaussian
	Duration        time.Duration
}

// FitnessPerPoint returns the score normalised by the source size the
// registration used, or 0 when there were no correspondences.
func (r Result) FitnessPerPoint() float64 {
	if r.Correspondences == 0 {
		return 0
	}
	return r.Score / float64(r.Correspondences)
}
