package l5register

import (
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/pose.report/internal/lidar/l2frames"
	"github.com/banshee-data/pose.report/internal/lidar/l3grid"
)

// The optimiser works in a local 6-DOF parameterisation around the current
// transform. Rotations pivot on the transformed source centroid o:
// ξ = (vx, vy, vz, ωx, ωy, ωz) maps a point q = R(p − p̄) + o to
// Rot(ω)·R(p − p̄) + o + v. Moving along a direction by step a therefore
// yields a derivative that equals the gradient at the new transform dotted
// with the direction, which is what the line search needs. Pivoting on the
// centroid keeps translation and rotation decoupled for symmetric clouds.

// hessianRcond is the relative singular value below which a Hessian
// direction is treated as unobservable.
const hessianRcond = 1e-9

// gaussConsts are the d1, d2 constants of the NDT score mixture.
type gaussConsts struct {
	d1, d2 float64
}

func newGaussConsts(resolution, outlierRatio float64) gaussConsts {
	c1 := 10 * (1 - outlierRatio)
	c2 := outlierRatio / (resolution * resolution * resolution)
	d3 := -math.Log(c2)
	d1 := -math.Log(c1+c2) - d3
	d2 := -2 * math.Log((-math.Log(c1*math.Exp(-0.5)+c2)-d3)/d1)
	return gaussConsts{d1: d1, d2: d2}
}

// derivatives holds the score and its first and second derivatives at one
// transform.
type derivatives struct {
	score           float64
	grad            [6]float64
	hess            [6][6]float64
	correspondences int
}

// problem bundles the inputs of one registration.
type problem struct {
	source   []l2frames.Point
	centroid r3.Vec // of source, object frame
	grid     *l3grid.NDTGrid
	gauss    gaussConsts
	cells    []*l3grid.Cell // neighbour scratch buffer
}

func newProblem(source []l2frames.Point, grid *l3grid.NDTGrid, outlierRatio float64) *problem {
	var c r3.Vec
	for _, p := range source {
		c = r3.Add(c, r3.Vec{X: p.X, Y: p.Y, Z: p.Z})
	}
	return &problem{
		source:   source,
		centroid: r3.Scale(1/float64(len(source)), c),
		grid:     grid,
		gauss:    newGaussConsts(grid.Resolution(), outlierRatio),
		cells:    make([]*l3grid.Cell, 0, 27),
	}
}

func rotate(T l2frames.RigidTransform, v r3.Vec) r3.Vec {
	return r3.Vec{
		X: T[0]*v.X + T[1]*v.Y + T[2]*v.Z,
		Y: T[4]*v.X + T[5]*v.Y + T[6]*v.Z,
		Z: T[8]*v.X + T[9]*v.Y + T[10]*v.Z,
	}
}

// pivot returns the transformed source centroid.
func (pb *problem) pivot(T l2frames.RigidTransform) r3.Vec {
	return r3.Add(rotate(T, pb.centroid), r3.Vec{X: T[3], Y: T[7], Z: T[11]})
}

var unitAxes = [3]r3.Vec{{X: 1}, {Y: 1}, {Z: 1}}

func mulSym(m [9]float64, v r3.Vec) r3.Vec {
	return r3.Vec{
		X: m[0]*v.X + m[1]*v.Y + m[2]*v.Z,
		Y: m[3]*v.X + m[4]*v.Y + m[5]*v.Z,
		Z: m[6]*v.X + m[7]*v.Y + m[8]*v.Z,
	}
}

func component(v r3.Vec, i int) float64 {
	switch i {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}

// evaluate computes the score at T, its gradient and optionally its Hessian.
func (pb *problem) evaluate(T l2frames.RigidTransform, withHessian bool) derivatives {
	var d derivatives
	o := pb.pivot(T)
	d1, d2 := pb.gauss.d1, pb.gauss.d2

	var J [6]r3.Vec
	J[0], J[1], J[2] = unitAxes[0], unitAxes[1], unitAxes[2]

	for _, p := range pb.source {
		// r is the point relative to the pivot; the rotation perturbation acts on it.
		r := rotate(T, r3.Sub(r3.Vec{X: p.X, Y: p.Y, Z: p.Z}, pb.centroid))
		q := r3.Add(r, o)

		pb.cells = pb.grid.Neighbors(l2frames.Point{X: q.X, Y: q.Y, Z: q.Z}, pb.cells[:0])
		if len(pb.cells) == 0 {
			continue
		}
		d.correspondences++

		for i := 0; i < 3; i++ {
			J[3+i] = r3.Cross(unitAxes[i], r)
		}

		for _, c := range pb.cells {
			x := r3.Sub(q, r3.Vec{X: c.Mean.X, Y: c.Mean.Y, Z: c.Mean.Z})
			cx := mulSym(c.InvCov, x)
			e := math.Exp(-d2 / 2 * r3.Dot(x, cx))
			// Rejects numerically meaningless contributions, e.g. from a
			// degenerate covariance.
			if e*d2 > 1 || e < 0 || math.IsNaN(e) {
				continue
			}
			d.score += -d1 * e
			f := d1 * d2 * e

			var a [6]float64
			for i := 0; i < 6; i++ {
				a[i] = r3.Dot(cx, J[i])
				d.grad[i] += f * a[i]
			}
			if !withHessian {
				continue
			}

			var cj [6]r3.Vec
			for j := 0; j < 6; j++ {
				cj[j] = mulSym(c.InvCov, J[j])
			}
			for i := 0; i < 6; i++ {
				for j := i; j < 6; j++ {
					h := -d2*a[i]*a[j] + r3.Dot(J[i], cj[j])
					if i >= 3 && j >= 3 {
						h += r3.Dot(cx, secondDerivative(r, i-3, j-3))
					}
					d.hess[i][j] += f * h
				}
			}
		}
	}

	if withHessian {
		for i := 0; i < 6; i++ {
			for j := 0; j < i; j++ {
				d.hess[i][j] = d.hess[j][i]
			}
		}
	}
	return d
}

// secondDerivative returns ∂²q/∂ωi∂ωj at ω = 0 for q = Rot(ω)·r:
// ½(eⱼ·rᵢ + eᵢ·rⱼ) − r·δᵢⱼ.
func secondDerivative(r r3.Vec, i, j int) r3.Vec {
	v := r3.Add(
		r3.Scale(0.5*component(r, i), unitAxes[j]),
		r3.Scale(0.5*component(r, j), unitAxes[i]),
	)
	if i == j {
		v = r3.Sub(v, r)
	}
	return v
}

// step applies a·dir to T in the local parameterisation.
func (pb *problem) step(T l2frames.RigidTransform, dir [6]float64, a float64) l2frames.RigidTransform {
	out := T
	w := r3.Vec{X: a * dir[3], Y: a * dir[4], Z: a * dir[5]}
	if angle := r3.Norm(w); angle > 0 {
		axis := r3.Unit(w)
		for col := 0; col < 3; col++ {
			c := r3.Rotate(r3.Vec{X: T[col], Y: T[4+col], Z: T[8+col]}, angle, axis)
			out[col], out[4+col], out[8+col] = c.X, c.Y, c.Z
		}
	}

	// The pivot moves by a·v; the translation follows from the new rotation.
	o := r3.Add(pb.pivot(T), r3.Vec{X: a * dir[0], Y: a * dir[1], Z: a * dir[2]})
	t := r3.Sub(o, rotate(out, pb.centroid))
	out[3], out[7], out[11] = t.X, t.Y, t.Z
	return out
}

// newtonDirection returns the minimum-norm solution of H·Δ = −g. Singular
// directions of H (e.g. rotations a symmetric cloud cannot observe) are
// dropped rather than amplified. When nothing can be solved it falls back
// to the gradient, which is always an ascent direction.
func newtonDirection(d derivatives) [6]float64 {
	H := mat.NewDense(6, 6, nil)
	negG := mat.NewVecDense(6, nil)
	for i := 0; i < 6; i++ {
		negG.SetVec(i, -d.grad[i])
		for j := 0; j < 6; j++ {
			H.Set(i, j, d.hess[i][j])
		}
	}

	var svd mat.SVD
	if !svd.Factorize(H, mat.SVDThin) {
		return d.grad
	}
	rank := svd.Rank(hessianRcond)
	if rank == 0 {
		return d.grad
	}
	var delta mat.VecDense
	svd.SolveVecTo(&delta, negG, rank)

	var out [6]float64
	for i := 0; i < 6; i++ {
		v := delta.AtVec(i)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return d.grad
		}
		out[i] = v
	}
	return out
}

func norm6(v [6]float64) float64 {
	var s float64
	for _, x := range v {
		s += x * x
	}
	return math.Sqrt(s)
}

func dot6(a, b [6]float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// Align registers source (object frame) against target (world frame)
// starting from guess. It builds the target grid on every call; use
// Registrar to reuse a grid across scans.
func Align(source, target []l2frames.Point, guess l2frames.RigidTransform, params Params) (Result, error) {
	if len(source) == 0 {
		return Result{Transform: guess}, ErrEmptySource
	}
	if len(target) == 0 {
		return Result{Transform: guess}, ErrEmptyTarget
	}
	params = params.withDefaults()
	grid, err := l3grid.NewNDTGrid(target, l3grid.NDTGridConfig{
		Resolution:       params.GridResolution,
		MinPointsPerCell: params.MinPointsPerCell,
	})
	if err != nil {
		return Result{Transform: guess}, err
	}
	return AlignGrid(source, grid, guess, params)
}

// AlignGrid registers source against a prebuilt target grid. It is a pure
// function: the grid is only read and no package state is touched.
//
// Iteration stops when a step shorter than TransformEpsilon is taken
// (converged) or MaxIterations steps have been taken (not converged). In
// both cases the best transform seen is returned. GridResolution in params
// is ignored in favour of the grid's own resolution.
func AlignGrid(source []l2frames.Point, grid *l3grid.NDTGrid, guess l2frames.RigidTransform, params Params) (Result, error) {
	start := time.Now()
	if len(source) == 0 {
		return Result{Transform: guess}, ErrEmptySource
	}
	if grid == nil || grid.SourcePoints() == 0 {
		return Result{Transform: guess}, ErrEmptyTarget
	}
	if grid.Len() == 0 {
		return Result{Transform: guess}, ErrSparseTarget
	}
	if !guess.IsValid(l2frames.MatrixValidationTolerance) {
		return Result{Transform: guess}, ErrInvalidGuess
	}
	params = params.withDefaults()

	pb := newProblem(source, grid, params.OutlierRatio)

	T := guess
	d := pb.evaluate(T, true)
	res := Result{Transform: T, Score: d.score, Correspondences: d.correspondences}
	if d.correspondences == 0 {
		diagf("no source point near any target cell; keeping initial guess")
		res.Duration = time.Since(start)
		return res, nil
	}
	best := res

	for iter := 1; iter <= params.MaxIterations; iter++ {
		dir := newtonDirection(d)
		n := norm6(dir)
		res.Iterations = iter
		if n == 0 || math.IsNaN(n) {
			res.Converged = n == 0
			break
		}

		if n < params.TransformEpsilon {
			// The full Newton update is already below the threshold.
			T = pb.step(T, dir, 1)
			d = pb.evaluate(T, false)
			res.Transform, res.Score, res.Correspondences = T, d.score, d.correspondences
			res.Converged = true
			break
		}

		for i := range dir {
			dir[i] /= n
		}
		ls := moreThuente(pb, T, dir, n, params.StepSize, params.TransformEpsilon/2, d)
		T, d = ls.transform, ls.derivs
		res.Transform, res.Score, res.Correspondences = T, d.score, d.correspondences
		if d.score >= best.Score {
			best = res
		}
		if traceEnabled() {
			tracef("iter %d: step=%.6f score=%.4f corr=%d pose=%v",
				iter, ls.step, d.score, d.correspondences, l2frames.DecomposePose(T))
		}

		if ls.step < params.TransformEpsilon {
			res.Converged = true
			break
		}
		d = pb.evaluate(T, true)
	}

	if !res.Converged && best.Score > res.Score {
		best.Iterations = res.Iterations
		res = best
	}
	res.Duration = time.Since(start)
	if !res.Transform.IsValid(l2frames.MatrixValidationTolerance) {
		// Guards against accumulated numeric drift; never expected in practice.
		opsf("registration produced an invalid transform; falling back to the initial guess")
		res.Transform = guess
		res.Converged = false
	}
	diagf("align: %d src pts, %d iters, converged=%v, score=%.3f, corr=%d, %v",
		len(source), res.Iterations, res.Converged, res.Score, res.Correspondences, res.Duration)
	return res, nil
}
