package l5register

import (
	"math"

	"github.com/banshee-data/pose.report/internal/lidar/l2frames"
)

// More–Thuente line search constants.
const (
	lsMaxTrials = 10
	lsMu        = 1e-4 // sufficient decrease
	lsNu        = 0.9  // curvature
)

type lineSearchResult struct {
	step      float64
	transform l2frames.RigidTransform
	derivs    derivatives // score and gradient at transform, no Hessian
}

// moreThuente searches along dir (unit length, ascent for the score) for a
// step satisfying the strong Wolfe conditions on phi(a) = -score(T ⊕ a·dir).
// The step is clamped to [stepMin, stepMax]. d0 holds the derivatives at T.
func moreThuente(pb *problem, T l2frames.RigidTransform, dir [6]float64, stepInit, stepMax, stepMin float64, d0 derivatives) lineSearchResult {
	phi0 := -d0.score
	dphi0 := -dot6(d0.grad, dir)
	if dphi0 >= 0 {
		if dphi0 == 0 {
			return lineSearchResult{step: 0, transform: T, derivs: d0}
		}
		dphi0 = -dphi0
		for i := range dir {
			dir[i] = -dir[i]
		}
	}

	psi := func(a, phiA float64) float64 { return phiA - phi0 - lsMu*dphi0*a }
	dpsi := func(dphiA float64) float64 { return dphiA - lsMu*dphi0 }

	var al, au float64
	fl, gl := psi(0, phi0), dpsi(dphi0)
	fu, gu := fl, gl

	intervalConverged := stepMax-stepMin < 0
	openInterval := true

	at := clamp(stepInit, stepMin, stepMax)
	Tt := pb.step(T, dir, at)
	dt := pb.evaluate(Tt, false)
	phit := -dt.score
	dphit := -dot6(dt.grad, dir)
	psit, dpsit := psi(at, phit), dpsi(dphit)

	for trials := 0; !intervalConverged && trials < lsMaxTrials &&
		!(psit <= 0 && dphit <= -lsNu*dphi0); trials++ {
		if openInterval {
			at = trialValue(al, fl, gl, au, fu, gu, at, psit, dpsit)
		} else {
			at = trialValue(al, fl, gl, au, fu, gu, at, phit, dphit)
		}
		at = clamp(at, stepMin, stepMax)

		Tt = pb.step(T, dir, at)
		dt = pb.evaluate(Tt, false)
		phit = -dt.score
		dphit = -dot6(dt.grad, dir)
		psit, dpsit = psi(at, phit), dpsi(dphit)

		// Switch from psi to phi once a point with psi <= 0 and psi' >= 0 is seen.
		if openInterval && psit <= 0 && dpsit >= 0 {
			openInterval = false
			fl += phi0 - lsMu*dphi0*al
			gl += lsMu * dphi0
			fu += phi0 - lsMu*dphi0*au
			gu += lsMu * dphi0
		}

		if openInterval {
			intervalConverged = updateInterval(&al, &fl, &gl, &au, &fu, &gu, at, psit, dpsit)
		} else {
			intervalConverged = updateInterval(&al, &fl, &gl, &au, &fu, &gu, at, phit, dphit)
		}
	}

	return lineSearchResult{step: at, transform: Tt, derivs: dt}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}

// updateInterval narrows the interval of uncertainty [al, au] around the
// trial point and reports whether it can no longer be narrowed.
func updateInterval(al, fl, gl, au, fu, gu *float64, at, ft, gt float64) bool {
	switch {
	case ft > *fl:
		*au, *fu, *gu = at, ft, gt
		return false
	case gt*(*al-at) > 0:
		*al, *fl, *gl = at, ft, gt
		return false
	case gt*(*al-at) < 0:
		*au, *fu, *gu = *al, *fl, *gl
		*al, *fl, *gl = at, ft, gt
		return false
	default:
		return true
	}
}

// cubicMinimizer returns the minimiser of the cubic interpolating (a, fa, ga)
// and (b, fb, gb).
func cubicMinimizer(a, fa, ga, b, fb, gb float64) float64 {
	z := 3*(fb-fa)/(b-a) - gb - ga
	w := math.Sqrt(math.Max(0, z*z-gb*ga))
	return a + (b-a)*(w-ga-z)/(gb-ga+2*w)
}

// trialValue selects the next trial step from the interval endpoints and the
// current trial, following the four cases of More and Thuente (1994).
func trialValue(al, fl, gl, au, fu, gu, at, ft, gt float64) float64 {
	if at == al && at == au {
		return at
	}
	next := trialCase(al, fl, gl, au, fu, gu, at, ft, gt)
	if math.IsNaN(next) || math.IsInf(next, 0) {
		return (al + at) / 2
	}
	return next
}

func trialCase(al, fl, gl, au, fu, gu, at, ft, gt float64) float64 {
	// Higher function value: the minimum is bracketed between al and at.
	if ft > fl {
		ac := cubicMinimizer(al, fl, gl, at, ft, gt)
		aq := al - 0.5*(al-at)*gl/(gl-(fl-ft)/(al-at))
		if math.Abs(ac-al) < math.Abs(aq-al) {
			return ac
		}
		return 0.5 * (aq + ac)
	}

	// Derivatives of opposite sign: the minimum is bracketed.
	if gt*gl < 0 {
		ac := cubicMinimizer(al, fl, gl, at, ft, gt)
		as := al - (al-at)/(gl-gt)*gl
		if math.Abs(ac-at) >= math.Abs(as-at) {
			return ac
		}
		return as
	}

	// Derivative magnitude decreases.
	if math.Abs(gt) <= math.Abs(gl) {
		ac := cubicMinimizer(al, fl, gl, at, ft, gt)
		as := al - (al-at)/(gl-gt)*gl
		next := as
		if math.Abs(ac-at) < math.Abs(as-at) {
			next = ac
		}
		if at > al {
			return math.Min(at+0.66*(au-at), next)
		}
		return math.Max(at+0.66*(au-at), next)
	}

	return cubicMinimizer(au, fu, gu, at, ft, gt)
}
