package l3grid

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/pose.report/internal/lidar/l2frames"
)

// Grid defaults.
const (
	DefaultResolution       = 1.0
	DefaultMinPointsPerCell = 6

	// DefaultEigenRatio clamps the smallest covariance eigenvalue to this
	// fraction of the largest so planar and linear cells stay invertible.
	DefaultEigenRatio = 0.01
)

// ErrInvalidResolution is returned for a non-positive grid resolution.
var ErrInvalidResolution = errors.New("grid resolution must be positive")

// CellKey is the integer index of a grid voxel.
type CellKey struct {
	I, J, K int64
}

// Cell is the Gaussian fitted to the map points of one voxel.
type Cell struct {
	Key    CellKey
	Mean   l2frames.Point
	Cov    [9]float64 // row-major, regularised
	InvCov [9]float64 // row-major inverse of Cov
	N      int        // map points in the voxel
}

// NDTGridConfig contains configuration for building an NDTGrid.
type NDTGridConfig struct {
	Resolution       float64 // voxel side length (default: 1.0)
	MinPointsPerCell int     // voxels with fewer points carry no Gaussian (default: 6, minimum 3)
	EigenRatio       float64 // smallest/largest eigenvalue floor (default: 0.01)
}

// NDTGrid is an immutable voxel grid of Gaussians. It is safe for
// concurrent readers once built.
type NDTGrid struct {
	resolution float64
	cells      map[CellKey]*Cell
	sourceN    int
	skipped    int
	min, max   l2frames.Point
}

// NewNDTGrid fits a Gaussian to every voxel of points holding at least
// MinPointsPerCell points. A grid with zero cells is returned without error;
// callers decide whether that is usable.
func NewNDTGrid(points []l2frames.Point, config NDTGridConfig) (*NDTGrid, error) {
	if config.Resolution == 0 {
		config.Resolution = DefaultResolution
	}
	if config.Resolution < 0 || math.IsNaN(config.Resolution) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResolution, config.Resolution)
	}
	if config.MinPointsPerCell == 0 {
		config.MinPointsPerCell = DefaultMinPointsPerCell
	}
	if config.MinPointsPerCell < 3 {
		config.MinPointsPerCell = 3
	}
	if config.EigenRatio <= 0 {
		config.EigenRatio = DefaultEigenRatio
	}

	start := time.Now()
	groups := make(map[CellKey][]l2frames.Point)
	for _, p := range points {
		k := keyFor(p, config.Resolution)
		groups[k] = append(groups[k], p)
	}

	g := &NDTGrid{
		resolution: config.Resolution,
		cells:      make(map[CellKey]*Cell, len(groups)),
		sourceN:    len(points),
	}
	first := true
	for k, pts := range groups {
		if len(pts) < config.MinPointsPerCell {
			g.skipped++
			continue
		}
		c, ok := fitCell(k, pts, config.EigenRatio)
		if !ok {
			g.skipped++
			continue
		}
		g.cells[k] = c
		if first {
			g.min, g.max = c.Mean, c.Mean
			first = false
		} else {
			g.min = l2frames.Point{X: math.Min(g.min.X, c.Mean.X), Y: math.Min(g.min.Y, c.Mean.Y), Z: math.Min(g.min.Z, c.Mean.Z)}
			g.max = l2frames.Point{X: math.Max(g.max.X, c.Mean.X), Y: math.Max(g.max.Y, c.Mean.Y), Z: math.Max(g.max.Z, c.Mean.Z)}
		}
	}

	diagf("built grid res=%.2f from %d points: %d cells, %d voxels skipped in %v",
		g.resolution, len(points), len(g.cells), g.skipped, time.Since(start))
	return g, nil
}

func keyFor(p l2frames.Point, res float64) CellKey {
	return CellKey{
		I: int64(math.Floor(p.X / res)),
		J: int64(math.Floor(p.Y / res)),
		K: int64(math.Floor(p.Z / res)),
	}
}

// fitCell computes the sample mean and covariance of pts and regularises the
// covariance by flooring its eigenvalues.
func fitCell(k CellKey, pts []l2frames.Point, eigenRatio float64) (*Cell, bool) {
	n := len(pts)
	data := mat.NewDense(n, 3, nil)
	var sx, sy, sz float64
	for i, p := range pts {
		data.Set(i, 0, p.X)
		data.Set(i, 1, p.Y)
		data.Set(i, 2, p.Z)
		sx += p.X
		sy += p.Y
		sz += p.Z
	}
	fn := float64(n)

	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, data, nil)

	var eig mat.EigenSym
	if !eig.Factorize(&cov, true) {
		return nil, false
	}
	vals := eig.Values(nil) // ascending
	maxVal := vals[len(vals)-1]
	if maxVal <= 0 || math.IsNaN(maxVal) {
		return nil, false
	}
	floor := maxVal * eigenRatio
	inv := make([]float64, len(vals))
	for i, v := range vals {
		if v < floor {
			vals[i] = floor
		}
		inv[i] = 1 / vals[i]
	}

	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	c := &Cell{
		Key:  k,
		Mean: l2frames.Point{X: sx / fn, Y: sy / fn, Z: sz / fn},
		N:    n,
	}
	c.Cov = reconstruct(&vecs, vals)
	c.InvCov = reconstruct(&vecs, inv)
	return c, true
}

// reconstruct returns V·diag(d)·Vᵀ as a row-major 3x3 array.
func reconstruct(v *mat.Dense, d []float64) [9]float64 {
	var tmp, m mat.Dense
	tmp.Mul(v, mat.NewDiagDense(len(d), d))
	m.Mul(&tmp, v.T())
	var out [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i*3+j] = m.At(i, j)
		}
	}
	return out
}

// Resolution returns the voxel side length.
func (g *NDTGrid) Resolution() float64 { return g.resolution }

// Len returns the number of cells carrying a Gaussian.
func (g *NDTGrid) Len() int { return len(g.cells) }

// SourcePoints returns the number of map points the grid was built from.
func (g *NDTGrid) SourcePoints() int { return g.sourceN }

// Skipped returns the number of occupied voxels without a Gaussian.
func (g *NDTGrid) Skipped() int { return g.skipped }

// Bounds returns the axis-aligned bounds of the cell means.
func (g *NDTGrid) Bounds() (lo, hi l2frames.Point) { return g.min, g.max }

// Cell returns the cell at k, if any.
func (g *NDTGrid) Cell(k CellKey) (*Cell, bool) {
	c, ok := g.cells[k]
	return c, ok
}

// Neighbors appends to dst every cell whose mean lies within one resolution
// of p and returns the extended slice. Only the 27 voxels around p can
// qualify, so no spatial index is needed.
func (g *NDTGrid) Neighbors(p l2frames.Point, dst []*Cell) []*Cell {
	k := keyFor(p, g.resolution)
	r2 := g.resolution * g.resolution
	for di := int64(-1); di <= 1; di++ {
		for dj := int64(-1); dj <= 1; dj++ {
			for dk := int64(-1); dk <= 1; dk++ {
				c, ok := g.cells[CellKey{I: k.I + di, J: k.J + dj, K: k.K + dk}]
				if !ok {
					continue
				}
				if c.Mean.Sub(p).Norm2() <= r2 {
					dst = append(dst, c)
				}
			}
		}
	}
	return dst
}

// Cells returns all cells ordered by key.
func (g *NDTGrid) Cells() []*Cell {
	out := make([]*Cell, 0, len(g.cells))
	for _, c := range g.cells {
		out = append(out, c)
	}
	sort.Slice(out, func(a, b int) bool {
		ka, kb := out[a].Key, out[b].Key
		if ka.I != kb.I {
			return ka.I < kb.I
		}
		if ka.J != kb.J {
			return ka.J < kb.J
		}
		return ka.K < kb.K
	})
	return out
}
