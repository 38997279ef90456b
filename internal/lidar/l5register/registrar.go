package l5register

import (
	"fmt"
	"sync"

	"github.com/banshee-data/pose.report/internal/lidar/l2frames"
	"github.com/banshee-data/pose.report/internal/lidar/l3grid"
)

// Registrar aligns scans against a fixed map. The NDT grid is built once
// from the map and reused for every scan; it is rebuilt only when the grid
// parameters change.
type Registrar struct {
	mu     sync.Mutex
	target []l2frames.Point
	params Params
	grid   *l3grid.NDTGrid
}

// NewRegistrar builds the target grid for mapPoints. It fails with
// ErrEmptyTarget or ErrSparseTarget if the map cannot support registration.
func NewRegistrar(mapPoints []l2frames.Point, params Params) (*Registrar, error) {
	if len(mapPoints) == 0 {
		return nil, ErrEmptyTarget
	}
	r := &Registrar{target: mapPoints, params: params.withDefaults()}
	if err := r.rebuild(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registrar) rebuild() error {
	grid, err := l3grid.NewNDTGrid(r.target, l3grid.NDTGridConfig{
		Resolution:       r.params.GridResolution,
		MinPointsPerCell: r.params.MinPointsPerCell,
	})
	if err != nil {
		return fmt.Errorf("build target grid: %w", err)
	}
	if grid.Len() == 0 {
		return ErrSparseTarget
	}
	r.grid = grid
	opsf("target grid ready: %d map points, %d cells at %.2fm", len(r.target), grid.Len(), grid.Resolution())
	return nil
}

// Params returns the current registration parameters.
func (r *Registrar) Params() Params {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.params
}

// SetParams replaces the parameters, rebuilding the grid if its resolution
// or cell threshold changed. On error the previous parameters stay active.
func (r *Registrar) SetParams(p Params) error {
	p = p.withDefaults()
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, prevGrid := r.params, r.grid
	r.params = p
	if p.GridResolution == prev.GridResolution && p.MinPointsPerCell == prev.MinPointsPerCell {
		return nil
	}
	if err := r.rebuild(); err != nil {
		r.params, r.grid = prev, prevGrid
		return err
	}
	return nil
}

// Grid returns the cached target grid.
func (r *Registrar) Grid() *l3grid.NDTGrid {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.grid
}

// Align registers source against the map starting from guess.
func (r *Registrar) Align(source []l2frames.Point, guess l2frames.RigidTransform) (Result, error) {
	r.mu.Lock()
	grid, params := r.grid, r.params
	r.mu.Unlock()
	return AlignGrid(source, grid, guess, params)
}
