// Package export turns localization results into files a human can look at:
// a GeoJSON trajectory and top-down SVG or PNG scene snapshots.
package export

import (
	"context"
	"sync"

	"github.com/paulmach/orb"

	"github.com/banshee-data/pose.report/internal/lidar/l2frames"
	"github.com/banshee-data/pose.report/internal/lidar/pipeline"
)

// DefaultMaxTrackPoints bounds each recorded trajectory.
const DefaultMaxTrackPoints = 10000

// Scene records the map and the cycle stream for rendering. It implements
// pipeline.FrameSink.
type Scene struct {
	maxMapPoints   int
	maxTrackPoints int

	mu       sync.RWMutex
	mapPts   []l2frames.Point
	estimate orb.LineString
	truth    orb.LineString
	last     *pipeline.CycleResult
}

// NewScene returns a Scene that keeps at most maxMapPoints map points
// (0 keeps all).
func NewScene(maxMapPoints int) *Scene {
	return &Scene{maxMapPoints: maxMapPoints, maxTrackPoints: DefaultMaxTrackPoints}
}

// SetMap replaces the stored map, thinning it to the configured cap.
func (s *Scene) SetMap(points []l2frames.Point) error {
	thinned := thin(points, s.maxMapPoints)
	s.mu.Lock()
	s.mapPts = thinned
	s.mu.Unlock()
	return nil
}

// PublishFrame appends r's estimate and ground truth to the trajectories.
func (s *Scene) PublishFrame(_ context.Context, r *pipeline.CycleResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = r
	s.estimate = appendCapped(s.estimate, orbPoint(r.Pose.Position), s.maxTrackPoints)
	if r.HasGroundTruth {
		s.truth = appendCapped(s.truth, orbPoint(r.GroundTruth.Position), s.maxTrackPoints)
	}
	return nil
}

// Snapshot is a consistent copy of the scene.
type Snapshot struct {
	Map      []l2frames.Point
	Scan     []l2frames.Point
	Vehicle  *pipeline.Box
	Estimate orb.LineString
	Truth    orb.LineString
	Last     *pipeline.CycleResult
}

// Snapshot copies the current scene. The map slice is shared; it is never
// mutated after SetMap.
func (s *Scene) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Map:      s.mapPts,
		Estimate: s.estimate.Clone(),
		Truth:    s.truth.Clone(),
		Last:     s.last,
	}
	if s.last != nil {
		snap.Scan = s.last.AlignedScan
		box := s.last.Vehicle
		snap.Vehicle = &box
	}
	return snap
}

func orbPoint(p l2frames.Point) orb.Point {
	return orb.Point{p.X, p.Y}
}

func appendCapped(ls orb.LineString, p orb.Point, limit int) orb.LineString {
	ls = append(ls, p)
	if limit > 0 && len(ls) > limit {
		ls = append(ls[:0:0], ls[len(ls)-limit:]...)
	}
	return ls
}

// thin keeps every k-th point so that at most limit remain.
func thin(points []l2frames.Point, limit int) []l2frames.Point {
	if limit <= 0 || len(points) <= limit {
		return append([]l2frames.Point(nil), points...)
	}
	stride := (len(points) + limit - 1) / limit
	out := make([]l2frames.Point, 0, limit)
	for i := 0; i < len(points); i += stride {
		out = append(out, points[i])
	}
	return out
}
