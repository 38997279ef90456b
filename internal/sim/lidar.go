package sim

import (
	"math"
	"math/rand"

	"github.com/banshee-data/pose.report/internal/lidar/l2frames"
)

// LidarConfig mirrors the ray-cast sensor attributes of the driving
// simulator. Angles are in degrees.
type LidarConfig struct {
	UpperFOV          float64 `json:"upper_fov"`
	LowerFOV          float64 `json:"lower_fov"`
	Channels          int     `json:"channels"`
	Range             float64 `json:"range"`              // metres
	RotationFrequency float64 `json:"rotation_frequency"` // Hz
	PointsPerSecond   int     `json:"points_per_second"`
}

// DefaultLidarConfig returns the sensor used by the localizer scenarios.
func DefaultLidarConfig() LidarConfig {
	return LidarConfig{
		UpperFOV:          15,
		LowerFOV:          -25,
		Channels:          32,
		Range:             30,
		RotationFrequency: 60,
		PointsPerSecond:   500000,
	}
}

// AzimuthBins is the number of horizontal samples per revolution.
func (c LidarConfig) AzimuthBins() int {
	if c.Channels <= 0 || c.RotationFrequency <= 0 {
		return 0
	}
	n := int(float64(c.PointsPerSecond) / c.RotationFrequency / float64(c.Channels))
	if n < 1 {
		n = 1
	}
	return n
}

// mapIndex buckets map points on a planar grid for range queries.
type mapIndex struct {
	cell  float64
	cells map[[2]int][]l2frames.Point
}

func newMapIndex(points []l2frames.Point, cell float64) *mapIndex {
	idx := &mapIndex{cell: cell, cells: make(map[[2]int][]l2frames.Point)}
	for _, p := range points {
		k := idx.key(p.X, p.Y)
		idx.cells[k] = append(idx.cells[k], p)
	}
	return idx
}

func (m *mapIndex) key(x, y float64) [2]int {
	return [2]int{int(math.Floor(x / m.cell)), int(math.Floor(y / m.cell))}
}

// within calls fn for every point whose cell intersects the disc of radius r
// around (x, y).
func (m *mapIndex) within(x, y, r float64, fn func(l2frames.Point)) {
	lo := m.key(x-r, y-r)
	hi := m.key(x+r, y+r)
	for i := lo[0]; i <= hi[0]; i++ {
		for j := lo[1]; j <= hi[1]; j++ {
			for _, p := range m.cells[[2]int{i, j}] {
				fn(p)
			}
		}
	}
}

// sensor produces one revolution of returns by keeping the nearest map point
// per (channel, azimuth) ray.
type sensor struct {
	cfg    LidarConfig
	mount  l2frames.Point
	index  *mapIndex
	jitter float64
	rng    *rand.Rand
}

type hit struct {
	p      l2frames.Point
	range2 float64
	ok     bool
}

// sweep returns the returns seen from pose, expressed in the vehicle frame,
// in firing order: azimuth-major starting behind the sensor, channels
// bottom to top within each azimuth step.
func (s *sensor) sweep(pose l2frames.Pose) []l2frames.Point {
	azBins := s.cfg.AzimuthBins()
	if azBins == 0 {
		return nil
	}
	channels := s.cfg.Channels
	lower := s.cfg.LowerFOV * math.Pi / 180
	upper := s.cfg.UpperFOV * math.Pi / 180
	span := upper - lower
	r2max := s.cfg.Range * s.cfg.Range

	vehicle := pose.Transform()
	world := vehicle.Inverse()
	origin := vehicle.Apply(s.mount)

	rays := make([]hit, channels*azBins)
	s.index.within(origin.X, origin.Y, s.cfg.Range, func(p l2frames.Point) {
		local := world.Apply(p).Sub(s.mount)
		r2 := local.Norm2()
		if r2 > r2max || r2 == 0 {
			return
		}
		elev := math.Atan2(local.Z, math.Hypot(local.X, local.Y))
		if elev < lower || elev > upper {
			return
		}
		ch := 0
		if channels > 1 && span > 0 {
			ch = int(math.Round((elev - lower) / span * float64(channels-1)))
		}
		az := math.Atan2(local.Y, local.X) + math.Pi
		bin := int(az / (2 * math.Pi) * float64(azBins))
		if bin >= azBins {
			bin = azBins - 1
		}
		h := &rays[bin*channels+ch]
		if !h.ok || r2 < h.range2 {
			*h = hit{p: local, range2: r2, ok: true}
		}
	})

	out := make([]l2frames.Point, 0, len(rays)/4)
	for _, h := range rays {
		if !h.ok {
			continue
		}
		p := h.p.Add(s.mount)
		if s.jitter > 0 {
			p.X += (s.rng.Float64()*2 - 1) * s.jitter
			p.Y += (s.rng.Float64()*2 - 1) * s.jitter
			p.Z += (s.rng.Float64()*2 - 1) * s.jitter
		}
		out = append(out, p)
	}
	return out
}
