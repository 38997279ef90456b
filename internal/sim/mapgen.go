package sim

import (
	"math"
	"math/rand"

	"github.com/banshee-data/pose.report/internal/lidar/l2frames"
)

// MapConfig configures GenerateMap.
type MapConfig struct {
	HalfSize    float64 // the map spans [-HalfSize, HalfSize] in x and y
	Spacing     float64 // surface sample spacing in metres
	GroundZ     float64 // ground height relative to the sensor origin
	WallHeight  float64
	Buildings   int
	Poles       int
	Seed        int64
	GroundPlane bool
}

// DefaultMapConfig returns an 80 m square courtyard with a few buildings and
// poles, sampled every 0.25 m so that 1 m NDT cells hold enough points.
func DefaultMapConfig() MapConfig {
	return MapConfig{
		HalfSize:    40,
		Spacing:     0.25,
		GroundZ:     -1.8,
		WallHeight:  4,
		Buildings:   12,
		Poles:       40,
		Seed:        1,
		GroundPlane: true,
	}
}

// GenerateMap samples a synthetic static scene. Output is deterministic for a
// given config.
func GenerateMap(cfg MapConfig) []l2frames.Point {
	if cfg.Spacing <= 0 {
		cfg.Spacing = 0.25
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	var pts []l2frames.Point
	h := cfg.HalfSize
	top := cfg.GroundZ + cfg.WallHeight

	if cfg.GroundPlane {
		for x := -h; x <= h; x += cfg.Spacing {
			for y := -h; y <= h; y += cfg.Spacing {
				pts = append(pts, l2frames.Point{X: x, Y: y, Z: cfg.GroundZ})
			}
		}
	}

	// Perimeter walls.
	pts = appendBox(pts, -h, -h, 2*h, 2*h, cfg.GroundZ, top, cfg.Spacing)

	for i := 0; i < cfg.Buildings; i++ {
		w := 4 + rng.Float64()*8
		d := 4 + rng.Float64()*8
		x := -h + 5 + rng.Float64()*(2*h-10-w)
		y := -h + 5 + rng.Float64()*(2*h-10-d)
		height := 3 + rng.Float64()*5
		pts = appendBox(pts, x, y, w, d, cfg.GroundZ, cfg.GroundZ+height, cfg.Spacing)
	}

	for i := 0; i < cfg.Poles; i++ {
		x := -h + 2 + rng.Float64()*(2*h-4)
		y := -h + 2 + rng.Float64()*(2*h-4)
		pts = appendPole(pts, x, y, 0.15, cfg.GroundZ, cfg.GroundZ+5, cfg.Spacing)
	}
	return pts
}

// appendBox samples the four vertical faces of an axis-aligned box.
func appendBox(pts []l2frames.Point, x, y, w, d, z0, z1, step float64) []l2frames.Point {
	for z := z0; z <= z1; z += step {
		for s := 0.0; s <= w; s += step {
			pts = append(pts,
				l2frames.Point{X: x + s, Y: y, Z: z},
				l2frames.Point{X: x + s, Y: y + d, Z: z})
		}
		for s := step; s < d; s += step {
			pts = append(pts,
				l2frames.Point{X: x, Y: y + s, Z: z},
				l2frames.Point{X: x + w, Y: y + s, Z: z})
		}
	}
	return pts
}

func appendPole(pts []l2frames.Point, x, y, r, z0, z1, step float64) []l2frames.Point {
	const around = 8
	for z := z0; z <= z1; z += step {
		for k := 0; k < around; k++ {
			a := 2 * math.Pi * float64(k) / around
			pts = append(pts, l2frames.Point{X: x + r*math.Cos(a), Y: y + r*math.Sin(a), Z: z})
		}
	}
	return pts
}
