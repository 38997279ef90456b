package l4perception

import (
	"math"
	"sort"

	"github.com/banshee-data/pose.report/internal/lidar/l2frames"
)

// DefaultLeafSize is the voxel side length used when none is configured.
const DefaultLeafSize = 0.5

// VoxelKey identifies a cube of side leafSize by its integer grid index.
type VoxelKey struct {
	I, J, K int64
}

// KeyFor returns the voxel containing p. floor is used so that negative
// coordinates fall into their own cells instead of collapsing onto zero.
func KeyFor(p l2frames.Point, leafSize float64) VoxelKey {
	return VoxelKey{
		I: int64(math.Floor(p.X / leafSize)),
		J: int64(math.Floor(p.Y / leafSize)),
		K: int64(math.Floor(p.Z / leafSize)),
	}
}

func (k VoxelKey) less(o VoxelKey) bool {
	if k.I != o.I {
		return k.I < o.I
	}
	if k.J != o.J {
		return k.J < o.J
	}
	return k.K < o.K
}

type voxelAccum struct {
	sx, sy, sz float64
	n          int
}

// VoxelGrid downsamples points by replacing every point that falls in the
// same cube of side leafSize with the centroid of those points. One point is
// produced per occupied voxel, ordered by voxel index.
//
// A nil input returns nil. leafSize <= 0 disables filtering and returns a
// copy of the input.
func VoxelGrid(points []l2frames.Point, leafSize float64) []l2frames.Point {
	if points == nil {
		return nil
	}
	if leafSize <= 0 {
		out := make([]l2frames.Point, len(points))
		copy(out, points)
		return out
	}

	cells := make(map[VoxelKey]*voxelAccum, len(points)/4+1)
	for _, p := range points {
		k := KeyFor(p, leafSize)
		c := cells[k]
		if c == nil {
			c = &voxelAccum{}
			cells[k] = c
		}
		c.sx += p.X
		c.sy += p.Y
		c.sz += p.Z
		c.n++
	}

	keys := make([]VoxelKey, 0, len(cells))
	for k := range cells {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool { return keys[a].less(keys[b]) })

	out := make([]l2frames.Point, 0, len(keys))
	for _, k := range keys {
		c := cells[k]
		n := float64(c.n)
		out = append(out, l2frames.Point{X: c.sx / n, Y: c.sy / n, Z: c.sz / n})
	}
	return out
}

// Downsample filters a completed scan. The buffer itself is left untouched.
func Downsample(buf *l2frames.ScanBuffer, leafSize float64) []l2frames.Point {
	if buf == nil {
		return nil
	}
	return VoxelGrid(buf.Points, leafSize)
}
