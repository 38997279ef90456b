package export

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
)

// Trajectory builds a FeatureCollection with the estimated and ground-truth
// paths as LineStrings and the latest estimate as a Point carrying its yaw.
// Coordinates are map-frame metres. A positive tolerance simplifies each
// path with Douglas-Peucker.
func Trajectory(snap Snapshot, tolerance float64) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	fc.Append(lineFeature("estimate", snap.Estimate, tolerance))
	if len(snap.Truth) > 0 {
		fc.Append(lineFeature("ground_truth", snap.Truth, tolerance))
	}
	if r := snap.Last; r != nil {
		f := geojson.NewFeature(orb.Point{r.Pose.Position.X, r.Pose.Position.Y})
		f.Properties["kind"] = "pose"
		f.Properties["sequence"] = r.Sequence
		f.Properties["yaw"] = r.Pose.Yaw
		f.Properties["max_error"] = r.MaxError
		if r.HasGroundTruth {
			f.Properties["error"] = r.Error
		}
		fc.Append(f)
	}
	return fc
}

// TrajectoryJSON marshals Trajectory(snap, tolerance).
func TrajectoryJSON(snap Snapshot, tolerance float64) ([]byte, error) {
	return Trajectory(snap, tolerance).MarshalJSON()
}

func lineFeature(kind string, ls orb.LineString, tolerance float64) *geojson.Feature {
	cycles := len(ls)
	if tolerance > 0 && len(ls) > 2 {
		if simplified, ok := simplify.DouglasPeucker(tolerance).Simplify(ls.Clone()).(orb.LineString); ok {
			ls = simplified
		}
	}
	if ls == nil {
		ls = orb.LineString{}
	}
	f := geojson.NewFeature(ls)
	f.Properties["kind"] = kind
	f.Properties["cycles"] = cycles
	f.Properties["length_m"] = planar.Length(ls)
	return f
}
