package pipeline

import "github.com/banshee-data/pose.report/internal/lidar"

// opsf logs to the ops stream (actionable warnings, errors, pose error per cycle).
func opsf(format string, args ...interface{}) {
	lidar.Opsf("[pipeline] "+format, args...)
}

// diagf logs to the diag stream (registration scores, sink failures).
func diagf(format string, args ...interface{}) {
	lidar.Diagf("[pipeline] "+format, args...)
}

// tracef logs to the trace stream (per-tick telemetry).
func tracef(format string, args ...interface{}) {
	lidar.Tracef("[pipeline] "+format, args...)
}

// cyclef writes the per-cycle record stream.
func cyclef(format string, args ...interface{}) {
	lidar.Cyclef(format, args...)
}
