package l5register

import "github.com/banshee-data/pose.report/internal/lidar"

func opsf(format string, args ...interface{}) {
	lidar.Opsf("[register] "+format, args...)
}

func diagf(format string, args ...interface{}) {
	lidar.Diagf("[register] "+format, args...)
}

func tracef(format string, args ...interface{}) {
	lidar.Tracef("[register] "+format, args...)
}

func traceEnabled() bool {
	return lidar.TraceEnabled()
}
