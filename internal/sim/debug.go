package sim

import "github.com/banshee-data/pose.report/internal/lidar"

func opsf(format string, args ...interface{}) {
	lidar.Opsf("[sim] "+format, args...)
}

func tracef(format string, args ...interface{}) {
	lidar.Tracef("[sim] "+format, args...)
}
