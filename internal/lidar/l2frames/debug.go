package l2frames

import "github.com/banshee-data/pose.report/internal/lidar"

func opsf(format string, args ...interface{}) {
	lidar.Opsf("[frames] "+format, args...)
}

func tracef(format string, args ...interface{}) {
	lidar.Tracef("[frames] "+format, args...)
}
