package l6localize

import "github.com/banshee-data/pose.report/internal/lidar"

func opsf(format string, args ...interface{}) {
	lidar.Opsf("[localize] "+format, args...)
}

func tracef(format string, args ...interface{}) {
	lidar.Tracef("[localize] "+format, args...)
}
