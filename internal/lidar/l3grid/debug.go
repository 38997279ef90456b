package l3grid

import "github.com/banshee-data/pose.report/internal/lidar"

func diagf(format string, args ...interface{}) {
	lidar.Diagf("[grid] "+format, args...)
}
