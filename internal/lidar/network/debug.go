package network

import "github.com/banshee-data/pose.report/internal/lidar"

func opsf(format string, args ...interface{}) {
	lidar.Opsf("[network] "+format, args...)
}

func diagf(format string, args ...interface{}) {
	lidar.Diagf("[network] "+format, args...)
}
