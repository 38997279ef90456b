package parse

import "github.com/banshee-data/pose.report/internal/lidar"

func tracef(format string, args ...interface{}) {
	lidar.Tracef("[parse] "+format, args...)
}
