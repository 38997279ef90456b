package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/banshee-data/pose.report/internal/config"
	"github.com/banshee-data/pose.report/internal/control"
	"github.com/banshee-data/pose.report/internal/lidar"
	"github.com/banshee-data/pose.report/internal/lidar/l2frames"
	"github.com/banshee-data/pose.report/internal/lidar/pipeline"
	"github.com/banshee-data/pose.report/internal/serialmux"
)

// controlFanout applies actuation state to every sink in order. All sinks
// see the state even when an earlier one fails.
type controlFanout []pipeline.ControlSink

func (f controlFanout) ApplyControl(v control.VehicleControl) error {
	var errs []error
	for _, s := range f {
		if err := s.ApplyControl(v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// logControllerLines copies lines from the vehicle controller to the diag
// stream until ctx is done or the mux closes.
func logControllerLines(ctx context.Context, mux serialmux.SerialMuxInterface) {
	id, lines := mux.Subscribe()
	defer mux.Unsubscribe(id)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			lidar.Diagf("[controller] %s", line)
		case <-ctx.Done():
			return
		}
	}
}

// setupLogStreams sends ops to stderr and the diag, trace and cycle streams
// to the named files. An empty path disables that stream. The returned func
// closes the files.
func setupLogStreams(diagPath, tracePath, cyclePath string) (func(), error) {
	var files []*os.File
	closeAll := func() {
		for _, f := range files {
			if err := f.Close(); err != nil {
				log.Printf("failed to close log file %s: %v", f.Name(), err)
			}
		}
	}
	open := func(path string) (io.Writer, error) {
		if path == "" {
			return nil, nil
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		files = append(files, f)
		return f, nil
	}

	diag, err := open(diagPath)
	if err != nil {
		closeAll()
		return nil, err
	}
	trace, err := open(tracePath)
	if err != nil {
		closeAll()
		return nil, err
	}
	cycle, err := open(cyclePath)
	if err != nil {
		closeAll()
		return nil, err
	}
	lidar.SetLogWriters(lidar.LogWriters{Ops: os.Stderr, Diag: diag, Trace: trace, Cycle: cycle})
	return closeAll, nil
}

// accumulatorConfig maps tuning onto the accumulator. A configured near-field
// threshold of 0 turns the filter off rather than selecting the default.
func accumulatorConfig(cfg *config.TuningConfig, sensorID string) l2frames.ScanAccumulatorConfig {
	threshold := cfg.GetNearFieldThreshold()
	if threshold == 0 {
		threshold = l2frames.NearFieldDisabled
	}
	return l2frames.ScanAccumulatorConfig{
		SensorID:           sensorID,
		NearFieldThreshold: threshold,
		Capacity:           cfg.GetScanCapacity(),
	}
}
