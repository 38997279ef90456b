package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pose.report/internal/config"
	"github.com/banshee-data/pose.report/internal/control"
	"github.com/banshee-data/pose.report/internal/lidar"
	"github.com/banshee-data/pose.report/internal/lidar/l2frames"
	"github.com/banshee-data/pose.report/internal/serialmux"
)

type recordingControl struct {
	got []control.VehicleControl
	err error
}

func (r *recordingControl) ApplyControl(v control.VehicleControl) error {
	r.got = append(r.got, v)
	return r.err
}

func TestControlFanout(t *testing.T) {
	t.Parallel()
	failing := &recordingControl{err: errors.New("port closed")}
	ok := &recordingControl{}
	f := controlFanout{failing, ok}

	v := control.VehicleControl{Throttle: 0.3, Steer: -0.1}
	err := f.ApplyControl(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port closed")
	assert.Equal(t, []control.VehicleControl{v}, failing.got)
	assert.Equal(t, []control.VehicleControl{v}, ok.got)

	assert.NoError(t, controlFanout{ok}.ApplyControl(v))
}

func TestControlFanout_SerialLine(t *testing.T) {
	t.Parallel()
	mux := serialmux.NewDisabledSerialMux()
	f := controlFanout{control.NewSerialSink(mux)}
	require.NoError(t, f.ApplyControl(control.VehicleControl{Throttle: 0.5, Reverse: true}))
	sent := mux.Sent()
	require.Len(t, sent, 1)
	assert.True(t, strings.HasPrefix(sent[0], "CTL,"))
}

func TestLogControllerLines_StopsOnCancel(t *testing.T) {
	t.Parallel()
	mux := serialmux.NewDisabledSerialMux()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		logControllerLines(ctx, mux)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("logControllerLines did not return")
	}
}

func TestSetupLogStreams(t *testing.T) {
	// Replaces the package-wide lidar loggers; not parallel.
	defer lidar.SetLogWriters(lidar.LogWriters{})

	dir := t.TempDir()
	diagPath := filepath.Join(dir, "diag.log")
	cyclePath := filepath.Join(dir, "cycles.log")
	closeLogs, err := setupLogStreams(diagPath, "", cyclePath)
	require.NoError(t, err)

	lidar.Diagf("grid built: %d cells", 42)
	lidar.Tracef("dropped")
	lidar.Cyclef("seq=%d", 9)
	closeLogs()

	b, err := os.ReadFile(diagPath)
	require.NoError(t, err)
	assert.Contains(t, string(b), "grid built: 42 cells")
	assert.NotContains(t, string(b), "dropped")
	assert.NotContains(t, string(b), "seq=9")

	b, err = os.ReadFile(cyclePath)
	require.NoError(t, err)
	assert.Contains(t, string(b), "[cycle] ")
	assert.Contains(t, string(b), "seq=9")
}

func TestSetupLogStreams_BadPath(t *testing.T) {
	defer lidar.SetLogWriters(lidar.LogWriters{})
	_, err := setupLogStreams(filepath.Join(t.TempDir(), "missing", "diag.log"), "", "")
	assert.Error(t, err)
}

func TestAccumulatorConfig_NearField(t *testing.T) {
	t.Parallel()
	def := accumulatorConfig(config.DefaultTuningConfig(), "sim")
	assert.Equal(t, 8.0, def.NearFieldThreshold)
	assert.Equal(t, 5000, def.Capacity)
	assert.Equal(t, "sim", def.SensorID)

	zero := 0.0
	off := accumulatorConfig(&config.TuningConfig{NearFieldThreshold: &zero}, "udp")
	assert.Equal(t, l2frames.NearFieldDisabled, off.NearFieldThreshold)

	acc := l2frames.NewScanAccumulator(off)
	assert.True(t, acc.Ingest(l2frames.Point{X: 1}), "close returns are kept with the filter off")
}
