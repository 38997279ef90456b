package pipeline

import (
	"context"
	"bytes"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pose.report/internal/control"
	"github.com/banshee-data/pose.report/internal/lidar"
	"github.com/banshee-data/pose.report/internal/lidar/l2frames"
	"github.com/banshee-data/pose.report/internal/lidar/l5register"
	"github.com/banshee-data/pose.report/internal/lidar/l6localize"
	"github.com/banshee-data/pose.report/internal/sim"
)

type fakeWorld struct {
	mu    sync.Mutex
	gt    l2frames.Pose
	gtErr error
	ticks int
}

func (w *fakeWorld) Tick(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ticks++
	return ctx.Err()
}

func (w *fakeWorld) GroundTruth() (l2frames.Pose, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.gt, w.gtErr
}

type recordingSink struct {
	mu       sync.Mutex
	maps     int
	frames   []*CycleResult
	cycles   []*CycleResult
	controls []control.VehicleControl
}

func (s *recordingSink) SetMap([]l2frames.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maps++
	return nil
}

func (s *recordingSink) PublishFrame(_ context.Context, r *CycleResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, r)
	return nil
}

func (s *recordingSink) RecordCycle(_ context.Context, r *CycleResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycles = append(s.cycles, r)
	return errors.New("sink errors never stop the loop")
}

func (s *recordingSink) ApplyControl(v control.VehicleControl) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controls = append(s.controls, v)
	return nil
}

func testMap() []l2frames.Point {
	cfg := sim.DefaultMapConfig()
	cfg.HalfSize = 15
	cfg.Buildings = 3
	cfg.Poles = 10
	return sim.GenerateMap(cfg)
}

func newTestRegistrar(t *testing.T, m []l2frames.Point) *l5register.Registrar {
	t.Helper()
	r, err := l5register.NewRegistrar(m, l5register.DefaultParams())
	require.NoError(t, err)
	return r
}

func TestNewLocalizer_RequiresStages(t *testing.T) {
	t.Parallel()
	acc := l2frames.NewScanAccumulator(l2frames.ScanAccumulatorConfig{})
	_, err := NewLocalizer(LocalizerConfig{Accumulator: acc})
	assert.ErrorIs(t, err, ErrNotConfigured)

	var nilWorld *fakeWorld
	_, err = NewLocalizer(LocalizerConfig{
		Accumulator: acc,
		Registrar:   newTestRegistrar(t, testMap()),
		World:       nilWorld,
	})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestStep_WaitsForGroundTruth(t *testing.T) {
	t.Parallel()
	world := &fakeWorld{gtErr: errors.New("not yet")}
	l, err := NewLocalizer(LocalizerConfig{
		Accumulator: l2frames.NewScanAccumulator(l2frames.ScanAccumulatorConfig{}),
		Registrar:   newTestRegistrar(t, testMap()),
		World:       world,
	})
	require.NoError(t, err)

	r, err := l.Step(context.Background())
	require.NoError(t, err)
	assert.Nil(t, r)
	assert.Nil(t, l.Tracker())
	assert.Equal(t, 1, world.ticks)

	world.mu.Lock()
	world.gt, world.gtErr = l2frames.Pose{Position: l2frames.Point{X: 2}}, nil
	world.mu.Unlock()
	_, err = l.Step(context.Background())
	require.NoError(t, err)
	require.NotNil(t, l.Tracker())
	assert.Equal(t, 2.0, l.Tracker().Estimate().Position.X)
}

func TestNewLocalizer_RejectsNonFiniteInitialPose(t *testing.T) {
	t.Parallel()
	bad := l2frames.Pose{Yaw: math.Inf(1)}
	_, err := NewLocalizer(LocalizerConfig{
		Accumulator: l2frames.NewScanAccumulator(l2frames.ScanAccumulatorConfig{}),
		Registrar:   newTestRegistrar(t, testMap()),
		World:       &fakeWorld{},
		InitialPose: &bad,
	})
	assert.ErrorIs(t, err, ErrNonFinitePose)
}

// glitchyWorld reports NaN ground truth for its first few readings.
type glitchyWorld struct {
	*sim.World
	bad int
}

func (w *glitchyWorld) GroundTruth() (l2frames.Pose, error) {
	if w.bad > 0 {
		w.bad--
		return l2frames.Pose{Position: l2frames.Point{X: math.NaN()}}, nil
	}
	return w.World.GroundTruth()
}

func TestStep_NonFiniteGroundTruthDoesNotSeed(t *testing.T) {
	t.Parallel()
	m := testMap()
	acc := l2frames.NewScanAccumulator(l2frames.ScanAccumulatorConfig{Capacity: 2000})
	world := &glitchyWorld{
		World: sim.NewWorld(sim.Config{Map: m, Spawn: l2frames.Pose{Yaw: 0.2}, Sink: acc}),
		bad:   1,
	}
	sink := &recordingSink{}
	l, err := NewLocalizer(LocalizerConfig{
		Accumulator: acc,
		Registrar:   newTestRegistrar(t, m),
		World:       world,
		CycleSinks:  []CycleSink{sink},
	})
	require.NoError(t, err)

	r, err := l.Step(context.Background())
	require.NoError(t, err)
	assert.Nil(t, r)
	assert.Nil(t, l.Tracker(), "a NaN reading must not seed the estimate")

	for i := 0; i < 3; i++ {
		r := stepUntilCycle(t, l)
		require.False(t, r.Failed, "cycle %d: %s", i, r.Failure)
		assert.True(t, r.Pose.IsFinite())
		assert.Less(t, r.Error, 0.1)
	}
	assert.Len(t, sink.cycles, 3)
}

func TestStep_OneControlPerIteration(t *testing.T) {
	t.Parallel()
	q := control.NewQueue()
	q.Push(control.Command{Throttle: 0.1})
	q.Push(control.Command{Throttle: 0.1})
	sink := &recordingSink{}
	l, err := NewLocalizer(LocalizerConfig{
		Accumulator: l2frames.NewScanAccumulator(l2frames.ScanAccumulatorConfig{}),
		Registrar:   newTestRegistrar(t, testMap()),
		World:       &fakeWorld{},
		Controls:    q,
		ControlSink: sink,
	})
	require.NoError(t, err)

	_, err = l.Step(context.Background())
	require.NoError(t, err)
	require.Len(t, sink.controls, 1)
	assert.Equal(t, 1, q.Len())

	_, err = l.Step(context.Background())
	require.NoError(t, err)
	require.Len(t, sink.controls, 2)
	assert.InDelta(t, 0.2, sink.controls[1].Throttle, 1e-12)
	assert.Zero(t, q.Len())

	_, err = l.Step(context.Background())
	require.NoError(t, err)
	assert.Len(t, sink.controls, 2)
}

func TestStep_RefreshResendsMap(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	l, err := NewLocalizer(LocalizerConfig{
		Accumulator: l2frames.NewScanAccumulator(l2frames.ScanAccumulatorConfig{}),
		Registrar:   newTestRegistrar(t, testMap()),
		World:       &fakeWorld{},
		FrameSinks:  []FrameSink{sink},
	})
	require.NoError(t, err)

	_, err = l.Step(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sink.maps)

	l.RequestRefresh()
	_, err = l.Step(context.Background())
	require.NoError(t, err)
	_, err = l.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sink.maps)
}

func TestStep_TickErrorReturned(t *testing.T) {
	t.Parallel()
	l, err := NewLocalizer(LocalizerConfig{
		Accumulator: l2frames.NewScanAccumulator(l2frames.ScanAccumulatorConfig{}),
		Registrar:   newTestRegistrar(t, testMap()),
		World:       &fakeWorld{},
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Step(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// simLocalizer wires a synthetic world to a localizer on the same map.
func simLocalizer(t *testing.T, initial *l2frames.Pose, sink *recordingSink) (*Localizer, *l2frames.ScanAccumulator) {
	t.Helper()
	m := testMap()
	acc := l2frames.NewScanAccumulator(l2frames.ScanAccumulatorConfig{Capacity: 2000})
	world := sim.NewWorld(sim.Config{Map: m, Spawn: l2frames.Pose{Yaw: 0.2}, Sink: acc})
	l, err := NewLocalizer(LocalizerConfig{
		Accumulator: acc,
		Registrar:   newTestRegistrar(t, m),
		World:       world,
		Map:         m,
		FrameSinks:  []FrameSink{sink},
		CycleSinks:  []CycleSink{sink},
		InitialPose: initial,
	})
	require.NoError(t, err)
	return l, acc
}

func stepUntilCycle(t *testing.T, l *Localizer) *CycleResult {
	t.Helper()
	for i := 0; i < 20; i++ {
		r, err := l.Step(context.Background())
		require.NoError(t, err)
		if r != nil {
			return r
		}
	}
	t.Fatal("no scan completed")
	return nil
}

func TestLocalizer_SyntheticWorldFromGroundTruth(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	l, acc := simLocalizer(t, nil, sink)

	r := stepUntilCycle(t, l)
	assert.False(t, r.Failed)
	assert.True(t, r.HasGroundTruth)
	assert.Greater(t, r.RawPoints, 2000)
	assert.Greater(t, r.RawPoints, r.FilteredPoints)
	assert.Len(t, r.AlignedScan, r.FilteredPoints)
	assert.Less(t, r.Error, 0.1)
	assert.Equal(t, r.Error, r.MaxError)
	assert.Equal(t, VehicleLength, r.Vehicle.Length)

	assert.Equal(t, l6localize.StateAwaitingScan, l.Tracker().State())
	assert.False(t, acc.IsReady())
	assert.Equal(t, uint64(1), acc.Stats().Completed)
	assert.Same(t, r, l.LastCycle())

	require.Len(t, sink.frames, 1)
	require.Len(t, sink.cycles, 1)
	assert.Same(t, r, sink.frames[0])
}

func TestLocalizer_RecoversOffsetGuess(t *testing.T) {
	t.Parallel()
	initial := l2frames.Pose{Position: l2frames.Point{X: 0.3, Y: -0.2}, Yaw: 0.2}
	l, _ := simLocalizer(t, &initial, &recordingSink{})

	start := initial.DistanceTo(l2frames.Pose{})
	r := stepUntilCycle(t, l)
	require.False(t, r.Failed)
	assert.Less(t, r.Error, start)
}

// flakyRegistrar fails its first fail calls with a precondition error and
// then delegates to next.
type flakyRegistrar struct {
	next  Registrar
	fail  int
	calls int
}

func (r *flakyRegistrar) Align(source []l2frames.Point, guess l2frames.RigidTransform) (l5register.Result, error) {
	r.calls++
	if r.calls <= r.fail {
		return l5register.Result{}, fmt.Errorf("align scan: %w", l5register.ErrSparseTarget)
	}
	return r.next.Align(source, guess)
}

func TestLocalizer_RegistrationFailureSkipsCycle(t *testing.T) {
	t.Parallel()
	m := testMap()
	acc := l2frames.NewScanAccumulator(l2frames.ScanAccumulatorConfig{Capacity: 2000})
	world := sim.NewWorld(sim.Config{Map: m, Spawn: l2frames.Pose{Yaw: 0.2}, Sink: acc})
	reg := &flakyRegistrar{next: newTestRegistrar(t, m), fail: 1}
	initial := l2frames.Pose{Position: l2frames.Point{X: 0.3}, Yaw: 0.2}
	sink := &recordingSink{}
	l, err := NewLocalizer(LocalizerConfig{
		Accumulator: acc,
		Registrar:   reg,
		World:       world,
		Map:         m,
		FrameSinks:  []FrameSink{sink},
		CycleSinks:  []CycleSink{sink},
		InitialPose: &initial,
	})
	require.NoError(t, err)

	failed := stepUntilCycle(t, l)
	require.True(t, failed.Failed)
	assert.Contains(t, failed.Failure, "precondition")
	assert.Equal(t, initial, failed.Pose)
	assert.Nil(t, failed.AlignedScan)

	tracker := l.Tracker()
	assert.Equal(t, initial, tracker.Estimate())
	assert.Equal(t, l6localize.StateAwaitingScan, tracker.State())
	assert.Equal(t, uint64(1), tracker.Snapshot().Failures)
	assert.Same(t, failed, l.LastCycle())

	assert.Empty(t, sink.frames, "failed cycles are not rendered")
	require.Len(t, sink.cycles, 1)
	assert.Same(t, failed, sink.cycles[0])
	assert.False(t, acc.IsReady(), "accumulator is reset after a failed cycle")

	next := stepUntilCycle(t, l)
	require.False(t, next.Failed, next.Failure)
	assert.Greater(t, next.Sequence, failed.Sequence)
	assert.Less(t, next.Error, initial.DistanceTo(l2frames.Pose{Yaw: 0.2}))
	assert.Equal(t, 2, reg.calls)
	assert.Len(t, sink.frames, 1)
	assert.Len(t, sink.cycles, 2)
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	l, err := NewLocalizer(LocalizerConfig{
		Accumulator:  l2frames.NewScanAccumulator(l2frames.ScanAccumulatorConfig{}),
		Registrar:    newTestRegistrar(t, testMap()),
		World:        &fakeWorld{},
		FrameSinks:   []FrameSink{sink},
		PollInterval: time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Run(ctx), context.DeadlineExceeded)
	assert.Equal(t, 1, sink.maps)
}

func TestVehicleBox_Corners(t *testing.T) {
	t.Parallel()
	b := VehicleBox(l2frames.Pose{Position: l2frames.Point{X: 10, Y: 5, Z: 3}})
	assert.Zero(t, b.Center.Z)
	c := b.Corners()
	assert.InDelta(t, 8, c[0].X, 1e-12)
	assert.InDelta(t, 4, c[0].Y, 1e-12)
	assert.InDelta(t, 12, c[2].X, 1e-12)
	assert.InDelta(t, 6, c[2].Y, 1e-12)
}

func TestLocalizer_WritesCycleRecords(t *testing.T) {
	// Replaces the package-wide log streams; not parallel.
	var buf bytes.Buffer
	lidar.SetLogWriters(lidar.LogWriters{Cycle: &buf})
	defer lidar.SetLogWriters(lidar.LogWriters{})

	m := testMap()
	acc := l2frames.NewScanAccumulator(l2frames.ScanAccumulatorConfig{Capacity: 2000})
	world := sim.NewWorld(sim.Config{Map: m, Sink: acc})
	l, err := NewLocalizer(LocalizerConfig{
		Accumulator: acc,
		Registrar:   &flakyRegistrar{next: newTestRegistrar(t, m), fail: 1},
		World:       world,
	})
	require.NoError(t, err)

	failed := stepUntilCycle(t, l)
	next := stepUntilCycle(t, l)
	require.True(t, failed.Failed)
	require.False(t, next.Failed)

	out := buf.String()
	assert.Contains(t, out, fmt.Sprintf("seq=%d failed=true", failed.Sequence))
	assert.Contains(t, out, fmt.Sprintf("seq=%d converged=", next.Sequence))
	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("[cycle] ")))
}
