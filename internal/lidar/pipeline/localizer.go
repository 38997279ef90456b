package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/pose.report/internal/control"
	"github.com/banshee-data/pose.report/internal/lidar/l2frames"
	"github.com/banshee-data/pose.report/internal/lidar/l4perception"
	"github.com/banshee-data/pose.report/internal/lidar/l6localize"
)

// Defaults for LocalizerConfig.
const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultLeafSize     = 0.5
)

// Configuration errors returned by NewLocalizer.
var (
	ErrNotConfigured = errors.New("localizer is missing a required stage")
	ErrNonFinitePose = errors.New("initial pose is not finite")
)

// LocalizerConfig holds the stages of the localization loop.
type LocalizerConfig struct {
	Accumulator *l2frames.ScanAccumulator // required
	Registrar   Registrar                 // required
	World       World                     // required
	Map         []l2frames.Point          // sent to FrameSinks

	Controls    *control.Queue // optional keyboard commands
	ControlSink ControlSink    // optional; receives Actuate output
	FrameSinks  []FrameSink
	CycleSinks  []CycleSink

	// InitialPose seeds the estimate. When nil the first ground-truth
	// reading is used, and cycles wait until one is available.
	InitialPose *l2frames.Pose

	LeafSize     float64       // voxel leaf for scan downsampling (default: 0.5)
	PollInterval time.Duration // loop period while waiting for a scan (default: 100ms)
	HistorySize  int           // tracker error history (default: l6localize.DefaultHistorySize)
	Now          func() time.Time
}

// Localizer drives the cycle loop. Run must be called from one goroutine;
// the read accessors are safe from any goroutine.
type Localizer struct {
	cfg LocalizerConfig

	trackerMu sync.RWMutex
	tracker   *l6localize.PoseTracker

	vehicle control.VehicleControl
	refresh atomic.Bool

	lastMu sync.RWMutex
	last   *CycleResult
}

// NewLocalizer validates cfg and applies defaults.
func NewLocalizer(cfg LocalizerConfig) (*Localizer, error) {
	switch {
	case cfg.Accumulator == nil:
		return nil, fmt.Errorf("%w: accumulator", ErrNotConfigured)
	case isNilInterface(cfg.Registrar):
		return nil, fmt.Errorf("%w: registrar", ErrNotConfigured)
	case isNilInterface(cfg.World):
		return nil, fmt.Errorf("%w: world", ErrNotConfigured)
	case cfg.InitialPose != nil && !cfg.InitialPose.IsFinite():
		return nil, fmt.Errorf("%w: %s", ErrNonFinitePose, *cfg.InitialPose)
	}
	if cfg.LeafSize == 0 {
		cfg.LeafSize = DefaultLeafSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if isNilInterface(cfg.ControlSink) {
		cfg.ControlSink = nil
	}
	l := &Localizer{cfg: cfg}
	if cfg.InitialPose != nil {
		l.tracker = l.newTracker(*cfg.InitialPose)
	}
	return l, nil
}

func (l *Localizer) newTracker(initial l2frames.Pose) *l6localize.PoseTracker {
	opsf("initial pose %s", initial)
	return l6localize.NewPoseTracker(l6localize.PoseTrackerConfig{
		Initial:     initial,
		HistorySize: l.cfg.HistorySize,
		Now:         l.cfg.Now,
	})
}

// Tracker returns the pose tracker, or nil before the initial pose is known.
func (l *Localizer) Tracker() *l6localize.PoseTracker {
	l.trackerMu.RLock()
	defer l.trackerMu.RUnlock()
	return l.tracker
}

// LastCycle returns the most recent cycle result, or nil.
func (l *Localizer) LastCycle() *CycleResult {
	l.lastMu.RLock()
	defer l.lastMu.RUnlock()
	return l.last
}

// RequestRefresh asks the loop to resend the map to the frame sinks at the
// start of the next iteration.
func (l *Localizer) RequestRefresh() {
	l.refresh.Store(true)
}

// Run loops until ctx is cancelled and returns ctx.Err().
func (l *Localizer) Run(ctx context.Context) error {
	l.publishMap()
	opsf("localizer running: %d map points, leaf %.2f, poll %v", len(l.cfg.Map), l.cfg.LeafSize, l.cfg.PollInterval)

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := ctx.Err(); err != nil {
			opsf("localizer stopping: %v", err)
			return err
		}
		if _, err := l.Step(ctx); err != nil && ctx.Err() == nil {
			diagf("cycle error: %v", err)
		}
		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
}

// Step runs one loop iteration: apply at most one queued control, handle a
// pending refresh, tick the world and, if a scan is ready, run a cycle. It
// returns the cycle result or nil when no scan was ready.
func (l *Localizer) Step(ctx context.Context) (*CycleResult, error) {
	l.applyControl()
	if l.refresh.Swap(false) {
		l.publishMap()
	}

	if err := l.cfg.World.Tick(ctx); err != nil {
		return nil, fmt.Errorf("world tick: %w", err)
	}

	tracker := l.Tracker()
	if tracker == nil {
		gt, err := l.cfg.World.GroundTruth()
		if err != nil {
			tracef("waiting for initial ground truth: %v", err)
			return nil, nil
		}
		if !gt.IsFinite() {
			diagf("ignoring non-finite ground truth %s; waiting for a usable initial pose", gt)
			return nil, nil
		}
		tracker = l.newTracker(gt)
		l.trackerMu.Lock()
		l.tracker = tracker
		l.trackerMu.Unlock()
	}

	buf, ok := l.cfg.Accumulator.Take()
	if !ok {
		return nil, nil
	}
	r := l.runCycle(ctx, tracker, buf)
	l.cfg.Accumulator.Reset()
	return r, nil
}

func (l *Localizer) applyControl() {
	if l.cfg.Controls == nil {
		return
	}
	cmd, ok := l.cfg.Controls.TryPop()
	if !ok {
		return
	}
	l.vehicle = control.Actuate(l.vehicle, cmd)
	if l.cfg.ControlSink == nil {
		return
	}
	if err := l.cfg.ControlSink.ApplyControl(l.vehicle); err != nil {
		opsf("failed to apply control %s: %v", l.vehicle, err)
	}
}

func (l *Localizer) publishMap() {
	for _, s := range l.cfg.FrameSinks {
		if err := s.SetMap(l.cfg.Map); err != nil {
			diagf("frame sink map update failed: %v", err)
		}
	}
}

// runCycle aligns one scan. The tracker is always left in AwaitingScan.
func (l *Localizer) runCycle(ctx context.Context, tracker *l6localize.PoseTracker, buf *l2frames.ScanBuffer) *CycleResult {
	start := l.cfg.Now()
	r := &CycleResult{
		Sequence:  buf.Sequence,
		Time:      start,
		RawPoints: buf.Len(),
		Control:   l.vehicle,
	}

	if err := tracker.BeginRegistration(buf.Sequence); err != nil {
		// Only reachable if a previous cycle left the tracker mid-transition.
		opsf("scan %d skipped: %v", buf.Sequence, err)
		r.Failed, r.Failure = true, err.Error()
		r.Pose = tracker.Estimate()
		l.finish(ctx, r, start)
		return r
	}

	filtered := l4perception.Downsample(buf, l.cfg.LeafSize)
	r.FilteredPoints = len(filtered)

	res, err := l.cfg.Registrar.Align(filtered, tracker.InitialGuess())
	if err != nil {
		opsf("registration of scan %d failed: %v", buf.Sequence, err)
		if ferr := tracker.Fail(err); ferr != nil {
			opsf("scan %d: %v", buf.Sequence, ferr)
		}
		r.Failed, r.Failure = true, err.Error()
		r.Pose = tracker.Estimate()
		r.MaxError = tracker.MaxError()
		r.Vehicle = VehicleBox(r.Pose)
		l.finish(ctx, r, start)
		return r
	}

	if err := tracker.Apply(res.Transform, res.Converged); err != nil {
		opsf("scan %d: %v", buf.Sequence, err)
	}
	r.Pose = tracker.Estimate()
	r.Converged = res.Converged
	r.Iterations = res.Iterations
	r.Score = res.Score
	r.Correspondences = res.Correspondences
	r.AlignedScan = l2frames.TransformPoints(filtered, res.Transform)
	r.Vehicle = VehicleBox(r.Pose)

	if gt, err := l.cfg.World.GroundTruth(); err == nil && gt.IsFinite() {
		r.GroundTruth, r.HasGroundTruth = gt, true
		r.Error = tracker.UpdateError(gt)
	}
	r.MaxError = tracker.MaxError()
	if err := tracker.Complete(); err != nil {
		opsf("scan %d: %v", buf.Sequence, err)
	}

	if r.HasGroundTruth {
		opsf("pose error: %.3f, max error: %.3f", r.Error, r.MaxError)
	}
	diagf("scan %d: %d -> %d points, converged=%t after %d iterations, score %.2f, %d correspondences",
		r.Sequence, r.RawPoints, r.FilteredPoints, r.Converged, r.Iterations, r.Score, r.Correspondences)

	l.finish(ctx, r, start)
	return r
}

func (l *Localizer) finish(ctx context.Context, r *CycleResult, start time.Time) {
	r.Duration = l.cfg.Now().Sub(start)
	if r.Failed {
		cyclef("seq=%d failed=true reason=%q pose={%s}", r.Sequence, r.Failure, r.Pose)
	} else {
		cyclef("seq=%d converged=%t iter=%d points=%d/%d error=%.3f max_error=%.3f pose={%s} took=%v",
			r.Sequence, r.Converged, r.Iterations, r.FilteredPoints, r.RawPoints,
			r.Error, r.MaxError, r.Pose, r.Duration)
	}

	l.lastMu.Lock()
	l.last = r
	l.lastMu.Unlock()

	if !r.Failed {
		for _, s := range l.cfg.FrameSinks {
			if err := s.PublishFrame(ctx, r); err != nil {
				diagf("frame sink failed on scan %d: %v", r.Sequence, err)
			}
		}
	}
	for _, s := range l.cfg.CycleSinks {
		if err := s.RecordCycle(ctx, r); err != nil {
			diagf("cycle sink failed on scan %d: %v", r.Sequence, err)
		}
	}
}
