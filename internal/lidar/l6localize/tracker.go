package l6localize

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/pose.report/internal/lidar/l2frames"
)

// TrackerState is the registration cycle state.
type TrackerState string

const (
	StateAwaitingScan TrackerState = "awaiting_scan" // waiting for the next complete scan
	StateRegistering  TrackerState = "registering"   // a scan is being aligned
	StateUpdated      TrackerState = "updated"       // estimate refreshed, sinks not yet notified
)

func (s TrackerState) String() string { return string(s) }

// ErrInvalidTransition is returned when a tracker method is called in a
// state that does not allow it.
var ErrInvalidTransition = errors.New("invalid tracker state transition")

// DefaultHistorySize is the number of error samples retained.
const DefaultHistorySize = 600

// ErrorSample is one position error measurement.
type ErrorSample struct {
	Sequence  uint64        `json:"sequence"`
	Time      time.Time     `json:"time"`
	Estimate  l2frames.Pose `json:"estimate"`
	Truth     l2frames.Pose `json:"truth"`
	Error     float64       `json:"error"`
	MaxError  float64       `json:"max_error"`
	Converged bool          `json:"converged"`
}

// TrackerSnapshot is a point-in-time copy of the tracker for readers
// outside the main loop.
type TrackerSnapshot struct {
	State        TrackerState  `json:"state"`
	Estimate     l2frames.Pose `json:"estimate"`
	LastError    float64       `json:"last_error"`
	MaxError     float64       `json:"max_error"`
	Cycles       uint64        `json:"cycles"`
	NonConverged uint64        `json:"non_converged"`
	Failures     uint64        `json:"failures"`
	LastUpdate   time.Time     `json:"last_update"`
}

// PoseTrackerConfig contains configuration for the PoseTracker.
type PoseTrackerConfig struct {
	Initial     l2frames.Pose    // starting estimate
	HistorySize int              // error samples kept (default: 600)
	Now         func() time.Time // clock, for tests (default: time.Now)
}

// PoseTracker sequences registration cycles and owns the pose estimate.
//
// Transitions: AwaitingScan -BeginRegistration-> Registering
// -Apply-> Updated -Complete-> AwaitingScan, and Registering -Fail->
// AwaitingScan. Only the main loop drives transitions; the mutex exists so
// monitors can read snapshots concurrently.
type PoseTracker struct {
	mu sync.RWMutex

	state     TrackerState
	estimate  l2frames.Pose
	converged bool
	sequence  uint64

	lastError    float64
	maxError     float64
	cycles       uint64
	nonConverged uint64
	failures     uint64
	lastUpdate   time.Time

	history     []ErrorSample // ring buffer
	historyNext int
	historyLen  int

	now func() time.Time
}

// NewPoseTracker creates a tracker in StateAwaitingScan.
func NewPoseTracker(config PoseTrackerConfig) *PoseTracker {
	if config.HistorySize <= 0 {
		config.HistorySize = DefaultHistorySize
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &PoseTracker{
		state:    StateAwaitingScan,
		estimate: config.Initial,
		history:  make([]ErrorSample, config.HistorySize),
		now:      config.Now,
	}
}

func (pt *PoseTracker) transitionLocked(from, to TrackerState) error {
	if pt.state != from {
		return fmt.Errorf("%w: %s -> %s from %s", ErrInvalidTransition, from, to, pt.state)
	}
	pt.state = to
	return nil
}

// BeginRegistration marks the start of aligning scan seq.
func (pt *PoseTracker) BeginRegistration(seq uint64) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if err := pt.transitionLocked(StateAwaitingScan, StateRegistering); err != nil {
		return err
	}
	pt.sequence = seq
	return nil
}

// Apply replaces the estimate with the pose encoded by T. Non-converged
// results are applied too; they are only counted.
func (pt *PoseTracker) Apply(T l2frames.RigidTransform, converged bool) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if err := pt.transitionLocked(StateRegistering, StateUpdated); err != nil {
		return err
	}
	pt.estimate = l2frames.DecomposePose(T)
	pt.converged = converged
	pt.cycles++
	if !converged {
		pt.nonConverged++
	}
	pt.lastUpdate = pt.now()
	tracef("scan %d: estimate %s converged=%v", pt.sequence, pt.estimate, converged)
	return nil
}

// Fail abandons the current registration and keeps the previous estimate.
func (pt *PoseTracker) Fail(cause error) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if err := pt.transitionLocked(StateRegistering, StateAwaitingScan); err != nil {
		return err
	}
	pt.failures++
	opsf("scan %d: registration failed, keeping previous estimate: %v", pt.sequence, cause)
	return nil
}

// Complete returns the tracker to StateAwaitingScan after an update.
func (pt *PoseTracker) Complete() error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.transitionLocked(StateUpdated, StateAwaitingScan)
}

// UpdateError measures the Euclidean position distance between the estimate
// and groundTruth, records it and raises the running maximum if needed.
// Only position is compared; orientation error is not part of the metric.
func (pt *PoseTracker) UpdateError(groundTruth l2frames.Pose) float64 {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	e := pt.estimate.DistanceTo(groundTruth)
	pt.lastError = e
	if e > pt.maxError {
		pt.maxError = e
	}

	pt.history[pt.historyNext] = ErrorSample{
		Sequence:  pt.sequence,
		Time:      pt.now(),
		Estimate:  pt.estimate,
		Truth:     groundTruth,
		Error:     e,
		MaxError:  pt.maxError,
		Converged: pt.converged,
	}
	pt.historyNext = (pt.historyNext + 1) % len(pt.history)
	if pt.historyLen < len(pt.history) {
		pt.historyLen++
	}
	return e
}

// State returns the current state.
func (pt *PoseTracker) State() TrackerState {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return pt.state
}

// Estimate returns the current pose estimate.
func (pt *PoseTracker) Estimate() l2frames.Pose {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return pt.estimate
}

// InitialGuess returns the transform of the current estimate, used to seed
// the next registration.
func (pt *PoseTracker) InitialGuess() l2frames.RigidTransform {
	return pt.Estimate().Transform()
}

// MaxError returns the largest position error seen so far.
func (pt *PoseTracker) MaxError() float64 {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return pt.maxError
}

// Reseed replaces the estimate, e.g. from the first ground truth reading.
// It is only allowed while awaiting a scan.
func (pt *PoseTracker) Reseed(p l2frames.Pose) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.state != StateAwaitingScan {
		return fmt.Errorf("%w: reseed while %s", ErrInvalidTransition, pt.state)
	}
	pt.estimate = p
	opsf("estimate reseeded to %s", p)
	return nil
}

// Snapshot returns a copy of the tracker state.
func (pt *PoseTracker) Snapshot() TrackerSnapshot {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return TrackerSnapshot{
		State:        pt.state,
		Estimate:     pt.estimate,
		LastError:    pt.lastError,
		MaxError:     pt.maxError,
		Cycles:       pt.cycles,
		NonConverged: pt.nonConverged,
		Failures:     pt.failures,
		LastUpdate:   pt.lastUpdate,
	}
}

// History returns the retained error samples, oldest first.
func (pt *PoseTracker) History() []ErrorSample {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	out := make([]ErrorSample, 0, pt.historyLen)
	start := pt.historyNext - pt.historyLen
	if start < 0 {
		start += len(pt.history)
	}
	for i := 0; i < pt.historyLen; i++ {
		out = append(out, pt.history[(start+i)%len(pt.history)])
	}
	return out
}
