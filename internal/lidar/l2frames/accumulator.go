package l2frames

import (
	"sync"
	"sync/atomic"
	"time"
)

// Scan accumulation defaults.
const (
	// DefaultNearFieldThreshold is the squared range (map units²) at or below
	// which a detection is treated as a self-return from the vehicle body.
	DefaultNearFieldThreshold = 8.0

	// NearFieldDisabled turns the near-field filter off.
	NearFieldDisabled = -1.0

	// DefaultScanCapacity is the point count a scan must exceed to be complete.
	DefaultScanCapacity = 5000
)

// ScanBuffer is one LiDAR sweep snapshot. Once handed out by the
// accumulator it is never written again.
type ScanBuffer struct {
	Sequence  uint64    // monotonically increasing scan number
	Points    []Point   // accepted detections in arrival order
	Started   time.Time // wall-clock time the buffer became active
	Completed time.Time // wall-clock time the buffer was frozen
}

// Len returns the number of points in the buffer.
func (b *ScanBuffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Points)
}

// ScanAccumulatorConfig contains configuration for the ScanAccumulator.
type ScanAccumulatorConfig struct {
	SensorID           string           // sensor identifier, used in log lines
	NearFieldThreshold float64          // squared range discard threshold (default: 8; negative disables)
	Capacity           int              // scan completes once it holds more than this many points (default: 5000)
	Now                func() time.Time // clock, for tests (default: time.Now)
}

// AccumulatorStats counts what happened to ingested detections.
type AccumulatorStats struct {
	Accepted  uint64 `json:"accepted"`
	Discarded uint64 `json:"discarded"` // near-field returns
	Invalid   uint64 `json:"invalid"`   // NaN or infinite coordinates
	Dropped   uint64 `json:"dropped"`   // arrived while a completed scan awaited registration
	Completed uint64 `json:"completed"`
}

// ScanAccumulator collects detections into the single active ScanBuffer.
//
// Ingest may be called from any goroutine. When the active buffer grows past
// Capacity it is frozen, the ready flag is raised and the buffer is placed in
// a single-slot channel. Ownership passes to whoever takes it from that
// channel; detections that arrive before Reset are dropped.
type ScanAccumulator struct {
	sensorID  string
	threshold float64
	capacity  int
	now       func() time.Time

	mu       sync.Mutex // protects active and sequence
	active   *ScanBuffer
	sequence uint64

	ready   atomic.Bool
	readyCh chan *ScanBuffer

	accepted  atomic.Uint64
	discarded atomic.Uint64
	invalid   atomic.Uint64
	dropped   atomic.Uint64
	completed atomic.Uint64
}

// NewScanAccumulator creates a ScanAccumulator with the first buffer active.
func NewScanAccumulator(config ScanAccumulatorConfig) *ScanAccumulator {
	if config.NearFieldThreshold == 0 {
		config.NearFieldThreshold = DefaultNearFieldThreshold
	}
	if config.Capacity <= 0 {
		config.Capacity = DefaultScanCapacity
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	a := &ScanAccumulator{
		sensorID:  config.SensorID,
		threshold: config.NearFieldThreshold,
		capacity:  config.Capacity,
		now:       config.Now,
		readyCh:   make(chan *ScanBuffer, 1),
	}
	a.active = a.newBuffer()
	return a
}

func (a *ScanAccumulator) newBuffer() *ScanBuffer {
	a.sequence++
	return &ScanBuffer{
		Sequence: a.sequence,
		Points:   make([]Point, 0, a.capacity+1),
		Started:  a.now(),
	}
}

// Ingest adds one detection. It reports whether the point was appended.
// It never blocks on the consumer.
func (a *ScanAccumulator) Ingest(p Point) bool {
	if a.ready.Load() {
		a.dropped.Add(1)
		return false
	}
	if !p.IsFinite() {
		a.invalid.Add(1)
		return false
	}
	if p.Norm2() <= a.threshold {
		a.discarded.Add(1)
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	// Re-check under the lock: another producer may have completed the scan.
	if a.active == nil || a.ready.Load() {
		a.dropped.Add(1)
		return false
	}
	a.active.Points = append(a.active.Points, p)
	a.accepted.Add(1)

	if len(a.active.Points) > a.capacity {
		a.freezeLocked()
	}
	return true
}

// IngestBatch adds every point in points and returns how many were appended.
func (a *ScanAccumulator) IngestBatch(points []Point) int {
	n := 0
	for _, p := range points {
		if a.Ingest(p) {
			n++
		}
	}
	return n
}

func (a *ScanAccumulator) freezeLocked() {
	buf := a.active
	buf.Completed = a.now()
	a.active = nil
	a.ready.Store(true)
	a.completed.Add(1)

	select {
	case a.readyCh <- buf:
	default:
		// Unreachable while Reset is the only path back to accumulating.
		opsf("%s: scan %d completed while previous scan still pending", a.sensorID, buf.Sequence)
	}
	tracef("%s: scan %d ready with %d points after %v",
		a.sensorID, buf.Sequence, len(buf.Points), buf.Completed.Sub(buf.Started))
}

// IsReady reports whether a completed scan is waiting to be consumed or has
// been consumed but not yet Reset.
func (a *ScanAccumulator) IsReady() bool {
	return a.ready.Load()
}

// Ready returns the single-slot channel on which completed scans are handed off.
func (a *ScanAccumulator) Ready() <-chan *ScanBuffer {
	return a.readyCh
}

// Take returns the completed scan without blocking.
func (a *ScanAccumulator) Take() (*ScanBuffer, bool) {
	select {
	case buf := <-a.readyCh:
		return buf, true
	default:
		return nil, false
	}
}

// Reset discards any untaken scan and starts a new active buffer.
func (a *ScanAccumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	select {
	case buf := <-a.readyCh:
		tracef("%s: scan %d discarded on reset", a.sensorID, buf.Sequence)
	default:
	}
	a.active = a.newBuffer()
	a.ready.Store(false)
}

// Len returns the number of points in the active buffer, or 0 while a
// completed scan is pending.
func (a *ScanAccumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active.Len()
}

// Snapshot returns a copy of the active buffer's points.
func (a *ScanAccumulator) Snapshot() []Point {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == nil {
		return nil
	}
	out := make([]Point, len(a.active.Points))
	copy(out, a.active.Points)
	return out
}

// Stats returns the ingestion counters.
func (a *ScanAccumulator) Stats() AccumulatorStats {
	return AccumulatorStats{
		Accepted:  a.accepted.Load(),
		Discarded: a.discarded.Load(),
		Invalid:   a.invalid.Load(),
		Dropped:   a.dropped.Load(),
		Completed: a.completed.Load(),
	}
}

// Capacity returns the configured capacity.
func (a *ScanAccumulator) Capacity() int { return a.capacity }
