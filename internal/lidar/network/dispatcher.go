package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/pose.report/internal/lidar/l2frames"
	"github.com/banshee-data/pose.report/internal/lidar/parse"
)

// ErrNoGroundTruth is returned before the first ground-truth datagram.
var ErrNoGroundTruth = errors.New("no ground truth received yet")

// PacketHandler consumes one datagram payload. The payload is only valid
// for the duration of the call.
type PacketHandler interface {
	HandlePacket(payload []byte) error
}

// Ingester receives decoded detections.
type Ingester interface {
	IngestBatch(points []l2frames.Point) int
}

// GroundTruthTracker keeps the most recent ground-truth pose. With a no-op
// Tick it also serves as the simulation world when the simulator runs in
// another process.
type GroundTruthTracker struct {
	mu       sync.RWMutex
	pose     l2frames.Pose
	sequence uint32
	received time.Time
	valid    bool
}

// NewGroundTruthTracker returns a tracker with no pose.
func NewGroundTruthTracker() *GroundTruthTracker {
	return &GroundTruthTracker{}
}

// Update records a ground-truth reading.
func (g *GroundTruthTracker) Update(seq uint32, pose l2frames.Pose) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pose, g.sequence, g.received, g.valid = pose, seq, time.Now(), true
}

// GroundTruth returns the latest pose or ErrNoGroundTruth.
func (g *GroundTruthTracker) GroundTruth() (l2frames.Pose, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.valid {
		return l2frames.Pose{}, ErrNoGroundTruth
	}
	return g.pose, nil
}

// Age returns how long ago the last reading arrived, or -1 if none has.
func (g *GroundTruthTracker) Age() time.Duration {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.valid {
		return -1
	}
	return time.Since(g.received)
}

// Tick is a no-op; the external simulator advances on its own clock.
func (g *GroundTruthTracker) Tick(ctx context.Context) error {
	return ctx.Err()
}

// Dispatcher routes simulator datagrams by kind: detections to the scan
// accumulator, ground truth to the tracker.
type Dispatcher struct {
	parser *parse.DetectionParser
	ingest Ingester
	truth  *GroundTruthTracker
	stats  *PacketStats
}

// NewDispatcher creates a Dispatcher. truth and stats may be nil.
func NewDispatcher(ingest Ingester, truth *GroundTruthTracker, stats *PacketStats) *Dispatcher {
	return &Dispatcher{
		parser: parse.NewDetectionParser(),
		ingest: ingest,
		truth:  truth,
		stats:  stats,
	}
}

// HandlePacket decodes payload and forwards its content.
func (d *Dispatcher) HandlePacket(payload []byte) error {
	if d.stats != nil {
		d.stats.AddPacket(len(payload))
	}
	err := d.handle(payload)
	if err != nil && d.stats != nil {
		d.stats.AddError()
	}
	return err
}

func (d *Dispatcher) handle(payload []byte) error {
	switch kind := parse.Classify(payload); kind {
	case parse.KindDetections:
		pts, err := d.parser.ParsePacket(payload)
		if err != nil {
			return err
		}
		if d.stats != nil {
			d.stats.AddPoints(len(pts))
		}
		if d.ingest != nil {
			d.ingest.IngestBatch(pts)
		}
		return nil
	case parse.KindGroundTruth:
		gt, err := parse.DecodeGroundTruth(payload)
		if err != nil {
			return err
		}
		if d.truth != nil {
			d.truth.Update(gt.Sequence, gt.Pose)
		}
		return nil
	default:
		return fmt.Errorf("%w: %d byte payload", parse.ErrBadMagic, len(payload))
	}
}

// SequenceGaps returns the number of detection sequence discontinuities.
func (d *Dispatcher) SequenceGaps() uint64 {
	return d.parser.Gaps()
}
