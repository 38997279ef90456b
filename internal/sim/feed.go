package sim

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/banshee-data/pose.report/internal/lidar/l2frames"
	"github.com/banshee-data/pose.report/internal/lidar/parse"
)

// DatagramWriter sends one encoded datagram.
type DatagramWriter interface {
	WriteDatagram(ts time.Time, payload []byte) error
}

// ConnWriter adapts a connected socket (or any io.Writer) to DatagramWriter.
type ConnWriter struct {
	W io.Writer
}

func (c ConnWriter) WriteDatagram(_ time.Time, payload []byte) error {
	_, err := c.W.Write(payload)
	return err
}

// Feed encodes sweeps and ground truth as localizer datagrams, playing the
// part of the external simulator's network bridge. It is an Ingester and a
// TruthSink.
type Feed struct {
	mu       sync.Mutex
	out      DatagramWriter
	now      func() time.Time
	detSeq   uint32
	truthSeq uint32
	errors   int
}

// NewFeed writes datagrams to out. now stamps them (default: time.Now).
func NewFeed(out DatagramWriter, now func() time.Time) *Feed {
	if now == nil {
		now = time.Now
	}
	return &Feed{out: out, now: now}
}

// IngestBatch splits points across as many datagrams as needed.
func (f *Feed) IngestBatch(points []l2frames.Point) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	sent := 0
	for len(points) > 0 {
		n := min(len(points), parse.MaxDetectionsPerDatagram)
		f.detSeq++
		b, err := parse.EncodeDetections(f.detSeq, points[:n])
		if err == nil {
			err = f.out.WriteDatagram(f.now(), b)
		}
		if err != nil {
			f.errors++
			tracef("detection datagram %d not sent: %v", f.detSeq, err)
		} else {
			sent += n
		}
		points = points[n:]
	}
	return sent
}

// SendGroundTruth writes one ground-truth datagram.
func (f *Feed) SendGroundTruth(pose l2frames.Pose) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.truthSeq++
	if err := f.out.WriteDatagram(f.now(), parse.EncodeGroundTruth(f.truthSeq, pose)); err != nil {
		f.errors++
		return fmt.Errorf("failed to send ground truth: %w", err)
	}
	return nil
}

// Errors returns the number of datagrams that could not be written.
func (f *Feed) Errors() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errors
}
