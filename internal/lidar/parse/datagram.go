package parse

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/banshee-data/pose.report/internal/lidar/l2frames"
)

/*
Simulator datagram formats

Two little-endian UDP payloads carry data from the simulator bridge:

Detection datagram (variable length):
├── Magic    [4]byte  "PRDT"
├── Version  uint16   1
├── Sequence uint32   sender-side counter, wraps
├── Count    uint32   number of points that follow
└── Points   Count × {x, y, z float32} in the sensor frame

Ground-truth datagram (58 bytes):
├── Magic    [4]byte  "PRGT"
├── Version  uint16   1
├── Sequence uint32
└── Pose     6 × float64: x, y, z, yaw, pitch, roll (radians)

A datagram never carries a partial scan boundary; scans are formed by the
ScanAccumulator on the receiving side.
*/

// Datagram layout constants.
const (
	Version = 1

	HeaderSize          = 10 // magic + version + sequence
	DetectionHeaderSize = HeaderSize + 4
	DetectionPointSize  = 12
	GroundTruthSize     = HeaderSize + 6*8

	// MaxDetectionsPerDatagram keeps an encoded datagram within a 64 KiB UDP payload.
	MaxDetectionsPerDatagram = (65507 - DetectionHeaderSize) / DetectionPointSize
)

var (
	DetectionMagic   = [4]byte{'P', 'R', 'D', 'T'}
	GroundTruthMagic = [4]byte{'P', 'R', 'G', 'T'}
)

// Decode errors.
var (
	ErrShortDatagram = errors.New("datagram too short")
	ErrBadMagic      = errors.New("unknown datagram magic")
	ErrVersion       = errors.New("unsupported datagram version")
	ErrCount         = errors.New("point count does not match datagram length")
	ErrTooManyPoints = errors.New("too many points for one datagram")
	ErrNonFinite     = errors.New("datagram carries a NaN or infinite value")
)

// Kind identifies a datagram type.
type Kind int

const (
	KindUnknown Kind = iota
	KindDetections
	KindGroundTruth
)

func (k Kind) String() string {
	switch k {
	case KindDetections:
		return "detections"
	case KindGroundTruth:
		return "ground_truth"
	default:
		return "unknown"
	}
}

// Classify returns the datagram kind from its magic.
func Classify(b []byte) Kind {
	if len(b) < 4 {
		return KindUnknown
	}
	switch [4]byte(b[:4]) {
	case DetectionMagic:
		return KindDetections
	case GroundTruthMagic:
		return KindGroundTruth
	default:
		return KindUnknown
	}
}

// Detections is a decoded detection datagram.
type Detections struct {
	Sequence uint32
	Points   []l2frames.Point
}

// GroundTruth is a decoded ground-truth datagram.
type GroundTruth struct {
	Sequence uint32
	Pose     l2frames.Pose
}

func putHeader(b []byte, magic [4]byte, seq uint32) {
	copy(b, magic[:])
	binary.LittleEndian.PutUint16(b[4:], Version)
	binary.LittleEndian.PutUint32(b[6:], seq)
}

func checkHeader(b []byte, magic [4]byte, minLen int) (uint32, error) {
	if len(b) < minLen {
		return 0, fmt.Errorf("%w: %d bytes, need %d", ErrShortDatagram, len(b), minLen)
	}
	if [4]byte(b[:4]) != magic {
		return 0, fmt.Errorf("%w: %q", ErrBadMagic, b[:4])
	}
	if v := binary.LittleEndian.Uint16(b[4:]); v != Version {
		return 0, fmt.Errorf("%w: %d", ErrVersion, v)
	}
	return binary.LittleEndian.Uint32(b[6:]), nil
}

// EncodeDetections encodes points as one detection datagram. Coordinates
// are narrowed to float32.
func EncodeDetections(seq uint32, points []l2frames.Point) ([]byte, error) {
	if len(points) > MaxDetectionsPerDatagram {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyPoints, len(points), MaxDetectionsPerDatagram)
	}
	b := make([]byte, DetectionHeaderSize+len(points)*DetectionPointSize)
	putHeader(b, DetectionMagic, seq)
	binary.LittleEndian.PutUint32(b[HeaderSize:], uint32(len(points)))
	off := DetectionHeaderSize
	for _, p := range points {
		binary.LittleEndian.PutUint32(b[off:], math.Float32bits(float32(p.X)))
		binary.LittleEndian.PutUint32(b[off+4:], math.Float32bits(float32(p.Y)))
		binary.LittleEndian.PutUint32(b[off+8:], math.Float32bits(float32(p.Z)))
		off += DetectionPointSize
	}
	return b, nil
}

// DecodeDetections decodes a detection datagram. Points are appended to
// dst, which may be nil.
func DecodeDetections(b []byte, dst []l2frames.Point) (Detections, error) {
	seq, err := checkHeader(b, DetectionMagic, DetectionHeaderSize)
	if err != nil {
		return Detections{}, err
	}
	n := int(binary.LittleEndian.Uint32(b[HeaderSize:]))
	if want := DetectionHeaderSize + n*DetectionPointSize; n > MaxDetectionsPerDatagram || len(b) != want {
		return Detections{}, fmt.Errorf("%w: count %d, %d bytes", ErrCount, n, len(b))
	}
	off := DetectionHeaderSize
	for i := 0; i < n; i++ {
		p := l2frames.Point{
			X: float64(math.Float32frombits(binary.LittleEndian.Uint32(b[off:]))),
			Y: float64(math.Float32frombits(binary.LittleEndian.Uint32(b[off+4:]))),
			Z: float64(math.Float32frombits(binary.LittleEndian.Uint32(b[off+8:]))),
		}
		if !p.IsFinite() {
			return Detections{}, fmt.Errorf("%w: detection %d of datagram %d", ErrNonFinite, i, seq)
		}
		dst = append(dst, p)
		off += DetectionPointSize
	}
	return Detections{Sequence: seq, Points: dst}, nil
}

// EncodeGroundTruth encodes a ground-truth datagram.
func EncodeGroundTruth(seq uint32, pose l2frames.Pose) []byte {
	b := make([]byte, GroundTruthSize)
	putHeader(b, GroundTruthMagic, seq)
	vals := [6]float64{pose.Position.X, pose.Position.Y, pose.Position.Z, pose.Yaw, pose.Pitch, pose.Roll}
	for i, v := range vals {
		binary.LittleEndian.PutUint64(b[HeaderSize+8*i:], math.Float64bits(v))
	}
	return b
}

// DecodeGroundTruth decodes a ground-truth datagram.
func DecodeGroundTruth(b []byte) (GroundTruth, error) {
	seq, err := checkHeader(b, GroundTruthMagic, GroundTruthSize)
	if err != nil {
		return GroundTruth{}, err
	}
	var v [6]float64
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[HeaderSize+8*i:]))
	}
	pose := l2frames.Pose{
		Position: l2frames.Point{X: v[0], Y: v[1], Z: v[2]},
		Yaw:      v[3],
		Pitch:    v[4],
		Roll:     v[5],
	}
	if !pose.IsFinite() {
		return GroundTruth{}, fmt.Errorf("%w: ground truth %d", ErrNonFinite, seq)
	}
	return GroundTruth{Sequence: seq, Pose: pose}, nil
}

// DetectionParser decodes detection datagrams and counts sequence gaps.
// It is safe for use by a single producer goroutine; counters may be read
// from any goroutine.
type DetectionParser struct {
	started atomic.Bool
	lastSeq atomic.Uint32
	gaps    atomic.Uint64
}

// NewDetectionParser returns a parser with no sequence history.
func NewDetectionParser() *DetectionParser {
	return &DetectionParser{}
}

// ParsePacket decodes b and returns its points.
func (p *DetectionParser) ParsePacket(b []byte) ([]l2frames.Point, error) {
	d, err := DecodeDetections(b, nil)
	if err != nil {
		return nil, err
	}
	if p.started.Load() {
		if expect := p.lastSeq.Load() + 1; d.Sequence != expect {
			p.gaps.Add(1)
			tracef("detection sequence gap: expected %d, got %d", expect, d.Sequence)
		}
	}
	p.lastSeq.Store(d.Sequence)
	p.started.Store(true)
	return d.Points, nil
}

// Gaps returns the number of sequence discontinuities seen.
func (p *DetectionParser) Gaps() uint64 {
	return p.gaps.Load()
}
