package network

import (
	"fmt"
	"sync"
	"time"
)

// PacketStats tracks datagram statistics with thread-safe operations.
type PacketStats struct {
	mu           sync.Mutex
	packetCount  int64
	byteCount    int64
	droppedCount int64
	pointCount   int64
	errorCount   int64
	lastReset    time.Time
	now          func() time.Time
}

// StatsSnapshot is the counter state over one interval.
type StatsSnapshot struct {
	Packets  int64         `json:"packets"`
	Bytes    int64         `json:"bytes"`
	Dropped  int64         `json:"dropped"`
	Points   int64         `json:"points"`
	Errors   int64         `json:"errors"`
	Duration time.Duration `json:"duration_ns"`
}

// NewPacketStats creates a new PacketStats instance.
func NewPacketStats() *PacketStats {
	return &PacketStats{lastReset: time.Now(), now: time.Now}
}

// AddPacket increments packet count and byte count.
func (ps *PacketStats) AddPacket(bytes int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.packetCount++
	ps.byteCount += int64(bytes)
}

// AddDropped increments the dropped packet count.
func (ps *PacketStats) AddDropped() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.droppedCount++
}

// AddPoints increments the decoded point count.
func (ps *PacketStats) AddPoints(count int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.pointCount += int64(count)
}

// AddError increments the decode error count.
func (ps *PacketStats) AddError() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.errorCount++
}

// GetAndReset returns current stats and resets counters.
func (ps *PacketStats) GetAndReset() StatsSnapshot {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := ps.now()
	s := StatsSnapshot{
		Packets:  ps.packetCount,
		Bytes:    ps.byteCount,
		Dropped:  ps.droppedCount,
		Points:   ps.pointCount,
		Errors:   ps.errorCount,
		Duration: now.Sub(ps.lastReset),
	}
	ps.packetCount, ps.byteCount, ps.droppedCount, ps.pointCount, ps.errorCount = 0, 0, 0, 0, 0
	ps.lastReset = now
	return s
}

// LogStats logs per-second rates for the interval since the last call.
func (ps *PacketStats) LogStats() {
	s := ps.GetAndReset()
	if s.Packets == 0 && s.Dropped == 0 {
		return
	}
	secs := s.Duration.Seconds()
	msg := fmt.Sprintf("datagram stats (/sec): %.2f MB, %.1f packets, %s points",
		float64(s.Bytes)/secs/(1024*1024), float64(s.Packets)/secs, FormatWithCommas(int64(float64(s.Points)/secs)))
	if s.Errors > 0 {
		msg += fmt.Sprintf(", %d decode errors", s.Errors)
	}
	if s.Dropped > 0 {
		msg += fmt.Sprintf(", %d dropped on forward", s.Dropped)
	}
	diagf("%s", msg)
}

// FormatWithCommas formats a number with thousands separators.
func FormatWithCommas(n int64) string {
	str := fmt.Sprintf("%d", n)
	neg := false
	if n < 0 {
		neg, str = true, str[1:]
	}
	if len(str) <= 3 {
		if neg {
			return "-" + str
		}
		return str
	}

	result := make([]byte, 0, len(str)+len(str)/3+1)
	if neg {
		result = append(result, '-')
	}
	for i := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, str[i])
	}
	return string(result)
}
