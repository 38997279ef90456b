package network

import (
	"context"
	"fmt"
	"net"
	"time"
)

// DropCounter records packets the forwarder could not queue.
type DropCounter interface {
	AddDropped()
}

// PacketForwarder relays datagrams to another address without blocking the
// receive path, e.g. to mirror the simulator feed to a second localizer.
type PacketForwarder struct {
	conn        *net.UDPConn
	channel     chan []byte
	stats       DropCounter
	logInterval time.Duration
	address     string
}

// NewPacketForwarder creates a forwarder that sends to addr.
func NewPacketForwarder(addr string, stats DropCounter, logInterval time.Duration) (*PacketForwarder, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve forward address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create forward connection: %w", err)
	}
	if logInterval <= 0 {
		logInterval = time.Minute
	}
	return &PacketForwarder{
		conn:        conn,
		channel:     make(chan []byte, 1000),
		stats:       stats,
		logInterval: logInterval,
		address:     addr,
	}, nil
}

// Start runs the send loop until ctx is cancelled.
func (f *PacketForwarder) Start(ctx context.Context) {
	go func() {
		failed := 0
		var lastErr error
		ticker := time.NewTicker(f.logInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case packet, ok := <-f.channel:
				if !ok {
					return
				}
				if _, err := f.conn.Write(packet); err != nil {
					failed++
					lastErr = err
				}
			case <-ticker.C:
				if failed > 0 {
					diagf("failed to forward %d datagrams (latest: %v)", failed, lastErr)
					failed, lastErr = 0, nil
				}
			}
		}
	}()
	opsf("forwarding datagrams to %s", f.address)
}

// ForwardAsync queues a copy of packet; when the queue is full the packet
// is dropped and counted.
func (f *PacketForwarder) ForwardAsync(packet []byte) {
	cp := make([]byte, len(packet))
	copy(cp, packet)
	select {
	case f.channel <- cp:
	default:
		if f.stats != nil {
			f.stats.AddDropped()
		}
	}
}

// Close stops the send loop and closes the socket.
func (f *PacketForwarder) Close() error {
	close(f.channel)
	return f.conn.Close()
}
