package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// UDPListener receives simulator datagrams and hands them to a PacketHandler,
// optionally forwarding a copy of each to another address.
type UDPListener struct {
	address     string
	rcvBuf      int
	logInterval time.Duration
	stats       *PacketStats
	forwarder   *PacketForwarder
	handler     PacketHandler

	mu   sync.Mutex
	conn *net.UDPConn
}

// UDPListenerConfig contains configuration options for the UDP listener.
type UDPListenerConfig struct {
	Address     string
	RcvBuf      int           // socket receive buffer in bytes (default: 4 MiB)
	LogInterval time.Duration // stats log interval (default: 1 minute)
	Stats       *PacketStats  // logged periodically when set
	Forwarder   *PacketForwarder
	Handler     PacketHandler
}

// NewUDPListener creates a new UDP listener with the provided configuration.
func NewUDPListener(config UDPListenerConfig) *UDPListener {
	if config.LogInterval == 0 {
		config.LogInterval = time.Minute
	}
	if config.RcvBuf == 0 {
		config.RcvBuf = 4 << 20
	}
	return &UDPListener{
		address:     config.Address,
		rcvBuf:      config.RcvBuf,
		logInterval: config.LogInterval,
		stats:       config.Stats,
		forwarder:   config.Forwarder,
		handler:     config.Handler,
	}
}

// Start listens until ctx is cancelled. It returns ctx.Err() on shutdown.
func (l *UDPListener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	defer conn.Close()

	if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
		opsf("failed to set UDP receive buffer to %d: %v", l.rcvBuf, err)
	}
	opsf("UDP listener started on %s with receive buffer %d bytes", conn.LocalAddr(), l.rcvBuf)

	if l.forwarder != nil {
		l.forwarder.Start(ctx)
	}
	if l.stats != nil {
		go l.startStatsLogging(ctx)
	}

	buffer := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			opsf("UDP listener stopping: %v", ctx.Err())
			return ctx.Err()
		default:
		}

		// Deadline lets the loop observe cancellation.
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, from, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			diagf("UDP read error: %v", err)
			continue
		}

		if err := l.handlePacket(buffer[:n]); err != nil {
			diagf("error handling datagram from %v: %v", from, err)
		}
	}
}

// LocalAddr returns the bound address once Start is listening, or nil.
func (l *UDPListener) LocalAddr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

func (l *UDPListener) startStatsLogging(ctx context.Context) {
	ticker := time.NewTicker(l.logInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.stats.LogStats()
		}
	}
}

func (l *UDPListener) handlePacket(packet []byte) error {
	if l.forwarder != nil {
		l.forwarder.ForwardAsync(packet)
	}
	if l.handler == nil {
		return nil
	}
	return l.handler.HandlePacket(packet)
}

// Close closes the socket, unblocking Start.
func (l *UDPListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}
