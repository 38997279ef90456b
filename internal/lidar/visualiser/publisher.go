// Package visualiser streams the map, aligned scans and vehicle boxes to
// external renderers over gRPC.
//
// Frames are google.protobuf.Struct messages so that any gRPC client can
// decode them without generated code. A client first receives the current
// map frame, then one cycle frame per localization cycle. Frames are
// dropped, never queued without bound, when a client falls behind.
package visualiser

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/pose.report/internal/lidar/l2frames"
	"github.com/banshee-data/pose.report/internal/lidar/pipeline"
)

// Config holds configuration for the visualiser gRPC server.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "localhost:50051")
	ListenAddr string

	// QueueSize bounds the publish queue and each client's queue.
	QueueSize int

	// MaxClients is the maximum number of concurrent streaming clients
	MaxClients int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr: "localhost:50051",
		QueueSize:  100,
		MaxClients: 5,
	}
}

// ErrRunning is returned by Start when the server is already up.
var ErrRunning = errors.New("publisher already running")

// Publisher manages the gRPC server and frame streaming. It implements
// pipeline.FrameSink.
type Publisher struct {
	config   Config
	server   *grpc.Server
	listener net.Listener

	frameChan chan *structpb.Struct
	clients   map[uint64]*clientStream
	clientsMu sync.RWMutex
	nextID    atomic.Uint64

	mapMu    sync.RWMutex
	mapFrame *structpb.Struct
	mapSeq   atomic.Uint64

	frameCount    atomic.Uint64
	clientCount   atomic.Int32
	droppedFrames atomic.Uint64

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

type clientStream struct {
	id      uint64
	frameCh chan *structpb.Struct
}

// NewPublisher creates a new Publisher with the given configuration.
func NewPublisher(cfg Config) *Publisher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	return &Publisher{
		config:    cfg,
		frameChan: make(chan *structpb.Struct, cfg.QueueSize),
		clients:   make(map[uint64]*clientStream),
		stopCh:    make(chan struct{}),
	}
}

// Start binds ListenAddr and serves in the background.
func (p *Publisher) Start() error {
	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return p.Serve(lis)
}

// Serve serves on lis in the background.
func (p *Publisher) Serve(lis net.Listener) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	p.listener = lis

	// Map frames for large maps exceed the 4 MB default.
	const maxMsgSize = 64 * 1024 * 1024
	p.server = grpc.NewServer(grpc.MaxSendMsgSize(maxMsgSize))
	p.server.RegisterService(&serviceDesc, &server{p: p})

	p.wg.Add(2)
	go p.broadcastLoop()
	go func() {
		defer p.wg.Done()
		log.Printf("[Visualiser] gRPC server listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			log.Printf("[Visualiser] gRPC server error: %v", err)
		}
	}()
	return nil
}

// Stop ends all streams and stops the server.
func (p *Publisher) Stop() {
	if !p.running.Load() {
		return
	}
	p.stopOnce.Do(func() {
		p.running.Store(false)
		close(p.stopCh)
		p.server.GracefulStop()
		p.wg.Wait()
		log.Printf("[Visualiser] gRPC server stopped")
	})
}

// SetMap replaces the map frame and sends it to connected clients.
func (p *Publisher) SetMap(points []l2frames.Point) error {
	seq := p.mapSeq.Add(1)
	frame := MapFrame(p.frameCount.Add(1), seq, points)
	p.mapMu.Lock()
	p.mapFrame = frame
	p.mapMu.Unlock()
	p.enqueue(frame)
	return nil
}

// PublishFrame queues a cycle frame. It never blocks.
func (p *Publisher) PublishFrame(_ context.Context, r *pipeline.CycleResult) error {
	p.enqueue(CycleFrame(p.frameCount.Add(1), p.mapSeq.Load(), r))
	return nil
}

func (p *Publisher) currentMap() *structpb.Struct {
	p.mapMu.RLock()
	defer p.mapMu.RUnlock()
	return p.mapFrame
}

func (p *Publisher) enqueue(frame *structpb.Struct) {
	if !p.running.Load() {
		return
	}
	select {
	case p.frameChan <- frame:
	default:
		dropped := p.droppedFrames.Add(1)
		if dropped%100 == 1 {
			log.Printf("[Visualiser] DROPPED frame (total dropped: %d), channel full", dropped)
		}
	}
}

// broadcastLoop distributes frames to all connected clients.
func (p *Publisher) broadcastLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case frame := <-p.frameChan:
			p.clientsMu.RLock()
			for _, c := range p.clients {
				select {
				case c.frameCh <- frame:
				default:
					p.droppedFrames.Add(1)
				}
			}
			p.clientsMu.RUnlock()
		}
	}
}

func (p *Publisher) addClient() (*clientStream, error) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if p.config.MaxClients > 0 && len(p.clients) >= p.config.MaxClients {
		return nil, fmt.Errorf("%d clients already connected", len(p.clients))
	}
	c := &clientStream{
		id:      p.nextID.Add(1),
		frameCh: make(chan *structpb.Struct, p.config.QueueSize),
	}
	p.clients[c.id] = c
	p.clientCount.Add(1)
	log.Printf("[Visualiser] Client connected: %d (total: %d)", c.id, len(p.clients))
	return c, nil
}

func (p *Publisher) removeClient(id uint64) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if _, ok := p.clients[id]; ok {
		delete(p.clients, id)
		p.clientCount.Add(-1)
		log.Printf("[Visualiser] Client disconnected: %d (remaining: %d)", id, len(p.clients))
	}
}

// PublisherStats contains publisher statistics.
type PublisherStats struct {
	FrameCount    uint64 `json:"frame_count"`
	DroppedFrames uint64 `json:"dropped_frames"`
	ClientCount   int32  `json:"client_count"`
	Running       bool   `json:"running"`
}

// Stats returns current publisher statistics.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		FrameCount:    p.frameCount.Load(),
		DroppedFrames: p.droppedFrames.Load(),
		ClientCount:   p.clientCount.Load(),
		Running:       p.running.Load(),
	}
}
