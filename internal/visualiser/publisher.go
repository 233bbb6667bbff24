// Package visualiser streams dispatched pose frames to external viewers
// over gRPC.
//
// Publish is subscribed to the dispatcher and never blocks the tick loop:
// each client has a small buffer and frames are dropped for clients that
// fall behind.
package visualiser

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/banshee-data/pose-receiver/internal/monitoring"
	"github.com/banshee-data/pose-receiver/internal/pose"
)

// Config holds configuration for the frame stream server.
type Config struct {
	// ListenAddr is the TCP address to listen on (e.g., "localhost:50052").
	ListenAddr string

	// MaxClients is the maximum number of concurrent Watch streams.
	MaxClients int

	// ClientBuffer is the per-client frame buffer.
	ClientBuffer int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   "localhost:50052",
		MaxClients:   5,
		ClientBuffer: 10,
	}
}

// ErrAlreadyRunning is returned by Start and Serve on a running publisher.
var ErrAlreadyRunning = errors.New("publisher already running")

// Publisher owns the gRPC server and fans frames out to Watch streams.
type Publisher struct {
	cfg      Config
	log      *logrus.Entry
	server   *grpc.Server
	listener net.Listener

	clientsMu sync.RWMutex
	clients   map[string]chan []byte

	published   atomic.Uint64
	dropped     atomic.Uint64
	clientCount atomic.Int32

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Stats contains publisher statistics.
type Stats struct {
	Published uint64
	Dropped   uint64
	Clients   int32
	Running   bool
}

// NewPublisher creates a publisher with cfg. Zero fields take defaults.
func NewPublisher(cfg Config) *Publisher {
	def := DefaultConfig()
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = def.MaxClients
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = def.ClientBuffer
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	return &Publisher{
		cfg:     cfg,
		log:     monitoring.WithComponent("visualiser"),
		clients: make(map[string]chan []byte),
		stopCh:  make(chan struct{}),
	}
}

// Start listens on the configured address and serves in the background.
func (p *Publisher) Start() error {
	if p.running.Load() {
		return ErrAlreadyRunning
	}
	lis, err := net.Listen("tcp", p.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.cfg.ListenAddr, err)
	}
	return p.Serve(lis)
}

// Serve serves Watch streams on lis in the background. The publisher takes
// ownership of lis.
func (p *Publisher) Serve(lis net.Listener) error {
	if !p.running.CompareAndSwap(false, true) {
		lis.Close()
		return ErrAlreadyRunning
	}
	p.listener = lis
	p.server = grpc.NewServer()
	RegisterFrameStreamServer(p.server, p)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.log.Infof("Frame stream listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			p.log.Errorf("Frame stream server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the listen address, or nil before Start.
func (p *Publisher) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Stop ends all Watch streams and stops the server.
func (p *Publisher) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)
	if p.server != nil {
		p.server.GracefulStop()
	}
	p.wg.Wait()
	p.log.Infof("Frame stream stopped (published=%d dropped=%d)", p.published.Load(), p.dropped.Load())
}

// Publish encodes f once and offers it to every client without blocking.
func (p *Publisher) Publish(f pose.Frame) {
	if !p.running.Load() || p.clientCount.Load() == 0 {
		return
	}
	payload, err := pose.EncodePacket(f.Packet())
	if err != nil {
		p.log.Warnf("Failed to encode frame for streaming: %v", err)
		return
	}
	p.published.Add(1)

	p.clientsMu.RLock()
	defer p.clientsMu.RUnlock()
	for id, ch := range p.clients {
		select {
		case ch <- payload:
		default:
			n := p.dropped.Add(1)
			p.log.Debugf("Client %s is slow, dropped frame (total dropped: %d)", id, n)
		}
	}
}

// Watch implements FrameStreamServer.
func (p *Publisher) Watch(_ *emptypb.Empty, stream grpc.ServerStreamingServer[wrapperspb.BytesValue]) error {
	id, ch, err := p.addClient()
	if err != nil {
		return err
	}
	defer p.removeClient(id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return nil
		case payload := <-ch:
			if err := stream.Send(wrapperspb.Bytes(payload)); err != nil {
				return err
			}
		}
	}
}

func (p *Publisher) addClient() (string, chan []byte, error) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if len(p.clients) >= p.cfg.MaxClients {
		return "", nil, status.Errorf(codes.ResourceExhausted, "frame stream limited to %d clients", p.cfg.MaxClients)
	}
	id := uuid.NewString()
	ch := make(chan []byte, p.cfg.ClientBuffer)
	p.clients[id] = ch
	n := p.clientCount.Add(1)
	p.log.Infof("Client connected: %s (total: %d)", id, n)
	return id, ch, nil
}

func (p *Publisher) removeClient(id string) {
	p.clientsMu.Lock()
	_, ok := p.clients[id]
	delete(p.clients, id)
	p.clientsMu.Unlock()
	if ok {
		n := p.clientCount.Add(-1)
		p.log.Infof("Client disconnected: %s (remaining: %d)", id, n)
	}
}

// Stats returns current publisher statistics.
func (p *Publisher) Stats() Stats {
	return Stats{
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
		Clients:   p.clientCount.Load(),
		Running:   p.running.Load(),
	}
}
