// Package receiver owns the background UDP loop that turns datagrams from
// the companion sender into queued pose packets.
//
// Lifecycle: Idle → Listening → Stopping → Idle. Start and Stop are driven
// by the supervisor's started/stopped signals and run on the tick
// goroutine; the receive loop is the only other goroutine and its only
// blocking call is the socket read. Stop wakes it by closing the socket.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/banshee-data/pose-receiver/internal/config"
	"github.com/banshee-data/pose-receiver/internal/monitoring"
	"github.com/banshee-data/pose-receiver/internal/pose"
	"github.com/banshee-data/pose-receiver/internal/timeutil"
)

const (
	// DefaultReadBuffer is the OS receive buffer requested on bind.
	DefaultReadBuffer = 1 << 20 // 1MB
	// DefaultJoinTimeout bounds how long Stop waits for the loop to exit.
	DefaultJoinTimeout = 200 * time.Millisecond
	// maxDatagramSize is the largest UDP payload.
	maxDatagramSize = 65535
)

// State is the receiver lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateStopping:
		return "stopping"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// ConfigSource supplies the connection config, loading it on demand.
// *config.Loader implements it.
type ConfigSource interface {
	Load(ctx context.Context) error
	Config() config.ConnectionConfig
}

// BindError is returned when the UDP socket cannot be bound.
type BindError struct {
	Port int
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to start UDP connection on port %d: %v", e.Port, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Options configures a Receiver. Zero values select the defaults.
type Options struct {
	Factory       SocketFactory
	Clock         timeutil.Clock
	Stats         *PacketStats
	QueueCapacity int
	ReadBuffer    int
	JoinTimeout   time.Duration
	// ReadTimeout, when positive, bounds each socket read so the loop
	// polls the running flag even if Close does not wake a pending read.
	ReadTimeout time.Duration
}

// session is one Listening period: one socket, one loop goroutine.
type session struct {
	sock    UDPSocket
	running atomic.Bool
	done    chan struct{}
}

// Receiver is the packet receiver. The zero value is not usable; call New.
type Receiver struct {
	cfg         ConfigSource
	factory     SocketFactory
	clock       timeutil.Clock
	stats       *PacketStats
	queue       *BoundedQueue
	readBuffer  int
	joinTimeout time.Duration
	readTimeout time.Duration
	errLimiter  *rate.Limiter
	log         *logrus.Entry

	mu      sync.Mutex // serialises Start/Stop
	state   atomic.Int32
	current *session
}

// New creates an idle receiver reading its port and sender filter from cfg.
func New(cfg ConfigSource, opts Options) *Receiver {
	r := &Receiver{
		cfg:         cfg,
		factory:     opts.Factory,
		clock:       opts.Clock,
		stats:       opts.Stats,
		readBuffer:  opts.ReadBuffer,
		joinTimeout: opts.JoinTimeout,
		readTimeout: opts.ReadTimeout,
		errLimiter:  rate.NewLimiter(rate.Every(time.Second), 5),
		log:         monitoring.WithComponent("receiver"),
	}
	if r.factory == nil {
		r.factory = NetSocketFactory{}
	}
	if r.clock == nil {
		r.clock = timeutil.RealClock{}
	}
	if r.stats == nil {
		r.stats = NewPacketStats()
	}
	if r.readBuffer <= 0 {
		r.readBuffer = DefaultReadBuffer
	}
	if r.joinTimeout <= 0 {
		r.joinTimeout = DefaultJoinTimeout
	}
	capacity := opts.QueueCapacity
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	r.queue = NewBoundedQueue(capacity)
	return r
}

// State returns the current lifecycle state.
func (r *Receiver) State() State {
	return State(r.state.Load())
}

// Stats returns the receiver's statistics collector.
func (r *Receiver) Stats() *PacketStats {
	return r.stats
}

// Start loads the config if needed, binds the socket and starts the
// receive loop. It is a no-op unless the receiver is idle.
func (r *Receiver) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.State() != StateIdle {
		return nil
	}

	if err := r.cfg.Load(ctx); err != nil {
		r.log.Errorf("Cannot start UDP connection without config: %v", err)
		return err
	}
	cfg := r.cfg.Config()

	sock, err := r.factory.ListenUDP("udp", &net.UDPAddr{Port: cfg.UDPPort})
	if err != nil {
		bindErr := &BindError{Port: cfg.UDPPort, Err: err}
		r.log.Error(bindErr.Error())
		return bindErr
	}
	if err := sock.SetReadBuffer(r.readBuffer); err != nil {
		r.log.Warnf("Failed to set UDP receive buffer size to %d: %v", r.readBuffer, err)
	}

	s := &session{sock: sock, done: make(chan struct{})}
	s.running.Store(true)
	r.current = s
	r.state.Store(int32(StateListening))

	go r.receiveLoop(s, cfg.UDPIP)

	r.log.Infof("UDP connection started successfully. Listening on %s", sock.LocalAddr())
	return nil
}

// Stop clears the running flag, closes the socket to wake the loop and
// waits up to the join timeout for it to exit. Errors on this path are
// suppressed. Queued packets are kept for the dispatcher.
func (r *Receiver) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.current
	if r.State() != StateListening || s == nil {
		return
	}
	r.state.Store(int32(StateStopping))

	// The flag must be cleared before Close so the loop treats the read
	// error as shutdown.
	s.running.Store(false)
	if err := s.sock.Close(); err != nil {
		r.log.Debugf("socket close: %v", err)
	}

	// Going Idle with the loop still blocked could let a later Start run two
	// loops; ReadTimeout > 0 bounds the read on stacks where Close does not.
	select {
	case <-s.done:
	case <-r.clock.After(r.joinTimeout):
		r.log.Warnf("receive loop did not exit within %v", r.joinTimeout)
	}

	r.current = nil
	r.state.Store(int32(StateIdle))
	r.log.Info("UDP connection closed successfully")
}

// ProcessStarted starts the receiver when the companion process starts.
func (r *Receiver) ProcessStarted() {
	_ = r.Start(context.Background())
}

// ProcessStopped stops the receiver when the companion process stops.
func (r *Receiver) ProcessStopped() {
	r.Stop()
}

// LocalAddr returns the bound address while listening, or nil.
func (r *Receiver) LocalAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil
	}
	return r.current.sock.LocalAddr()
}

// Dequeue removes the oldest queued packet.
func (r *Receiver) Dequeue() (pose.Packet, bool) {
	return r.queue.Pop()
}

// QueueLen returns the number of queued packets.
func (r *Receiver) QueueLen() int {
	return r.queue.Len()
}

// QueueCap returns the queue capacity.
func (r *Receiver) QueueCap() int {
	return r.queue.Cap()
}

// parseSenderFilter resolves the configured sender address. An empty or
// unparsable value accepts every sender.
func parseSenderFilter(raw string) (netip.Addr, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func (r *Receiver) receiveLoop(s *session, filterSpec string) {
	defer close(s.done)

	filter, filtered := parseSenderFilter(filterSpec)
	if strings.TrimSpace(filterSpec) != "" && !filtered {
		r.log.Warnf("Ignoring unparsable sender filter %q; accepting any sender", filterSpec)
	}

	buf := make([]byte, maxDatagramSize)
	for s.running.Load() {
		if r.readTimeout > 0 {
			_ = s.sock.SetReadDeadline(time.Now().Add(r.readTimeout))
		}

		n, addr, err := s.sock.ReadFromUDP(buf)
		if err != nil {
			if !s.running.Load() {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				r.log.Error("UDP socket closed unexpectedly; receive loop exiting")
				return
			}
			r.stats.AddReadError()
			if r.errLimiter.Allow() {
				r.log.Errorf("Socket error in receive loop: %v", err)
			}
			continue
		}

		r.handleDatagram(buf[:n], addr, filter, filtered)
	}
}

// handleDatagram filters, decodes and enqueues one datagram. It reports
// whether the packet was enqueued.
func (r *Receiver) handleDatagram(data []byte, from *net.UDPAddr, filter netip.Addr, filtered bool) bool {
	r.stats.AddPacket(len(data), r.clock.Now())

	if filtered {
		if from == nil || from.AddrPort().Addr().Unmap() != filter {
			r.stats.AddFiltered()
			return false
		}
	}

	p, err := pose.DecodePacket(data)
	if err != nil || p.IsEmpty() {
		r.stats.AddMalformed()
		return false
	}

	if r.queue.Push(p) {
		r.stats.AddEvicted()
	}
	r.stats.AddEnqueued()
	return true
}
