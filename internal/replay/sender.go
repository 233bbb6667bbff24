package replay

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/banshee-data/pose-receiver/internal/monitoring"
)

// DefaultSendBuffer is the number of datagrams a Sender queues.
const DefaultSendBuffer = 1000

// SenderStats counts Sender activity.
type SenderStats struct {
	Sent        int64
	Dropped     int64
	WriteErrors int64
}

// Sender writes datagrams to one UDP address from a background goroutine.
// SendAsync never blocks; datagrams are dropped when the buffer is full.
type Sender struct {
	conn    *net.UDPConn
	address string
	channel chan []byte
	log     *logrus.Entry
	errLog  rate.Sometimes

	sent        atomic.Int64
	dropped     atomic.Int64
	writeErrors atomic.Int64

	closed    atomic.Bool
	quit      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// NewSender dials addr ("host:port"). buffer <= 0 selects DefaultSendBuffer.
func NewSender(addr string, buffer int) (*Sender, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve send address %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create send connection: %w", err)
	}
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &Sender{
		conn:    conn,
		address: udpAddr.String(),
		channel: make(chan []byte, buffer),
		log:     monitoring.WithComponent("sender"),
		errLog:  rate.Sometimes{Interval: 5 * time.Second},
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start begins writing queued datagrams until ctx is cancelled or Close.
func (s *Sender) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		go s.loop(ctx)
		s.log.Infof("Sending datagrams to %s", s.address)
	})
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			s.drain()
			return
		case payload := <-s.channel:
			s.write(payload)
		}
	}
}

func (s *Sender) drain() {
	for {
		select {
		case payload := <-s.channel:
			s.write(payload)
		default:
			return
		}
	}
}

func (s *Sender) write(payload []byte) {
	if _, err := s.conn.Write(payload); err != nil {
		n := s.writeErrors.Add(1)
		s.errLog.Do(func() {
			s.log.Warnf("Failed to send datagram to %s (%d errors so far): %v", s.address, n, err)
		})
		return
	}
	s.sent.Add(1)
}

// SendAsync queues a copy of payload. It reports false when the datagram
// was dropped.
func (s *Sender) SendAsync(payload []byte) bool {
	if s.closed.Load() {
		s.dropped.Add(1)
		return false
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	select {
	case s.channel <- buf:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Addr returns the destination address.
func (s *Sender) Addr() string { return s.address }

// Stats returns the current counters.
func (s *Sender) Stats() SenderStats {
	return SenderStats{
		Sent:        s.sent.Load(),
		Dropped:     s.dropped.Load(),
		WriteErrors: s.writeErrors.Load(),
	}
}

// Close flushes queued datagrams, stops the writer and closes the socket.
// Datagrams sent after Close are dropped.
func (s *Sender) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.startOnce.Do(func() { close(s.done) })
		close(s.quit)
		<-s.done
		err = s.conn.Close()
		st := s.Stats()
		s.log.Infof("Sender to %s closed (sent=%d dropped=%d errors=%d)", s.address, st.Sent, st.Dropped, st.WriteErrors)
	})
	return err
}
