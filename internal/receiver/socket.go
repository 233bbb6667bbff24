package receiver

import (
	"net"
	"sync"
	"time"
)

// UDPSocket defines the socket operations the receive loop needs.
// *net.UDPConn satisfies it; tests substitute MockSocket.
type UDPSocket interface {
	// ReadFromUDP blocks until a datagram arrives or the socket is closed.
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)

	// SetReadBuffer sets the size of the operating system's receive buffer.
	SetReadBuffer(bytes int) error

	// SetReadDeadline sets the deadline for future Read calls.
	SetReadDeadline(t time.Time) error

	// Close closes the socket and unblocks a pending ReadFromUDP.
	Close() error

	// LocalAddr returns the local network address.
	LocalAddr() net.Addr
}

// SocketFactory creates bound UDP sockets.
type SocketFactory interface {
	ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error)
}

var _ UDPSocket = (*net.UDPConn)(nil)

// NetSocketFactory implements SocketFactory using net.ListenUDP.
type NetSocketFactory struct{}

// ListenUDP binds a real UDP socket.
func (NetSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// MockPacket is a datagram queued on a MockSocket.
type MockPacket struct {
	Data []byte
	Addr *net.UDPAddr
}

// MockSocket implements UDPSocket for testing. ReadFromUDP blocks until a
// packet is delivered or Close is called, like a real socket.
type MockSocket struct {
	packets   chan MockPacket
	closed    chan struct{}
	closeOnce sync.Once

	mu             sync.Mutex
	readErrors     []error
	readBufferSize int
	closeCalls     int
	localAddr      *net.UDPAddr

	// SetReadBufferError is returned by SetReadBuffer if set.
	SetReadBufferError error
}

// NewMockSocket creates a MockSocket reporting the given local port.
func NewMockSocket(port int) *MockSocket {
	return &MockSocket{
		packets:   make(chan MockPacket, 64),
		closed:    make(chan struct{}),
		localAddr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port},
	}
}

// Deliver queues a datagram for the next ReadFromUDP.
func (m *MockSocket) Deliver(data []byte, from *net.UDPAddr) {
	select {
	case m.packets <- MockPacket{Data: data, Addr: from}:
	case <-m.closed:
	}
}

// InjectError makes the next ReadFromUDP return err.
func (m *MockSocket) InjectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErrors = append(m.readErrors, err)
	// wake a blocked reader
	select {
	case m.packets <- MockPacket{}:
	default:
	}
}

// ReadFromUDP returns the next delivered packet.
func (m *MockSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	for {
		select {
		case <-m.closed:
			return 0, nil, net.ErrClosed
		default:
		}

		if err := m.nextError(); err != nil {
			return 0, nil, err
		}

		select {
		case <-m.closed:
			return 0, nil, net.ErrClosed
		case pkt := <-m.packets:
			if pkt.Data == nil && pkt.Addr == nil {
				continue
			}
			n := copy(b, pkt.Data)
			return n, pkt.Addr, nil
		}
	}
}

func (m *MockSocket) nextError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.readErrors) == 0 {
		return nil
	}
	err := m.readErrors[0]
	m.readErrors = m.readErrors[1:]
	return err
}

// SetReadBuffer records the buffer size.
func (m *MockSocket) SetReadBuffer(bytes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SetReadBufferError != nil {
		return m.SetReadBufferError
	}
	m.readBufferSize = bytes
	return nil
}

// ReadBufferSize returns the value recorded by SetReadBuffer.
func (m *MockSocket) ReadBufferSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readBufferSize
}

// SetReadDeadline is accepted and ignored.
func (m *MockSocket) SetReadDeadline(t time.Time) error { return nil }

// Close unblocks pending reads.
func (m *MockSocket) Close() error {
	m.mu.Lock()
	m.closeCalls++
	m.mu.Unlock()
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// Closed reports whether Close was called.
func (m *MockSocket) Closed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// LocalAddr returns the mock local address.
func (m *MockSocket) LocalAddr() net.Addr {
	return m.localAddr
}

// MockSocketFactory hands out MockSockets and records ListenUDP calls.
type MockSocketFactory struct {
	mu      sync.Mutex
	sockets []*MockSocket
	calls   []*net.UDPAddr

	// Error is returned by ListenUDP if set.
	Error error
}

// ListenUDP returns a fresh MockSocket bound to laddr's port.
func (f *MockSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, laddr)
	if f.Error != nil {
		return nil, f.Error
	}
	port := 0
	if laddr != nil {
		port = laddr.Port
	}
	s := NewMockSocket(port)
	f.sockets = append(f.sockets, s)
	return s, nil
}

// Sockets returns every socket handed out so far.
func (f *MockSocketFactory) Sockets() []*MockSocket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*MockSocket(nil), f.sockets...)
}

// Last returns the most recent socket, or nil.
func (f *MockSocketFactory) Last() *MockSocket {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sockets) == 0 {
		return nil
	}
	return f.sockets[len(f.sockets)-1]
}

// Calls returns the addresses ListenUDP was called with.
func (f *MockSocketFactory) Calls() []*net.UDPAddr {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*net.UDPAddr(nil), f.calls...)
}
