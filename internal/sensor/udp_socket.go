package sensor

import (
	"net"
	"time"
)

// UDPSocket is the subset of *net.UDPConn the listener uses, so tests can
// feed datagrams without a real socket.
type UDPSocket interface {
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)
	SetReadBuffer(bytes int) error
	SetReadDeadline(t time.Time) error
	Close() error
	LocalAddr() net.Addr
}

// ListenFunc opens a UDP socket.
type ListenFunc func(network string, laddr *net.UDPAddr) (UDPSocket, error)

// ListenUDP opens a real socket.
func ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// MockUDPSocket replays canned datagrams and then times out forever.
type MockUDPSocket struct {
	Packets   [][]byte
	ReadIndex int
	Closed    bool
	ReadError error

	closed chan struct{}
}

// NewMockUDPSocket creates a socket that returns packets in order.
func NewMockUDPSocket(packets ...[]byte) *MockUDPSocket {
	return &MockUDPSocket{Packets: packets, closed: make(chan struct{})}
}

// ReadFromUDP returns the next packet or a timeout once drained.
func (m *MockUDPSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	select {
	case <-m.closed:
		return 0, nil, net.ErrClosed
	default:
	}
	if m.ReadError != nil {
		err := m.ReadError
		m.ReadError = nil
		return 0, nil, err
	}
	if m.ReadIndex >= len(m.Packets) {
		time.Sleep(time.Millisecond)
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: timeoutError{}}
	}
	pkt := m.Packets[m.ReadIndex]
	m.ReadIndex++
	return copy(b, pkt), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000}, nil
}

func (m *MockUDPSocket) SetReadBuffer(int) error          { return nil }
func (m *MockUDPSocket) SetReadDeadline(time.Time) error { return nil }

// Close marks the socket closed; pending reads fail with net.ErrClosed.
func (m *MockUDPSocket) Close() error {
	if !m.Closed {
		m.Closed = true
		close(m.closed)
	}
	return nil
}

func (m *MockUDPSocket) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9400}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
