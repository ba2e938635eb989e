package transport

import "net"

// Channel selects how a message travels between peers.
type Channel int

const (
	// Reliable is the ordered stream transport.
	Reliable Channel = iota
	// Unreliable is the datagram transport. No ordering, no retransmit.
	Unreliable
)

func (c Channel) String() string {
	switch c {
	case Reliable:
		return "reliable"
	case Unreliable:
		return "unreliable"
	default:
		return "unknown"
	}
}

// Stream is a bidirectional frame stream.
// Exactly one reader goroutine is expected; SendFrame is safe for concurrent use.
type Stream interface {
	// SendFrame writes one payload as a single frame.
	SendFrame([]byte) error
	// RecvFrame returns the next frame's payload.
	RecvFrame() ([]byte, error)
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Close() error
}

// DatagramWriter sends one payload as one datagram to addr.
type DatagramWriter interface {
	WriteTo(payload []byte, addr *net.UDPAddr) error
}
