package udp

import (
	"context"
	"fmt"
	"net"

	"peerhub/pkg/protocol"
	"peerhub/pkg/transport"
)

// DefaultMaxDatagram is the receive buffer size when none is configured.
const DefaultMaxDatagram = 64 * 1024

// Socket carries one payload per datagram. A listening socket is shared by
// every peer and sends with WriteTo; a dialed socket is connected to one
// remote and sends with Send.
type Socket struct {
	conn        *net.UDPConn
	maxDatagram int
	connected   bool
	buf         []byte
}

var _ transport.DatagramWriter = (*Socket)(nil)

// Listen binds a shared datagram socket on address.
func Listen(ctx context.Context, address string, maxDatagram int) (*Socket, error) {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", address)
	if err != nil {
		return nil, err
	}
	return newSocket(pc.(*net.UDPConn), maxDatagram, false), nil
}

// Dial opens a socket on an ephemeral local port connected to address.
func Dial(ctx context.Context, address string, maxDatagram int) (*Socket, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "udp", address)
	if err != nil {
		return nil, err
	}
	return newSocket(c.(*net.UDPConn), maxDatagram, true), nil
}

func newSocket(c *net.UDPConn, maxDatagram int, connected bool) *Socket {
	if maxDatagram <= 0 {
		maxDatagram = DefaultMaxDatagram
	}
	return &Socket{conn: c, maxDatagram: maxDatagram, connected: connected, buf: make([]byte, maxDatagram)}
}

// LocalAddr returns the bound address. Its port is what a client announces
// in its handshake.
func (s *Socket) LocalAddr() *net.UDPAddr { return s.conn.LocalAddr().(*net.UDPAddr) }

// Recv blocks for the next datagram and returns a copy of its payload.
// Only one goroutine may call Recv.
func (s *Socket) Recv() ([]byte, *net.UDPAddr, error) {
	n, addr, err := s.conn.ReadFromUDP(s.buf)
	if err != nil {
		return nil, nil, err
	}
	pkt := make([]byte, n)
	copy(pkt, s.buf[:n])
	return pkt, addr, nil
}

// WriteTo sends payload to addr through an unconnected socket.
func (s *Socket) WriteTo(payload []byte, addr *net.UDPAddr) error {
	if err := s.checkSize(payload); err != nil {
		return err
	}
	_, err := s.conn.WriteToUDP(payload, addr)
	return err
}

// Send writes payload to the connected remote.
func (s *Socket) Send(payload []byte) error {
	if !s.connected {
		return fmt.Errorf("udp: send on unconnected socket")
	}
	if err := s.checkSize(payload); err != nil {
		return err
	}
	_, err := s.conn.Write(payload)
	return err
}

func (s *Socket) checkSize(payload []byte) error {
	if len(payload) > s.maxDatagram {
		return fmt.Errorf("%w: %d > %d", protocol.ErrDatagramTooLarge, len(payload), s.maxDatagram)
	}
	return nil
}

func (s *Socket) Close() error { return s.conn.Close() }
