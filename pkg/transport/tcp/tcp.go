package tcp

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"peerhub/pkg/protocol"
	"peerhub/pkg/transport"
)

// Options tune stream connections on both sides.
type Options struct {
	// MaxFrame bounds inbound frames; <= 0 uses protocol.MaxFrameSize.
	MaxFrame int
	// KeepAlive enables TCP keep-alive probes.
	KeepAlive bool
}

func (o Options) keepAlive() time.Duration {
	if o.KeepAlive {
		return 15 * time.Second
	}
	return -1
}

// Listener accepts inbound stream connections.
type Listener struct {
	l    net.Listener
	opts Options
}

// Listen binds address. Keep-alive is applied to every accepted connection.
func Listen(ctx context.Context, address string, opts Options) (*Listener, error) {
	lc := net.ListenConfig{KeepAlive: opts.keepAlive()}
	l, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return &Listener{l: l, opts: opts}, nil
}

func (l *Listener) Addr() net.Addr { return l.l.Addr() }

// Accept blocks until a connection arrives. It returns net.ErrClosed once
// the listener is closed.
func (l *Listener) Accept() (*Conn, error) {
	c, err := l.l.Accept()
	if err != nil {
		return nil, err
	}
	return newConn(c, l.opts), nil
}

func (l *Listener) Close() error { return l.l.Close() }

// Dial opens an outbound stream connection.
func Dial(ctx context.Context, address string, opts Options) (*Conn, error) {
	d := &net.Dialer{KeepAlive: opts.keepAlive()}
	c, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return newConn(c, opts), nil
}

// Conn is a length-prefixed frame stream (u32 BE) over one TCP connection.
type Conn struct {
	c        net.Conn
	br       *bufio.Reader
	maxFrame int

	mu sync.Mutex
	bw *bufio.Writer
}

var _ transport.Stream = (*Conn)(nil)

func newConn(c net.Conn, opts Options) *Conn {
	return &Conn{
		c:        c,
		br:       bufio.NewReader(c),
		bw:       bufio.NewWriter(c),
		maxFrame: opts.MaxFrame,
	}
}

func (c *Conn) LocalAddr() net.Addr  { return c.c.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.c.RemoteAddr() }
func (c *Conn) Close() error         { return c.c.Close() }

// SendFrame writes and flushes one frame. Concurrent callers are serialized.
func (c *Conn) SendFrame(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := protocol.WriteFrame(c.bw, b); err != nil {
		return err
	}
	return c.bw.Flush()
}

// RecvFrame reads the next frame. io.EOF means the peer closed cleanly.
func (c *Conn) RecvFrame() ([]byte, error) {
	return protocol.ReadFrame(c.br, c.maxFrame)
}
