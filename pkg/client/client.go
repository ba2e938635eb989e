// Package client implements the peer side of peerhub: one stream and one
// datagram socket to a server, with inbound messages dispatched through a
// private registry.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"peerhub/pkg/config"
	"peerhub/pkg/identity"
	"peerhub/pkg/observability"
	"peerhub/pkg/protocol"
	"peerhub/pkg/protocol/codec"
	"peerhub/pkg/transport"
	"peerhub/pkg/transport/tcp"
	"peerhub/pkg/transport/udp"
)

var (
	// ErrNotRunning is returned by Send outside the connected state.
	ErrNotRunning = errors.New("client not connected")
	// ErrAlreadyConnected is returned by a second Connect.
	ErrAlreadyConnected = errors.New("client already connected")
	ErrStopped          = errors.New("client stopped")
)

// State is the client lifecycle position.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Client is a single connection to a server. A client is used once:
// after Stop it cannot reconnect.
type Client struct {
	cfg *config.Config
	id  identity.PeerID
	reg *protocol.Registry
	log *zap.Logger

	state atomic.Int32

	mu     sync.Mutex
	stream *tcp.Conn
	dgram  *udp.Socket

	loops    sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

type Option func(*Client)

func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.log = l } }

// WithIdentity overrides the configured identity.
func WithIdentity(id identity.PeerID) Option { return func(c *Client) { c.id = id } }

// New builds a client for cfg.Client.Server. A nil registry gets a fresh
// one using the configured codec.
func New(cfg *config.Config, reg *protocol.Registry, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	c := &Client{cfg: cfg, done: make(chan struct{})}
	for _, o := range opts {
		o(c)
	}
	c.log = observability.Named(c.log, "client")
	if c.id.IsNil() {
		id, err := identity.LoadOrGenerate(cfg.Identity)
		if err != nil {
			return nil, fmt.Errorf("client identity: %w", err)
		}
		c.id = id
	}
	if reg == nil {
		cd, err := codec.ByName(cfg.Registry.Codec)
		if err != nil {
			return nil, err
		}
		reg = protocol.NewRegistry(
			protocol.WithCodec(cd),
			protocol.WithLogger(c.log),
			protocol.WithWarningsDisabled(cfg.Registry.DisableWarnings),
		)
	}
	c.reg = reg
	c.log = c.log.With(zap.String("id", c.id.Short()))
	return c, nil
}

func (c *Client) ID() identity.PeerID          { return c.id }
func (c *Client) State() State                 { return State(c.state.Load()) }
func (c *Client) Registry() *protocol.Registry { return c.reg }

// LocalUDPAddr is the datagram address announced in the handshake, nil
// before Connect.
func (c *Client) LocalUDPAddr() *net.UDPAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dgram == nil {
		return nil
	}
	return c.dgram.LocalAddr()
}

// Done is closed once the client has stopped and its loops have exited.
func (c *Client) Done() <-chan struct{} { return c.done }

// Connect dials the server on both transports, starts the listeners and
// sends the handshake over the stream.
func (c *Client) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		if c.State() == StateStopped {
			return ErrStopped
		}
		return ErrAlreadyConnected
	}
	addr := c.cfg.Client.Server
	nc := c.cfg.Net

	conn, err := tcp.Dial(ctx, addr, tcp.Options{MaxFrame: nc.MaxFrame, KeepAlive: nc.KeepAlive})
	if err != nil {
		c.state.CompareAndSwap(int32(StateConnecting), int32(StateDisconnected))
		return fmt.Errorf("dial stream %s: %w", addr, err)
	}
	sock, err := udp.Dial(ctx, addr, nc.MaxDatagram)
	if err != nil {
		_ = conn.Close()
		c.state.CompareAndSwap(int32(StateConnecting), int32(StateDisconnected))
		return fmt.Errorf("dial datagram %s: %w", addr, err)
	}

	c.mu.Lock()
	c.stream, c.dgram = conn, sock
	c.mu.Unlock()
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected)) {
		// Stop ran while dialing
		_ = multierr.Combine(conn.Close(), sock.Close())
		return ErrStopped
	}

	c.loops.Add(2)
	go c.streamLoop(conn)
	go c.datagramLoop(sock)
	go func() {
		c.loops.Wait()
		close(c.done)
	}()

	hs := &protocol.Handshake{UDPPort: sock.LocalAddr().Port}
	if err := c.Send(hs, transport.Reliable); err != nil {
		_ = c.Stop()
		return fmt.Errorf("handshake: %w", err)
	}
	c.log.Info("connected", zap.Stringer("server", conn.RemoteAddr()), zap.Int("udp_port", hs.UDPPort))
	return nil
}

// Send encodes msg and writes it on ch. A missing sender is set to this
// client's identity. Unregistered message types fail with
// protocol.ErrUnregisteredType and nothing is written.
func (c *Client) Send(msg protocol.Message, ch transport.Channel) error {
	if c.State() != StateConnected {
		return ErrNotRunning
	}
	if msg != nil {
		if h := msg.Head(); h.Sender.IsNil() {
			h.Sender = c.id
		}
	}
	payload, err := c.reg.Encode(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn, sock := c.stream, c.dgram
	c.mu.Unlock()
	if ch == transport.Unreliable {
		return sock.Send(payload)
	}
	return conn.SendFrame(payload)
}

func (c *Client) streamLoop(conn *tcp.Conn) {
	defer c.loops.Done()
	for {
		payload, err := conn.RecvFrame()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				c.log.Info("server closed the connection")
			case errors.Is(err, net.ErrClosed) || c.State() == StateStopped:
			default:
				c.log.Warn("stream read failed", zap.Error(err))
			}
			// the datagram side is useless without the stream
			_ = c.shutdown()
			return
		}
		c.handle(payload, transport.Reliable)
	}
}

func (c *Client) datagramLoop(sock *udp.Socket) {
	defer c.loops.Done()
	for {
		payload, _, err := sock.Recv()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || c.State() == StateStopped {
				return
			}
			// e.g. ICMP port unreachable before the server socket is up
			c.log.Debug("datagram read failed", zap.Error(err))
			continue
		}
		c.handle(payload, transport.Unreliable)
	}
}

func (c *Client) handle(payload []byte, ch transport.Channel) {
	msg, err := c.reg.Parse(payload)
	if err != nil {
		if !errors.Is(err, protocol.ErrUnknownType) {
			c.log.Debug("payload dropped", zap.Stringer("channel", ch), zap.Error(err))
		}
		return
	}
	if err := c.reg.CallHandler(msg); err != nil {
		c.log.Warn("handler failed", zap.Stringer("channel", ch), zap.Error(err))
	}
}

// Stop closes both sockets and waits for the listeners to exit. It is safe
// to call more than once, but not from a handler: handlers run on the
// listeners Stop waits for.
func (c *Client) Stop() error {
	err := c.shutdown()
	<-c.done
	return err
}

func (c *Client) shutdown() error {
	c.stopOnce.Do(func() {
		prev := State(c.state.Swap(int32(StateStopped)))
		c.mu.Lock()
		conn, sock := c.stream, c.dgram
		c.mu.Unlock()

		var err error
		if conn != nil {
			err = multierr.Append(err, ignoreClosed(conn.Close()))
		}
		if sock != nil {
			err = multierr.Append(err, ignoreClosed(sock.Close()))
		}
		c.stopErr = err
		if prev != StateConnected {
			// no listeners were started
			close(c.done)
		}
		c.log.Info("client stopped")
	})
	return c.stopErr
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
