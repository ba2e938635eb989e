package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"peerhub/pkg/client"
	"peerhub/pkg/config"
	"peerhub/pkg/identity"
	"peerhub/pkg/messages"
	"peerhub/pkg/protocol"
	"peerhub/pkg/transport/tcp"
	"peerhub/pkg/transport/udp"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Listen = "127.0.0.1:0"
	return cfg
}

func newTestRegistry(t *testing.T) *protocol.Registry {
	t.Helper()
	reg := protocol.NewRegistry(protocol.WithLogger(zap.NewNop()))
	require.NoError(t, messages.Register(reg))
	return reg
}

func startServer(t *testing.T, cfg *config.Config, opts ...Option) *Server {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	s, err := New(cfg, newTestRegistry(t), append([]Option{WithLogger(zap.NewNop())}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

// inbox collects every message a client dispatches.
type inbox struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (in *inbox) add(m protocol.Message) error {
	in.mu.Lock()
	in.msgs = append(in.msgs, m)
	in.mu.Unlock()
	return nil
}

func (in *inbox) all() []protocol.Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]protocol.Message(nil), in.msgs...)
}

func (in *inbox) len() int { return len(in.all()) }

// connect joins a client and waits until the server knows both of its
// transports.
func connect(t *testing.T, srv *Server, extra ...func(*protocol.Registry)) (*client.Client, *inbox) {
	t.Helper()
	reg := newTestRegistry(t)
	for _, fn := range extra {
		fn(reg)
	}
	in := &inbox{}
	reg.SetDefaultHandler(in.add)

	cfg := config.Default()
	cfg.Client.Server = srv.Addr().String()
	c, err := client.New(cfg, reg, client.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Stop() })

	waitForPeer(t, srv, c.ID())
	return c, in
}

func waitForPeer(t *testing.T, srv *Server, id identity.PeerID) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := srv.Peers().Get(id)
		return s != nil && s.HasStream() && s.UDPPort() != 0
	}, waitFor, tick)
}

// rawPeer speaks the wire format directly, for tests that need exact bytes.
type rawPeer struct {
	id     identity.PeerID
	conn   *tcp.Conn
	sock   *udp.Socket
	reg    *protocol.Registry
	frames chan []byte
	dgrams chan []byte
}

func dialRaw(t *testing.T, srv *Server) *rawPeer {
	t.Helper()
	ctx := context.Background()
	sock, err := udp.Dial(ctx, srv.Addr().String(), 0)
	require.NoError(t, err)
	p := &rawPeer{
		id:     identity.New(),
		sock:   sock,
		reg:    newTestRegistry(t),
		frames: make(chan []byte, 16),
		dgrams: make(chan []byte, 16),
	}
	t.Cleanup(func() { _ = sock.Close() })
	go func() {
		for {
			b, _, err := sock.Recv()
			if err != nil {
				return
			}
			p.dgrams <- b
		}
	}()
	return p
}

// open dials the stream and sends the handshake.
func (p *rawPeer) open(t *testing.T, srv *Server) {
	t.Helper()
	conn, err := tcp.Dial(context.Background(), srv.Addr().String(), tcp.Options{})
	require.NoError(t, err)
	p.conn = conn
	t.Cleanup(func() { _ = conn.Close() })
	go func() {
		for {
			b, err := conn.RecvFrame()
			if err != nil {
				return
			}
			p.frames <- b
		}
	}()
	hs := &protocol.Handshake{UDPPort: p.sock.LocalAddr().Port}
	hs.Sender = p.id
	p.sendFrame(t, hs)
}

func (p *rawPeer) encode(t *testing.T, m protocol.Message) []byte {
	t.Helper()
	if m.Head().Sender.IsNil() {
		m.Head().Sender = p.id
	}
	b, err := p.reg.Encode(m)
	require.NoError(t, err)
	return b
}

func (p *rawPeer) sendFrame(t *testing.T, m protocol.Message) {
	t.Helper()
	require.NoError(t, p.conn.SendFrame(p.encode(t, m)))
}

func (p *rawPeer) sendDatagram(t *testing.T, m protocol.Message) {
	t.Helper()
	require.NoError(t, p.sock.Send(p.encode(t, m)))
}

func recv(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case b := <-ch:
		return b
	case <-time.After(waitFor):
		t.Fatal("nothing received")
		return nil
	}
}

func assertSilent(t *testing.T, ch <-chan []byte) {
	t.Helper()
	select {
	case b := <-ch:
		t.Fatalf("unexpected payload %q", b)
	case <-time.After(150 * time.Millisecond):
	}
}
