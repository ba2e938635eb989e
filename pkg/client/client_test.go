package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"peerhub/pkg/config"
	"peerhub/pkg/messages"
	"peerhub/pkg/protocol"
	"peerhub/pkg/transport"
	"peerhub/pkg/transport/tcp"
	"peerhub/pkg/transport/udp"
)

type unregistered struct {
	protocol.Header
	Secret string `json:"secret"`
}

// fakeServer accepts one stream on a port whose datagram side is also bound.
type fakeServer struct {
	ln     *tcp.Listener
	sock   *udp.Socket
	conn   chan *tcp.Conn
	reg    *protocol.Registry
	frames chan []byte
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ctx := context.Background()
	ln, err := tcp.Listen(ctx, "127.0.0.1:0", tcp.Options{})
	require.NoError(t, err)
	sock, err := udp.Listen(ctx, ln.Addr().String(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close(); _ = sock.Close() })

	reg := protocol.NewRegistry(protocol.WithLogger(zap.NewNop()))
	require.NoError(t, messages.Register(reg))
	fs := &fakeServer{ln: ln, sock: sock, reg: reg, conn: make(chan *tcp.Conn, 1), frames: make(chan []byte, 16)}
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		t.Cleanup(func() { _ = c.Close() })
		fs.conn <- c
		for {
			b, err := c.RecvFrame()
			if err != nil {
				close(fs.frames)
				return
			}
			fs.frames <- b
		}
	}()
	return fs
}

func (fs *fakeServer) next(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case b, ok := <-fs.frames:
		require.True(t, ok, "stream closed")
		m, err := fs.reg.Parse(b)
		require.NoError(t, err)
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no frame")
		return nil
	}
}

func newClient(t *testing.T, addr string) (*Client, chan protocol.Message) {
	t.Helper()
	reg := protocol.NewRegistry(protocol.WithLogger(zap.NewNop()))
	require.NoError(t, messages.Register(reg))
	got := make(chan protocol.Message, 16)
	reg.SetDefaultHandler(func(m protocol.Message) error { got <- m; return nil })

	cfg := config.Default()
	cfg.Client.Server = addr
	c, err := New(cfg, reg, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Stop() })
	return c, got
}

func TestConnectSendsHandshakeFirst(t *testing.T) {
	fs := newFakeServer(t)
	c, _ := newClient(t, fs.ln.Addr().String())
	assert.Equal(t, StateDisconnected, c.State())

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())

	hs, ok := fs.next(t).(*protocol.Handshake)
	require.True(t, ok, "first frame must be the handshake")
	assert.Equal(t, c.ID(), hs.Sender)
	assert.Equal(t, c.LocalUDPAddr().Port, hs.UDPPort)

	assert.ErrorIs(t, c.Connect(context.Background()), ErrAlreadyConnected)
}

func TestSendUnregisteredWritesNothing(t *testing.T) {
	fs := newFakeServer(t)
	c, _ := newClient(t, fs.ln.Addr().String())
	require.NoError(t, c.Connect(context.Background()))
	fs.next(t) // handshake

	err := c.Send(&unregistered{Secret: "x"}, transport.Reliable)
	assert.ErrorIs(t, err, protocol.ErrUnregisteredType)
	assert.ErrorIs(t, c.Send(nil, transport.Unreliable), protocol.ErrUnregisteredType)

	select {
	case b := <-fs.frames:
		t.Fatalf("unexpected write %q", b)
	case <-time.After(150 * time.Millisecond):
	}

	// the next frame on the wire is the next valid send
	require.NoError(t, c.Send(&messages.Chat{Text: "after"}, transport.Reliable))
	chat, ok := fs.next(t).(*messages.Chat)
	require.True(t, ok)
	assert.Equal(t, "after", chat.Text)
	assert.Equal(t, c.ID(), chat.Sender)
}

func TestSendDatagramAndReceiveBothChannels(t *testing.T) {
	fs := newFakeServer(t)
	c, got := newClient(t, fs.ln.Addr().String())
	require.NoError(t, c.Connect(context.Background()))
	fs.next(t)
	conn := <-fs.conn

	require.NoError(t, c.Send(&messages.Move{X: 5, Y: 6}, transport.Unreliable))
	b, from, err := fs.sock.Recv()
	require.NoError(t, err)
	m, err := fs.reg.Parse(b)
	require.NoError(t, err)
	assert.Equal(t, 5, m.(*messages.Move).X)

	out, err := fs.reg.Encode(&messages.Chat{Text: "via stream"})
	require.NoError(t, err)
	require.NoError(t, conn.SendFrame(out))
	out, err = fs.reg.Encode(&messages.Chat{Text: "via datagram"})
	require.NoError(t, err)
	require.NoError(t, fs.sock.WriteTo(out, from))

	texts := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case m := <-got:
			texts[m.(*messages.Chat).Text] = true
		case <-time.After(2 * time.Second):
			t.Fatal("message not dispatched")
		}
	}
	assert.True(t, texts["via stream"])
	assert.True(t, texts["via datagram"])
}

func TestPanickingHandlerKeepsClientRunning(t *testing.T) {
	fs := newFakeServer(t)
	c, got := newClient(t, fs.ln.Addr().String())
	require.NoError(t, protocol.Handle(c.Registry(), messages.TypeMove, func(*messages.Move) error {
		panic("boom")
	}))
	require.NoError(t, c.Connect(context.Background()))
	fs.next(t)
	conn := <-fs.conn

	for _, m := range []protocol.Message{&messages.Move{X: 1}, &messages.Chat{Text: "still here"}} {
		out, err := fs.reg.Encode(m)
		require.NoError(t, err)
		require.NoError(t, conn.SendFrame(out))
	}
	select {
	case m := <-got:
		assert.Equal(t, "still here", m.(*messages.Chat).Text)
	case <-time.After(2 * time.Second):
		t.Fatal("client stopped dispatching after a handler panic")
	}
	assert.Equal(t, StateConnected, c.State())
}

func TestServerEOFStopsClient(t *testing.T) {
	fs := newFakeServer(t)
	c, _ := newClient(t, fs.ln.Addr().String())
	require.NoError(t, c.Connect(context.Background()))
	conn := <-fs.conn
	require.NoError(t, conn.Close())

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client still running after server EOF")
	}
	assert.Equal(t, StateStopped, c.State())
	assert.ErrorIs(t, c.Send(&messages.Chat{}, transport.Reliable), ErrNotRunning)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrStopped)
}

func TestConnectFailureLeavesClientReusable(t *testing.T) {
	ln, err := tcp.Listen(context.Background(), "127.0.0.1:0", tcp.Options{})
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c, _ := newClient(t, addr)
	require.Error(t, c.Connect(context.Background()))
	assert.Equal(t, StateDisconnected, c.State())
	assert.ErrorIs(t, c.Send(&messages.Chat{}, transport.Reliable), ErrNotRunning)
}

func TestStopBeforeConnect(t *testing.T) {
	c, _ := newClient(t, "127.0.0.1:1")
	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())
	assert.Equal(t, StateStopped, c.State())
	<-c.Done()
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "unknown", State(42).String())
}
