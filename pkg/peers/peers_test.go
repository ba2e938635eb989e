package peers

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"peerhub/pkg/identity"
)

// fakeStream records frames; block stalls every SendFrame until released.
type fakeStream struct {
	mu     sync.Mutex
	frames [][]byte
	block  chan struct{}
	closed bool
	remote net.Addr
}

func newFakeStream(port int) *fakeStream {
	return &fakeStream{remote: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}}
}

func (f *fakeStream) SendFrame(b []byte) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return net.ErrClosed
	}
	f.frames = append(f.frames, b)
	return nil
}

func (f *fakeStream) RecvFrame() ([]byte, error) { return nil, errors.New("not used") }
func (f *fakeStream) LocalAddr() net.Addr        { return &net.TCPAddr{} }
func (f *fakeStream) RemoteAddr() net.Addr       { return f.remote }

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeStream) sent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeStream) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type recordingWriter struct {
	to      []*net.UDPAddr
	payload [][]byte
}

func (w *recordingWriter) WriteTo(p []byte, addr *net.UDPAddr) error {
	w.to = append(w.to, addr)
	w.payload = append(w.payload, p)
	return nil
}

func newDir() *Directory { return NewDirectory(4, zap.NewNop()) }

func TestBindAdoptsIdentityAndElectsHost(t *testing.T) {
	d := newDir()
	a, b := identity.New(), identity.New()

	s1, joined, err := d.Bind(NewPending(newFakeStream(1000), 4, nil), a)
	require.NoError(t, err)
	assert.True(t, joined)
	assert.Equal(t, a, s1.ID())

	s2, joined, err := d.Bind(NewPending(newFakeStream(1001), 4, nil), b)
	require.NoError(t, err)
	assert.True(t, joined)

	assert.Same(t, s1, d.Host())
	assert.True(t, d.IsHost(a))
	assert.False(t, d.IsHost(b))
	assert.Equal(t, []*Session{s1, s2}, d.All())
	assert.Equal(t, []*Session{s2}, d.AllExcept(a))

	require.NoError(t, d.SetHost(b))
	assert.Same(t, s2, d.Host())
	assert.ErrorIs(t, d.SetHost(identity.New()), ErrUnknownPeer)
}

func TestBindTwiceReturnsSameSession(t *testing.T) {
	d := newDir()
	id := identity.New()
	p := NewPending(newFakeStream(1000), 4, nil)
	s, _, err := d.Bind(p, id)
	require.NoError(t, err)
	again, joined, err := d.Bind(p, identity.New())
	require.NoError(t, err)
	assert.False(t, joined)
	assert.Same(t, s, again)
	assert.Equal(t, id, again.ID())
}

func TestDatagramFirstThenStreamMerges(t *testing.T) {
	d := newDir()
	id := identity.New()
	udpAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}

	dg, created := d.ObserveDatagram(id, udpAddr)
	require.True(t, created)
	assert.False(t, dg.HasStream())
	assert.ErrorIs(t, dg.SendStream([]byte("x")), ErrNoStream)

	stream := newFakeStream(5000)
	merged, joined, err := d.Bind(NewPending(stream, 4, nil), id)
	require.NoError(t, err)
	assert.False(t, joined)
	assert.Same(t, dg, merged)

	assert.Equal(t, 1, d.Len())
	got := d.Get(id)
	assert.True(t, got.HasStream())
	assert.Equal(t, 40000, got.UDPPort())

	require.NoError(t, got.SendStream([]byte("hello")))
	require.Eventually(t, func() bool { return stream.sent() == 1 }, time.Second, 5*time.Millisecond)
}

func TestStreamFirstThenDatagramLearnsPort(t *testing.T) {
	d := newDir()
	id := identity.New()
	s, _, err := d.Bind(NewPending(newFakeStream(5000), 4, nil), id)
	require.NoError(t, err)
	assert.Nil(t, s.UDPAddr())

	got, created := d.ObserveDatagram(id, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40001})
	assert.False(t, created)
	assert.Same(t, s, got)
	assert.Equal(t, 40001, s.UDPPort())

	// a known port is not overwritten by later datagrams
	d.ObserveDatagram(id, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40002})
	assert.Equal(t, 40001, s.UDPPort())

	w := &recordingWriter{}
	require.NoError(t, s.SendDatagram(w, []byte("p")))
	require.Len(t, w.to, 1)
	assert.Equal(t, "127.0.0.1:40001", w.to[0].String())
}

func TestSecondStreamForSameIdentityIsRejected(t *testing.T) {
	d := newDir()
	id := identity.New()
	_, _, err := d.Bind(NewPending(newFakeStream(1), 4, nil), id)
	require.NoError(t, err)
	_, _, err = d.Bind(NewPending(newFakeStream(2), 4, nil), id)
	assert.ErrorIs(t, err, ErrDuplicateIdentity)
	assert.Equal(t, 1, d.Len())
}

func TestRemoveIsIdempotentAndClearsHost(t *testing.T) {
	d := newDir()
	a, b := identity.New(), identity.New()
	sa, _, _ := d.Bind(NewPending(newFakeStream(1), 4, nil), a)
	sb, _, _ := d.Bind(NewPending(newFakeStream(2), 4, nil), b)

	assert.True(t, d.Remove(sa))
	assert.False(t, d.Remove(sa))
	assert.Nil(t, d.Host())
	assert.False(t, d.Remove(NewPending(newFakeStream(3), 4, nil)))

	// host is only elected on an empty directory
	assert.Equal(t, []*Session{sb}, d.All())
	sc, _, _ := d.Bind(NewPending(newFakeStream(3), 4, nil), identity.New())
	assert.Nil(t, d.Host())
	d.Remove(sb)
	d.Remove(sc)
	sd, _, _ := d.Bind(NewPending(newFakeStream(4), 4, nil), identity.New())
	assert.Same(t, sd, d.Host())
}

func TestSlowConsumerIsClosed(t *testing.T) {
	d := newDir()
	stream := newFakeStream(1)
	stream.block = make(chan struct{})
	defer close(stream.block)

	s, _, err := d.Bind(NewPending(stream, 2, nil), identity.New())
	require.NoError(t, err)

	var sendErr error
	for i := 0; i < 10 && sendErr == nil; i++ {
		sendErr = s.SendStream([]byte("frame"))
	}
	assert.ErrorIs(t, sendErr, ErrSendQueueFull)
	assert.True(t, stream.isClosed())
	select {
	case <-s.Done():
	default:
		t.Fatal("session not closed")
	}
	assert.ErrorIs(t, s.SendStream([]byte("late")), ErrSessionClosed)
}

func TestCloseAll(t *testing.T) {
	d := newDir()
	st := newFakeStream(1)
	_, _, _ = d.Bind(NewPending(st, 4, nil), identity.New())
	d.ObserveDatagram(identity.New(), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9})
	require.NoError(t, d.CloseAll())
	assert.Zero(t, d.Len())
	assert.Nil(t, d.Host())
	assert.True(t, st.isClosed())
}

func TestStatsCountTraffic(t *testing.T) {
	d := newDir()
	s, _ := d.ObserveDatagram(identity.New(), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9})
	s.RecordIn(10)
	require.NoError(t, s.SendDatagram(&recordingWriter{}, []byte("abc")))
	st := s.Stats()
	assert.Equal(t, uint64(1), st.MsgsIn)
	assert.Equal(t, uint64(10), st.BytesIn)
	assert.Equal(t, uint64(1), st.MsgsOut)
	assert.Equal(t, uint64(3), st.BytesOut)
	assert.False(t, st.LastSeen.IsZero())
}
