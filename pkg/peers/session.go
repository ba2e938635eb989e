package peers

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"peerhub/pkg/identity"
	"peerhub/pkg/transport"
)

var (
	// ErrUnknownPeer is returned when an identity has no session.
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrSendQueueFull marks a slow consumer. The session is closed.
	ErrSendQueueFull = errors.New("send queue full")
	ErrSessionClosed = errors.New("session closed")
	// ErrNoStream is returned for reliable sends to a datagram-only peer.
	ErrNoStream = errors.New("peer has no stream")
	// ErrNoDatagramAddr is returned for unreliable sends before the peer's
	// datagram port is known.
	ErrNoDatagramAddr = errors.New("peer datagram port unknown")
	// ErrDuplicateIdentity is returned when a second stream claims an
	// identity that already owns one.
	ErrDuplicateIdentity = errors.New("identity already has a stream")
)

// DefaultQueueSize is the outbound stream queue length per session.
const DefaultQueueSize = 256

// Stats is a point-in-time snapshot of a session's counters.
type Stats struct {
	MsgsIn   uint64
	MsgsOut  uint64
	BytesIn  uint64
	BytesOut uint64
	LastSeen time.Time
}

// Session is one logical remote peer, reachable over its stream, its
// datagram port, or both. Identity, stream and port are changed only by
// the owning Directory under its lock.
type Session struct {
	mu      sync.RWMutex
	id      identity.PeerID
	ip      net.IP
	udpPort int
	stream  transport.Stream
	joinSeq uint64

	queueSize int
	outbox    chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	msgsIn, msgsOut   atomic.Uint64
	bytesIn, bytesOut atomic.Uint64
	lastSeen          atomic.Int64

	log *zap.Logger
}

// NewPending wraps a freshly accepted stream whose identity is not known
// yet. It is not routable until a Directory binds it.
func NewPending(stream transport.Stream, queueSize int, log *zap.Logger) *Session {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if log == nil {
		log = zap.L()
	}
	s := &Session{
		stream:    stream,
		queueSize: queueSize,
		closed:    make(chan struct{}),
		log:       log,
	}
	if a, ok := stream.RemoteAddr().(*net.TCPAddr); ok {
		s.ip = a.IP
	}
	return s
}

func newDatagramSession(id identity.PeerID, addr *net.UDPAddr, queueSize int, log *zap.Logger) *Session {
	return &Session{
		id:        id,
		ip:        addr.IP,
		udpPort:   addr.Port,
		queueSize: queueSize,
		closed:    make(chan struct{}),
		log:       log.With(zap.String("peer", id.Short())),
	}
}

// ID returns the peer identity, or identity.Nil while pending.
func (s *Session) ID() identity.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Identified reports whether the session has adopted an identity.
func (s *Session) Identified() bool { return !s.ID().IsNil() }

// UDPPort returns the datagram port, 0 while unknown.
func (s *Session) UDPPort() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.udpPort
}

// SetUDPPort records the port announced in a handshake.
func (s *Session) SetUDPPort(port int) {
	if port <= 0 || port > 65535 {
		return
	}
	s.mu.Lock()
	s.udpPort = port
	s.mu.Unlock()
}

// UDPAddr is the datagram destination, nil until a port is known.
func (s *Session) UDPAddr() *net.UDPAddr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.udpPort == 0 || s.ip == nil {
		return nil
	}
	return &net.UDPAddr{IP: s.ip, Port: s.udpPort}
}

// HasStream reports whether a reliable channel is attached.
func (s *Session) HasStream() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stream != nil
}

// RemoteAddr returns the stream's remote address or the datagram address.
func (s *Session) RemoteAddr() net.Addr {
	s.mu.RLock()
	st := s.stream
	s.mu.RUnlock()
	if st != nil {
		return st.RemoteAddr()
	}
	if a := s.UDPAddr(); a != nil {
		return a
	}
	return nil
}

// adopt sets the identity and starts the writer. Caller holds the
// directory lock.
func (s *Session) adopt(id identity.PeerID) {
	s.mu.Lock()
	s.id = id
	s.log = s.log.With(zap.String("peer", id.Short()))
	st := s.stream
	s.mu.Unlock()
	if st != nil {
		s.startWriter(st)
	}
}

// attachStream gives a datagram-created session its stream. Caller holds
// the directory lock.
func (s *Session) attachStream(st transport.Stream, ip net.IP) error {
	s.mu.Lock()
	if s.stream != nil {
		s.mu.Unlock()
		return ErrDuplicateIdentity
	}
	s.stream = st
	if s.ip == nil {
		s.ip = ip
	}
	s.mu.Unlock()
	s.startWriter(st)
	return nil
}

func (s *Session) startWriter(st transport.Stream) {
	outbox := make(chan []byte, s.queueSize)
	s.mu.Lock()
	s.outbox = outbox
	s.mu.Unlock()
	go s.writeLoop(st, outbox)
}

// writeLoop is the only goroutine writing to the stream, so a stalled
// peer blocks nobody else.
func (s *Session) writeLoop(st transport.Stream, outbox <-chan []byte) {
	for {
		select {
		case <-s.closed:
			return
		case frame := <-outbox:
			if err := st.SendFrame(frame); err != nil {
				s.log.Debug("stream write failed", zap.Error(err))
				_ = s.Close()
				return
			}
			s.recordOut(len(frame))
		}
	}
}

// SendStream queues payload for the stream writer. A full queue closes the
// session.
func (s *Session) SendStream(payload []byte) error {
	s.mu.RLock()
	outbox := s.outbox
	s.mu.RUnlock()
	if outbox == nil {
		return ErrNoStream
	}
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	select {
	case outbox <- payload:
		return nil
	default:
		s.log.Warn("slow consumer, closing session", zap.Int("queue", s.queueSize))
		_ = s.Close()
		return ErrSendQueueFull
	}
}

// SendDatagram writes payload to the peer's datagram address through w.
func (s *Session) SendDatagram(w transport.DatagramWriter, payload []byte) error {
	addr := s.UDPAddr()
	if addr == nil {
		return ErrNoDatagramAddr
	}
	if err := w.WriteTo(payload, addr); err != nil {
		return err
	}
	s.recordOut(len(payload))
	return nil
}

// Send picks the path for ch.
func (s *Session) Send(ch transport.Channel, w transport.DatagramWriter, payload []byte) error {
	if ch == transport.Unreliable {
		return s.SendDatagram(w, payload)
	}
	return s.SendStream(payload)
}

// RecordIn counts one inbound message of n bytes.
func (s *Session) RecordIn(n int) {
	s.msgsIn.Add(1)
	s.bytesIn.Add(uint64(n))
	s.lastSeen.Store(time.Now().UnixNano())
}

func (s *Session) recordOut(n int) {
	s.msgsOut.Add(1)
	s.bytesOut.Add(uint64(n))
}

func (s *Session) Stats() Stats {
	st := Stats{
		MsgsIn:   s.msgsIn.Load(),
		MsgsOut:  s.msgsOut.Load(),
		BytesIn:  s.bytesIn.Load(),
		BytesOut: s.bytesOut.Load(),
	}
	if ns := s.lastSeen.Load(); ns != 0 {
		st.LastSeen = time.Unix(0, ns)
	}
	return st
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Close stops the writer and closes the stream. It is idempotent.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.RLock()
		st := s.stream
		s.mu.RUnlock()
		if st != nil {
			err = st.Close()
		}
	})
	return err
}

func (s *Session) String() string {
	if id := s.ID(); !id.IsNil() {
		return id.String()
	}
	if a := s.RemoteAddr(); a != nil {
		return "pending:" + a.String()
	}
	return "pending"
}
