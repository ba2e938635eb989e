package peers

import (
	"net"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"peerhub/pkg/identity"
)

// Directory maps identities to sessions. Every read and mutation happens
// under one mutex, and nothing is sent while it is held. The first session
// inserted into an empty directory becomes the host.
type Directory struct {
	mu        sync.Mutex
	byID      map[identity.PeerID]*Session
	host      *Session
	seq       uint64
	queueSize int
	log       *zap.Logger
}

// NewDirectory returns an empty directory. queueSize is used for the
// outbound stream queue of sessions it creates.
func NewDirectory(queueSize int, log *zap.Logger) *Directory {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if log == nil {
		log = zap.L()
	}
	return &Directory{
		byID:      make(map[identity.PeerID]*Session),
		queueSize: queueSize,
		log:       log.Named("peers"),
	}
}

func (d *Directory) insertLocked(s *Session) {
	d.seq++
	s.mu.Lock()
	s.joinSeq = d.seq
	s.mu.Unlock()
	if len(d.byID) == 0 {
		d.host = s
	}
	d.byID[s.id] = s
}

// Bind resolves a pending stream session to id. If id is unknown the
// pending session adopts it and joins. If a datagram-created session for id
// exists, the pending stream is attached to it and that session is
// returned; the pending one must be discarded. joined is true only when a
// new entry was inserted.
func (d *Directory) Bind(pending *Session, id identity.PeerID) (s *Session, joined bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cur := pending.ID(); !cur.IsNil() {
		return pending, false, nil
	}
	existing := d.byID[id]
	if existing == nil {
		pending.adopt(id)
		d.insertLocked(pending)
		d.log.Debug("peer bound", zap.String("peer", id.String()), zap.Stringer("addr", pending.RemoteAddr()))
		return pending, true, nil
	}
	pending.mu.RLock()
	st, ip := pending.stream, pending.ip
	pending.mu.RUnlock()
	if err := existing.attachStream(st, ip); err != nil {
		return nil, false, err
	}
	d.log.Debug("stream merged into datagram session", zap.String("peer", id.String()))
	return existing, false, nil
}

// ObserveDatagram returns the session for id, creating it from addr if
// needed. An existing session without a datagram port learns addr's port.
func (d *Directory) ObserveDatagram(id identity.PeerID, addr *net.UDPAddr) (s *Session, created bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if s = d.byID[id]; s != nil {
		s.mu.Lock()
		if s.udpPort == 0 {
			s.udpPort = addr.Port
			if s.ip == nil {
				s.ip = addr.IP
			}
		}
		s.mu.Unlock()
		return s, false
	}
	s = newDatagramSession(id, addr, d.queueSize, d.log)
	d.insertLocked(s)
	d.log.Debug("peer created from datagram", zap.String("peer", id.String()), zap.Stringer("addr", addr))
	return s, true
}

// Remove deletes s if it is still the entry for its identity. It is
// idempotent and clears the host when s was the host.
func (d *Directory) Remove(s *Session) bool {
	id := s.ID()
	if id.IsNil() {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.byID[id] != s {
		return false
	}
	delete(d.byID, id)
	if d.host == s {
		d.host = nil
	}
	return true
}

func (d *Directory) Get(id identity.PeerID) *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.byID[id]
}

// All returns every session in join order.
func (d *Directory) All() []*Session {
	return d.snapshot(func(*Session) bool { return true })
}

// AllExcept returns every session other than id's, in join order.
func (d *Directory) AllExcept(id identity.PeerID) []*Session {
	return d.snapshot(func(s *Session) bool { return s.id != id })
}

func (d *Directory) snapshot(keep func(*Session) bool) []*Session {
	d.mu.Lock()
	out := make([]*Session, 0, len(d.byID))
	for _, s := range d.byID {
		if keep(s) {
			out = append(out, s)
		}
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].joinSeq < out[j].joinSeq })
	return out
}

// Host returns the designated host, or nil.
func (d *Directory) Host() *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.host
}

// SetHost designates id's session as host.
func (d *Directory) SetHost(id identity.PeerID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.byID[id]
	if s == nil {
		return ErrUnknownPeer
	}
	d.host = s
	return nil
}

func (d *Directory) IsHost(id identity.PeerID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.host != nil && d.host.id == id
}

func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byID)
}

// CloseAll empties the directory and closes every session.
func (d *Directory) CloseAll() error {
	d.mu.Lock()
	sessions := make([]*Session, 0, len(d.byID))
	for _, s := range d.byID {
		sessions = append(sessions, s)
	}
	d.byID = make(map[identity.PeerID]*Session)
	d.host = nil
	d.mu.Unlock()

	var err error
	for _, s := range sessions {
		err = multierr.Append(err, s.Close())
	}
	return err
}
