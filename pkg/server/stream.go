package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"peerhub/pkg/metrics"
	"peerhub/pkg/peers"
	"peerhub/pkg/protocol"
	"peerhub/pkg/transport"
	"peerhub/pkg/transport/tcp"
)

func (s *Server) acceptLoop(ctx context.Context) error {
	var backoff time.Duration
	for {
		conn, err := s.stream.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			s.log.Warn("accept failed", zap.Error(err), zap.Duration("retry_in", backoff))
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		if !s.track(conn) {
			_ = conn.Close()
			continue
		}
		s.log.Debug("stream accepted", zap.Stringer("raddr", conn.RemoteAddr()))
		s.conns.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) track(c *tcp.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	s.live[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *tcp.Conn) {
	s.mu.Lock()
	delete(s.live, c)
	s.mu.Unlock()
}

// serveConn reads frames until the stream ends. The session starts pending
// and is bound to an identity by the first parsed message.
func (s *Server) serveConn(conn *tcp.Conn) {
	defer s.conns.Done()
	defer s.untrack(conn)

	sess := peers.NewPending(conn, s.cfg.Net.SendQueue, s.log)
	log := s.log.With(zap.Stringer("raddr", conn.RemoteAddr()))
	defer func() { s.release(sess) }()

	for {
		payload, err := conn.RecvFrame()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				log.Info("peer disconnected", zap.Stringer("peer", sess))
			case errors.Is(err, net.ErrClosed) || !s.isRunning():
				log.Debug("stream closed", zap.Stringer("peer", sess))
			default:
				log.Warn("stream read failed", zap.Stringer("peer", sess), zap.Error(err))
			}
			return
		}
		s.metrics.FramesReceived.WithLabelValues(transport.Reliable.String()).Inc()

		next, err := s.handleStreamPayload(sess, payload)
		if err != nil {
			log.Warn("closing stream", zap.Error(err))
			return
		}
		sess = next
	}
}

// handleStreamPayload runs the dispatch pipeline for one stream payload and
// returns the session the connection is bound to afterwards.
func (s *Server) handleStreamPayload(sess *peers.Session, payload []byte) (*peers.Session, error) {
	if sess.Identified() {
		sess.RecordIn(len(payload))
	}
	if !s.reg.IsRegistered(payload) {
		s.forwardOpaque(payload, sess.ID(), transport.Reliable)
		return sess, nil
	}
	msg, err := s.reg.Parse(payload)
	if err != nil {
		s.drop(metrics.DropMalformed, err)
		return sess, nil
	}
	h := msg.Head()
	if !sess.Identified() {
		if h.Sender.IsNil() {
			s.drop(metrics.DropAnonymous, nil)
			return sess, nil
		}
		bound, joined, err := s.dir.Bind(sess, h.Sender)
		if err != nil {
			return sess, err
		}
		sess = bound
		sess.RecordIn(len(payload))
		if joined {
			s.peerJoined(sess)
		}
	}
	// a bound stream speaks only for its own identity
	switch {
	case h.Sender.IsNil():
		h.Sender = sess.ID()
	case h.Sender != sess.ID():
		s.drop(metrics.DropSenderMismatch, fmt.Errorf("stream of %s claimed sender %s", sess.ID().Short(), h.Sender.Short()))
		return sess, nil
	}
	if hs, ok := msg.(*protocol.Handshake); ok {
		sess.SetUDPPort(hs.UDPPort)
		s.log.Debug("handshake", zap.Stringer("peer", sess), zap.Int("udp_port", hs.UDPPort))
	}
	s.dispatch(msg, transport.Reliable)
	return sess, nil
}

// release tears down the connection's session. A pending session only owns
// its stream; a bound one also leaves the directory.
func (s *Server) release(sess *peers.Session) {
	removed := s.dir.Remove(sess)
	_ = sess.Close()
	if removed {
		s.metrics.Peers.Set(float64(s.dir.Len()))
		s.log.Info("peer left", zap.Stringer("peer", sess))
		if s.onLeave != nil {
			s.onLeave(sess)
		}
	}
}

func (s *Server) peerJoined(sess *peers.Session) {
	s.metrics.Peers.Set(float64(s.dir.Len()))
	s.log.Info("peer joined", zap.Stringer("peer", sess), zap.Stringer("addr", sess.RemoteAddr()))
	if s.onJoin != nil {
		s.onJoin(sess)
	}
}

func (s *Server) drop(reason string, err error) {
	s.metrics.Drops.WithLabelValues(reason).Inc()
	if err != nil {
		s.log.Debug("payload dropped", zap.String("reason", reason), zap.Error(err))
	} else {
		s.log.Debug("payload dropped", zap.String("reason", reason))
	}
}
