package server

import (
	"errors"
	"net"

	"go.uber.org/zap"

	"peerhub/pkg/identity"
	"peerhub/pkg/metrics"
	"peerhub/pkg/transport"
)

// datagramLoop is the single reader of the shared datagram socket.
func (s *Server) datagramLoop() error {
	for {
		payload, from, err := s.dgram.Recv()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !s.isRunning() {
				return nil
			}
			s.log.Warn("datagram read failed", zap.Error(err))
			continue
		}
		s.metrics.FramesReceived.WithLabelValues(transport.Unreliable.String()).Inc()
		s.handleDatagram(payload, from)
	}
}

func (s *Server) handleDatagram(payload []byte, from *net.UDPAddr) {
	if !s.reg.IsRegistered(payload) {
		s.forwardOpaque(payload, identity.Nil, transport.Unreliable)
		return
	}
	msg, err := s.reg.Parse(payload)
	if err != nil {
		s.drop(metrics.DropMalformed, err)
		return
	}
	sender := msg.Head().Sender
	if sender.IsNil() {
		s.drop(metrics.DropAnonymous, nil)
		return
	}
	sess, created := s.dir.ObserveDatagram(sender, from)
	sess.RecordIn(len(payload))
	if created {
		s.peerJoined(sess)
	}
	s.dispatch(msg, transport.Unreliable)
}
