package server

import (
	"fmt"

	"go.uber.org/zap"

	"peerhub/pkg/config"
	"peerhub/pkg/identity"
	"peerhub/pkg/metrics"
	"peerhub/pkg/peers"
	"peerhub/pkg/protocol"
	"peerhub/pkg/router"
	"peerhub/pkg/transport"
)

// dispatch runs the handlers for a parsed message, then relays it to its
// resolved targets over the channel it arrived on. Handlers run first, so
// anything they change on the message is what gets relayed.
func (s *Server) dispatch(msg protocol.Message, arrival transport.Channel) {
	typeID, _ := s.reg.TypeIDOf(msg)
	s.metrics.Dispatched.WithLabelValues(typeID).Inc()

	if err := s.reg.CallHandler(msg); err != nil {
		s.metrics.HandlerErrors.Inc()
		s.log.Warn("handler failed", zap.String("type", typeID), zap.Error(err))
	}

	h := msg.Head()
	targets := s.resolve(h)
	if len(targets) == 0 {
		return
	}
	payload, err := s.reg.Encode(msg)
	if err != nil {
		s.log.Warn("re-encode failed", zap.String("type", typeID), zap.Error(err))
		return
	}
	s.deliver(targets, h.Sender, payload, arrival)
}

// forwardOpaque relays a payload whose type this server cannot decode. Only
// the envelope is read; the original bytes go out unchanged. from is the
// identity bound to the arrival stream, or nil for datagrams and streams
// that have not identified yet.
func (s *Server) forwardOpaque(payload []byte, from identity.PeerID, arrival transport.Channel) {
	h, err := s.reg.ParseEnvelope(payload)
	if err != nil {
		s.drop(metrics.DropMalformed, err)
		return
	}
	typeID, _ := protocol.TypeOf(payload)
	s.reg.WarnUnknown(typeID)
	if !from.IsNil() && h.Sender.IsNil() {
		s.drop(metrics.DropAnonymous, nil)
		return
	}
	if !from.IsNil() && h.Sender != from {
		s.drop(metrics.DropSenderMismatch, fmt.Errorf("stream of %s forwarded %s as %s", from.Short(), typeID, h.Sender.Short()))
		return
	}
	s.metrics.OpaqueForwards.Inc()
	ch := transport.Unreliable
	if s.cfg.Server.OpaqueForward == config.OpaqueForwardArrival {
		ch = arrival
	}
	if targets := s.resolve(h); len(targets) > 0 {
		s.deliver(targets, h.Sender, payload, ch)
	}
}

func (s *Server) resolve(h *protocol.Header) []*peers.Session {
	targets, err := s.router.Resolve(router.ResolveContext{Peers: s.dir, Message: h}, h.Targets)
	if err != nil {
		s.log.Warn("target resolution", zap.Error(err))
	}
	return targets
}

// deliver sends payload to every target except sender. A failed send only
// affects its own peer.
func (s *Server) deliver(targets []*peers.Session, sender identity.PeerID, payload []byte, ch transport.Channel) {
	for _, t := range targets {
		if t.ID() == sender {
			continue
		}
		if err := s.sendPayload(t, payload, ch); err != nil {
			s.metrics.Drops.WithLabelValues(metrics.DropSendFailed).Inc()
			s.log.Debug("delivery failed", zap.Stringer("peer", t), zap.Stringer("channel", ch), zap.Error(err))
		}
	}
}

func (s *Server) sendPayload(t *peers.Session, payload []byte, ch transport.Channel) error {
	if err := t.Send(ch, s.dgram, payload); err != nil {
		return err
	}
	s.metrics.Deliveries.WithLabelValues(ch.String()).Inc()
	return nil
}
