package server

import (
	"go.uber.org/multierr"

	"peerhub/pkg/identity"
	"peerhub/pkg/peers"
	"peerhub/pkg/protocol"
	"peerhub/pkg/router"
	"peerhub/pkg/transport"
)

// encode stamps the server identity on messages without a sender.
func (s *Server) encode(msg protocol.Message) ([]byte, error) {
	if msg == nil {
		return s.reg.Encode(nil)
	}
	if h := msg.Head(); h.Sender.IsNil() {
		h.Sender = s.id
	}
	return s.reg.Encode(msg)
}

// SendTo sends msg to one peer by identity.
func (s *Server) SendTo(id identity.PeerID, msg protocol.Message, ch transport.Channel) error {
	if !s.isRunning() {
		return ErrNotRunning
	}
	sess := s.dir.Get(id)
	if sess == nil {
		return peers.ErrUnknownPeer
	}
	return s.SendToSession(sess, msg, ch)
}

// SendToSession sends msg to sess. Unregistered message types fail with
// protocol.ErrUnregisteredType before anything is written.
func (s *Server) SendToSession(sess *peers.Session, msg protocol.Message, ch transport.Channel) error {
	if !s.isRunning() {
		return ErrNotRunning
	}
	payload, err := s.encode(msg)
	if err != nil {
		return err
	}
	return s.sendPayload(sess, payload, ch)
}

// Broadcast resolves targets now and sends msg to each resolved peer except
// its sender. A nil targets list uses the message's own targets.
func (s *Server) Broadcast(targets []protocol.Target, msg protocol.Message, ch transport.Channel) error {
	if !s.isRunning() {
		return ErrNotRunning
	}
	payload, err := s.encode(msg)
	if err != nil {
		return err
	}
	h := msg.Head()
	if targets == nil {
		targets = h.Targets
	}
	list, rerr := s.router.Resolve(router.ResolveContext{Peers: s.dir, Message: h}, targets)
	return multierr.Append(rerr, s.sendAll(list, h.Sender, payload, ch))
}

// SendToPeers sends msg to every session in list except its sender.
func (s *Server) SendToPeers(list []*peers.Session, msg protocol.Message, ch transport.Channel) error {
	if !s.isRunning() {
		return ErrNotRunning
	}
	payload, err := s.encode(msg)
	if err != nil {
		return err
	}
	return s.sendAll(list, msg.Head().Sender, payload, ch)
}

func (s *Server) sendAll(list []*peers.Session, sender identity.PeerID, payload []byte, ch transport.Channel) error {
	var err error
	for _, p := range list {
		if p.ID() == sender {
			continue
		}
		err = multierr.Append(err, s.sendPayload(p, payload, ch))
	}
	return err
}
