package protocol

import (
	"peerhub/pkg/identity"
)

// Built-in target names.
const (
	TargetAll        = "all"
	TargetServer     = "server"
	TargetHost       = "host"
	TargetAllButHost = "all-but-host"
	TargetPeer       = "peer"
)

// Target is a named routing rule resolved to peers at send time. Peer is only
// set for the TargetPeer rule.
type Target struct {
	Name string           `json:"name"`
	Peer *identity.PeerID `json:"peer,omitempty"`
}

var (
	All        = Target{Name: TargetAll}
	Server     = Target{Name: TargetServer}
	Host       = Target{Name: TargetHost}
	AllButHost = Target{Name: TargetAllButHost}
)

// NewTarget addresses a custom group registered on the server.
func NewTarget(name string) Target { return Target{Name: name} }

// ToPeer addresses one specific peer.
func ToPeer(id identity.PeerID) Target {
	return Target{Name: TargetPeer, Peer: &id}
}

func (t Target) String() string {
	if t.Peer != nil {
		return t.Name + ":" + t.Peer.String()
	}
	return t.Name
}
