package protocol

// TypeHandshake is the wire id of the handshake message.
const TypeHandshake = "peerhub.Handshake"

// Handshake is the first stream message a client sends. It binds the
// client's datagram port to its identity before any datagram arrives.
type Handshake struct {
	Header
	UDPPort int `json:"udpPort"`
}
