// Package transport defines the two link types a peer is reached through:
// a reliable length-prefixed frame stream (tcp) and an unreliable datagram
// socket (udp).
//
// Key concepts:
// - Channel: the delivery choice a sender makes (Reliable or Unreliable)
// - Stream: a Send/Recv channel of framed payloads, one per connected peer
// - DatagramWriter: the shared socket datagrams are sent through
package transport
