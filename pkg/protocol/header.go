package protocol

import "peerhub/pkg/identity"

// Header is the generic envelope every message carries. Message structs embed
// it by value; its fields are encoded inline with the message's own fields.
type Header struct {
	Sender  identity.PeerID `json:"sender"`
	Targets []Target        `json:"targets,omitempty"`
	// DataLength is the count of raw bytes that follow the structured body.
	DataLength int `json:"dataLength,omitempty"`

	data []byte
}

// Message is any value whose struct embeds Header.
type Message interface {
	Head() *Header
}

// Head implements Message for every struct embedding Header.
func (h *Header) Head() *Header { return h }

// To builds a Header addressed to targets.
func To(targets ...Target) Header { return Header{Targets: targets} }

// AddTargets appends routing targets.
func (h *Header) AddTargets(ts ...Target) { h.Targets = append(h.Targets, ts...) }

// Data returns the raw payload attached out of band, if any.
func (h *Header) Data() []byte { return h.data }

// SetData attaches a raw payload and keeps DataLength in sync.
func (h *Header) SetData(b []byte) {
	h.data = b
	h.DataLength = len(b)
}
