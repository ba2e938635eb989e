// Package messages holds the sample application messages used by the demo
// binary and the integration tests.
package messages

import (
	"time"

	"go.uber.org/multierr"

	"peerhub/pkg/protocol"
)

// Wire type ids.
const (
	TypePing    = "peerhub.Ping"
	TypeMove    = "peerhub.Move"
	TypeChat    = "peerhub.Chat"
	TypeRawData = "peerhub.RawData"
)

// Ping measures round trips. The responder echoes StartTime back unchanged.
type Ping struct {
	protocol.Header
	Text      string `json:"text"`
	StartTime int64  `json:"startTime"`
}

// NewPing stamps the current time in milliseconds.
func NewPing(text string) *Ping {
	return &Ping{Text: text, StartTime: time.Now().UnixMilli()}
}

// RTT is the elapsed time since StartTime.
func (p *Ping) RTT() time.Duration {
	return time.Since(time.UnixMilli(p.StartTime))
}

type Move struct {
	protocol.Header
	X int `json:"x"`
	Y int `json:"y"`
}

type Chat struct {
	protocol.Header
	Text string `json:"text"`
}

// RawData carries an arbitrary binary blob next to its structured fields.
type RawData struct {
	protocol.Header
	ExtraText string `json:"extraText"`
}

// NewRawData attaches data as the raw payload.
func NewRawData(extra string, data []byte) *RawData {
	m := &RawData{ExtraText: extra}
	m.SetData(data)
	return m
}

// Register adds every sample message to r.
func Register(r *protocol.Registry) error {
	return multierr.Combine(
		protocol.RegisterType[Ping](r, TypePing),
		protocol.RegisterType[Move](r, TypeMove),
		protocol.RegisterType[Chat](r, TypeChat),
		protocol.RegisterType[RawData](r, TypeRawData),
	)
}
