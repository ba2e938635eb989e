package config

// NetConfig contains socket and queue tuning shared by server and client.
type NetConfig struct {
	// SendQueue bounds the per-peer outbound stream queue.
	SendQueue int `mapstructure:"send_queue"`
	// MaxDatagram is the receive buffer size and the largest datagram sent.
	MaxDatagram int `mapstructure:"max_datagram"`
	// MaxFrame caps a single stream frame.
	MaxFrame int `mapstructure:"max_frame"`
	// KeepAlive toggles TCP keep-alive on stream connections.
	KeepAlive bool `mapstructure:"keep_alive"`
}
