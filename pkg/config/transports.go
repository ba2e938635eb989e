package config

// ServerConfig describes the listening side.
// Example YAML:
// server:
//   listen: ":25565"
//   opaque_forward: datagram
//   metrics_addr: "127.0.0.1:9102"
type ServerConfig struct {
	// Listen is bound for both TCP and UDP.
	Listen string `mapstructure:"listen"`
	// OpaqueForward selects the channel used to relay unregistered message
	// types: "datagram" (default) or "arrival".
	OpaqueForward string `mapstructure:"opaque_forward"`
	// MetricsAddr enables the prometheus endpoint when non-empty.
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// ClientConfig describes the dialing side.
type ClientConfig struct {
	// Server is the host:port used for both TCP and UDP.
	Server string `mapstructure:"server"`
}

// Opaque forward modes.
const (
	OpaqueForwardDatagram = "datagram"
	OpaqueForwardArrival  = "arrival"
)
