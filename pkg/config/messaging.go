package config

// RegistryConfig controls the message registry.
type RegistryConfig struct {
	// Codec names the structured encoding: json or cbor.
	Codec string `mapstructure:"codec"`
	// DisableWarnings silences unknown message type warnings.
	DisableWarnings bool `mapstructure:"disable_warnings"`
}

// RoutingConfig controls target resolution.
type RoutingConfig struct {
	// DisableWarnings silences unknown target warnings.
	DisableWarnings bool `mapstructure:"disable_warnings"`
	// StrictTargets escalates unknown targets to errors.
	StrictTargets bool `mapstructure:"strict_targets"`
}
