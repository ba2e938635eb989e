package config

// IdentityConfig describes where the local stable peer identity comes from.
type IdentityConfig struct {
	ID   string `mapstructure:"id"`   // fixed UUID; wins over File when set
	File string `mapstructure:"file"` // path holding the UUID; created on first run
}
