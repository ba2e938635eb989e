// Package config provides YAML-based configuration loading for peerhub.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the process
	AppName string `mapstructure:"app_name"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`

	// Identity controls the stable peer identity.
	Identity IdentityConfig `mapstructure:"identity"`

	Server ServerConfig `mapstructure:"server"`
	Client ClientConfig `mapstructure:"client"`

	// Net holds socket and queue tuning
	Net NetConfig `mapstructure:"net"`

	Registry RegistryConfig `mapstructure:"registry"`
	Routing  RoutingConfig  `mapstructure:"routing"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// DefaultPort is used by both transports when nothing else is configured.
const DefaultPort = "25565"

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "peerhub",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/peerhub.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Server: ServerConfig{
			Listen:        ":" + DefaultPort,
			OpaqueForward: OpaqueForwardDatagram,
		},
		Client: ClientConfig{Server: "127.0.0.1:" + DefaultPort},
		Net: NetConfig{
			SendQueue:   256,
			MaxDatagram: 64 * 1024,
			MaxFrame:    16 << 20,
			KeepAlive:   true,
		},
		Registry: RegistryConfig{Codec: "json"},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix PEERHUB and `.`/`-` are replaced with `_`.
// Example: PEERHUB_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PEERHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("identity.id", cfg.Identity.ID)
	v.SetDefault("identity.file", cfg.Identity.File)
	v.SetDefault("server.listen", cfg.Server.Listen)
	v.SetDefault("server.opaque_forward", cfg.Server.OpaqueForward)
	v.SetDefault("server.metrics_addr", cfg.Server.MetricsAddr)
	v.SetDefault("client.server", cfg.Client.Server)
	v.SetDefault("net.send_queue", cfg.Net.SendQueue)
	v.SetDefault("net.max_datagram", cfg.Net.MaxDatagram)
	v.SetDefault("net.max_frame", cfg.Net.MaxFrame)
	v.SetDefault("net.keep_alive", cfg.Net.KeepAlive)
	v.SetDefault("registry.codec", cfg.Registry.Codec)
	v.SetDefault("registry.disable_warnings", cfg.Registry.DisableWarnings)
	v.SetDefault("routing.disable_warnings", cfg.Routing.DisableWarnings)
	v.SetDefault("routing.strict_targets", cfg.Routing.StrictTargets)

	// Choose config file
	if path == "" {
		if envPath := os.Getenv("PEERHUB_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return nil, fmt.Errorf("expand config path: %w", err)
		}
		v.SetConfigFile(expanded)
	} else {
		// Search common locations with base name `peerhub`
		v.SetConfigName("peerhub")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".peerhub"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var viperConfigFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &viperConfigFileNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}

	c.Server.OpaqueForward = strings.ToLower(strings.TrimSpace(c.Server.OpaqueForward))
	switch c.Server.OpaqueForward {
	case "":
		c.Server.OpaqueForward = OpaqueForwardDatagram
	case OpaqueForwardDatagram, OpaqueForwardArrival:
	default:
		return fmt.Errorf("invalid server.opaque_forward: %q", c.Server.OpaqueForward)
	}

	c.Registry.Codec = strings.ToLower(strings.TrimSpace(c.Registry.Codec))
	switch c.Registry.Codec {
	case "":
		c.Registry.Codec = "json"
	case "json", "cbor":
	default:
		return fmt.Errorf("invalid registry.codec: %q", c.Registry.Codec)
	}

	if c.Net.SendQueue <= 0 {
		c.Net.SendQueue = 256
	}
	if c.Net.MaxDatagram <= 0 {
		c.Net.MaxDatagram = 64 * 1024
	}
	if c.Net.MaxFrame <= 0 {
		c.Net.MaxFrame = 16 << 20
	}
	if c.Identity.File != "" {
		p, err := homedir.Expand(c.Identity.File)
		if err != nil {
			return fmt.Errorf("identity.file: %w", err)
		}
		c.Identity.File = p
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
