package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/usage-relay/backend/internal/session"
	"github.com/usage-relay/backend/internal/status"
	"github.com/usage-relay/backend/internal/store"
	"github.com/usage-relay/backend/internal/telemetry"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g.
// USAGE_RELAY_SERVER_PORT or USAGE_RELAY_STORE_DSN.
const EnvPrefix = "USAGE_RELAY_"

type Config struct {
	Server    ServerConfig     `yaml:"server" envPrefix:"SERVER_"`
	Store     store.Config     `yaml:"store" envPrefix:"STORE_"`
	Privacy   PrivacyConfig    `yaml:"privacy" envPrefix:"PRIVACY_"`
	Status    status.Config    `yaml:"status" envPrefix:"STATUS_"`
	Telemetry telemetry.Config `yaml:"telemetry" envPrefix:"OTEL_"`
	Mock      bool             `yaml:"mock" env:"MOCK"`
}

type ServerConfig struct {
	Port           int           `yaml:"port" env:"PORT"`
	Host           string        `yaml:"host" env:"HOST"`
	AuthToken      string        `yaml:"auth_token" env:"AUTH_TOKEN"`
	AllowedOrigins []string      `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	MaxConnections int           `yaml:"max_connections" env:"MAX_CONNECTIONS"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace" env:"SHUTDOWN_GRACE"`
}

// PrivacyConfig controls what the session listing reveals.
type PrivacyConfig struct {
	MaskIPAddresses bool `yaml:"mask_ip_addresses" env:"MASK_IP_ADDRESSES"`
	MaskLocations   bool `yaml:"mask_locations" env:"MASK_LOCATIONS"`
	MaskUserIDs     bool `yaml:"mask_user_ids" env:"MASK_USER_IDS"`
	MaskSessionIDs  bool `yaml:"mask_session_ids" env:"MASK_SESSION_IDS"`
}

// NewPrivacyFilter builds the filter applied to listed sessions.
func (p PrivacyConfig) NewPrivacyFilter() *session.PrivacyFilter {
	return &session.PrivacyFilter{
		MaskIPAddresses: p.MaskIPAddresses,
		MaskLocations:   p.MaskLocations,
		MaskUserIDs:     p.MaskUserIDs,
		MaskSessionIDs:  p.MaskSessionIDs,
	}
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          8080,
			Host:          "127.0.0.1",
			ShutdownGrace: 10 * time.Second,
		},
		Store: store.Config{
			Driver: store.DriverFile,
		},
		Privacy: PrivacyConfig{
			MaskIPAddresses: true,
		},
		Status: status.Config{
			Enabled:          true,
			Service:          "usage-relay",
			Interval:         30 * time.Second,
			CPUThreshold:     90,
			MemoryThreshold:  95,
			FailureThreshold: 3,
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. The file must exist.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults
// (still subject to environment overrides).
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = defaultConfig()
		if err := applyEnv(cfg); err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return cfg, err
}

func applyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate reports settings the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections must not be negative")
	}
	switch c.Store.Driver {
	case store.DriverFile:
	case store.DriverPostgres, store.DriverSQLite:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("%w: %q", store.ErrUnknownDriver, c.Store.Driver)
	}
	if c.Status.Enabled && c.Status.Interval <= 0 {
		return fmt.Errorf("status.interval must be positive")
	}
	return nil
}
