// Package config handles hub configuration.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/mattmo0re/viveye/pkg/configfile"
)

// Duration is re-exported so callers only import this package.
type Duration = configfile.Duration

// knownWeakSecrets are JWT secrets that must be rejected at startup.
var knownWeakSecrets = map[string]bool{
	"changeme-changeme-changeme-changeme": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a hex-encoded 32-byte random secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level hub configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server" toml:"server"`
	Auth      AuthConfig      `json:"auth" yaml:"auth" toml:"auth"`
	Storage   StorageConfig   `json:"storage" yaml:"storage" toml:"storage"`
	Commands  CommandsConfig  `json:"commands" yaml:"commands" toml:"commands"`
	Session   SessionConfig   `json:"session" yaml:"session" toml:"session"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging" toml:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit"`
}

type ServerConfig struct {
	Addr           string   `json:"addr" yaml:"addr" toml:"addr"`
	TLSCert        string   `json:"tls_cert,omitempty" yaml:"tls_cert,omitempty" toml:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty" yaml:"tls_key,omitempty" toml:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty" toml:"allowed_origins,omitempty"`
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty" yaml:"max_body_bytes,omitempty" toml:"max_body_bytes,omitempty"`
}

type AuthConfig struct {
	JWTSecret string   `json:"jwt_secret" yaml:"jwt_secret" toml:"jwt_secret"`
	JWTExpiry Duration `json:"jwt_expiry,omitempty" yaml:"jwt_expiry,omitempty" toml:"jwt_expiry,omitempty"`
	// AllowKeylessRelays lets agents register with relays that have no key set.
	AllowKeylessRelays bool `json:"allow_keyless_relays,omitempty" yaml:"allow_keyless_relays,omitempty" toml:"allow_keyless_relays,omitempty"`
	// RelayTokenLifetime bounds enrollment tokens issued by "relay token".
	RelayTokenLifetime Duration `json:"relay_token_lifetime,omitempty" yaml:"relay_token_lifetime,omitempty" toml:"relay_token_lifetime,omitempty"`
}

type StorageConfig struct {
	Driver         string   `json:"driver" yaml:"driver" toml:"driver"` // "sqlite" (default) or "postgres"
	DSN            string   `json:"dsn" yaml:"dsn" toml:"dsn"`
	Retention      Duration `json:"retention,omitempty" yaml:"retention,omitempty" toml:"retention,omitempty"`
	AuditRetention Duration `json:"audit_retention,omitempty" yaml:"audit_retention,omitempty" toml:"audit_retention,omitempty"`
}

type CommandsConfig struct {
	DefaultTimeout Duration `json:"default_timeout,omitempty" yaml:"default_timeout,omitempty" toml:"default_timeout,omitempty"`
	MinTimeout     Duration `json:"min_timeout,omitempty" yaml:"min_timeout,omitempty" toml:"min_timeout,omitempty"`
	MaxTimeout     Duration `json:"max_timeout,omitempty" yaml:"max_timeout,omitempty" toml:"max_timeout,omitempty"`
	MaxRetries     int      `json:"max_retries,omitempty" yaml:"max_retries,omitempty" toml:"max_retries,omitempty"`
	MaxCommandLen  int      `json:"max_command_len,omitempty" yaml:"max_command_len,omitempty" toml:"max_command_len,omitempty"`
}

type SessionConfig struct {
	HeartbeatInterval Duration `json:"heartbeat_interval,omitempty" yaml:"heartbeat_interval,omitempty" toml:"heartbeat_interval,omitempty"`
	MaxMessageBytes   int64    `json:"max_message_bytes,omitempty" yaml:"max_message_bytes,omitempty" toml:"max_message_bytes,omitempty"`
	MessagesPerSecond float64  `json:"messages_per_second,omitempty" yaml:"messages_per_second,omitempty" toml:"messages_per_second,omitempty"`
	MessageBurst      int      `json:"message_burst,omitempty" yaml:"message_burst,omitempty" toml:"message_burst,omitempty"`
	RegisterTimeout   Duration `json:"register_timeout,omitempty" yaml:"register_timeout,omitempty" toml:"register_timeout,omitempty"`
}

type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty" toml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty" toml:"format,omitempty"` // "json" or "text"
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty" yaml:"requests_per_second,omitempty" toml:"requests_per_second,omitempty"`
	Burst             int     `json:"burst,omitempty" yaml:"burst,omitempty" toml:"burst,omitempty"`
}

// Load reads a config file (JSON, YAML or TOML by extension), applies
// environment overrides and defaults, then validates.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := configfile.Load(path, &cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Save writes cfg to path in the format implied by the extension.
func Save(path string, cfg *Config) error {
	return configfile.Save(path, cfg)
}

func (c *Config) applyEnv() {
	if v := os.Getenv("VIVEYE_SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("VIVEYE_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("VIVEYE_STORAGE_DRIVER"); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv("VIVEYE_STORAGE_DSN"); v != "" {
		c.Storage.DSN = v
	}
	if v := os.Getenv("VIVEYE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver must be sqlite or postgres, got %q", c.Storage.Driver)
	}
	cmd := c.Commands
	if cmd.MinTimeout.Duration > cmd.MaxTimeout.Duration {
		return fmt.Errorf("commands.min_timeout must not exceed commands.max_timeout")
	}
	if cmd.DefaultTimeout.Duration < cmd.MinTimeout.Duration || cmd.DefaultTimeout.Duration > cmd.MaxTimeout.Duration {
		return fmt.Errorf("commands.default_timeout must lie within [min_timeout, max_timeout]")
	}
	if cmd.MaxRetries < 0 {
		return fmt.Errorf("commands.max_retries must not be negative")
	}
	hb := c.Session.HeartbeatInterval.Duration
	if hb < 5*time.Second || hb > 5*time.Minute {
		return fmt.Errorf("session.heartbeat_interval must be between 5s and 5m")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Auth.RelayTokenLifetime.Duration == 0 {
		c.Auth.RelayTokenLifetime.Duration = 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "viveye.db"
	}
	if c.Storage.Retention.Duration == 0 {
		c.Storage.Retention.Duration = 30 * 24 * time.Hour
	}
	if c.Storage.AuditRetention.Duration == 0 {
		c.Storage.AuditRetention.Duration = c.Storage.Retention.Duration
	}
	if c.Commands.DefaultTimeout.Duration == 0 {
		c.Commands.DefaultTimeout.Duration = 5 * time.Minute
	}
	if c.Commands.MinTimeout.Duration == 0 {
		c.Commands.MinTimeout.Duration = time.Second
	}
	if c.Commands.MaxTimeout.Duration == 0 {
		c.Commands.MaxTimeout.Duration = time.Hour
	}
	if c.Commands.MaxRetries == 0 {
		c.Commands.MaxRetries = 3
	}
	if c.Commands.MaxCommandLen == 0 {
		c.Commands.MaxCommandLen = 10000
	}
	if c.Session.HeartbeatInterval.Duration == 0 {
		c.Session.HeartbeatInterval.Duration = 30 * time.Second
	}
	if c.Session.MaxMessageBytes == 0 {
		c.Session.MaxMessageBytes = 1024 * 1024 // 1MB, command output can be large
	}
	if c.Session.MessagesPerSecond == 0 {
		c.Session.MessagesPerSecond = 50
	}
	if c.Session.MessageBurst == 0 {
		c.Session.MessageBurst = 100
	}
	if c.Session.RegisterTimeout.Duration == 0 {
		c.Session.RegisterTimeout.Duration = 10 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024
	}
}
