// Package config handles agent configuration loading and validation.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/mattmo0re/viveye/pkg/configfile"
)

// Duration is re-exported so callers only import this package.
type Duration = configfile.Duration

// Config is the top-level agent configuration.
type Config struct {
	Hub       HubConfig       `json:"hub" yaml:"hub" toml:"hub"`
	Agent     AgentConfig     `json:"agent" yaml:"agent" toml:"agent"`
	Executor  ExecutorConfig  `json:"executor" yaml:"executor" toml:"executor"`
	Reconnect ReconnectConfig `json:"reconnect" yaml:"reconnect" toml:"reconnect"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging" toml:"logging"`
}

// HubConfig defines how the agent reaches the hub.
type HubConfig struct {
	URL           string `json:"url" yaml:"url" toml:"url"`
	RelayID       string `json:"relay_id,omitempty" yaml:"relay_id,omitempty" toml:"relay_id,omitempty"`
	RelayKey      string `json:"relay_key,omitempty" yaml:"relay_key,omitempty" toml:"relay_key,omitempty"`
	TLSSkipVerify bool   `json:"tls_skip_verify,omitempty" yaml:"tls_skip_verify,omitempty" toml:"tls_skip_verify,omitempty"` // dev only
	// Binary selects CBOR on binary frames instead of JSON on text frames.
	Binary bool `json:"binary,omitempty" yaml:"binary,omitempty" toml:"binary,omitempty"`
}

// AgentConfig identifies this agent to the hub.
type AgentConfig struct {
	ID       string            `json:"id" yaml:"id" toml:"id"`
	Name     string            `json:"name,omitempty" yaml:"name,omitempty" toml:"name,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty" toml:"metadata,omitempty"`
	// HeartbeatInterval is used until the hub acknowledges with its own.
	HeartbeatInterval Duration `json:"heartbeat_interval,omitempty" yaml:"heartbeat_interval,omitempty" toml:"heartbeat_interval,omitempty"`
}

// ExecutorConfig limits what dispatched commands may do on this host.
type ExecutorConfig struct {
	// AllowedCommands lists the binaries execute_command may run. Empty
	// disables execute_command entirely.
	AllowedCommands []string `json:"allowed_commands,omitempty" yaml:"allowed_commands,omitempty" toml:"allowed_commands,omitempty"`
	WorkDir         string   `json:"work_dir,omitempty" yaml:"work_dir,omitempty" toml:"work_dir,omitempty"`
	MaxOutputBytes  int      `json:"max_output_bytes,omitempty" yaml:"max_output_bytes,omitempty" toml:"max_output_bytes,omitempty"`
	MaxProcesses    int      `json:"max_processes,omitempty" yaml:"max_processes,omitempty" toml:"max_processes,omitempty"`
}

// ReconnectConfig bounds the reconnection loop.
type ReconnectConfig struct {
	Delay            Duration `json:"delay,omitempty" yaml:"delay,omitempty" toml:"delay,omitempty"`
	MaxAttempts      int      `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty" toml:"max_attempts,omitempty"`
	HandshakeTimeout Duration `json:"handshake_timeout,omitempty" yaml:"handshake_timeout,omitempty" toml:"handshake_timeout,omitempty"`
}

type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty" toml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty" toml:"format,omitempty"` // "json" or "text"
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
	if v := os.Getenv("VIVEYE_HUB_URL"); v != "" {
		c.Hub.URL = v
	}
	if v := os.Getenv("VIVEYE_RELAY_ID"); v != "" {
		c.Hub.RelayID = v
	}
	if v := os.Getenv("VIVEYE_RELAY_KEY"); v != "" {
		c.Hub.RelayKey = v
	}
	if v := os.Getenv("VIVEYE_AGENT_ID"); v != "" {
		c.Agent.ID = v
	}
	if v := os.Getenv("VIVEYE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func (c *Config) applyDefaults() {
	if c.Agent.ID == "" {
		c.Agent.ID = uuid.New().String()
	}
	if c.Agent.Name == "" {
		if host, err := os.Hostname(); err == nil {
			c.Agent.Name = host
		} else {
			c.Agent.Name = c.Agent.ID
		}
	}
	if c.Agent.HeartbeatInterval.Duration == 0 {
		c.Agent.HeartbeatInterval.Duration = 30 * time.Second
	}
	if c.Executor.MaxOutputBytes == 0 {
		c.Executor.MaxOutputBytes = 256 * 1024
	}
	if c.Executor.MaxProcesses == 0 {
		c.Executor.MaxProcesses = 500
	}
	if c.Reconnect.Delay.Duration == 0 {
		c.Reconnect.Delay.Duration = 5 * time.Second
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = 10
	}
	if c.Reconnect.HandshakeTimeout.Duration == 0 {
		c.Reconnect.HandshakeTimeout.Duration = 10 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

func (c *Config) validate() error {
	if c.Hub.URL == "" {
		return fmt.Errorf("hub.url is required")
	}
	u, err := url.Parse(c.Hub.URL)
	if err != nil {
		return fmt.Errorf("hub.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("hub.url must use ws:// or wss://, got %q", u.Scheme)
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must not be negative")
	}
	if c.Executor.MaxOutputBytes < 0 {
		return fmt.Errorf("executor.max_output_bytes must not be negative")
	}
	return nil
}
