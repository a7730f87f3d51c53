// Package config loads the bridge's TOML configuration from
// ~/.tabbridge/config.toml, with sensible defaults for every field so the
// bridge runs with no config file at all.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Relay    RelayConfig    `toml:"relay"`
	Browser  BrowserConfig  `toml:"browser"`
	Host     HostConfig     `toml:"host"`
	Instance InstanceConfig `toml:"instance"`
	Debug    bool           `toml:"debug"`
}

type RelayConfig struct {
	Port              int    `toml:"port"` // 0 = ephemeral
	KeepAliveSeconds  int    `toml:"keep_alive_seconds"`
	DiscoveryPorts    []int  `toml:"discovery_ports"`
	TabURL            string `toml:"tab_url"`
	NewTab            bool   `toml:"new_tab"`
	ReloadTimeoutSecs int    `toml:"reload_timeout_seconds"`
}

type BrowserConfig struct {
	MaxReconnectAttempts  int     `toml:"max_reconnect_attempts"`
	InitialBackoffMs      int     `toml:"initial_backoff_ms"`
	MaxBackoffMs          int     `toml:"max_backoff_ms"`
	JitterFraction        float64 `toml:"jitter_fraction"`
	OverallTimeoutSeconds int     `toml:"overall_timeout_seconds"`
}

type HostConfig struct {
	SocketName     string `toml:"socket_name"`
	CallTimeoutSec int    `toml:"call_timeout_seconds"`
	RecoveryDelays []int  `toml:"recovery_delay_seconds"`
}

type InstanceConfig struct {
	Dir string `toml:"dir"` // defaults to ~/.tabbridge/instances
}

// GetConfigPath returns the path to the config file
func GetConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	configDir := filepath.Join(homeDir, ".tabbridge")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", err
	}

	return filepath.Join(configDir, "config.toml"), nil
}

// Load loads the configuration from disk. A missing file yields defaults.
func Load() (*Config, error) {
	path, err := GetConfigPath()
	if err != nil {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile loads configuration from an explicit path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Relay.KeepAliveSeconds == 0 {
		c.Relay.KeepAliveSeconds = 30
	}
	if len(c.Relay.DiscoveryPorts) == 0 {
		c.Relay.DiscoveryPorts = []int{8765, 8766, 8767, 8768, 8769}
	}
	if c.Relay.ReloadTimeoutSecs == 0 {
		c.Relay.ReloadTimeoutSecs = 5
	}
	if c.Browser.MaxReconnectAttempts == 0 {
		c.Browser.MaxReconnectAttempts = 3
	}
	if c.Browser.InitialBackoffMs == 0 {
		c.Browser.InitialBackoffMs = 1000
	}
	if c.Browser.MaxBackoffMs == 0 {
		c.Browser.MaxBackoffMs = 10000
	}
	if c.Browser.JitterFraction == 0 {
		c.Browser.JitterFraction = 0.2
	}
	if c.Browser.OverallTimeoutSeconds == 0 {
		c.Browser.OverallTimeoutSeconds = 30
	}
	if c.Host.SocketName == "" {
		c.Host.SocketName = "tabbridge-host"
	}
	if c.Host.CallTimeoutSec == 0 {
		c.Host.CallTimeoutSec = 10
	}
	if len(c.Host.RecoveryDelays) == 0 {
		c.Host.RecoveryDelays = []int{2, 4, 6}
	}
	if c.Instance.Dir == "" {
		if homeDir, err := os.UserHomeDir(); err == nil {
			c.Instance.Dir = filepath.Join(homeDir, ".tabbridge", "instances")
		}
	}
}

// KeepAlive converts the relay keep-alive setting to a duration.
func (c *RelayConfig) KeepAlive() time.Duration {
	return time.Duration(c.KeepAliveSeconds) * time.Second
}

// ReloadTimeout converts the reload timeout setting to a duration.
func (c *RelayConfig) ReloadTimeout() time.Duration {
	return time.Duration(c.ReloadTimeoutSecs) * time.Second
}

// CallTimeout converts the host call timeout setting to a duration.
func (c *HostConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSec) * time.Second
}

// RecoveryDelayDurations converts the recovery schedule to durations.
func (c *HostConfig) RecoveryDelayDurations() []time.Duration {
	out := make([]time.Duration, len(c.RecoveryDelays))
	for i, s := range c.RecoveryDelays {
		out[i] = time.Duration(s) * time.Second
	}
	return out
}

// Save writes the configuration to disk.
func (c *Config) Save() error {
	path, err := GetConfigPath()
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(c)
}
