// Package config loads and validates the static service configuration.
// Static config is read once at process start; values that change at
// runtime travel through the dynconf snapshot bus instead.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/c360/runway/errors"
)

// ModuleConfigs holds module instance configurations.
// The map key is the module name (e.g., "pubsub"). A module is booted only
// if it has an entry here with enabled=true (the default).
type ModuleConfigs map[string]ModuleConfig

// Config represents the complete service configuration
type Config struct {
	Service ServiceConfig `json:"service"`
	NATS    NATSConfig    `json:"nats"`
	Monitor MonitorConfig `json:"monitor"`
	Modules ModuleConfigs `json:"modules"`
}

// ServiceConfig defines service identity and run parameters
type ServiceConfig struct {
	Name            string   `json:"name"`
	LogLevel        string   `json:"log_level,omitempty"`  // debug, info, warn, error
	LogFormat       string   `json:"log_format,omitempty"` // json, text
	ShutdownTimeout Duration `json:"shutdown_timeout,omitempty"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URL           string   `json:"url,omitempty"`
	MaxReconnects int      `json:"max_reconnects,omitempty"`
	ReconnectWait Duration `json:"reconnect_wait,omitempty"`
	Username      string   `json:"username,omitempty"`
	Password      string   `json:"password,omitempty"`
	Token         string   `json:"token,omitempty"`
}

// MonitorConfig defines the diagnostics HTTP listener
type MonitorConfig struct {
	Addr string `json:"addr,omitempty"` // e.g., ":8085"
}

// ModuleConfig is the per-module slot in the static config. The Config
// payload is passed opaque to the module's factory.
type ModuleConfig struct {
	Factory string          `json:"factory"` // registered factory name; defaults to the module name
	Enabled *bool           `json:"enabled,omitempty"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// IsEnabled reports whether the module should be booted. Absence of the
// enabled field means enabled.
func (m ModuleConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// Duration wraps time.Duration with JSON string support ("5s", "1m30s")
type Duration struct {
	time.Duration
}

// UnmarshalJSON accepts either a duration string or nanoseconds
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		d.Duration = parsed
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("duration must be a string or integer: %w", err)
	}
	d.Duration = time.Duration(n)
	return nil
}

// MarshalJSON renders the duration as a string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// Load reads the configuration file, applies environment overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "config file read")
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "config file parse")
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Service.LogLevel == "" {
		c.Service.LogLevel = "info"
	}
	if c.Service.LogFormat == "" {
		c.Service.LogFormat = "json"
	}
	if c.Service.ShutdownTimeout.Duration == 0 {
		c.Service.ShutdownTimeout.Duration = 30 * time.Second
	}
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://localhost:4222"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 10
	}
	if c.NATS.ReconnectWait.Duration == 0 {
		c.NATS.ReconnectWait.Duration = 2 * time.Second
	}
	if c.Monitor.Addr == "" {
		c.Monitor.Addr = ":8085"
	}
	for name, mc := range c.Modules {
		if mc.Factory == "" {
			mc.Factory = name
			c.Modules[name] = mc
		}
	}
}

// applyEnvOverrides lets deploy environments override connection details
// without rewriting the config file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("RUNWAY_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("RUNWAY_NATS_USERNAME"); v != "" {
		c.NATS.Username = v
	}
	if v := os.Getenv("RUNWAY_NATS_PASSWORD"); v != "" {
		c.NATS.Password = v
	}
	if v := os.Getenv("RUNWAY_NATS_TOKEN"); v != "" {
		c.NATS.Token = v
	}
	if v := os.Getenv("RUNWAY_LOG_LEVEL"); v != "" {
		c.Service.LogLevel = v
	}
	if v := os.Getenv("RUNWAY_LOG_FORMAT"); v != "" {
		c.Service.LogFormat = v
	}
	if v := os.Getenv("RUNWAY_MONITOR_ADDR"); v != "" {
		c.Monitor.Addr = v
	}
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: service.name is required", errors.ErrMissingConfig),
			"config", "Validate", "service identity check")
	}

	switch strings.ToLower(c.Service.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: unknown log level %q", errors.ErrInvalidConfig, c.Service.LogLevel),
			"config", "Validate", "log level check")
	}

	switch strings.ToLower(c.Service.LogFormat) {
	case "json", "text":
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: unknown log format %q", errors.ErrInvalidConfig, c.Service.LogFormat),
			"config", "Validate", "log format check")
	}

	for name, mc := range c.Modules {
		if name == "" {
			return errors.WrapInvalid(
				fmt.Errorf("%w: module name cannot be empty", errors.ErrInvalidConfig),
				"config", "Validate", "module name check")
		}
		if mc.Factory == "" {
			return errors.WrapInvalid(
				fmt.Errorf("%w: module %q has no factory", errors.ErrInvalidConfig, name),
				"config", "Validate", "module factory check")
		}
	}

	return nil
}

// EnabledModules returns the names of enabled modules in sorted order
func (c *Config) EnabledModules() []string {
	names := make([]string, 0, len(c.Modules))
	for name, mc := range c.Modules {
		if mc.IsEnabled() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}
