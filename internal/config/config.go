// Package config loads the bridge's process configuration from the
// environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the full process configuration. Defaults are provided via struct
// tags.
type Config struct {
	// Transport is "http" (multiplexed sessions) or "stdio" (one session).
	Transport string `env:"WOT_MCP_TRANSPORT,default=http"`
	Addr      string `env:"WOT_MCP_ADDR,default=:8080"`
	Endpoint  string `env:"WOT_MCP_ENDPOINT,default=/mcp"`
	// Strategy is "explicit" or "generic".
	Strategy string `env:"WOT_MCP_STRATEGY,default=explicit"`
	// Device is "http" (WoT HTTP binding) or "simulated".
	Device        string        `env:"WOT_MCP_DEVICE,default=http"`
	DeviceTimeout time.Duration `env:"WOT_MCP_DEVICE_TIMEOUT,default=10s"`
	// ThingsDir, when set, is loaded at startup and watched.
	ThingsDir string `env:"WOT_MCP_THINGS_DIR"`

	MaxEvents int           `env:"WOT_MCP_MAX_EVENTS,default=100"`
	EventTTL  time.Duration `env:"WOT_MCP_EVENT_TTL,default=1h"`

	// MQTTBroker, when set, enables MQTT event ingestion.
	MQTTBroker   string `env:"WOT_MCP_MQTT_BROKER"`
	MQTTTopic    string `env:"WOT_MCP_MQTT_TOPIC,default=wot/+/+/+"`
	MQTTClientID string `env:"WOT_MCP_MQTT_CLIENT_ID,default=wot-mcp"`

	// RedisAddr, when set, enables Redis Stream event ingestion.
	RedisAddr   string `env:"WOT_MCP_REDIS_ADDR"`
	RedisStream string `env:"WOT_MCP_REDIS_STREAM,default=wot:events"`

	LogLevel  string `env:"WOT_MCP_LOG_LEVEL,default=info"`
	LogFormat string `env:"WOT_MCP_LOG_FORMAT,default=text"`
}

// Load decodes the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the process cannot act on.
func (c *Config) Validate() error {
	var errs []error
	if !oneOf(c.Transport, "http", "stdio") {
		errs = append(errs, fmt.Errorf("WOT_MCP_TRANSPORT: unknown transport %q", c.Transport))
	}
	if !oneOf(c.Strategy, "explicit", "generic") {
		errs = append(errs, fmt.Errorf("WOT_MCP_STRATEGY: unknown strategy %q", c.Strategy))
	}
	if !oneOf(c.Device, "http", "simulated") {
		errs = append(errs, fmt.Errorf("WOT_MCP_DEVICE: unknown device layer %q", c.Device))
	}
	if !oneOf(c.LogFormat, "text", "json") {
		errs = append(errs, fmt.Errorf("WOT_MCP_LOG_FORMAT: unknown format %q", c.LogFormat))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, fmt.Errorf("WOT_MCP_LOG_LEVEL: %w", err))
	}
	if !strings.HasPrefix(c.Endpoint, "/") {
		errs = append(errs, fmt.Errorf("WOT_MCP_ENDPOINT: %q must start with /", c.Endpoint))
	}
	if c.MaxEvents <= 0 {
		errs = append(errs, fmt.Errorf("WOT_MCP_MAX_EVENTS: must be positive, got %d", c.MaxEvents))
	}
	if c.EventTTL <= 0 {
		errs = append(errs, fmt.Errorf("WOT_MCP_EVENT_TTL: must be positive, got %s", c.EventTTL))
	}
	return errors.Join(errs...)
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, err
	}
	return l, nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
