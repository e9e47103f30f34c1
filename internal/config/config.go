// Package config loads the host process configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// StateConfig configures one service-backed state.
type StateConfig struct {
	Endpoint       string        `mapstructure:"endpoint"`
	PublishChannel string        `mapstructure:"publish_channel"`
	Timeout        time.Duration `mapstructure:"timeout"`
	TickInterval   time.Duration `mapstructure:"tick_interval"`
	Outcomes       []string      `mapstructure:"outcomes"`
}

// Config is the host process configuration.
type Config struct {
	Addr      string        `mapstructure:"addr"`
	LogLevel  string        `mapstructure:"log_level"`
	RedisAddr string        `mapstructure:"redis_addr"`
	Prefix    string        `mapstructure:"prefix"`
	ClaimTTL  time.Duration `mapstructure:"claim_ttl"`
	States    []StateConfig `mapstructure:"states"`
}

// Default returns the configuration used for keys the file leaves out.
func Default() Config {
	return Config{
		Addr:     ":8080",
		LogLevel: "info",
		Prefix:   "svcstate:",
	}
}

// Load reads and validates the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg, err := Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Decode applies raw on top of the defaults and validates the result.
// Durations may be given as strings ("250ms") or integer nanoseconds.
func Decode(raw map[string]any) (*Config, error) {
	cfg := Default()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:  mapstructure.StringToTimeDurationHookFunc(),
		ErrorUnused: true,
		Result:      &cfg,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that would fail at state construction.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr must not be empty")
	}
	if len(c.States) == 0 {
		return errors.New("at least one state is required")
	}
	seen := make(map[string]bool, len(c.States))
	for i, s := range c.States {
		if s.Endpoint == "" {
			return fmt.Errorf("states[%d]: endpoint must not be empty", i)
		}
		if seen[s.Endpoint] {
			return fmt.Errorf("states[%d]: duplicate endpoint %s", i, s.Endpoint)
		}
		seen[s.Endpoint] = true
		if s.Timeout < 0 || s.TickInterval < 0 {
			return fmt.Errorf("states[%d]: durations must not be negative", i)
		}
	}
	return nil
}
