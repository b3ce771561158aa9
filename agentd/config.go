package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/relaymesh/agentlink/agentd/ledger"
)

// Config holds the agent daemon configuration.
type Config struct {
	// DevMode replaces the NATS-backed ledger with an in-process one.
	DevMode bool `yaml:"dev_mode"`

	// NATS configures the JetStream-backed ledger.
	NATS ledger.Config `yaml:"nats"`

	// Identity names the local agent and its two public logs.
	Identity Identity `yaml:"identity"`

	// Profile is announced on startup so other agents can find us.
	Profile ProfileInfo `yaml:"profile"`

	Monitor  MonitorConfig  `yaml:"monitor"`
	Delivery DeliveryConfig `yaml:"delivery"`

	// State configures durable watermark/request persistence. An empty
	// path keeps everything in memory.
	State StateConfig `yaml:"state"`
}

// StateConfig holds durable state settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// DefaultConfig returns a configuration suitable for local development.
func DefaultConfig() *Config {
	return &Config{
		NATS: ledger.DefaultConfig(),
		Monitor: MonitorConfig{
			Enabled:             true,
			PollIntervalSeconds: 3,
			DurationSeconds:     60,
		},
		Delivery: DeliveryConfig{
			IntervalSeconds:       5,
			BatchLimit:            5,
			HandlerTimeoutSeconds: 120,
			ReplayWindowHours:     24,
		},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to
// defaults when the file does not exist.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Validate checks structural requirements before the daemon starts.
func (c *Config) Validate() error {
	if err := c.Identity.Validate(); err != nil {
		return err
	}
	if err := c.Monitor.Fee.Validate(); err != nil {
		return err
	}
	return nil
}
