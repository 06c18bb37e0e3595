// Package config loads client core configuration from config/client.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects between the confidential path and the plain demo path.
// The two are mutually exclusive and never substituted for each other at
// runtime; the active mode is reported in every state snapshot.
type Mode string

const (
	// ModeConfidential encrypts game inputs through the confidentiality
	// runtime before submission.
	ModeConfidential Mode = "confidential"
	// ModePlain submits game inputs unencrypted. Demo environments only.
	ModePlain Mode = "plain"
)

// Network holds per-network deployment addresses.
type Network struct {
	Name          string `yaml:"name"`
	RPCURL        string `yaml:"rpc_url"`
	GameContract  string `yaml:"game_contract"`
	TokenContract string `yaml:"token_contract"`
}

// Config holds client core configuration.
type Config struct {
	Mode Mode `yaml:"mode"`

	// ConfirmTimeout bounds how long an operation waits for a ledger
	// confirmation before surfacing a timeout. The transaction may still
	// confirm later; sessions are resynced, never assumed dead.
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`

	// PollInterval is the receipt polling cadence.
	PollInterval time.Duration `yaml:"poll_interval"`

	// DecryptionTTL is the validity window of a decryption authorization.
	DecryptionTTL time.Duration `yaml:"decryption_ttl"`

	// SubmitRatePerSec caps transaction submissions per second.
	SubmitRatePerSec float64 `yaml:"submit_rate_per_sec"`

	LogLevel string `yaml:"log_level"`

	// Networks maps chain ID to deployment addresses.
	Networks map[uint64]Network `yaml:"networks"`
}

// Load loads configuration from config/client.yaml.
func Load() (*Config, error) {
	return LoadFromPath(filepath.Join("config", "client.yaml"))
}

// LoadFromPath loads configuration from a specific path.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read client config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse client config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads configuration or returns the default if the file is
// not found.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Mode:             ModeConfidential,
		ConfirmTimeout:   2 * time.Minute,
		PollInterval:     2 * time.Second,
		DecryptionTTL:    10 * time.Minute,
		SubmitRatePerSec: 2,
		LogLevel:         "info",
		Networks:         map[uint64]Network{},
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeConfidential, ModePlain:
	default:
		return fmt.Errorf("mode must be %q or %q, got %q", ModeConfidential, ModePlain, c.Mode)
	}

	if c.ConfirmTimeout <= 0 {
		return fmt.Errorf("confirm_timeout must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.SubmitRatePerSec <= 0 {
		return fmt.Errorf("submit_rate_per_sec must be positive")
	}

	for chainID, net := range c.Networks {
		if net.GameContract == "" {
			return fmt.Errorf("network %d: game_contract is required", chainID)
		}
		if net.TokenContract == "" {
			return fmt.Errorf("network %d: token_contract is required", chainID)
		}
	}
	return nil
}

// Network returns the deployment addresses for a chain ID.
func (c *Config) Network(chainID uint64) (Network, bool) {
	net, ok := c.Networks[chainID]
	return net, ok
}
