// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the AgentHub control
// plane.
//
// Configuration is loaded from a single file specified by:
//   - AGENTHUB_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
//
// Secret material (signing keys, API key maps) is never read from this
// file — it is loaded separately from environment variables by
// internal/secret, so that the config file can be committed, reviewed,
// and diffed without exposing credentials.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// AccessMode controls whether the auth/policy layers reject or merely
// log would-be denials.
type AccessMode string

const (
	// Enforce rejects denied requests with the mapped HTTP status.
	Enforce AccessMode = "enforce"
	// Warn logs the denial, attaches an advisory header, and allows
	// the request through. Used during policy rollout.
	Warn AccessMode = "warn"
)

// Config is the master configuration for the control plane.
type Config struct {
	// Environment identifies the deployment type.
	Environment Environment `yaml:"environment"`

	// ListenAddress is the TCP address the HTTP server binds to.
	ListenAddress string `yaml:"listen_address"`

	// AccessEnforcementMode is "enforce" or "warn", controlling the
	// ingress auth middleware's response to authentication failures.
	AccessEnforcementMode AccessMode `yaml:"access_enforcement_mode"`

	// Store configures the durable SQLite-backed store.
	Store StoreConfig `yaml:"store"`

	// RequestTimeout bounds how long a single HTTP request may run
	// before the ingress layer cancels it and returns 504.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// RateLimit configures the per-caller request rate budget.
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Reliability configures the SLO breaker's thresholds.
	Reliability ReliabilityConfig `yaml:"reliability"`

	// Development, Staging, and Production contain per-environment
	// overrides, applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// StoreConfig configures the SQLite-backed durable store.
type StoreConfig struct {
	// Path is the filesystem path to the SQLite database file.
	Path string `yaml:"path"`

	// PoolSize is the number of pooled connections. Defaults to
	// max(runtime.NumCPU(), 4) if zero.
	PoolSize int `yaml:"pool_size"`
}

// RateLimitConfig holds the per-caller rate settings read from the
// config file. No middleware in this module enforces them.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// ReliabilityConfig mirrors the SRE policy thresholds used by the
// reliability breaker (internal/reliability).
type ReliabilityConfig struct {
	SuccessRateSLO              float64 `yaml:"success_rate_slo"`
	LatencyP95MsSLO             float64 `yaml:"latency_p95_ms_slo"`
	MinSamplesForEnforcement    int     `yaml:"min_samples_for_enforcement"`
	ErrorBudgetWarningRatio     float64 `yaml:"error_budget_warning_ratio"`
	HalfOpenErrorRateThreshold  float64 `yaml:"half_open_error_rate_threshold"`
	OpenErrorRateThreshold      float64 `yaml:"open_error_rate_threshold"`
	OpenHardStopRateThreshold   float64 `yaml:"open_hard_stop_rate_threshold"`
	OpenLatencyMultiplier       float64 `yaml:"open_latency_multiplier"`
	WindowSize                  int     `yaml:"window_size"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	ListenAddress         string      `yaml:"listen_address,omitempty"`
	AccessEnforcementMode AccessMode  `yaml:"access_enforcement_mode,omitempty"`
	Store                 *StoreConfig `yaml:"store,omitempty"`
}

// DefaultReliability returns the SRE policy thresholds carried over
// from the reference implementation's reliability service.
func DefaultReliability() ReliabilityConfig {
	return ReliabilityConfig{
		SuccessRateSLO:             0.99,
		LatencyP95MsSLO:            3000,
		MinSamplesForEnforcement:   10,
		ErrorBudgetWarningRatio:    0.8,
		HalfOpenErrorRateThreshold: 0.15,
		OpenErrorRateThreshold:     0.3,
		OpenHardStopRateThreshold:  0.2,
		OpenLatencyMultiplier:      1.5,
		WindowSize:                 50,
	}
}

// Default returns the default configuration. These defaults exist to
// give every field a sensible zero-value, not as a fallback for a
// missing config file — the config file is required.
func Default() *Config {
	return &Config{
		Environment:           Development,
		ListenAddress:         ":8080",
		AccessEnforcementMode: Enforce,
		Store: StoreConfig{
			Path:     "agenthub.db",
			PoolSize: 4,
		},
		RequestTimeout: 30 * time.Second,
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 600,
			Burst:             60,
		},
		Reliability: DefaultReliability(),
	}
}

// Load loads configuration from the AGENTHUB_CONFIG environment
// variable. There are no fallbacks: if AGENTHUB_CONFIG is not set, this
// fails, ensuring deterministic, auditable configuration with no hidden
// overrides.
func Load() (*Config, error) {
	path := os.Getenv("AGENTHUB_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("AGENTHUB_CONFIG environment variable not set; " +
			"set it to the path of your agenthub.yaml config file, or use --config")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}
	if overrides.ListenAddress != "" {
		c.ListenAddress = overrides.ListenAddress
	}
	if overrides.AccessEnforcementMode != "" {
		c.AccessEnforcementMode = overrides.AccessEnforcementMode
	}
	if overrides.Store != nil {
		if overrides.Store.Path != "" {
			c.Store.Path = overrides.Store.Path
		}
		if overrides.Store.PoolSize != 0 {
			c.Store.PoolSize = overrides.Store.PoolSize
		}
	}
}

// Validate checks the configuration for structural errors. It does not
// check secret presence — that is internal/secret's responsibility,
// enforced at startup before the server binds its listener.
func (c *Config) Validate() error {
	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		return fmt.Errorf("config: invalid environment: %q", c.Environment)
	}
	if c.ListenAddress == "" {
		return fmt.Errorf("config: listen_address is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("config: store.path is required")
	}
	if c.AccessEnforcementMode != Enforce && c.AccessEnforcementMode != Warn {
		return fmt.Errorf("config: access_enforcement_mode must be %q or %q", Enforce, Warn)
	}
	return nil
}
