// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default configuration values.
const (
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	DefaultAPIAddress     = "127.0.0.1:8080"
	DefaultAPIReadTimeout = 10 * time.Second
	DefaultMetricsAddress = ":9090"

	DefaultStoreType = "bbolt"
	DefaultStorePath = "/var/lib/vpnfleet/registry.db"

	DefaultMonitorInterval = 30 * time.Second
	DefaultProbeTimeout    = 5 * time.Second
	DefaultConcurrency     = 16
	DefaultSamples         = 10
	DefaultSampleInterval  = 100 * time.Millisecond
	DefaultProbeMethod     = "tcp"
	DefaultAgentPort       = 9100
	DefaultAgentPath       = "/metrics.json"
	DefaultAgentTimeout    = 2 * time.Second

	DefaultDegradedLossPct        = 5.0
	DefaultCleanLossPct           = 1.0
	DefaultDegradedLatencyFactor  = 2.0
	DefaultCleanLatencyFactor     = 1.5
	DefaultUnhealthyAfterFailures = 3
	DefaultRecoveryProbes         = 2
	DefaultBaselineMs             = 100.0

	DefaultLatencyWeight      = 0.5
	DefaultCapacityWeight     = 0.3
	DefaultGeoBonus           = 10.0
	DefaultLatencyDivisor     = 2.0
	DefaultHealthyMultiplier  = 1.0
	DefaultDegradedMultiplier = 0.5

	DefaultRunnerUps      = 4
	DefaultDegradedPolicy = "fallback"

	DefaultHighWatermark  = 0.85
	DefaultHighCycles     = 3
	DefaultLowWatermark   = 0.2
	DefaultLowCycles      = 10
	DefaultRecentIntents  = 100
	DefaultWebhookTimeout = 5 * time.Second
	DefaultWebhookQueue   = 64

	DefaultCredentialsMode    = "local"
	DefaultCredentialsTimeout = 5 * time.Second
)

// DefaultAPIAllowedNetworks defines the default networks allowed to mutate the registry.
var DefaultAPIAllowedNetworks = []string{"127.0.0.1/32", "::1/128"}

// DefaultTiers is used when no tiers are configured.
var DefaultTiers = []string{"standard", "premium"}

// Load reads a configuration file and its includes, applies defaults and
// environment overrides. The result is not validated; call Validate.
func Load(path string) (*Config, error) {
	cfg, _, err := LoadWithIncludes(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := applyEnv(cfg, filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

// Parse parses configuration from YAML bytes and applies defaults.
// Includes and environment overrides are not processed.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// CheckPermissions rejects config files readable by other users, since they
// may carry issuer URLs and provisioning webhooks.
func CheckPermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Mode().Perm()&0o004 != 0 {
		return fmt.Errorf("config file %s is world-readable (mode %s)", path, info.Mode().Perm())
	}
	return nil
}

// applyEnv overlays VPNFLEET_* environment variables. A .env file next to
// the config is loaded first if present; real environment variables win.
func applyEnv(cfg *Config, dotenv string) error {
	if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", dotenv, err)
	}
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("failed to parse environment overrides: %w", err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = DefaultLogFormat
	}

	if cfg.API.Address == "" {
		cfg.API.Address = DefaultAPIAddress
	}
	if len(cfg.API.AllowedNetworks) == 0 {
		cfg.API.AllowedNetworks = DefaultAPIAllowedNetworks
	}
	if cfg.API.ReadTimeout == 0 {
		cfg.API.ReadTimeout = DefaultAPIReadTimeout
	}
	if cfg.API.WriteTimeout == 0 {
		cfg.API.WriteTimeout = DefaultAPIReadTimeout
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Address == "" {
		cfg.Metrics.Address = DefaultMetricsAddress
	}

	if cfg.Store.Type == "" {
		cfg.Store.Type = DefaultStoreType
	}
	if cfg.Store.Path == "" && cfg.Store.Type != "memory" {
		cfg.Store.Path = DefaultStorePath
	}

	applyMonitorDefaults(&cfg.Monitor)
	applyHealthDefaults(&cfg.Health)
	applyScoringDefaults(&cfg.Scoring)

	if cfg.Selection.RunnerUps == 0 {
		cfg.Selection.RunnerUps = DefaultRunnerUps
	}
	if len(cfg.Selection.Tiers) == 0 {
		cfg.Selection.Tiers = DefaultTiers
	}
	if cfg.Selection.DegradedPolicy == "" {
		cfg.Selection.DegradedPolicy = DefaultDegradedPolicy
	}

	applyAutoscaleDefaults(&cfg.Autoscale)

	if cfg.Credentials.Mode == "" {
		cfg.Credentials.Mode = DefaultCredentialsMode
	}
	if cfg.Credentials.Timeout == 0 {
		cfg.Credentials.Timeout = DefaultCredentialsTimeout
	}

	for i := range cfg.Servers {
		if cfg.Servers[i].Tier == "" {
			cfg.Servers[i].Tier = cfg.Selection.Tiers[0]
		}
		if cfg.Servers[i].AgentPort == 0 && cfg.Monitor.Agent.Enabled {
			cfg.Servers[i].AgentPort = cfg.Monitor.Agent.Port
		}
	}
}

func applyMonitorDefaults(m *MonitorConfig) {
	if m.Interval == 0 {
		m.Interval = DefaultMonitorInterval
	}
	if m.ProbeTimeout == 0 {
		m.ProbeTimeout = DefaultProbeTimeout
	}
	if m.Concurrency == 0 {
		m.Concurrency = DefaultConcurrency
	}
	if m.Samples == 0 {
		m.Samples = DefaultSamples
	}
	if m.SampleInterval == 0 {
		m.SampleInterval = DefaultSampleInterval
	}
	if m.Method == "" {
		m.Method = DefaultProbeMethod
	}
	if m.Agent.Port == 0 {
		m.Agent.Port = DefaultAgentPort
	}
	if m.Agent.Path == "" {
		m.Agent.Path = DefaultAgentPath
	}
	if m.Agent.Timeout == 0 {
		m.Agent.Timeout = DefaultAgentTimeout
	}
}

func applyHealthDefaults(h *HealthConfig) {
	if h.DegradedLossPct == 0 {
		h.DegradedLossPct = DefaultDegradedLossPct
	}
	if h.CleanLossPct == 0 {
		h.CleanLossPct = DefaultCleanLossPct
	}
	if h.DegradedLatencyFactor == 0 {
		h.DegradedLatencyFactor = DefaultDegradedLatencyFactor
	}
	if h.CleanLatencyFactor == 0 {
		h.CleanLatencyFactor = DefaultCleanLatencyFactor
	}
	if h.UnhealthyAfterFailures == 0 {
		h.UnhealthyAfterFailures = DefaultUnhealthyAfterFailures
	}
	if h.RecoveryProbes == 0 {
		h.RecoveryProbes = DefaultRecoveryProbes
	}
	if h.DefaultBaselineMs == 0 {
		h.DefaultBaselineMs = DefaultBaselineMs
	}
}

func applyScoringDefaults(s *ScoringConfig) {
	if s.LatencyWeight == 0 {
		s.LatencyWeight = DefaultLatencyWeight
	}
	if s.CapacityWeight == 0 {
		s.CapacityWeight = DefaultCapacityWeight
	}
	if s.GeoBonus == 0 {
		s.GeoBonus = DefaultGeoBonus
	}
	if s.LatencyDivisor == 0 {
		s.LatencyDivisor = DefaultLatencyDivisor
	}
	if s.HealthyMultiplier == 0 {
		s.HealthyMultiplier = DefaultHealthyMultiplier
	}
	if s.DegradedMultiplier == 0 {
		s.DegradedMultiplier = DefaultDegradedMultiplier
	}
}

func applyAutoscaleDefaults(a *AutoscaleConfig) {
	if a.HighWatermark == 0 {
		a.HighWatermark = DefaultHighWatermark
	}
	if a.HighCycles == 0 {
		a.HighCycles = DefaultHighCycles
	}
	if a.LowWatermark == 0 {
		a.LowWatermark = DefaultLowWatermark
	}
	if a.LowCycles == 0 {
		a.LowCycles = DefaultLowCycles
	}
	if a.RecentIntents == 0 {
		a.RecentIntents = DefaultRecentIntents
	}
	if a.Webhook.Timeout == 0 {
		a.Webhook.Timeout = DefaultWebhookTimeout
	}
	if a.Webhook.QueueSize == 0 {
		a.Webhook.QueueSize = DefaultWebhookQueue
	}
}

// RegionBaselines returns the configured baseline latency per region.
// Regions without a configured baseline are omitted.
func (c *Config) RegionBaselines() map[string]float64 {
	out := make(map[string]float64, len(c.Regions))
	for _, r := range c.Regions {
		if r.BaselineLatencyMs > 0 {
			out[r.Name] = r.BaselineLatencyMs
		}
	}
	return out
}
