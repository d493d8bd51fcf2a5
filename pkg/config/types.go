// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

// Package config provides configuration loading and validation for VPNFleet.
package config

import (
	"time"
)

// Config is the root configuration structure for VPNFleet.
type Config struct {
	// Includes lists glob patterns of extra files whose regions, servers and
	// geo mappings are merged into this config.
	Includes []string `yaml:"includes,omitempty"`

	Logging     LoggingConfig     `yaml:"logging"`
	API         APIConfig         `yaml:"api"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Store       StoreConfig       `yaml:"store"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Health      HealthConfig      `yaml:"health"`
	Scoring     ScoringConfig     `yaml:"scoring"`
	Selection   SelectionConfig   `yaml:"selection"`
	Autoscale   AutoscaleConfig   `yaml:"autoscale"`
	Geo         GeoConfig         `yaml:"geo"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Regions     []Region          `yaml:"regions"`
	Servers     []Server          `yaml:"servers"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"VPNFLEET_LOG_LEVEL"`
	Format string `yaml:"format" env:"VPNFLEET_LOG_FORMAT"`
}

// APIConfig defines the HTTP API server settings.
type APIConfig struct {
	Address string `yaml:"address" env:"VPNFLEET_API_ADDRESS"`
	// AllowedNetworks gates registry mutations (POST/DELETE /servers).
	// Selection endpoints are open to any caller.
	AllowedNetworks   []string      `yaml:"allowed_networks" env:"VPNFLEET_API_ALLOWED_NETWORKS" envSeparator:","`
	TrustProxyHeaders bool          `yaml:"trust_proxy_headers" env:"VPNFLEET_API_TRUST_PROXY_HEADERS"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
}

// MetricsConfig defines Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"VPNFLEET_METRICS_ENABLED"`
	Address string `yaml:"address" env:"VPNFLEET_METRICS_ADDRESS"`
}

// StoreConfig selects the registry persistence backend.
type StoreConfig struct {
	Type string `yaml:"type" env:"VPNFLEET_STORE_TYPE"` // bbolt, sqlite, memory
	Path string `yaml:"path" env:"VPNFLEET_STORE_PATH"`
}

// MonitorConfig controls the probe schedule and how each probe is taken.
type MonitorConfig struct {
	Interval       time.Duration `yaml:"interval" env:"VPNFLEET_MONITOR_INTERVAL"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout" env:"VPNFLEET_MONITOR_PROBE_TIMEOUT"`
	Concurrency    int           `yaml:"concurrency" env:"VPNFLEET_MONITOR_CONCURRENCY"`
	Samples        int           `yaml:"samples"`
	SampleInterval time.Duration `yaml:"sample_interval"`
	// Method is the transport used for reachability and samples: tcp or udp.
	Method string `yaml:"method"`
	// Resolver is a DNS server (host:port) for hostname endpoints.
	// Empty uses the system resolver.
	Resolver string             `yaml:"resolver" env:"VPNFLEET_MONITOR_RESOLVER"`
	Agent    AgentMetricsConfig `yaml:"agent"`
}

// AgentMetricsConfig defines the optional on-server metrics agent.
type AgentMetricsConfig struct {
	Enabled bool          `yaml:"enabled"`
	Port    int           `yaml:"port"`
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`
}

// HealthConfig holds the classification thresholds.
type HealthConfig struct {
	DegradedLossPct        float64 `yaml:"degraded_loss_pct"`
	CleanLossPct           float64 `yaml:"clean_loss_pct"`
	DegradedLatencyFactor  float64 `yaml:"degraded_latency_factor"`
	CleanLatencyFactor     float64 `yaml:"clean_latency_factor"`
	UnhealthyAfterFailures int     `yaml:"unhealthy_after_failures"`
	RecoveryProbes         int     `yaml:"recovery_probes"`
	DefaultBaselineMs      float64 `yaml:"default_baseline_ms"`
}

// ScoringConfig holds scoring weights. Zero values fall back to defaults.
type ScoringConfig struct {
	LatencyWeight      float64 `yaml:"latency_weight"`
	CapacityWeight     float64 `yaml:"capacity_weight"`
	GeoBonus           float64 `yaml:"geo_bonus"`
	LatencyDivisor     float64 `yaml:"latency_divisor"`
	HealthyMultiplier  float64 `yaml:"healthy_multiplier"`
	DegradedMultiplier float64 `yaml:"degraded_multiplier"`
	// StalenessPenalty is subtracted per probe interval a record is overdue.
	StalenessPenalty float64 `yaml:"staleness_penalty"`
}

// SelectionConfig controls candidate filtering and result shape.
type SelectionConfig struct {
	RunnerUps int `yaml:"runner_ups"`
	// Tiers is ordered from lowest to highest capability.
	Tiers          []string `yaml:"tiers"`
	DegradedPolicy string   `yaml:"degraded_policy"` // fallback, allow, never
}

// AutoscaleConfig defines the scale intent thresholds.
type AutoscaleConfig struct {
	Enabled       bool          `yaml:"enabled" env:"VPNFLEET_AUTOSCALE_ENABLED"`
	HighWatermark float64       `yaml:"high_watermark"`
	HighCycles    int           `yaml:"high_cycles"`
	LowWatermark  float64       `yaml:"low_watermark"`
	LowCycles     int           `yaml:"low_cycles"`
	RecentIntents int           `yaml:"recent_intents"`
	Webhook       WebhookConfig `yaml:"webhook"`
}

// WebhookConfig points at the provisioning service.
type WebhookConfig struct {
	URL string `yaml:"url" env:"VPNFLEET_AUTOSCALE_WEBHOOK_URL"`
	// Secret is sent in the X-VPNFleet-Secret header.
	Secret    string        `yaml:"secret" env:"VPNFLEET_AUTOSCALE_WEBHOOK_SECRET"`
	Timeout   time.Duration `yaml:"timeout"`
	QueueSize int           `yaml:"queue_size"`
}

// GeoConfig defines client IP to region resolution.
type GeoConfig struct {
	DatabasePath     string            `yaml:"database_path" env:"VPNFLEET_GEO_DATABASE_PATH"`
	DefaultRegion    string            `yaml:"default_region"`
	CountryRegions   map[string]string `yaml:"country_regions"`
	ContinentRegions map[string]string `yaml:"continent_regions"`
	CustomMappings   []CustomMapping   `yaml:"custom_mappings"`
}

// CustomMapping maps a CIDR block to a region.
type CustomMapping struct {
	CIDR    string `yaml:"cidr"`
	Region  string `yaml:"region"`
	Comment string `yaml:"comment,omitempty"`
}

// CredentialsConfig selects the credential issuer.
type CredentialsConfig struct {
	Mode       string        `yaml:"mode" env:"VPNFLEET_CREDENTIALS_MODE"` // local, http, none
	IssuerURL  string        `yaml:"issuer_url" env:"VPNFLEET_CREDENTIALS_ISSUER_URL"`
	Timeout    time.Duration `yaml:"timeout"`
	DNS        []string      `yaml:"dns"`
	AllowedIPs []string      `yaml:"allowed_ips"`
	Keepalive  int           `yaml:"persistent_keepalive"`
}

// Region defines per-region probing parameters.
type Region struct {
	Name string `yaml:"name"`
	// BaselineLatencyMs is the expected latency used by health classification.
	// Zero derives it from observed clean probes.
	BaselineLatencyMs float64 `yaml:"baseline_latency_ms"`
	Latitude          float64 `yaml:"latitude"`
	Longitude         float64 `yaml:"longitude"`
}

// Server is a static registration applied at startup.
type Server struct {
	ID                string  `yaml:"id"`
	Region            string  `yaml:"region"`
	Address           string  `yaml:"address"`
	Port              int     `yaml:"port"`
	Latitude          float64 `yaml:"latitude"`
	Longitude         float64 `yaml:"longitude"`
	MaxConnections    int     `yaml:"max_connections"`
	Tier              string  `yaml:"tier"`
	PublicKey         string  `yaml:"public_key"`
	FailoverPartnerID string  `yaml:"failover_partner_id"`
	RegionGroupID     string  `yaml:"region_group_id"`
	AgentPort         int     `yaml:"agent_port"`
}
