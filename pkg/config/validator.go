// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/loganrossus/vpnfleet/pkg/logging"
)

// ValidationError contains details about a configuration validation failure.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

func invalid(field string, value any, msg string) error {
	return &ValidationError{Field: field, Value: value, Message: msg}
}

// Validate checks the configuration for errors and returns a combined error if any are found.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateAPI(&cfg.API)...)
	errs = append(errs, validateStore(&cfg.Store)...)
	errs = append(errs, validateMonitor(&cfg.Monitor)...)
	errs = append(errs, validateHealth(&cfg.Health)...)
	errs = append(errs, validateScoring(&cfg.Scoring)...)
	errs = append(errs, validateSelection(&cfg.Selection)...)
	errs = append(errs, validateAutoscale(&cfg.Autoscale)...)
	errs = append(errs, validateGeo(&cfg.Geo)...)
	errs = append(errs, validateCredentials(&cfg.Credentials)...)
	errs = append(errs, validateRegions(cfg.Regions)...)
	errs = append(errs, validateServers(cfg.Servers, cfg.Selection.Tiers)...)

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error
	if _, err := logging.ParseLevel(l.Level); err != nil {
		errs = append(errs, invalid("logging.level", l.Level, "must be one of: debug, info, warn, error"))
	}
	switch strings.ToLower(l.Format) {
	case "json", "text":
	default:
		errs = append(errs, invalid("logging.format", l.Format, "must be one of: json, text"))
	}
	return errs
}

func validateAPI(api *APIConfig) []error {
	var errs []error
	if _, _, err := net.SplitHostPort(api.Address); err != nil {
		errs = append(errs, invalid("api.address", api.Address, fmt.Sprintf("invalid address format: %v", err)))
	}
	for i, cidr := range api.AllowedNetworks {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			errs = append(errs, invalid(fmt.Sprintf("api.allowed_networks[%d]", i), cidr, "invalid CIDR notation"))
		}
	}
	return errs
}

func validateStore(s *StoreConfig) []error {
	switch s.Type {
	case "bbolt", "sqlite":
		if s.Path == "" {
			return []error{invalid("store.path", s.Path, "cannot be empty for file-backed stores")}
		}
	case "memory":
	default:
		return []error{invalid("store.type", s.Type, "must be one of: bbolt, sqlite, memory")}
	}
	return nil
}

func validateMonitor(m *MonitorConfig) []error {
	var errs []error

	if m.Interval < time.Second {
		errs = append(errs, invalid("monitor.interval", m.Interval, "must be at least 1s"))
	}
	if m.ProbeTimeout < 100*time.Millisecond {
		errs = append(errs, invalid("monitor.probe_timeout", m.ProbeTimeout, "must be at least 100ms"))
	}
	if m.ProbeTimeout >= m.Interval {
		errs = append(errs, invalid("monitor.probe_timeout", m.ProbeTimeout, "must be less than interval"))
	}
	if m.Concurrency < 1 || m.Concurrency > 1024 {
		errs = append(errs, invalid("monitor.concurrency", m.Concurrency, "must be between 1 and 1024"))
	}
	if m.Samples < 1 || m.Samples > 100 {
		errs = append(errs, invalid("monitor.samples", m.Samples, "must be between 1 and 100"))
	}
	if time.Duration(m.Samples)*m.SampleInterval >= m.ProbeTimeout {
		errs = append(errs, invalid("monitor.sample_interval", m.SampleInterval, "samples × sample_interval must fit inside probe_timeout"))
	}
	if m.Method != "tcp" && m.Method != "udp" {
		errs = append(errs, invalid("monitor.method", m.Method, "must be one of: tcp, udp"))
	}
	if m.Resolver != "" {
		if _, _, err := net.SplitHostPort(m.Resolver); err != nil {
			errs = append(errs, invalid("monitor.resolver", m.Resolver, "must be host:port"))
		}
	}
	if m.Agent.Enabled {
		if m.Agent.Port < 1 || m.Agent.Port > 65535 {
			errs = append(errs, invalid("monitor.agent.port", m.Agent.Port, "must be between 1 and 65535"))
		}
		if !strings.HasPrefix(m.Agent.Path, "/") {
			errs = append(errs, invalid("monitor.agent.path", m.Agent.Path, "must start with /"))
		}
	}
	return errs
}

func validateHealth(h *HealthConfig) []error {
	var errs []error
	if h.CleanLossPct >= h.DegradedLossPct {
		errs = append(errs, invalid("health.clean_loss_pct", h.CleanLossPct, "must be below degraded_loss_pct"))
	}
	if h.CleanLatencyFactor >= h.DegradedLatencyFactor {
		errs = append(errs, invalid("health.clean_latency_factor", h.CleanLatencyFactor, "must be below degraded_latency_factor"))
	}
	if h.UnhealthyAfterFailures < 1 || h.UnhealthyAfterFailures > 20 {
		errs = append(errs, invalid("health.unhealthy_after_failures", h.UnhealthyAfterFailures, "must be between 1 and 20"))
	}
	if h.RecoveryProbes < 2 || h.RecoveryProbes > 10 {
		errs = append(errs, invalid("health.recovery_probes", h.RecoveryProbes, "must be between 2 and 10"))
	}
	if h.DefaultBaselineMs <= 0 {
		errs = append(errs, invalid("health.default_baseline_ms", h.DefaultBaselineMs, "must be positive"))
	}
	return errs
}

func validateScoring(s *ScoringConfig) []error {
	var errs []error
	for field, v := range map[string]float64{
		"scoring.latency_weight":      s.LatencyWeight,
		"scoring.capacity_weight":     s.CapacityWeight,
		"scoring.geo_bonus":           s.GeoBonus,
		"scoring.latency_divisor":     s.LatencyDivisor,
		"scoring.healthy_multiplier":  s.HealthyMultiplier,
		"scoring.degraded_multiplier": s.DegradedMultiplier,
		"scoring.staleness_penalty":   s.StalenessPenalty,
	} {
		if v < 0 {
			errs = append(errs, invalid(field, v, "cannot be negative"))
		}
	}
	if s.DegradedMultiplier > s.HealthyMultiplier {
		errs = append(errs, invalid("scoring.degraded_multiplier", s.DegradedMultiplier, "cannot exceed healthy_multiplier"))
	}
	return errs
}

func validateSelection(s *SelectionConfig) []error {
	var errs []error
	if s.RunnerUps < 0 || s.RunnerUps > 20 {
		errs = append(errs, invalid("selection.runner_ups", s.RunnerUps, "must be between 0 and 20"))
	}
	seen := make(map[string]bool)
	for i, tier := range s.Tiers {
		if tier == "" || seen[tier] {
			errs = append(errs, invalid(fmt.Sprintf("selection.tiers[%d]", i), tier, "must be unique and non-empty"))
		}
		seen[tier] = true
	}
	switch s.DegradedPolicy {
	case "fallback", "allow", "never":
	default:
		errs = append(errs, invalid("selection.degraded_policy", s.DegradedPolicy, "must be one of: fallback, allow, never"))
	}
	return errs
}

func validateAutoscale(a *AutoscaleConfig) []error {
	var errs []error
	if a.HighWatermark <= 0 || a.HighWatermark > 1 {
		errs = append(errs, invalid("autoscale.high_watermark", a.HighWatermark, "must be in (0, 1]"))
	}
	if a.LowWatermark < 0 || a.LowWatermark >= a.HighWatermark {
		errs = append(errs, invalid("autoscale.low_watermark", a.LowWatermark, "must be in [0, high_watermark)"))
	}
	if a.HighCycles < 1 {
		errs = append(errs, invalid("autoscale.high_cycles", a.HighCycles, "must be at least 1"))
	}
	if a.LowCycles < 1 {
		errs = append(errs, invalid("autoscale.low_cycles", a.LowCycles, "must be at least 1"))
	}
	if a.Webhook.URL != "" {
		if u, err := url.Parse(a.Webhook.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, invalid("autoscale.webhook.url", a.Webhook.URL, "must be an http(s) URL"))
		}
	}
	return errs
}

func validateGeo(g *GeoConfig) []error {
	var errs []error
	for i, m := range g.CustomMappings {
		prefix := fmt.Sprintf("geo.custom_mappings[%d]", i)
		if _, _, err := net.ParseCIDR(m.CIDR); err != nil {
			errs = append(errs, invalid(prefix+".cidr", m.CIDR, "invalid CIDR notation"))
		}
		if m.Region == "" {
			errs = append(errs, invalid(prefix+".region", m.Region, "cannot be empty"))
		}
	}
	return errs
}

func validateCredentials(c *CredentialsConfig) []error {
	switch c.Mode {
	case "local", "none":
	case "http":
		if u, err := url.Parse(c.IssuerURL); err != nil || u.Host == "" {
			return []error{invalid("credentials.issuer_url", c.IssuerURL, "must be a valid URL when mode is http")}
		}
	default:
		return []error{invalid("credentials.mode", c.Mode, "must be one of: local, http, none")}
	}
	return nil
}

func validateRegions(regions []Region) []error {
	var errs []error
	seen := make(map[string]bool)
	for i, r := range regions {
		prefix := fmt.Sprintf("regions[%d]", i)
		if r.Name == "" {
			errs = append(errs, invalid(prefix+".name", r.Name, "cannot be empty"))
		} else if seen[r.Name] {
			errs = append(errs, invalid(prefix+".name", r.Name, "duplicate region name"))
		}
		seen[r.Name] = true
		if r.BaselineLatencyMs < 0 {
			errs = append(errs, invalid(prefix+".baseline_latency_ms", r.BaselineLatencyMs, "cannot be negative"))
		}
		errs = append(errs, validateCoordinates(prefix, r.Latitude, r.Longitude)...)
	}
	return errs
}

func validateServers(servers []Server, tiers []string) []error {
	var errs []error
	knownTier := make(map[string]bool, len(tiers))
	for _, t := range tiers {
		knownTier[t] = true
	}

	seen := make(map[string]bool)
	for i, s := range servers {
		prefix := fmt.Sprintf("servers[%d]", i)

		if s.ID == "" {
			errs = append(errs, invalid(prefix+".id", s.ID, "cannot be empty"))
		} else if seen[s.ID] {
			errs = append(errs, invalid(prefix+".id", s.ID, "duplicate server id"))
		}
		seen[s.ID] = true

		if s.Region == "" {
			errs = append(errs, invalid(prefix+".region", s.Region, "cannot be empty"))
		}
		if s.Address == "" {
			errs = append(errs, invalid(prefix+".address", s.Address, "cannot be empty"))
		}
		if s.Port < 1 || s.Port > 65535 {
			errs = append(errs, invalid(prefix+".port", s.Port, "must be between 1 and 65535"))
		}
		if s.MaxConnections < 0 {
			errs = append(errs, invalid(prefix+".max_connections", s.MaxConnections, "cannot be negative"))
		}
		if !knownTier[s.Tier] {
			errs = append(errs, invalid(prefix+".tier", s.Tier, "unknown tier"))
		}
		if s.FailoverPartnerID == s.ID && s.ID != "" {
			errs = append(errs, invalid(prefix+".failover_partner_id", s.FailoverPartnerID, "cannot reference itself"))
		}
		errs = append(errs, validateCoordinates(prefix, s.Latitude, s.Longitude)...)
	}
	return errs
}

func validateCoordinates(prefix string, lat, lon float64) []error {
	var errs []error
	if lat < -90 || lat > 90 {
		errs = append(errs, invalid(prefix+".latitude", lat, "must be between -90 and 90"))
	}
	if lon < -180 || lon > 180 {
		errs = append(errs, invalid(prefix+".longitude", lon, "must be between -180 and 180"))
	}
	return errs
}
