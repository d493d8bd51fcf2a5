// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
logging:
  level: debug
  format: text
store:
  type: memory
monitor:
  interval: 15s
  probe_timeout: 4s
  concurrency: 8
regions:
  - name: eu-west
    baseline_latency_ms: 40
  - name: us-east
selection:
  tiers: [free, standard, premium]
servers:
  - id: eu-west-1
    region: eu-west
    address: 198.51.100.10
    port: 51820
    max_connections: 500
    tier: standard
    failover_partner_id: eu-west-2
  - id: eu-west-2
    region: eu-west
    address: vpn2.example.net
    port: 51820
    max_connections: 500
`

func TestParse_ValidConfig(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if cfg.Monitor.Interval != 15*time.Second {
		t.Errorf("monitor.interval = %v, want 15s", cfg.Monitor.Interval)
	}
	if len(cfg.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(cfg.Servers))
	}
	if cfg.Servers[1].Tier != "free" {
		t.Errorf("server without tier = %q, want lowest tier free", cfg.Servers[1].Tier)
	}
	baselines := cfg.RegionBaselines()
	if baselines["eu-west"] != 40 {
		t.Errorf("RegionBaselines()[eu-west] = %v, want 40", baselines["eu-west"])
	}
	if _, ok := baselines["us-east"]; ok {
		t.Error("region without baseline should be omitted")
	}
}

func TestParse_AppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"monitor.interval", cfg.Monitor.Interval, DefaultMonitorInterval},
		{"monitor.probe_timeout", cfg.Monitor.ProbeTimeout, DefaultProbeTimeout},
		{"monitor.samples", cfg.Monitor.Samples, DefaultSamples},
		{"health.degraded_loss_pct", cfg.Health.DegradedLossPct, DefaultDegradedLossPct},
		{"health.unhealthy_after_failures", cfg.Health.UnhealthyAfterFailures, DefaultUnhealthyAfterFailures},
		{"health.recovery_probes", cfg.Health.RecoveryProbes, DefaultRecoveryProbes},
		{"scoring.latency_weight", cfg.Scoring.LatencyWeight, DefaultLatencyWeight},
		{"scoring.capacity_weight", cfg.Scoring.CapacityWeight, DefaultCapacityWeight},
		{"scoring.geo_bonus", cfg.Scoring.GeoBonus, DefaultGeoBonus},
		{"selection.runner_ups", cfg.Selection.RunnerUps, DefaultRunnerUps},
		{"selection.degraded_policy", cfg.Selection.DegradedPolicy, DefaultDegradedPolicy},
		{"autoscale.high_watermark", cfg.Autoscale.HighWatermark, DefaultHighWatermark},
		{"autoscale.low_cycles", cfg.Autoscale.LowCycles, DefaultLowCycles},
		{"store.type", cfg.Store.Type, DefaultStoreType},
		{"api.address", cfg.API.Address, DefaultAPIAddress},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}

	if err := Validate(cfg); err != nil {
		t.Errorf("defaults should validate, got: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name      string
		yaml      string
		wantField string
	}{
		{
			name:      "timeout exceeds interval",
			yaml:      "monitor: {interval: 2s, probe_timeout: 3s}",
			wantField: "monitor.probe_timeout",
		},
		{
			name:      "unknown probe method",
			yaml:      "monitor: {method: icmp}",
			wantField: "monitor.method",
		},
		{
			name:      "recovery below two",
			yaml:      "health: {recovery_probes: 1}",
			wantField: "health.recovery_probes",
		},
		{
			name:      "bad degraded policy",
			yaml:      "selection: {degraded_policy: sometimes}",
			wantField: "selection.degraded_policy",
		},
		{
			name:      "low watermark above high",
			yaml:      "autoscale: {high_watermark: 0.5, low_watermark: 0.6}",
			wantField: "autoscale.low_watermark",
		},
		{
			name:      "unknown tier",
			yaml:      "servers: [{id: a, region: r, address: 10.0.0.1, port: 1, tier: gold}]",
			wantField: "servers[0].tier",
		},
		{
			name:      "duplicate server",
			yaml:      "servers: [{id: a, region: r, address: 10.0.0.1, port: 1}, {id: a, region: r, address: 10.0.0.2, port: 1}]",
			wantField: "servers[1].id",
		},
		{
			name:      "self failover",
			yaml:      "servers: [{id: a, region: r, address: 10.0.0.1, port: 1, failover_partner_id: a}]",
			wantField: "servers[0].failover_partner_id",
		},
		{
			name:      "http issuer without url",
			yaml:      "credentials: {mode: http}",
			wantField: "credentials.issuer_url",
		},
		{
			name:      "bad geo cidr",
			yaml:      "geo: {custom_mappings: [{cidr: 10.0.0.0/33, region: r}]}",
			wantField: "geo.custom_mappings[0].cidr",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.yaml))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			err = Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
			if !strings.Contains(err.Error(), tt.wantField) {
				t.Errorf("error %q does not mention %s", err, tt.wantField)
			}
		})
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_IncludesAndEnv(t *testing.T) {
	dir := t.TempDir()
	main := filepath.Join(dir, "vpnfleet.yaml")
	writeFile(t, main, `
includes: ["fleet.d/*.yaml"]
logging: {level: info}
store: {type: memory}
servers:
  - {id: a-1, region: eu, address: 10.0.0.1, port: 51820}
`)
	writeFile(t, filepath.Join(dir, "fleet.d", "us.yaml"), `
regions: [{name: us, baseline_latency_ms: 80}]
servers:
  - {id: us-1, region: us, address: 10.0.1.1, port: 51820}
`)
	writeFile(t, filepath.Join(dir, ".env"), "VPNFLEET_LOG_FORMAT=text\n")
	t.Setenv("VPNFLEET_LOG_LEVEL", "warn")
	t.Cleanup(func() { os.Unsetenv("VPNFLEET_LOG_FORMAT") })

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Servers) != 2 || cfg.Servers[1].ID != "us-1" {
		t.Errorf("servers = %+v, want a-1 and us-1", cfg.Servers)
	}
	if len(cfg.Regions) != 1 || cfg.Regions[0].Name != "us" {
		t.Errorf("regions = %+v, want included us region", cfg.Regions)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("logging.level = %q, want env override warn", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("logging.format = %q, want .env value text", cfg.Logging.Format)
	}
}

func TestLoad_DuplicateAcrossIncludes(t *testing.T) {
	dir := t.TempDir()
	main := filepath.Join(dir, "main.yaml")
	writeFile(t, main, "includes: [extra.yaml]\nservers: [{id: dup, region: r, address: 10.0.0.1, port: 1}]\n")
	writeFile(t, filepath.Join(dir, "extra.yaml"), "servers: [{id: dup, region: r, address: 10.0.0.2, port: 1}]\n")

	_, _, err := LoadWithIncludes(main)
	var ie *IncludeError
	if !errors.As(err, &ie) {
		t.Fatalf("expected IncludeError, got %v", err)
	}
}

func TestLoad_CircularInclude(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), "includes: [b.yaml]\n")
	writeFile(t, filepath.Join(dir, "b.yaml"), "includes: [a.yaml]\n")

	_, _, err := LoadWithIncludes(filepath.Join(dir, "a.yaml"))
	var ce *CircularIncludeError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CircularIncludeError, got %v", err)
	}
}

func TestCheckPermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	writeFile(t, path, "{}")
	if err := CheckPermissions(path); err != nil {
		t.Errorf("CheckPermissions(0600) error = %v", err)
	}
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := CheckPermissions(path); err == nil {
		t.Error("expected error for world-readable config")
	}
}
