// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

// Package agent runs on each VPN server and reports its load to the
// engine: connected WireGuard peers and CPU utilization. The engine's
// probe pulls the report over HTTP; the optional Reporter pushes it.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/loganrossus/vpnfleet/pkg/probe"
)

// DefaultPath is served when Config.Path is empty. It matches the
// engine's default monitor.agent.path.
const DefaultPath = "/metrics.json"

// CPUReader reports CPU utilization in percent.
type CPUReader interface {
	Percent() (float64, error)
}

// Config configures an Agent.
type Config struct {
	Peers  PeerCounter
	CPU    CPUReader
	Path   string
	Logger *slog.Logger
}

// Agent collects local load metrics.
type Agent struct {
	peers  PeerCounter
	cpu    CPUReader
	path   string
	logger *slog.Logger
}

// New creates an Agent. Peers is required; a nil CPU reports 0.
func New(cfg Config) (*Agent, error) {
	if cfg.Peers == nil {
		return nil, fmt.Errorf("agent: peer counter is required")
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Agent{
		peers:  cfg.Peers,
		cpu:    cfg.CPU,
		path:   cfg.Path,
		logger: cfg.Logger.With("component", "agent"),
	}, nil
}

// Collect returns the current metrics. A CPU read failure is logged and
// reported as 0; the connection count is the value the engine depends on.
func (a *Agent) Collect(ctx context.Context) (probe.AgentMetrics, error) {
	n, err := a.peers.ActivePeers(ctx)
	if err != nil {
		return probe.AgentMetrics{}, err
	}

	m := probe.AgentMetrics{ActiveConnections: n}
	if a.cpu != nil {
		cpu, err := a.cpu.Percent()
		if err != nil {
			a.logger.Warn("cpu read failed", "error", err)
		} else {
			m.CPUPercent = cpu
		}
	}
	return m, nil
}

// Handler serves the metrics document at the configured path and a
// liveness check at /live.
func (a *Agent) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+a.path, a.serveMetrics)
	mux.HandleFunc("GET /live", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"alive": true})
	})
	return mux
}

func (a *Agent) serveMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := a.Collect(r.Context())
	if err != nil {
		a.logger.Warn("metrics collection failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
