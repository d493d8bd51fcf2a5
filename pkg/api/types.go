// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

// Package api provides the HTTP API for VPNFleet selection, registry and
// diagnostics endpoints.
package api

import (
	"time"

	"github.com/loganrossus/vpnfleet/pkg/autoscale"
	"github.com/loganrossus/vpnfleet/pkg/credential"
	"github.com/loganrossus/vpnfleet/pkg/geo"
	"github.com/loganrossus/vpnfleet/pkg/registry"
	"github.com/loganrossus/vpnfleet/pkg/selection"
)

// Error reasons returned in ErrorResponse.Reason.
const (
	ReasonNoEligibleServers     = "NoEligibleServers"
	ReasonInvalidTierRequested  = "InvalidTierRequested"
	ReasonInvalidRequest        = "InvalidRequest"
	ReasonRegistryUnavailable   = "RegistryUnavailable"
	ReasonServerNotFound        = "ServerNotFound"
	ReasonServerAlreadyExists   = "ServerAlreadyExists"
	ReasonServerIDRetired       = "ServerIDRetired"
	ReasonServerNotDrained      = "ServerNotDrained"
	ReasonCredentialsDisabled   = "CredentialsDisabled"
	ReasonCredentialUnavailable = "CredentialIssuerUnavailable"
	ReasonInternal              = "Internal"
)

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error  string `json:"error"`
	Code   int    `json:"code"`
	Reason string `json:"reason,omitempty"`
}

// ServerHealthResponse is the response for GET /servers/{id}/health.
type ServerHealthResponse struct {
	ServerID            string                 `json:"server_id"`
	Region              string                 `json:"region"`
	Status              registry.Status        `json:"status"`
	LatencyMs           float64                `json:"latency_ms"`
	JitterMs            float64                `json:"jitter_ms"`
	PacketLossPct       float64                `json:"packet_loss_pct"`
	PerformanceScore    float64                `json:"performance_score"`
	ActiveConnections   int                    `json:"active_connections"`
	MaxConnections      int                    `json:"max_connections"`
	ConsecutiveFailures int                    `json:"consecutive_failures"`
	ConsecutiveClean    int                    `json:"consecutive_clean"`
	LastProbedAt        *time.Time             `json:"last_probed_at,omitempty"`
	LastError           string                 `json:"last_error,omitempty"`
	FailoverPartnerID   string                 `json:"failover_partner_id,omitempty"`
	FailoverState       registry.FailoverState `json:"failover_state,omitempty"`
	FailoverServingFor  []string               `json:"failover_serving_for,omitempty"`
}

func healthOf(rec registry.ServerRecord) ServerHealthResponse {
	resp := ServerHealthResponse{
		ServerID:            rec.ServerID,
		Region:              rec.Region,
		Status:              rec.Status,
		LatencyMs:           rec.LatencyMs,
		JitterMs:            rec.JitterMs,
		PacketLossPct:       rec.PacketLossPct,
		PerformanceScore:    rec.PerformanceScore,
		ActiveConnections:   rec.ActiveConnections,
		MaxConnections:      rec.MaxConnections,
		ConsecutiveFailures: rec.ConsecutiveFailures,
		ConsecutiveClean:    rec.ConsecutiveClean,
		LastError:           rec.LastError,
		FailoverPartnerID:   rec.FailoverPartnerID,
		FailoverState:       rec.FailoverState,
		FailoverServingFor:  rec.FailoverServingFor,
	}
	if !rec.LastProbedAt.IsZero() {
		t := rec.LastProbedAt
		resp.LastProbedAt = &t
	}
	return resp
}

// ServerListResponse is the response for GET /servers.
type ServerListResponse struct {
	Servers     []registry.ServerRecord `json:"servers"`
	Total       int                     `json:"total"`
	GeneratedAt time.Time               `json:"generated_at"`
}

// LoadReport is the body of POST /servers/{id}/load. Omitted fields are
// left unchanged.
type LoadReport struct {
	ActiveConnections *int     `json:"active_connections,omitempty"`
	MaxConnections    *int     `json:"max_connections,omitempty"`
	CPUPercent        *float64 `json:"cpu_percent,omitempty"`
}

// ConnectRequest is the body of POST /connect.
type ConnectRequest struct {
	selection.Request
	ClientID string `json:"client_id"`
}

// ConnectResponse pairs the selection with the issued tunnel configuration.
type ConnectResponse struct {
	Selection selection.Result        `json:"selection"`
	Tunnel    credential.TunnelConfig `json:"tunnel"`
	WGQuick   string                  `json:"wg_quick"`
}

// IntentsResponse is the response for GET /intents.
type IntentsResponse struct {
	Intents     []autoscale.Intent               `json:"intents"`
	Regions     map[string]autoscale.Utilization `json:"regions,omitempty"`
	GeneratedAt time.Time                        `json:"generated_at"`
}

// GeoResolveResponse is the response for GET /geo/resolve.
type GeoResolveResponse struct {
	IP string `json:"ip"`
	geo.RegionMatch
}

// ReadyResponse is the response for GET /ready.
type ReadyResponse struct {
	Ready   bool   `json:"ready"`
	Message string `json:"message,omitempty"`
}

// LiveResponse is the response for GET /live.
type LiveResponse struct {
	Alive bool `json:"alive"`
}
