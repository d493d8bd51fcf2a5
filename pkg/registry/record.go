// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package registry

import (
	"time"

	"github.com/loganrossus/vpnfleet/pkg/geo"
)

// Status is the health classification of a server.
type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusDegraded    Status = "degraded"
	StatusUnhealthy   Status = "unhealthy"
	StatusUnreachable Status = "unreachable"
)

// Selectable reports whether servers in this state may receive new clients.
func (s Status) Selectable() bool {
	return s == StatusHealthy || s == StatusDegraded
}

// FailoverState tracks a primary server's failover lifecycle. It is empty
// until the primary is first Healthy.
type FailoverState string

const (
	FailoverPrimaryActive FailoverState = "primary-active"
	FailoverActive        FailoverState = "primary-down-failover-active"
	FailoverRecovering    FailoverState = "primary-recovering"
)

// ServerRecord is one VPN endpoint. Field groups have a single writer:
// the health monitor owns the health snapshot and score, the failover
// controller owns the failover fields, and load reports own the capacity
// counters.
type ServerRecord struct {
	ServerID        string          `json:"server_id"`
	Region          string          `json:"region"`
	GeoCoordinates  geo.Coordinates `json:"geo_coordinates"`
	EndpointAddress string          `json:"endpoint_address"`
	ListenPort      int             `json:"listen_port"`
	AgentPort       int             `json:"agent_port,omitempty"`
	Tier            string          `json:"tier"`
	PublicKey       string          `json:"public_key,omitempty"`

	MaxConnections    int     `json:"max_connections"`
	ActiveConnections int     `json:"active_connections"`
	CPUPercent        float64 `json:"cpu_percent,omitempty"`

	Status              Status    `json:"status"`
	LatencyMs           float64   `json:"latency_ms"`
	JitterMs            float64   `json:"jitter_ms"`
	PacketLossPct       float64   `json:"packet_loss_pct"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	ConsecutiveClean    int       `json:"consecutive_clean"`
	LastProbedAt        time.Time `json:"last_probed_at,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	PerformanceScore    float64   `json:"performance_score"`

	FailoverPartnerID  string        `json:"failover_partner_id,omitempty"`
	FailoverState      FailoverState `json:"failover_state,omitempty"`
	FailoverServingFor []string      `json:"failover_serving_for,omitempty"`

	AutoScaled    bool      `json:"auto_scaled"`
	RegionGroupID string    `json:"region_group_id,omitempty"`
	RegisteredAt  time.Time `json:"registered_at"`
}

// Clone returns a deep copy.
func (r ServerRecord) Clone() ServerRecord {
	if r.FailoverServingFor != nil {
		r.FailoverServingFor = append([]string(nil), r.FailoverServingFor...)
	}
	return r
}

// AtCapacity reports whether the server has no room for another tunnel.
// A zero max_connections means the server accepts nothing.
func (r ServerRecord) AtCapacity() bool {
	return r.ActiveConnections >= r.MaxConnections
}

// Utilization is active/max connections, or 1 when max is zero.
func (r ServerRecord) Utilization() float64 {
	if r.MaxConnections <= 0 {
		return 1
	}
	return float64(r.ActiveConnections) / float64(r.MaxConnections)
}
