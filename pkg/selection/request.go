// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

// Package selection picks the best server for a client request.
package selection

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/loganrossus/vpnfleet/pkg/geo"
	"github.com/loganrossus/vpnfleet/pkg/registry"
	"github.com/loganrossus/vpnfleet/pkg/scoring"
)

var (
	// ErrNoEligibleServers means every server was filtered out.
	ErrNoEligibleServers = errors.New("no eligible servers")
	// ErrInvalidTierRequested means the minimum tier is not configured.
	ErrInvalidTierRequested = errors.New("invalid tier requested")
	// ErrInvalidRequest covers malformed hints and unknown policies.
	ErrInvalidRequest = errors.New("invalid selection request")
)

// DegradedPolicy controls when Degraded servers may be chosen.
type DegradedPolicy string

const (
	// PolicyFallback uses Degraded servers only when no Healthy server is
	// eligible.
	PolicyFallback DegradedPolicy = "fallback"
	// PolicyAllow ranks Healthy and Degraded servers together.
	PolicyAllow DegradedPolicy = "allow"
	// PolicyNever only returns Healthy servers.
	PolicyNever DegradedPolicy = "never"
)

// ParsePolicy validates a policy name. Empty returns def.
func ParsePolicy(s string, def DegradedPolicy) (DegradedPolicy, error) {
	switch p := DegradedPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return def, nil
	case PolicyFallback, PolicyAllow, PolicyNever:
		return p, nil
	default:
		return "", fmt.Errorf("%w: degraded_policy %q", ErrInvalidRequest, s)
	}
}

// Request is a selection request.
type Request struct {
	PreferredRegion    string   `json:"preferred_region,omitempty"`
	ExcludeServerIDs   []string `json:"exclude_server_ids,omitempty"`
	RequireMinimumTier string   `json:"require_minimum_tier,omitempty"`
	// ClientGeoHint is a region code or "lat,long".
	ClientGeoHint string `json:"client_geo_hint,omitempty"`
	// ClientIP is resolved to a region when no geo hint is given.
	ClientIP       string         `json:"client_ip,omitempty"`
	DegradedPolicy DegradedPolicy `json:"degraded_policy,omitempty"`
}

// Candidate is a scored eligible server.
type Candidate struct {
	ServerID          string          `json:"server_id"`
	Region            string          `json:"region"`
	EndpointAddress   string          `json:"endpoint_address"`
	ListenPort        int             `json:"listen_port"`
	PublicKey         string          `json:"public_key,omitempty"`
	Tier              string          `json:"tier"`
	Status            registry.Status `json:"status"`
	Score             float64         `json:"score"`
	ActiveConnections int             `json:"active_connections"`
	MaxConnections    int             `json:"max_connections"`
}

func candidateOf(rec registry.ServerRecord, score float64) Candidate {
	return Candidate{
		ServerID:          rec.ServerID,
		Region:            rec.Region,
		EndpointAddress:   rec.EndpointAddress,
		ListenPort:        rec.ListenPort,
		PublicKey:         rec.PublicKey,
		Tier:              rec.Tier,
		Status:            rec.Status,
		Score:             score,
		ActiveConnections: rec.ActiveConnections,
		MaxConnections:    rec.MaxConnections,
	}
}

// Affinity records which regions earned the geo bonus and why.
type Affinity struct {
	Regions []string `json:"regions,omitempty"`
	// Source is preferred_region, geo_hint, coordinates or client_ip for
	// the hint-derived region.
	Source string           `json:"source,omitempty"`
	Match  *geo.RegionMatch `json:"match,omitempty"`
}

// Result is the winner plus ordered runner-ups for local retries.
type Result struct {
	ServerID  string         `json:"server_id"`
	Score     float64        `json:"score"`
	Server    Candidate      `json:"server"`
	RunnerUps []Candidate    `json:"runner_ups"`
	Affinity  Affinity       `json:"affinity"`
	Policy    DegradedPolicy `json:"degraded_policy"`
}

// Exclusion reasons reported by Explain.
const (
	ReasonUnhealthy      = "status_unhealthy"
	ReasonUnreachable    = "status_unreachable"
	ReasonExcluded       = "excluded_by_request"
	ReasonTier           = "below_minimum_tier"
	ReasonAtCapacity     = "at_capacity"
	ReasonDegradedPolicy = "degraded_not_permitted"
)

// Explanation is one server's fate in a selection.
type Explanation struct {
	ServerID string             `json:"server_id"`
	Region   string             `json:"region"`
	Status   registry.Status    `json:"status"`
	Eligible bool               `json:"eligible"`
	Reason   string             `json:"reason,omitempty"`
	Rank     int                `json:"rank,omitempty"`
	Score    *scoring.Breakdown `json:"score,omitempty"`
}

// Explain is the diagnostic view of a selection.
type Explain struct {
	Affinity Affinity       `json:"affinity"`
	Policy   DegradedPolicy `json:"degraded_policy"`
	Servers  []Explanation  `json:"servers"`
}

func parseClientIP(s string) (net.IP, error) {
	if s == "" {
		return nil, nil
	}
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return nil, fmt.Errorf("%w: client_ip %q", ErrInvalidRequest, s)
	}
	return ip, nil
}
