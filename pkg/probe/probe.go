// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

// Package probe takes single health measurements of VPN endpoints.
// A probe never touches the registry; it returns a Result or an error
// and leaves interpretation to the caller.
package probe

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnreachable means the reachability check failed.
	ErrUnreachable = errors.New("endpoint unreachable")
	// ErrTimeout means the probe budget expired before measurement finished.
	ErrTimeout = errors.New("probe timed out")
	// ErrAgentMetricsUnavailable accompanies an otherwise valid Result when
	// the on-server agent could not be queried.
	ErrAgentMetricsUnavailable = errors.New("agent metrics unavailable")
)

// Target identifies what to probe.
type Target struct {
	ServerID string
	Address  string
	Port     int
	// AgentPort enables agent metrics collection when non-zero.
	AgentPort int
}

// AgentMetrics is the load reported by the on-server agent.
type AgentMetrics struct {
	ActiveConnections int     `json:"active_connections"`
	CPUPercent        float64 `json:"cpu_percent"`
}

// Result is the measurement of one probe. Poor quality is still a Result:
// 40% loss is a successful probe with bad numbers.
type Result struct {
	LatencyMs     float64
	JitterMs      float64
	PacketLossPct float64
	SamplesSent   int
	SamplesLost   int
	Agent         *AgentMetrics
	StartedAt     time.Time
	Duration      time.Duration
}

// Prober runs one probe against one target. The context carries the probe budget.
type Prober interface {
	Run(ctx context.Context, target Target) (Result, error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, target Target) (Result, error)

func (f ProberFunc) Run(ctx context.Context, target Target) (Result, error) {
	return f(ctx, target)
}

// IsNetworkFailure reports whether err means no usable measurement was taken.
func IsNetworkFailure(err error) bool {
	return errors.Is(err, ErrUnreachable) || errors.Is(err, ErrTimeout)
}
