// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

// Package health owns the probe schedule and the per-server health state
// machine.
package health

import (
	"errors"

	"github.com/loganrossus/vpnfleet/pkg/config"
	"github.com/loganrossus/vpnfleet/pkg/probe"
	"github.com/loganrossus/vpnfleet/pkg/registry"
)

// Outcome is the quality class of one probe.
type Outcome int

const (
	// OutcomeClean is low loss with latency near the region baseline.
	OutcomeClean Outcome = iota
	// OutcomeMarginal is neither clean nor degrading.
	OutcomeMarginal
	// OutcomeDegrading is high loss or high latency.
	OutcomeDegrading
	// OutcomeFailed is an unreachable or timed out probe.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeClean:
		return "clean"
	case OutcomeMarginal:
		return "marginal"
	case OutcomeDegrading:
		return "degrading"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Thresholds drive classification.
type Thresholds struct {
	DegradedLossPct        float64
	CleanLossPct           float64
	DegradedLatencyFactor  float64
	CleanLatencyFactor     float64
	UnhealthyAfterFailures int
	RecoveryProbes         int
}

// DefaultThresholds returns the stock thresholds.
func DefaultThresholds() Thresholds {
	return ThresholdsFromConfig(config.HealthConfig{})
}

// ThresholdsFromConfig converts the health section, filling zero values
// with defaults.
func ThresholdsFromConfig(cfg config.HealthConfig) Thresholds {
	t := Thresholds{
		DegradedLossPct:        cfg.DegradedLossPct,
		CleanLossPct:           cfg.CleanLossPct,
		DegradedLatencyFactor:  cfg.DegradedLatencyFactor,
		CleanLatencyFactor:     cfg.CleanLatencyFactor,
		UnhealthyAfterFailures: cfg.UnhealthyAfterFailures,
		RecoveryProbes:         cfg.RecoveryProbes,
	}
	if t.DegradedLossPct <= 0 {
		t.DegradedLossPct = config.DefaultDegradedLossPct
	}
	if t.CleanLossPct <= 0 {
		t.CleanLossPct = config.DefaultCleanLossPct
	}
	if t.DegradedLatencyFactor <= 0 {
		t.DegradedLatencyFactor = config.DefaultDegradedLatencyFactor
	}
	if t.CleanLatencyFactor <= 0 {
		t.CleanLatencyFactor = config.DefaultCleanLatencyFactor
	}
	if t.UnhealthyAfterFailures <= 0 {
		t.UnhealthyAfterFailures = config.DefaultUnhealthyAfterFailures
	}
	if t.RecoveryProbes < 2 {
		t.RecoveryProbes = config.DefaultRecoveryProbes
	}
	return t
}

// Evaluate classifies one probe against the region baseline. Agent metric
// failures do not affect the outcome; the network measurement stands.
func (t Thresholds) Evaluate(res probe.Result, err error, baselineMs float64) Outcome {
	if err != nil && !errors.Is(err, probe.ErrAgentMetricsUnavailable) {
		return OutcomeFailed
	}
	if res.PacketLossPct > t.DegradedLossPct || res.LatencyMs > t.DegradedLatencyFactor*baselineMs {
		return OutcomeDegrading
	}
	if res.PacketLossPct < t.CleanLossPct && res.LatencyMs <= t.CleanLatencyFactor*baselineMs {
		return OutcomeClean
	}
	return OutcomeMarginal
}

// State is the health portion of a ServerRecord.
type State struct {
	Status              registry.Status
	ConsecutiveFailures int
	ConsecutiveClean    int
}

// StateOf extracts the health state from a record.
func StateOf(rec registry.ServerRecord) State {
	return State{
		Status:              rec.Status,
		ConsecutiveFailures: rec.ConsecutiveFailures,
		ConsecutiveClean:    rec.ConsecutiveClean,
	}
}

// Transition describes a status change produced by Classify.
type Transition struct {
	From registry.Status
	To   registry.Status
}

// Changed reports whether the status moved.
func (tr Transition) Changed() bool {
	return tr.From != tr.To
}

// Classify advances the state machine by one probe outcome.
//
// A failure is a degrading or failed probe; the failure count only resets
// when the server becomes Healthy. Recovery to Healthy needs
// RecoveryProbes consecutive clean probes from any other state. Any probe
// that reached the server lifts Unreachable to Unhealthy.
func Classify(prev State, outcome Outcome, t Thresholds) (State, Transition) {
	next := prev

	switch outcome {
	case OutcomeClean:
		next.ConsecutiveClean++
		if prev.Status == registry.StatusHealthy || next.ConsecutiveClean >= t.RecoveryProbes {
			next.Status = registry.StatusHealthy
			next.ConsecutiveFailures = 0
		} else if prev.Status == registry.StatusUnreachable {
			next.Status = registry.StatusUnhealthy
		}

	case OutcomeMarginal:
		next.ConsecutiveClean = 0
		if prev.Status == registry.StatusUnreachable {
			next.Status = registry.StatusUnhealthy
		}

	case OutcomeDegrading, OutcomeFailed:
		next.ConsecutiveClean = 0
		next.ConsecutiveFailures++
		switch prev.Status {
		case registry.StatusHealthy:
			next.Status = registry.StatusDegraded
		case registry.StatusDegraded:
			if next.ConsecutiveFailures >= t.UnhealthyAfterFailures {
				next.Status = registry.StatusUnhealthy
			}
		case registry.StatusUnhealthy:
			if outcome == OutcomeFailed {
				next.Status = registry.StatusUnreachable
			}
		case registry.StatusUnreachable:
			if outcome == OutcomeDegrading {
				next.Status = registry.StatusUnhealthy
			}
		default:
			next.Status = registry.StatusUnhealthy
		}
	}

	return next, Transition{From: prev.Status, To: next.Status}
}
