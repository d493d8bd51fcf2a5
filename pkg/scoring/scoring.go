// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

// Package scoring computes the 0-100 suitability score of a server.
//
// Score is a pure function of its arguments: it reads no clock and holds no
// state, so identical inputs always produce identical results. Anything
// time-dependent, such as probe staleness, is passed in through Context.
package scoring

import (
	"math"
	"time"

	"github.com/loganrossus/vpnfleet/pkg/config"
	"github.com/loganrossus/vpnfleet/pkg/registry"
)

// Weights parameterizes the weighted-sum model.
type Weights struct {
	Latency             float64 `json:"latency"`
	Capacity            float64 `json:"capacity"`
	GeoBonus            float64 `json:"geo_bonus"`
	LatencyDivisor      float64 `json:"latency_divisor"`
	HealthyMultiplier   float64 `json:"healthy_multiplier"`
	DegradedMultiplier  float64 `json:"degraded_multiplier"`
	UnhealthyMultiplier float64 `json:"unhealthy_multiplier"`
	// StalenessPenalty is subtracted once per full probe interval a record
	// is overdue.
	StalenessPenalty float64 `json:"staleness_penalty"`
}

// DefaultWeights returns the stock model.
func DefaultWeights() Weights {
	return Weights{
		Latency:            config.DefaultLatencyWeight,
		Capacity:           config.DefaultCapacityWeight,
		GeoBonus:           config.DefaultGeoBonus,
		LatencyDivisor:     config.DefaultLatencyDivisor,
		HealthyMultiplier:  config.DefaultHealthyMultiplier,
		DegradedMultiplier: config.DefaultDegradedMultiplier,
	}
}

// WeightsFromConfig builds weights from a defaulted scoring section.
func WeightsFromConfig(cfg config.ScoringConfig) Weights {
	w := Weights{
		Latency:            cfg.LatencyWeight,
		Capacity:           cfg.CapacityWeight,
		GeoBonus:           cfg.GeoBonus,
		LatencyDivisor:     cfg.LatencyDivisor,
		HealthyMultiplier:  cfg.HealthyMultiplier,
		DegradedMultiplier: cfg.DegradedMultiplier,
		StalenessPenalty:   cfg.StalenessPenalty,
	}
	if w.LatencyDivisor <= 0 {
		w.LatencyDivisor = config.DefaultLatencyDivisor
	}
	return w
}

// Input is the slice of a ServerRecord that scoring reads.
type Input struct {
	Region            string
	Status            registry.Status
	LatencyMs         float64
	ActiveConnections int
	MaxConnections    int
}

// InputFromRecord extracts the scored fields.
func InputFromRecord(rec registry.ServerRecord) Input {
	return Input{
		Region:            rec.Region,
		Status:            rec.Status,
		LatencyMs:         rec.LatencyMs,
		ActiveConnections: rec.ActiveConnections,
		MaxConnections:    rec.MaxConnections,
	}
}

// Context is the per-request side of the score.
type Context struct {
	// AffinityRegions earn the geo bonus.
	AffinityRegions []string
	// ProbeAge is how long ago the record was last probed. Zero disables
	// the staleness penalty, as does a zero ProbeInterval.
	ProbeAge      time.Duration
	ProbeInterval time.Duration
}

// Breakdown is a score with its components, for diagnostics.
type Breakdown struct {
	Latency          float64 `json:"latency_component"`
	Capacity         float64 `json:"capacity_component"`
	HealthMultiplier float64 `json:"health_multiplier"`
	GeoBonus         float64 `json:"geo_bonus"`
	StalenessPenalty float64 `json:"staleness_penalty"`
	Score            float64 `json:"score"`
}

// Score returns the server's score in [0,100].
func Score(in Input, ctx Context, w Weights) float64 {
	return Explain(in, ctx, w).Score
}

// Explain computes the score and its components.
func Explain(in Input, ctx Context, w Weights) Breakdown {
	b := Breakdown{
		Latency:          LatencyComponent(in.LatencyMs, w.LatencyDivisor),
		Capacity:         CapacityComponent(in.ActiveConnections, in.MaxConnections),
		HealthMultiplier: w.multiplier(in.Status),
	}
	if in.Region != "" {
		for _, r := range ctx.AffinityRegions {
			if r == in.Region {
				b.GeoBonus = w.GeoBonus
				break
			}
		}
	}
	if w.StalenessPenalty > 0 && ctx.ProbeInterval > 0 && ctx.ProbeAge > ctx.ProbeInterval {
		overdue := (ctx.ProbeAge - ctx.ProbeInterval) / ctx.ProbeInterval
		b.StalenessPenalty = float64(overdue) * w.StalenessPenalty
	}

	raw := b.HealthMultiplier*(w.Latency*b.Latency+w.Capacity*b.Capacity) + b.GeoBonus - b.StalenessPenalty
	b.Score = clamp(raw)
	return b
}

// LatencyComponent is max(0, 100 - latency/divisor) clamped to [0,100].
func LatencyComponent(latencyMs, divisor float64) float64 {
	if divisor <= 0 {
		divisor = config.DefaultLatencyDivisor
	}
	return clamp(100 - latencyMs/divisor)
}

// CapacityComponent is the free share of max connections on a 0-100 scale.
// A server with no capacity scores zero.
func CapacityComponent(active, max int) float64 {
	if max <= 0 {
		return 0
	}
	return clamp(100 * (1 - float64(active)/float64(max)))
}

func (w Weights) multiplier(s registry.Status) float64 {
	switch s {
	case registry.StatusHealthy:
		return w.HealthyMultiplier
	case registry.StatusDegraded:
		return w.DegradedMultiplier
	case registry.StatusUnhealthy:
		return w.UnhealthyMultiplier
	default:
		return 0
	}
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
