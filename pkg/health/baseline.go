// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package health

import (
	"sort"

	"github.com/loganrossus/vpnfleet/pkg/config"
	"github.com/loganrossus/vpnfleet/pkg/registry"
)

// Baselines resolves the expected latency of each region.
type Baselines struct {
	// Configured holds operator-set baselines in milliseconds.
	Configured map[string]float64
	// DefaultMs applies to regions with neither a configured baseline nor
	// a Healthy server to learn from.
	DefaultMs float64
}

// Resolve returns a baseline per region seen in the snapshot. Unconfigured
// regions use the median latency of their Healthy servers.
func (b Baselines) Resolve(snapshot []registry.ServerRecord) map[string]float64 {
	observed := make(map[string][]float64)
	out := make(map[string]float64, len(b.Configured))
	for region, ms := range b.Configured {
		if ms > 0 {
			out[region] = ms
		}
	}

	for _, rec := range snapshot {
		if _, ok := out[rec.Region]; ok {
			continue
		}
		if rec.Status == registry.StatusHealthy && rec.LatencyMs > 0 {
			observed[rec.Region] = append(observed[rec.Region], rec.LatencyMs)
		}
	}
	for region, samples := range observed {
		out[region] = median(samples)
	}
	return out
}

// For returns the baseline of region from a resolved map.
func (b Baselines) For(resolved map[string]float64, region string) float64 {
	if ms, ok := resolved[region]; ok && ms > 0 {
		return ms
	}
	if b.DefaultMs > 0 {
		return b.DefaultMs
	}
	return config.DefaultBaselineMs
}

func median(v []float64) float64 {
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}
