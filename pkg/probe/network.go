// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package probe

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Defaults for NetworkProber.
const (
	DefaultSamples       = 10
	DefaultSampleTimeout = time.Second
)

// NetworkConfig configures a NetworkProber.
type NetworkConfig struct {
	Sampler        Sampler
	Resolver       *Resolver
	Agent          *AgentClient
	Samples        int
	SampleInterval time.Duration
	SampleTimeout  time.Duration
}

// NetworkProber checks reachability, then takes latency samples and
// optionally queries the server's agent.
type NetworkProber struct {
	cfg NetworkConfig
}

// NewNetworkProber creates a prober. A nil Sampler defaults to TCP.
func NewNetworkProber(cfg NetworkConfig) *NetworkProber {
	if cfg.Sampler == nil {
		cfg.Sampler = NewTCPSampler()
	}
	if cfg.Samples <= 0 {
		cfg.Samples = DefaultSamples
	}
	if cfg.SampleTimeout <= 0 {
		cfg.SampleTimeout = DefaultSampleTimeout
	}
	return &NetworkProber{cfg: cfg}
}

// Run probes target within the budget carried by ctx. A failed
// reachability check returns ErrUnreachable without sampling.
func (p *NetworkProber) Run(ctx context.Context, target Target) (res Result, err error) {
	res.StartedAt = time.Now()
	defer func() { res.Duration = time.Since(res.StartedAt) }()

	ip, err := p.cfg.Resolver.Lookup(ctx, target.Address)
	if err != nil {
		return res, p.failure(ctx, fmt.Errorf("resolve %s: %w", target.Address, err))
	}
	addr := joinHostPort(ip.String(), target.Port)

	if _, err := p.sample(ctx, addr); err != nil {
		return res, p.failure(ctx, err)
	}

	rtts := make([]float64, 0, p.cfg.Samples)
	for i := 0; i < p.cfg.Samples; i++ {
		if i > 0 && p.cfg.SampleInterval > 0 {
			timer := time.NewTimer(p.cfg.SampleInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return res, fmt.Errorf("%w after %d samples", ErrTimeout, res.SamplesSent)
			case <-timer.C:
			}
		}

		rtt, err := p.sample(ctx, addr)
		res.SamplesSent++
		if err != nil {
			if ctx.Err() != nil {
				return res, fmt.Errorf("%w after %d samples", ErrTimeout, res.SamplesSent)
			}
			res.SamplesLost++
			continue
		}
		rtts = append(rtts, float64(rtt)/float64(time.Millisecond))
	}

	res.LatencyMs, res.JitterMs = summarize(rtts)
	if len(rtts) == 0 {
		// Every sample was lost: report the sample timeout so a silent
		// server never scores as fast.
		res.LatencyMs = float64(p.cfg.SampleTimeout) / float64(time.Millisecond)
	}
	res.PacketLossPct = 100 * float64(res.SamplesLost) / float64(res.SamplesSent)

	if p.cfg.Agent != nil && target.AgentPort > 0 {
		m, err := p.cfg.Agent.Fetch(ctx, ip.String(), target.AgentPort)
		if err != nil {
			return res, fmt.Errorf("%w: %v", ErrAgentMetricsUnavailable, err)
		}
		res.Agent = m
	}
	return res, nil
}

func (p *NetworkProber) sample(ctx context.Context, addr string) (time.Duration, error) {
	sctx, cancel := context.WithTimeout(ctx, p.cfg.SampleTimeout)
	defer cancel()
	return p.cfg.Sampler.Sample(sctx, addr)
}

func (p *NetworkProber) failure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

// summarize returns the mean RTT and the standard deviation of the deltas
// between consecutive RTTs.
func summarize(rtts []float64) (mean, jitter float64) {
	if len(rtts) == 0 {
		return 0, 0
	}
	for _, v := range rtts {
		mean += v
	}
	mean /= float64(len(rtts))

	if len(rtts) < 3 {
		return mean, 0
	}
	deltas := make([]float64, len(rtts)-1)
	var dMean float64
	for i := 1; i < len(rtts); i++ {
		deltas[i-1] = rtts[i] - rtts[i-1]
		dMean += deltas[i-1]
	}
	dMean /= float64(len(deltas))
	var variance float64
	for _, d := range deltas {
		variance += (d - dMean) * (d - dMean)
	}
	return mean, math.Sqrt(variance / float64(len(deltas)))
}
