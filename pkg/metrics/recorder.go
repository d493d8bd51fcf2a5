// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/loganrossus/vpnfleet/pkg/autoscale"
	"github.com/loganrossus/vpnfleet/pkg/events"
	"github.com/loganrossus/vpnfleet/pkg/health"
	"github.com/loganrossus/vpnfleet/pkg/registry"
)

var statuses = []registry.Status{
	registry.StatusHealthy,
	registry.StatusDegraded,
	registry.StatusUnhealthy,
	registry.StatusUnreachable,
}

// Recorder feeds engine activity into the package collectors. It satisfies
// health.Metrics and selection.Metrics; Observer adapts it to
// health.CycleObserver.
type Recorder struct {
	mu      sync.Mutex
	servers map[string]string // server id -> region
	regions map[string]struct{}
}

// NewRecorder creates a Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		servers: make(map[string]string),
		regions: make(map[string]struct{}),
	}
}

// ObserveProbe implements health.Metrics.
func (r *Recorder) ObserveProbe(serverID string, outcome health.Outcome, d time.Duration) {
	RecordProbe(serverID, outcome.String(), d.Seconds())
}

// ObserveCycle implements health.Metrics.
func (r *Recorder) ObserveCycle(servers int, d time.Duration) {
	RecordCycle(servers, d.Seconds())
}

// ObserveSelection implements selection.Metrics.
func (r *Recorder) ObserveSelection(outcome string, d time.Duration) {
	RecordSelection(outcome, d.Seconds())
}

// Observer returns a health.CycleObserver that refreshes the per-server and
// per-region gauges from each post-cycle snapshot.
func (r *Recorder) Observer() health.CycleObserver {
	return health.CycleObserverFunc(func(_ context.Context, snapshot []registry.ServerRecord) {
		r.Refresh(snapshot)
	})
}

// Refresh sets every gauge from snapshot and removes series for servers
// and regions that are gone.
func (r *Recorder) Refresh(snapshot []registry.ServerRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]string, len(snapshot))
	for _, rec := range snapshot {
		if prev, ok := r.servers[rec.ServerID]; ok && prev != rec.Region {
			r.deleteServer(rec.ServerID, prev)
		}
		seen[rec.ServerID] = rec.Region
		for _, s := range statuses {
			v := 0.0
			if s == rec.Status {
				v = 1
			}
			ServerStatus.WithLabelValues(rec.ServerID, rec.Region, string(s)).Set(v)
		}
		ServerScore.WithLabelValues(rec.ServerID, rec.Region).Set(rec.PerformanceScore)
		ServerLatencyMs.WithLabelValues(rec.ServerID, rec.Region).Set(rec.LatencyMs)
		ServerPacketLossPct.WithLabelValues(rec.ServerID, rec.Region).Set(rec.PacketLossPct)
		ServerActiveConnections.WithLabelValues(rec.ServerID, rec.Region).Set(float64(rec.ActiveConnections))
	}
	for id, region := range r.servers {
		if _, ok := seen[id]; !ok {
			r.deleteServer(id, region)
		}
	}
	r.servers = seen

	util := autoscale.RegionUtilization(snapshot)
	for region := range r.regions {
		if _, ok := util[region]; !ok {
			HealthyServersGauge.DeleteLabelValues(region)
			RegionUtilization.DeleteLabelValues(region)
			delete(r.regions, region)
		}
	}
	for region, u := range util {
		r.regions[region] = struct{}{}
		SetHealthyServers(region, u.Healthy)
		RegionUtilization.WithLabelValues(region).Set(u.Ratio)
	}
}

func (r *Recorder) deleteServer(id, region string) {
	for _, s := range statuses {
		ServerStatus.DeleteLabelValues(id, region, string(s))
	}
	ServerScore.DeleteLabelValues(id, region)
	ServerLatencyMs.DeleteLabelValues(id, region)
	ServerPacketLossPct.DeleteLabelValues(id, region)
	ServerActiveConnections.DeleteLabelValues(id, region)
}

// DropHook returns a callback for events.WithDropHook.
func (r *Recorder) DropHook() func(events.Type) {
	return func(t events.Type) { RecordDroppedEvent(string(t)) }
}

// Run counts failover, autoscale and health transition events from bus
// until ctx is canceled.
func (r *Recorder) Run(ctx context.Context, bus *events.Bus) {
	ch, cancel := bus.Subscribe(events.DefaultBuffer,
		events.TypeHealthTransition,
		events.TypeFailoverActivated,
		events.TypeFailoverRecovering,
		events.TypeFailoverRestored,
		events.TypeScaleUp,
		events.TypeScaleDown,
	)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			r.record(ev)
		}
	}
}

func (r *Recorder) record(ev events.Event) {
	switch ev.Type {
	case events.TypeHealthTransition:
		HealthTransitionsTotal.WithLabelValues(ev.From, ev.To).Inc()
	case events.TypeFailoverActivated, events.TypeFailoverRecovering, events.TypeFailoverRestored:
		FailoverTransitionsTotal.WithLabelValues(ev.ServerID, string(ev.Type)).Inc()
	case events.TypeScaleUp, events.TypeScaleDown:
		ScaleIntentsTotal.WithLabelValues(ev.Region, string(ev.Type)).Inc()
	}
}
