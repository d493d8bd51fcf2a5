// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package health

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loganrossus/vpnfleet/pkg/events"
	"github.com/loganrossus/vpnfleet/pkg/logging"
	"github.com/loganrossus/vpnfleet/pkg/probe"
	"github.com/loganrossus/vpnfleet/pkg/registry"
)

// scriptedProber returns a fixed response per server id.
type scriptedProber struct {
	mu        sync.Mutex
	responses map[string]func(ctx context.Context) (probe.Result, error)
	calls     map[string]int
}

func newScriptedProber() *scriptedProber {
	return &scriptedProber{
		responses: make(map[string]func(ctx context.Context) (probe.Result, error)),
		calls:     make(map[string]int),
	}
}

func (p *scriptedProber) set(id string, fn func(ctx context.Context) (probe.Result, error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses[id] = fn
}

func (p *scriptedProber) callCount(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[id]
}

func (p *scriptedProber) Run(ctx context.Context, target probe.Target) (probe.Result, error) {
	p.mu.Lock()
	p.calls[target.ServerID]++
	fn := p.responses[target.ServerID]
	p.mu.Unlock()
	if fn == nil {
		return probe.Result{}, probe.ErrUnreachable
	}
	return fn(ctx)
}

func clean(latency float64) func(context.Context) (probe.Result, error) {
	return func(context.Context) (probe.Result, error) {
		return probe.Result{LatencyMs: latency, JitterMs: 1, SamplesSent: 10}, nil
	}
}

func unreachable(context.Context) (probe.Result, error) {
	return probe.Result{}, probe.ErrUnreachable
}

// unavailableRegistry fails snapshots on demand.
type unavailableRegistry struct {
	*registry.MemoryRegistry
	down atomic.Bool
}

func (r *unavailableRegistry) Snapshot(ctx context.Context) ([]registry.ServerRecord, error) {
	if r.down.Load() {
		return nil, registry.ErrUnavailable
	}
	return r.MemoryRegistry.Snapshot(ctx)
}

func newTestRegistry(t *testing.T, ids ...string) *registry.MemoryRegistry {
	t.Helper()
	reg := registry.New(registry.Config{Logger: logging.Discard()})
	for _, id := range ids {
		_, err := reg.Register(context.Background(), registry.ServerRecord{
			ServerID:        id,
			Region:          "eu-west",
			EndpointAddress: "192.0.2.1",
			ListenPort:      51820,
			MaxConnections:  100,
			Tier:            "standard",
		})
		if err != nil {
			t.Fatalf("Register(%s) error = %v", id, err)
		}
	}
	return reg
}

func newTestMonitor(t *testing.T, reg registry.Registry, p probe.Prober, mod func(*Config)) *Monitor {
	t.Helper()
	cfg := Config{
		Registry:     reg,
		Prober:       p,
		Interval:     time.Hour,
		ProbeTimeout: time.Second,
		Concurrency:  4,
		Logger:       logging.Discard(),
	}
	if mod != nil {
		mod(&cfg)
	}
	m, err := NewMonitor(cfg)
	if err != nil {
		t.Fatalf("NewMonitor() error = %v", err)
	}
	return m
}

func TestNewMonitor_RequiresDependencies(t *testing.T) {
	if _, err := NewMonitor(Config{Prober: newScriptedProber()}); err == nil {
		t.Error("NewMonitor() without registry: want error")
	}
	if _, err := NewMonitor(Config{Registry: registry.New(registry.Config{})}); err == nil {
		t.Error("NewMonitor() without prober: want error")
	}
}

func TestMonitor_RunOnce_RecoversAfterTwoCycles(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, "a", "b")
	p := newScriptedProber()
	p.set("a", clean(40))
	p.set("b", unreachable)

	bus := events.NewBus()
	transitions, cancel := bus.Subscribe(16, events.TypeHealthTransition)
	defer cancel()

	m := newTestMonitor(t, reg, p, func(c *Config) { c.Events = bus })

	if err := m.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	a, _ := reg.Get(ctx, "a")
	if a.Status != registry.StatusUnhealthy {
		t.Errorf("after one clean cycle a = %s, want unhealthy", a.Status)
	}
	if a.LatencyMs != 40 || a.LastProbedAt.IsZero() {
		t.Errorf("measurement not applied: latency=%v probed=%v", a.LatencyMs, a.LastProbedAt)
	}

	if err := m.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	a, _ = reg.Get(ctx, "a")
	if a.Status != registry.StatusHealthy {
		t.Errorf("after two clean cycles a = %s, want healthy", a.Status)
	}
	// 0.5*80 + 0.3*100
	if a.PerformanceScore < 69.99 || a.PerformanceScore > 70.01 {
		t.Errorf("PerformanceScore = %v, want 70", a.PerformanceScore)
	}

	b, _ := reg.Get(ctx, "b")
	if b.Status != registry.StatusUnreachable {
		t.Errorf("b = %s, want unreachable", b.Status)
	}
	if b.ConsecutiveFailures != 2 || b.LastError == "" {
		t.Errorf("b failures=%d lastError=%q", b.ConsecutiveFailures, b.LastError)
	}

	var seen []events.Event
	for len(transitions) > 0 {
		seen = append(seen, <-transitions)
	}
	if len(seen) != 2 {
		t.Fatalf("transition events = %d, want 2: %+v", len(seen), seen)
	}
	for _, ev := range seen {
		switch ev.ServerID {
		case "a":
			if ev.To != string(registry.StatusHealthy) {
				t.Errorf("a transition to %s", ev.To)
			}
		case "b":
			if ev.From != string(registry.StatusUnhealthy) || ev.To != string(registry.StatusUnreachable) {
				t.Errorf("b transition %s -> %s", ev.From, ev.To)
			}
		}
	}
}

func TestMonitor_FailedProbeReplacesMeasurement(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, "a")
	p := newScriptedProber()
	p.set("a", func(context.Context) (probe.Result, error) {
		return probe.Result{LatencyMs: 40, JitterMs: 6}, nil
	})
	m := newTestMonitor(t, reg, p, func(c *Config) { c.ProbeTimeout = 2 * time.Second })

	for i := 0; i < 2; i++ {
		if err := m.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce() error = %v", err)
		}
	}
	before, _ := reg.Get(ctx, "a")
	if before.Status != registry.StatusHealthy || before.JitterMs != 6 {
		t.Fatalf("setup: a = %s jitter=%v, want healthy with jitter 6", before.Status, before.JitterMs)
	}

	p.set("a", unreachable)
	if err := m.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	a, _ := reg.Get(ctx, "a")
	if a.Status != registry.StatusDegraded {
		t.Errorf("a = %s, want degraded", a.Status)
	}
	if a.LatencyMs != 2000 || a.JitterMs != 0 || a.PacketLossPct != 100 {
		t.Errorf("latency=%v jitter=%v loss=%v, want 2000/0/100", a.LatencyMs, a.JitterMs, a.PacketLossPct)
	}
	if a.PerformanceScore >= before.PerformanceScore {
		t.Errorf("score %v after failure, want below %v", a.PerformanceScore, before.PerformanceScore)
	}
}

func TestMonitor_SlowProbeDoesNotDelayOthers(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, "fast", "hung")
	p := newScriptedProber()
	p.set("fast", clean(10))
	p.set("hung", func(ctx context.Context) (probe.Result, error) {
		<-ctx.Done()
		return probe.Result{}, probe.ErrTimeout
	})

	m := newTestMonitor(t, reg, p, func(c *Config) { c.ProbeTimeout = 50 * time.Millisecond })

	start := time.Now()
	if err := m.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("RunOnce() took %v with a hung probe", elapsed)
	}

	hung, _ := reg.Get(ctx, "hung")
	if hung.Status != registry.StatusUnreachable {
		t.Errorf("hung = %s, want unreachable", hung.Status)
	}
	fast, _ := reg.Get(ctx, "fast")
	if fast.LatencyMs != 10 {
		t.Errorf("fast latency = %v, want 10", fast.LatencyMs)
	}
}

func TestMonitor_ConcurrencyLimit(t *testing.T) {
	ids := []string{"s1", "s2", "s3", "s4", "s5", "s6", "s7", "s8"}
	reg := newTestRegistry(t, ids...)
	p := newScriptedProber()

	var inFlight, peak atomic.Int32
	for _, id := range ids {
		p.set(id, func(context.Context) (probe.Result, error) {
			n := inFlight.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inFlight.Add(-1)
			return probe.Result{LatencyMs: 10}, nil
		})
	}

	m := newTestMonitor(t, reg, p, func(c *Config) { c.Concurrency = 2 })
	if err := m.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if got := peak.Load(); got > 2 {
		t.Errorf("peak in-flight probes = %d, want <= 2", got)
	}
}

func TestMonitor_AgentMetricsApplied(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, "a", "b")
	p := newScriptedProber()
	p.set("a", func(context.Context) (probe.Result, error) {
		return probe.Result{LatencyMs: 10, Agent: &probe.AgentMetrics{ActiveConnections: 25, CPUPercent: 40}}, nil
	})
	p.set("b", func(context.Context) (probe.Result, error) {
		return probe.Result{LatencyMs: 10}, probe.ErrAgentMetricsUnavailable
	})
	if _, err := reg.Update(ctx, "b", func(r *registry.ServerRecord) error {
		r.ActiveConnections = 7
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	m := newTestMonitor(t, reg, p, nil)
	if err := m.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	a, _ := reg.Get(ctx, "a")
	if a.ActiveConnections != 25 || a.CPUPercent != 40 {
		t.Errorf("a agent metrics = %d/%v, want 25/40", a.ActiveConnections, a.CPUPercent)
	}
	b, _ := reg.Get(ctx, "b")
	if b.ActiveConnections != 7 {
		t.Errorf("b ActiveConnections = %d, want previous value 7", b.ActiveConnections)
	}
	if b.ConsecutiveClean != 1 {
		t.Errorf("b ConsecutiveClean = %d, want 1", b.ConsecutiveClean)
	}
	if b.LastError == "" {
		t.Error("b LastError empty after agent failure")
	}
}

func TestMonitor_ProbesCachedTargetsWhileRegistryDown(t *testing.T) {
	ctx := context.Background()
	reg := &unavailableRegistry{MemoryRegistry: newTestRegistry(t, "a")}
	p := newScriptedProber()
	p.set("a", clean(20))

	m := newTestMonitor(t, reg, p, nil)
	if err := m.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	reg.down.Store(true)
	if err := m.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() with registry down error = %v", err)
	}
	if got := p.callCount("a"); got != 2 {
		t.Errorf("probe calls = %d, want 2", got)
	}

	reg.down.Store(false)
	a, err := reg.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if a.Status != registry.StatusHealthy {
		t.Errorf("a = %s, want healthy from two applied cycles", a.Status)
	}
}

func TestMonitor_ObserversSeeCommittedCycle(t *testing.T) {
	reg := newTestRegistry(t, "a")
	p := newScriptedProber()
	p.set("a", clean(20))

	var got []registry.ServerRecord
	obs := CycleObserverFunc(func(_ context.Context, snapshot []registry.ServerRecord) {
		got = snapshot
	})
	m := newTestMonitor(t, reg, p, func(c *Config) { c.Observers = []CycleObserver{obs} })

	if err := m.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if len(got) != 1 || got[0].LastProbedAt.IsZero() {
		t.Errorf("observer snapshot = %+v, want the probed record", got)
	}
	if m.Cycles() != 1 {
		t.Errorf("Cycles() = %d, want 1", m.Cycles())
	}
}

func TestMonitor_ReconfigureBaseline(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, "a")
	p := newScriptedProber()
	p.set("a", clean(150))

	m := newTestMonitor(t, reg, p, func(c *Config) {
		c.Settings.Baselines = Baselines{Configured: map[string]float64{"eu-west": 50}}
	})
	_ = m.RunOnce(ctx)
	_ = m.RunOnce(ctx)
	a, _ := reg.Get(ctx, "a")
	if a.Status == registry.StatusHealthy {
		t.Fatalf("150ms against a 50ms baseline became healthy")
	}

	s := m.Settings()
	s.Baselines = Baselines{Configured: map[string]float64{"eu-west": 200}}
	m.Reconfigure(s)
	_ = m.RunOnce(ctx)
	_ = m.RunOnce(ctx)
	a, _ = reg.Get(ctx, "a")
	if a.Status != registry.StatusHealthy {
		t.Errorf("after raising baseline a = %s, want healthy", a.Status)
	}
}

func TestMonitor_StartStop(t *testing.T) {
	reg := newTestRegistry(t, "a")
	p := newScriptedProber()
	p.set("a", clean(20))

	m := newTestMonitor(t, reg, p, func(c *Config) { c.Interval = 10 * time.Millisecond })
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := m.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}

	deadline := time.Now().Add(2 * time.Second)
	for m.Cycles() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	m.Stop()
	m.Stop()

	if m.Cycles() < 3 {
		t.Errorf("Cycles() = %d, want >= 3", m.Cycles())
	}
	a, _ := reg.Get(context.Background(), "a")
	if a.Status != registry.StatusHealthy {
		t.Errorf("a = %s, want healthy", a.Status)
	}
}
