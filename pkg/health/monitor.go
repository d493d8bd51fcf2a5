// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loganrossus/vpnfleet/pkg/events"
	"github.com/loganrossus/vpnfleet/pkg/probe"
	"github.com/loganrossus/vpnfleet/pkg/registry"
	"github.com/loganrossus/vpnfleet/pkg/scoring"
)

// CycleObserver runs after every committed probe cycle with a fresh
// snapshot of the registry.
type CycleObserver interface {
	ObserveCycle(ctx context.Context, snapshot []registry.ServerRecord)
}

// CycleObserverFunc adapts a function to CycleObserver.
type CycleObserverFunc func(ctx context.Context, snapshot []registry.ServerRecord)

// ObserveCycle implements CycleObserver.
func (f CycleObserverFunc) ObserveCycle(ctx context.Context, snapshot []registry.ServerRecord) {
	f(ctx, snapshot)
}

// Metrics receives probe and cycle timings.
type Metrics interface {
	ObserveProbe(serverID string, outcome Outcome, d time.Duration)
	ObserveCycle(servers int, d time.Duration)
}

// Settings are the reloadable parts of the monitor.
type Settings struct {
	Thresholds Thresholds
	Baselines  Baselines
	Weights    scoring.Weights
}

// Config configures a Monitor.
type Config struct {
	Registry registry.Registry
	Prober   probe.Prober

	// Interval between cycle starts.
	Interval time.Duration
	// ProbeTimeout bounds each probe independently.
	ProbeTimeout time.Duration
	// Concurrency caps probes in flight.
	Concurrency int
	// DefaultAgentPort is used for records without an agent port. Zero
	// leaves agent metrics to records that set one.
	DefaultAgentPort int

	Settings  Settings
	Events    events.Publisher
	Observers []CycleObserver
	Metrics   Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

// Monitor probes every registered server on a fixed interval and applies
// each result to the registry as one atomic record update.
type Monitor struct {
	registry  registry.Registry
	prober    probe.Prober
	interval  time.Duration
	timeout   time.Duration
	limit     int
	agentPort int
	events    events.Publisher
	observers []CycleObserver
	metrics   Metrics
	logger    *slog.Logger
	now       func() time.Time

	settings atomic.Pointer[Settings]

	// cached is the last snapshot read, probed while the registry is down.
	cacheMu sync.Mutex
	cached  []registry.ServerRecord

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	cycles  atomic.Uint64
}

// probeOutcome is the fan-out result for one server.
type probeOutcome struct {
	result probe.Result
	err    error
	took   time.Duration
}

// NewMonitor creates a monitor. Registry and Prober are required.
func NewMonitor(cfg Config) (*Monitor, error) {
	if cfg.Registry == nil {
		return nil, errors.New("health monitor requires a registry")
	}
	if cfg.Prober == nil {
		return nil, errors.New("health monitor requires a prober")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 16
	}
	if cfg.Events == nil {
		cfg.Events = events.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	m := &Monitor{
		registry:  cfg.Registry,
		prober:    cfg.Prober,
		interval:  cfg.Interval,
		timeout:   cfg.ProbeTimeout,
		limit:     cfg.Concurrency,
		agentPort: cfg.DefaultAgentPort,
		events:    cfg.Events,
		observers: cfg.Observers,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.With("component", "health-monitor"),
		now:       cfg.Now,
	}
	m.Reconfigure(cfg.Settings)
	return m, nil
}

// Reconfigure swaps thresholds, baselines and weights. The next cycle uses
// the new values.
func (m *Monitor) Reconfigure(s Settings) {
	if s.Thresholds == (Thresholds{}) {
		s.Thresholds = DefaultThresholds()
	}
	if s.Weights == (scoring.Weights{}) {
		s.Weights = scoring.DefaultWeights()
	}
	m.settings.Store(&s)
}

// Settings returns the active settings.
func (m *Monitor) Settings() Settings {
	return *m.settings.Load()
}

// Start runs an immediate cycle and then one per interval until Stop or
// ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("health monitor already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	m.wg.Add(1)
	go m.loop(ctx)

	m.logger.Info("health monitor started", "interval", m.interval, "concurrency", m.limit)
	return nil
}

// Stop cancels in-flight probes and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("health monitor stopped")
}

// Cycles returns the number of completed cycles.
func (m *Monitor) Cycles() uint64 {
	return m.cycles.Load()
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runCycle(ctx)
		}
	}
}

func (m *Monitor) runCycle(ctx context.Context) {
	if err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
		m.logger.Warn("probe cycle incomplete", "error", err)
	}
}

// RunOnce runs a single probe cycle: every probe is issued and collected
// before any result is applied. An error means some results could not be
// written; probing itself never fails.
func (m *Monitor) RunOnce(ctx context.Context) error {
	start := m.now()
	settings := m.settings.Load()

	targets, err := m.registry.Snapshot(ctx)
	if err != nil {
		m.cacheMu.Lock()
		targets = m.cached
		m.cacheMu.Unlock()
		m.logger.Warn("registry snapshot failed, probing cached targets", "error", err, "targets", len(targets))
	} else {
		m.cacheMu.Lock()
		m.cached = targets
		m.cacheMu.Unlock()
	}
	if len(targets) == 0 {
		m.cycles.Add(1)
		return nil
	}

	outcomes := make([]probeOutcome, len(targets))
	var g errgroup.Group
	g.SetLimit(m.limit)
	for i, rec := range targets {
		g.Go(func() error {
			outcomes[i] = m.probe(ctx, rec)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}

	baselines := settings.Baselines.Resolve(targets)
	var failed []error
	for i, rec := range targets {
		baseline := settings.Baselines.For(baselines, rec.Region)
		if err := m.apply(ctx, rec, outcomes[i], baseline, settings); err != nil {
			failed = append(failed, err)
		}
	}

	if m.metrics != nil {
		m.metrics.ObserveCycle(len(targets), m.now().Sub(start))
	}
	m.cycles.Add(1)

	if len(m.observers) > 0 {
		snapshot, err := m.registry.Snapshot(ctx)
		if err != nil {
			failed = append(failed, fmt.Errorf("post-cycle snapshot: %w", err))
		} else {
			for _, obs := range m.observers {
				obs.ObserveCycle(ctx, snapshot)
			}
		}
	}

	return errors.Join(failed...)
}

func (m *Monitor) probe(ctx context.Context, rec registry.ServerRecord) probeOutcome {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	target := probe.Target{
		ServerID:  rec.ServerID,
		Address:   rec.EndpointAddress,
		Port:      rec.ListenPort,
		AgentPort: rec.AgentPort,
	}
	if target.AgentPort == 0 {
		target.AgentPort = m.agentPort
	}

	started := m.now()
	res, err := m.prober.Run(ctx, target)
	return probeOutcome{result: res, err: err, took: m.now().Sub(started)}
}

// apply writes one probe outcome. Status, counters, measurements and score
// change together in a single registry update.
func (m *Monitor) apply(ctx context.Context, target registry.ServerRecord, po probeOutcome, baseline float64, s *Settings) error {
	outcome := s.Thresholds.Evaluate(po.result, po.err, baseline)
	probedAt := m.now()

	var transition Transition
	rec, err := m.registry.Update(ctx, target.ServerID, func(r *registry.ServerRecord) error {
		next, tr := Classify(StateOf(*r), outcome, s.Thresholds)
		transition = tr

		r.Status = next.Status
		r.ConsecutiveFailures = next.ConsecutiveFailures
		r.ConsecutiveClean = next.ConsecutiveClean
		r.LastProbedAt = probedAt
		r.LastError = ""

		if outcome == OutcomeFailed {
			// Nothing was measured: drop the previous sample so a server
			// that just stopped answering cannot keep its old latency.
			r.LatencyMs = float64(m.timeout) / float64(time.Millisecond)
			r.JitterMs = 0
			r.PacketLossPct = 100
			r.LastError = po.err.Error()
		} else {
			r.LatencyMs = po.result.LatencyMs
			r.JitterMs = po.result.JitterMs
			r.PacketLossPct = po.result.PacketLossPct
			if po.err != nil {
				r.LastError = po.err.Error()
			}
			if a := po.result.Agent; a != nil {
				r.ActiveConnections = a.ActiveConnections
				r.CPUPercent = a.CPUPercent
			}
		}

		r.PerformanceScore = scoring.Score(scoring.InputFromRecord(*r), scoring.Context{}, s.Weights)
		return nil
	})
	if m.metrics != nil {
		m.metrics.ObserveProbe(target.ServerID, outcome, po.took)
	}
	if errors.Is(err, registry.ErrNotFound) {
		m.logger.Debug("server deregistered during cycle", "server_id", target.ServerID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply probe for %s: %w", target.ServerID, err)
	}

	if po.err != nil {
		m.logger.Debug("probe error", "server_id", rec.ServerID, "outcome", outcome, "error", po.err)
	}
	m.events.Publish(events.Event{
		Type:     events.TypeProbeResult,
		ServerID: rec.ServerID,
		Region:   rec.Region,
		Detail:   outcome.String(),
		Value:    rec.LatencyMs,
	})

	if transition.Changed() {
		m.logger.Info("health status changed",
			"server_id", rec.ServerID,
			"region", rec.Region,
			"from", transition.From,
			"to", transition.To,
			"outcome", outcome,
			"consecutive_failures", rec.ConsecutiveFailures,
		)
		m.events.Publish(events.Event{
			Type:     events.TypeHealthTransition,
			ServerID: rec.ServerID,
			Region:   rec.Region,
			From:     string(transition.From),
			To:       string(transition.To),
			Detail:   outcome.String(),
		})
	}
	return nil
}
