// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/loganrossus/vpnfleet/pkg/api"
	"github.com/loganrossus/vpnfleet/pkg/probe"
)

// ReporterConfig configures the push reporter.
type ReporterConfig struct {
	// EngineURL is the engine API base, e.g. http://10.0.0.5:8080.
	EngineURL string
	ServerID  string

	// Interval between reports.
	Interval time.Duration

	// MissedThreshold is the number of failed sends before logging at error level.
	MissedThreshold int

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// CollectFunc produces the metrics to report.
type CollectFunc func(ctx context.Context) (probe.AgentMetrics, error)

// Reporter periodically pushes the server's load to the engine through
// POST /servers/{id}/load. It complements the probe's pull, keeping
// connection counts fresh between monitor cycles.
type Reporter struct {
	config  ReporterConfig
	collect CollectFunc
	logger  *slog.Logger
	client  *http.Client

	mu       sync.RWMutex
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	lastSent time.Time
	failures int
}

// NewReporter creates a reporter. It does nothing until Start.
func NewReporter(cfg ReporterConfig, collect CollectFunc) (*Reporter, error) {
	if cfg.EngineURL == "" || cfg.ServerID == "" {
		return nil, fmt.Errorf("reporter: engine URL and server id are required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.MissedThreshold <= 0 {
		cfg.MissedThreshold = 3
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Reporter{
		config:  cfg,
		collect: collect,
		client:  cfg.HTTPClient,
		logger:  cfg.Logger.With("component", "reporter", "server_id", cfg.ServerID),
	}, nil
}

// Start begins reporting at the configured interval.
func (r *Reporter) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	go r.loop(ctx)
}

// Stop stops the reporter and waits for the loop to exit.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	done := r.doneCh
	r.mu.Unlock()

	<-done
}

// ReporterStats contains reporter statistics.
type ReporterStats struct {
	Running             bool
	LastSent            time.Time
	ConsecutiveFailures int
	Interval            time.Duration
}

// Stats returns current reporter statistics.
func (r *Reporter) Stats() ReporterStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return ReporterStats{
		Running:             r.running,
		LastSent:            r.lastSent,
		ConsecutiveFailures: r.failures,
		Interval:            r.config.Interval,
	}
}

func (r *Reporter) loop(ctx context.Context) {
	r.mu.RLock()
	stopCh, doneCh := r.stopCh, r.doneCh
	r.mu.RUnlock()
	defer close(doneCh)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.report(ctx)
	for {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.running = false
			r.mu.Unlock()
			return
		case <-stopCh:
			return
		case <-ticker.C:
			r.report(ctx)
		}
	}
}

func (r *Reporter) report(ctx context.Context) {
	err := r.send(ctx)
	if err == nil {
		r.mu.Lock()
		r.lastSent = time.Now()
		r.failures = 0
		r.mu.Unlock()
		return
	}
	if ctx.Err() != nil {
		return
	}

	r.mu.Lock()
	r.failures++
	failures := r.failures
	r.mu.Unlock()

	if failures >= r.config.MissedThreshold {
		r.logger.Error("load report failed", "error", err, "consecutive_failures", failures)
	} else {
		r.logger.Warn("load report failed", "error", err, "consecutive_failures", failures)
	}
}

func (r *Reporter) send(ctx context.Context) error {
	m, err := r.collect(ctx)
	if err != nil {
		return fmt.Errorf("collect: %w", err)
	}

	cpu := m.CPUPercent
	body, err := json.Marshal(api.LoadReport{
		ActiveConnections: &m.ActiveConnections,
		CPUPercent:        &cpu,
	})
	if err != nil {
		return err
	}

	endpoint := strings.TrimRight(r.config.EngineURL, "/") + "/servers/" + url.PathEscape(r.config.ServerID) + "/load"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("engine returned status %d", resp.StatusCode)
	}
	r.logger.Debug("load reported", "active_connections", m.ActiveConnections, "cpu_percent", cpu)
	return nil
}
