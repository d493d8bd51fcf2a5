// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/loganrossus/vpnfleet/pkg/api"
	"github.com/loganrossus/vpnfleet/pkg/logging"
	"github.com/loganrossus/vpnfleet/pkg/probe"
)

// =============================================================================
// Reporter
// =============================================================================

type loadSink struct {
	mu      sync.Mutex
	reports []api.LoadReport
	paths   []string
	status  int
}

func (s *loadSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var report api.LoadReport
	_ = json.NewDecoder(r.Body).Decode(&report)

	s.mu.Lock()
	s.reports = append(s.reports, report)
	s.paths = append(s.paths, r.Method+" "+r.URL.Path)
	status := s.status
	s.mu.Unlock()

	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
}

func (s *loadSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewReporter_Validation(t *testing.T) {
	collect := func(ctx context.Context) (probe.AgentMetrics, error) { return probe.AgentMetrics{}, nil }
	if _, err := NewReporter(ReporterConfig{ServerID: "a"}, collect); err == nil {
		t.Error("expected error without engine URL")
	}
	if _, err := NewReporter(ReporterConfig{EngineURL: "http://x"}, collect); err == nil {
		t.Error("expected error without server id")
	}

	r, err := NewReporter(ReporterConfig{EngineURL: "http://x", ServerID: "a"}, collect)
	if err != nil {
		t.Fatalf("NewReporter() error = %v", err)
	}
	if r.config.Interval != 15*time.Second || r.config.MissedThreshold != 3 {
		t.Errorf("defaults = %+v", r.config)
	}
}

func TestReporter_SendsLoad(t *testing.T) {
	sink := &loadSink{}
	srv := httptest.NewServer(sink)
	defer srv.Close()

	collect := func(ctx context.Context) (probe.AgentMetrics, error) {
		return probe.AgentMetrics{ActiveConnections: 9, CPUPercent: 20}, nil
	}
	r, err := NewReporter(ReporterConfig{
		EngineURL: srv.URL + "/",
		ServerID:  "us-east-1",
		Interval:  time.Hour,
		Logger:    logging.Discard(),
	}, collect)
	if err != nil {
		t.Fatalf("NewReporter() error = %v", err)
	}

	r.Start(context.Background())
	waitFor(t, func() bool { return sink.count() == 1 })
	r.Stop()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.paths[0] != "POST /servers/us-east-1/load" {
		t.Errorf("request = %q", sink.paths[0])
	}
	got := sink.reports[0]
	if got.ActiveConnections == nil || *got.ActiveConnections != 9 {
		t.Errorf("active_connections = %v, want 9", got.ActiveConnections)
	}
	if got.MaxConnections != nil {
		t.Error("max_connections should not be reported")
	}

	stats := r.Stats()
	if stats.Running || stats.LastSent.IsZero() || stats.ConsecutiveFailures != 0 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestReporter_CountsFailures(t *testing.T) {
	sink := &loadSink{status: http.StatusServiceUnavailable}
	srv := httptest.NewServer(sink)
	defer srv.Close()

	r, _ := NewReporter(ReporterConfig{
		EngineURL: srv.URL,
		ServerID:  "us-east-1",
		Interval:  10 * time.Millisecond,
		Logger:    logging.Discard(),
	}, func(ctx context.Context) (probe.AgentMetrics, error) { return probe.AgentMetrics{}, nil })

	r.Start(context.Background())
	waitFor(t, func() bool { return r.Stats().ConsecutiveFailures >= 2 })
	r.Stop()

	if !r.Stats().LastSent.IsZero() {
		t.Error("LastSent should stay zero when every report fails")
	}
}

func TestReporter_StopsOnContextCancel(t *testing.T) {
	r, _ := NewReporter(ReporterConfig{
		EngineURL: "http://127.0.0.1:1",
		ServerID:  "a",
		Interval:  time.Hour,
		Logger:    logging.Discard(),
	}, func(ctx context.Context) (probe.AgentMetrics, error) {
		return probe.AgentMetrics{}, errors.New("collect failed")
	})

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	cancel()
	waitFor(t, func() bool { return !r.Stats().Running })
	r.Stop()
}
