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
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/loganrossus/vpnfleet/pkg/logging"
	"github.com/loganrossus/vpnfleet/pkg/probe"
)

type fakePeers struct {
	n   int
	err error
}

func (f fakePeers) ActivePeers(ctx context.Context) (int, error) { return f.n, f.err }

type fakeCPU struct {
	pct float64
	err error
}

func (f fakeCPU) Percent() (float64, error) { return f.pct, f.err }

// =============================================================================
// HTTP handler
// =============================================================================

func TestNew_RequiresPeers(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error without a peer counter")
	}
}

func TestAgentHandler(t *testing.T) {
	tests := []struct {
		name       string
		peers      fakePeers
		cpu        CPUReader
		wantStatus int
		want       probe.AgentMetrics
	}{
		{"metrics", fakePeers{n: 42}, fakeCPU{pct: 37.5}, http.StatusOK, probe.AgentMetrics{ActiveConnections: 42, CPUPercent: 37.5}},
		{"cpu failure reports zero", fakePeers{n: 7}, fakeCPU{err: errors.New("no procfs")}, http.StatusOK, probe.AgentMetrics{ActiveConnections: 7}},
		{"no cpu reader", fakePeers{n: 3}, nil, http.StatusOK, probe.AgentMetrics{ActiveConnections: 3}},
		{"peer failure", fakePeers{err: errors.New("device down")}, nil, http.StatusServiceUnavailable, probe.AgentMetrics{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := New(Config{Peers: tt.peers, CPU: tt.cpu, Logger: logging.Discard()})
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}

			rec := httptest.NewRecorder()
			a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, DefaultPath, nil))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var got probe.AgentMetrics
			if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got != tt.want {
				t.Errorf("metrics = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestAgentHandler_ProbeClientCompatible(t *testing.T) {
	a, _ := New(Config{Peers: fakePeers{n: 12}, CPU: fakeCPU{pct: 50}, Path: "/custom.json", Logger: logging.Discard()})
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	addr := srv.Listener.Addr().String()
	host, port := splitHostPort(t, addr)

	client := probe.NewAgentClient("/custom.json", time.Second)
	m, err := client.Fetch(context.Background(), host, port)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if m.ActiveConnections != 12 || m.CPUPercent != 50 {
		t.Errorf("Fetch() = %+v", m)
	}
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %s: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port %s: %v", portStr, err)
	}
	return host, port
}
