// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package selection_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loganrossus/vpnfleet/pkg/failover"
	"github.com/loganrossus/vpnfleet/pkg/health"
	"github.com/loganrossus/vpnfleet/pkg/logging"
	"github.com/loganrossus/vpnfleet/pkg/probe"
	"github.com/loganrossus/vpnfleet/pkg/registry"
	"github.com/loganrossus/vpnfleet/pkg/selection"
)

func TestScenario_FailoverRoutesToPartner(t *testing.T) {
	ctx := context.Background()
	reg := registry.New(registry.Config{Logger: logging.Discard()})
	for _, rec := range []registry.ServerRecord{
		{ServerID: "C", Region: "eu-west", EndpointAddress: "192.0.2.3", ListenPort: 51820, MaxConnections: 50, FailoverPartnerID: "D"},
		{ServerID: "D", Region: "eu-west", EndpointAddress: "192.0.2.4", ListenPort: 51820, MaxConnections: 50},
	} {
		if _, err := reg.Register(ctx, rec); err != nil {
			t.Fatalf("Register(%s) error = %v", rec.ServerID, err)
		}
	}

	var cDown atomic.Bool
	prober := probe.ProberFunc(func(_ context.Context, target probe.Target) (probe.Result, error) {
		if target.ServerID == "C" {
			if cDown.Load() {
				return probe.Result{}, probe.ErrUnreachable
			}
			return probe.Result{LatencyMs: 10, SamplesSent: 10}, nil
		}
		return probe.Result{LatencyMs: 60, SamplesSent: 10}, nil
	})

	ctrl := failover.New(failover.Config{Registry: reg, Logger: logging.Discard()})
	mon, err := health.NewMonitor(health.Config{
		Registry:     reg,
		Prober:       prober,
		Interval:     time.Hour,
		ProbeTimeout: time.Second,
		Logger:       logging.Discard(),
		Observers:    []health.CycleObserver{ctrl},
	})
	if err != nil {
		t.Fatalf("NewMonitor() error = %v", err)
	}
	svc := selection.NewService(selection.Config{Registry: reg, Logger: logging.Discard()})

	if _, err := svc.Select(ctx, selection.Request{}); err == nil {
		t.Fatal("Select() before any probe succeeded; new servers must be excluded")
	}

	for i := 0; i < 2; i++ {
		if err := mon.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce() error = %v", err)
		}
	}
	res, err := svc.Select(ctx, selection.Request{})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if res.ServerID != "C" {
		t.Fatalf("Select() = %s, want C while healthy", res.ServerID)
	}

	cDown.Store(true)
	for i := 0; i < 3; i++ {
		if err := mon.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce() error = %v", err)
		}
	}

	c, _ := reg.Get(ctx, "C")
	if c.Status != registry.StatusUnhealthy {
		t.Errorf("C status = %s, want unhealthy after 3 failures", c.Status)
	}
	if c.FailoverState != registry.FailoverActive {
		t.Errorf("C failover state = %q, want %q", c.FailoverState, registry.FailoverActive)
	}
	d, _ := reg.Get(ctx, "D")
	if len(d.FailoverServingFor) != 1 || d.FailoverServingFor[0] != "C" {
		t.Errorf("D serving for = %v, want [C]", d.FailoverServingFor)
	}

	res, err = svc.Select(ctx, selection.Request{})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if res.ServerID != "D" {
		t.Errorf("Select() = %s, want partner D", res.ServerID)
	}

	cDown.Store(false)
	for i := 0; i < 2; i++ {
		if err := mon.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce() error = %v", err)
		}
	}
	c, _ = reg.Get(ctx, "C")
	if c.Status != registry.StatusHealthy || c.FailoverState != registry.FailoverPrimaryActive {
		t.Errorf("C = %s/%s, want healthy/primary-active after recovery", c.Status, c.FailoverState)
	}
}
