// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package failover

import (
	"context"
	"testing"

	"github.com/loganrossus/vpnfleet/pkg/events"
	"github.com/loganrossus/vpnfleet/pkg/logging"
	"github.com/loganrossus/vpnfleet/pkg/registry"
)

func TestNext(t *testing.T) {
	tests := []struct {
		name   string
		state  registry.FailoverState
		status registry.Status
		clean  int
		want   registry.FailoverState
	}{
		{"active stays while healthy", registry.FailoverPrimaryActive, registry.StatusHealthy, 3, registry.FailoverPrimaryActive},
		{"active stays while degraded", registry.FailoverPrimaryActive, registry.StatusDegraded, 0, registry.FailoverPrimaryActive},
		{"unhealthy activates", registry.FailoverPrimaryActive, registry.StatusUnhealthy, 0, registry.FailoverActive},
		{"unreachable activates", registry.FailoverPrimaryActive, registry.StatusUnreachable, 0, registry.FailoverActive},
		{"never healthy stays unset", "", registry.StatusUnhealthy, 0, ""},
		{"first healthy arms failover", "", registry.StatusHealthy, 2, registry.FailoverPrimaryActive},
		{"down stays down", registry.FailoverActive, registry.StatusUnreachable, 0, registry.FailoverActive},
		{"one clean probe recovers", registry.FailoverActive, registry.StatusUnhealthy, 1, registry.FailoverRecovering},
		{"healthy skips recovering", registry.FailoverActive, registry.StatusHealthy, 2, registry.FailoverPrimaryActive},
		{"recovering waits", registry.FailoverRecovering, registry.StatusUnhealthy, 1, registry.FailoverRecovering},
		{"recovering restored on healthy", registry.FailoverRecovering, registry.StatusHealthy, 2, registry.FailoverPrimaryActive},
		{"dirty probe while recovering", registry.FailoverRecovering, registry.StatusUnhealthy, 0, registry.FailoverActive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := registry.ServerRecord{FailoverState: tt.state, Status: tt.status, ConsecutiveClean: tt.clean}
			if got := Next(rec); got != tt.want {
				t.Errorf("Next() = %q, want %q", got, tt.want)
			}
		})
	}
}

func setup(t *testing.T) (*registry.MemoryRegistry, *Controller, <-chan events.Event) {
	t.Helper()
	ctx := context.Background()
	reg := registry.New(registry.Config{Logger: logging.Discard()})
	for _, rec := range []registry.ServerRecord{
		{ServerID: "c", Region: "eu-west", EndpointAddress: "192.0.2.3", ListenPort: 51820, MaxConnections: 10, FailoverPartnerID: "d"},
		{ServerID: "d", Region: "eu-west", EndpointAddress: "192.0.2.4", ListenPort: 51820, MaxConnections: 10},
	} {
		if _, err := reg.Register(ctx, rec); err != nil {
			t.Fatalf("Register(%s) error = %v", rec.ServerID, err)
		}
	}
	setStatus(t, reg, "c", registry.StatusHealthy, 2)
	setStatus(t, reg, "d", registry.StatusHealthy, 2)

	bus := events.NewBus()
	ch, cancel := bus.Subscribe(16)
	t.Cleanup(cancel)
	c := New(Config{Registry: reg, Events: bus, Logger: logging.Discard()})
	sweep(t, reg, c)
	return reg, c, ch
}

func setStatus(t *testing.T, reg *registry.MemoryRegistry, id string, status registry.Status, clean int) {
	t.Helper()
	if _, err := reg.Update(context.Background(), id, func(r *registry.ServerRecord) error {
		r.Status = status
		r.ConsecutiveClean = clean
		return nil
	}); err != nil {
		t.Fatalf("Update(%s) error = %v", id, err)
	}
}

func sweep(t *testing.T, reg *registry.MemoryRegistry, c *Controller) {
	t.Helper()
	snap, err := reg.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if err := c.Sweep(context.Background(), snap); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
}

func get(t *testing.T, reg *registry.MemoryRegistry, id string) registry.ServerRecord {
	t.Helper()
	rec, err := reg.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return rec
}

func drain(ch <-chan events.Event) []events.Type {
	var out []events.Type
	for len(ch) > 0 {
		out = append(out, (<-ch).Type)
	}
	return out
}

func TestSweep_Lifecycle(t *testing.T) {
	reg, c, ch := setup(t)

	sweep(t, reg, c)
	if got := get(t, reg, "c").FailoverState; got != registry.FailoverPrimaryActive {
		t.Fatalf("initial state = %q", got)
	}
	if evs := drain(ch); len(evs) != 0 {
		t.Errorf("events on steady state = %v", evs)
	}

	setStatus(t, reg, "c", registry.StatusUnhealthy, 0)
	sweep(t, reg, c)
	if got := get(t, reg, "c").FailoverState; got != registry.FailoverActive {
		t.Errorf("after primary down = %q, want %q", got, registry.FailoverActive)
	}
	if got := get(t, reg, "d").FailoverServingFor; len(got) != 1 || got[0] != "c" {
		t.Errorf("partner serving for = %v, want [c]", got)
	}
	if evs := drain(ch); len(evs) != 1 || evs[0] != events.TypeFailoverActivated {
		t.Errorf("events = %v, want [%s]", evs, events.TypeFailoverActivated)
	}

	// A second sweep in the same state is a no-op.
	sweep(t, reg, c)
	if evs := drain(ch); len(evs) != 0 {
		t.Errorf("repeat sweep events = %v", evs)
	}

	setStatus(t, reg, "c", registry.StatusUnhealthy, 1)
	sweep(t, reg, c)
	if got := get(t, reg, "c").FailoverState; got != registry.FailoverRecovering {
		t.Errorf("after one clean probe = %q, want %q", got, registry.FailoverRecovering)
	}
	if got := get(t, reg, "d").FailoverServingFor; len(got) != 1 {
		t.Errorf("partner released early: %v", got)
	}

	setStatus(t, reg, "c", registry.StatusHealthy, 2)
	sweep(t, reg, c)
	if got := get(t, reg, "c").FailoverState; got != registry.FailoverPrimaryActive {
		t.Errorf("after recovery = %q, want %q", got, registry.FailoverPrimaryActive)
	}
	if got := get(t, reg, "d").FailoverServingFor; len(got) != 0 {
		t.Errorf("partner still serving for %v", got)
	}

	evs := drain(ch)
	want := []events.Type{events.TypeFailoverRecovering, events.TypeFailoverRestored}
	if len(evs) != len(want) {
		t.Fatalf("events = %v, want %v", evs, want)
	}
	for i := range want {
		if evs[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, evs[i], want[i])
		}
	}
}

func TestSweep_RecoveryInterrupted(t *testing.T) {
	reg, c, ch := setup(t)

	setStatus(t, reg, "c", registry.StatusUnreachable, 0)
	sweep(t, reg, c)
	setStatus(t, reg, "c", registry.StatusUnhealthy, 1)
	sweep(t, reg, c)
	setStatus(t, reg, "c", registry.StatusUnhealthy, 0)
	sweep(t, reg, c)

	if got := get(t, reg, "c").FailoverState; got != registry.FailoverActive {
		t.Errorf("state = %q, want %q", got, registry.FailoverActive)
	}
	evs := drain(ch)
	if len(evs) != 3 || evs[2] != events.TypeFailoverActivated {
		t.Errorf("events = %v", evs)
	}
}

func TestSweep_NewPrimaryDoesNotActivate(t *testing.T) {
	ctx := context.Background()
	reg := registry.New(registry.Config{Logger: logging.Discard()})
	for _, rec := range []registry.ServerRecord{
		{ServerID: "p", Region: "eu", EndpointAddress: "192.0.2.1", ListenPort: 51820, MaxConnections: 1, FailoverPartnerID: "q"},
		{ServerID: "q", Region: "eu", EndpointAddress: "192.0.2.2", ListenPort: 51820, MaxConnections: 1},
	} {
		if _, err := reg.Register(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(4)
	defer cancel()
	c := New(Config{Registry: reg, Events: bus, Logger: logging.Discard()})

	sweep(t, reg, c)
	if got := get(t, reg, "p").FailoverState; got != "" {
		t.Errorf("unprobed primary state = %q, want empty", got)
	}
	if got := get(t, reg, "q").FailoverServingFor; len(got) != 0 {
		t.Errorf("partner serving for %v", got)
	}
	if evs := drain(ch); len(evs) != 0 {
		t.Errorf("events = %v", evs)
	}
}

func TestSweep_IgnoresServersWithoutPartner(t *testing.T) {
	reg, c, ch := setup(t)
	setStatus(t, reg, "d", registry.StatusUnreachable, 0)
	sweep(t, reg, c)

	if got := get(t, reg, "d").FailoverState; got != "" {
		t.Errorf("unpartnered state = %q, want empty", got)
	}
	if evs := drain(ch); len(evs) != 0 {
		t.Errorf("events = %v", evs)
	}
}

func TestSweep_DeregisteredPrimaryReleasesPartner(t *testing.T) {
	reg, c, _ := setup(t)
	setStatus(t, reg, "c", registry.StatusUnhealthy, 0)
	sweep(t, reg, c)

	if err := reg.Deregister(context.Background(), "c"); err != nil {
		t.Fatalf("Deregister() error = %v", err)
	}
	sweep(t, reg, c)
	if got := get(t, reg, "d").FailoverServingFor; len(got) != 0 {
		t.Errorf("partner serving for %v after primary removed", got)
	}
}
