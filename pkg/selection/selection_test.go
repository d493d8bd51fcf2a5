// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package selection

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/loganrossus/vpnfleet/pkg/geo"
	"github.com/loganrossus/vpnfleet/pkg/logging"
	"github.com/loganrossus/vpnfleet/pkg/registry"
	"github.com/loganrossus/vpnfleet/pkg/scoring"
)

// =============================================================================
// Fixtures
// =============================================================================

type fixture struct {
	ID      string
	Region  string
	Status  registry.Status
	Latency float64
	Active  int
	Max     int
	Tier    string
	Coords  geo.Coordinates
}

func newRegistry(t *testing.T, servers ...fixture) *registry.MemoryRegistry {
	t.Helper()
	ctx := context.Background()
	reg := registry.New(registry.Config{Logger: logging.Discard()})
	for _, f := range servers {
		if f.Tier == "" {
			f.Tier = "standard"
		}
		switch {
		case f.Max == 0:
			f.Max = 100
		case f.Max < 0:
			f.Max = 0
		}
		_, err := reg.Register(ctx, registry.ServerRecord{
			ServerID:        f.ID,
			Region:          f.Region,
			GeoCoordinates:  f.Coords,
			EndpointAddress: "192.0.2.10",
			ListenPort:      51820,
			MaxConnections:  f.Max,
			Tier:            f.Tier,
		})
		if err != nil {
			t.Fatalf("Register(%s) error = %v", f.ID, err)
		}
		_, err = reg.Update(ctx, f.ID, func(r *registry.ServerRecord) error {
			r.Status = f.Status
			r.LatencyMs = f.Latency
			r.ActiveConnections = f.Active
			return nil
		})
		if err != nil {
			t.Fatalf("Update(%s) error = %v", f.ID, err)
		}
	}
	return reg
}

func newService(reg registry.Registry, mod func(*Config)) *Service {
	cfg := Config{Registry: reg, Logger: logging.Discard()}
	if mod != nil {
		mod(&cfg)
	}
	return NewService(cfg)
}

type staticResolver map[string]string

func (r staticResolver) Resolve(ip net.IP) geo.RegionMatch {
	return geo.RegionMatch{Region: r[ip.String()], MatchType: geo.MatchTypeCustomMapping}
}

type downRegistry struct{ registry.Registry }

func (downRegistry) Snapshot(context.Context) ([]registry.ServerRecord, error) {
	return nil, registry.ErrUnavailable
}

// =============================================================================
// Scenarios
// =============================================================================

func TestSelect_ExcludesUnhealthyDespiteScore(t *testing.T) {
	reg := newRegistry(t,
		fixture{ID: "A", Region: "eu", Status: registry.StatusHealthy, Latency: 60},
		fixture{ID: "B", Region: "eu", Status: registry.StatusUnhealthy, Latency: 1},
	)
	res, err := newService(reg, nil).Select(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if res.ServerID != "A" {
		t.Errorf("Select() = %s, want A", res.ServerID)
	}
	if len(res.RunnerUps) != 0 {
		t.Errorf("RunnerUps = %v, want none", res.RunnerUps)
	}
}

func TestSelect_TieBreakFewerConnections(t *testing.T) {
	// Latency-only weights so both servers score exactly 70.
	w := scoring.Weights{Latency: 1, Capacity: 0, HealthyMultiplier: 1, LatencyDivisor: 2}
	reg := newRegistry(t,
		fixture{ID: "A", Region: "eu", Status: registry.StatusHealthy, Latency: 60, Active: 10},
		fixture{ID: "B", Region: "eu", Status: registry.StatusHealthy, Latency: 60, Active: 3},
	)
	svc := newService(reg, func(c *Config) { c.Options.Weights = w })

	res, err := svc.Select(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if res.Score != 70 || res.RunnerUps[0].Score != 70 {
		t.Fatalf("scores = %v/%v, want a 70 tie", res.Score, res.RunnerUps[0].Score)
	}
	if res.ServerID != "B" {
		t.Errorf("Select() = %s, want B", res.ServerID)
	}
}

// A registered server starts Unhealthy and shares the recovery rule, so it
// takes two clean probe cycles (one interval plus a probe) before it can be
// selected. The delay is accepted in exchange for never routing clients to an
// endpoint that has not answered twice in a row.
func TestSelect_NewServerExcludedUntilProbed(t *testing.T) {
	ctx := context.Background()
	reg := registry.New(registry.Config{Logger: logging.Discard()})
	_, err := reg.Register(ctx, registry.ServerRecord{
		ServerID: "new", Region: "eu", EndpointAddress: "192.0.2.1", ListenPort: 51820, MaxConnections: 10,
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = newService(reg, nil).Select(ctx, Request{})
	if !errors.Is(err, ErrNoEligibleServers) {
		t.Errorf("Select() error = %v, want ErrNoEligibleServers", err)
	}
}

func TestSelect_CapacityExclusion(t *testing.T) {
	reg := newRegistry(t,
		fixture{ID: "full", Region: "eu", Status: registry.StatusHealthy, Latency: 0, Active: 100, Max: 100},
		fixture{ID: "zero", Region: "eu", Status: registry.StatusHealthy, Latency: 0, Max: -1},
		fixture{ID: "slow", Region: "eu", Status: registry.StatusHealthy, Latency: 180, Active: 99, Max: 100},
	)
	res, err := newService(reg, nil).Select(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if res.ServerID != "slow" {
		t.Errorf("Select() = %s, want slow", res.ServerID)
	}
}

// =============================================================================
// Properties
// =============================================================================

func randomFleet(t *testing.T, r *rand.Rand, n int) *registry.MemoryRegistry {
	statuses := []registry.Status{
		registry.StatusHealthy, registry.StatusDegraded,
		registry.StatusUnhealthy, registry.StatusUnreachable,
	}
	regions := []string{"eu", "us", "ap"}
	var fs []fixture
	for i := 0; i < n; i++ {
		max := 1 + r.Intn(5)
		fs = append(fs, fixture{
			ID:      fmt.Sprintf("s%02d", i),
			Region:  regions[r.Intn(len(regions))],
			Status:  statuses[r.Intn(len(statuses))],
			Latency: float64(r.Intn(4) * 20),
			Active:  r.Intn(max + 1),
			Max:     max,
		})
	}
	return newRegistry(t, fs...)
}

func TestSelect_Properties(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	ctx := context.Background()
	policies := []DegradedPolicy{PolicyFallback, PolicyAllow, PolicyNever}

	for round := 0; round < 30; round++ {
		reg := randomFleet(t, r, 12)
		svc := newService(reg, nil)
		snap, _ := reg.Snapshot(ctx)
		byID := make(map[string]registry.ServerRecord, len(snap))
		for _, rec := range snap {
			byID[rec.ServerID] = rec
		}

		req := Request{
			PreferredRegion: []string{"", "eu", "us"}[r.Intn(3)],
			DegradedPolicy:  policies[r.Intn(len(policies))],
		}
		first, err1 := svc.Select(ctx, req)
		second, err2 := svc.Select(ctx, req)
		if !reflect.DeepEqual(first, second) || fmt.Sprint(err1) != fmt.Sprint(err2) {
			t.Fatalf("round %d: Select() not deterministic", round)
		}
		if err1 != nil {
			continue
		}

		all := append([]Candidate{first.Server}, first.RunnerUps...)
		if len(first.RunnerUps) > 4 {
			t.Errorf("round %d: %d runner-ups", round, len(first.RunnerUps))
		}
		for i, c := range all {
			rec := byID[c.ServerID]
			if !rec.Status.Selectable() {
				t.Errorf("round %d: %s returned with status %s", round, c.ServerID, rec.Status)
			}
			if rec.AtCapacity() {
				t.Errorf("round %d: %s returned at capacity", round, c.ServerID)
			}
			if req.DegradedPolicy == PolicyNever && rec.Status != registry.StatusHealthy {
				t.Errorf("round %d: degraded %s returned under never", round, c.ServerID)
			}
			if i == 0 {
				continue
			}
			prev := all[i-1]
			ordered := prev.Score > c.Score ||
				prev.Score == c.Score && prev.ActiveConnections < c.ActiveConnections ||
				prev.Score == c.Score && prev.ActiveConnections == c.ActiveConnections && prev.ServerID < c.ServerID
			if !ordered {
				t.Errorf("round %d: %+v ranked before %+v", round, prev, c)
			}
		}
	}
}

func TestRank_TotalOrder(t *testing.T) {
	c := []Candidate{
		{ServerID: "c", Score: 50, ActiveConnections: 1},
		{ServerID: "b", Score: 50, ActiveConnections: 1},
		{ServerID: "a", Score: 50, ActiveConnections: 2},
		{ServerID: "d", Score: 80, ActiveConnections: 9},
	}
	Rank(c)
	var got []string
	for _, x := range c {
		got = append(got, x.ServerID)
	}
	if want := []string{"d", "b", "c", "a"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Rank() = %v, want %v", got, want)
	}
}

// =============================================================================
// Filters and policies
// =============================================================================

func TestSelect_Tiers(t *testing.T) {
	reg := newRegistry(t,
		fixture{ID: "basic", Region: "eu", Status: registry.StatusHealthy, Latency: 0},
		fixture{ID: "pro", Region: "eu", Status: registry.StatusHealthy, Latency: 100, Tier: "premium"},
	)
	svc := newService(reg, nil)
	ctx := context.Background()

	res, err := svc.Select(ctx, Request{RequireMinimumTier: "premium"})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if res.ServerID != "pro" {
		t.Errorf("Select(premium) = %s, want pro", res.ServerID)
	}

	res, _ = svc.Select(ctx, Request{RequireMinimumTier: "standard"})
	if res.ServerID != "basic" || len(res.RunnerUps) != 1 {
		t.Errorf("Select(standard) = %s with %d runner-ups", res.ServerID, len(res.RunnerUps))
	}

	if _, err := svc.Select(ctx, Request{RequireMinimumTier: "gold"}); !errors.Is(err, ErrInvalidTierRequested) {
		t.Errorf("Select(gold) error = %v, want ErrInvalidTierRequested", err)
	}
}

func TestSelect_DegradedPolicy(t *testing.T) {
	ctx := context.Background()
	mixed := newRegistry(t,
		fixture{ID: "h", Region: "eu", Status: registry.StatusHealthy, Latency: 190},
		fixture{ID: "d", Region: "eu", Status: registry.StatusDegraded, Latency: 0},
	)
	onlyDegraded := newRegistry(t,
		fixture{ID: "d", Region: "eu", Status: registry.StatusDegraded, Latency: 0},
	)

	tests := []struct {
		name    string
		reg     registry.Registry
		policy  DegradedPolicy
		want    string
		wantErr error
	}{
		{"fallback prefers healthy", mixed, PolicyFallback, "h", nil},
		{"default is fallback", mixed, "", "h", nil},
		{"fallback uses degraded when alone", onlyDegraded, PolicyFallback, "d", nil},
		{"allow ranks together", mixed, PolicyAllow, "d", nil},
		{"never refuses degraded", onlyDegraded, PolicyNever, "", ErrNoEligibleServers},
		{"unknown policy", mixed, "sometimes", "", ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := newService(tt.reg, nil).Select(ctx, Request{DegradedPolicy: tt.policy})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Select() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Select() error = %v", err)
			}
			if res.ServerID != tt.want {
				t.Errorf("Select() = %s, want %s", res.ServerID, tt.want)
			}
		})
	}
}

func TestSelect_ExcludeIDsAndRunnerUpLimit(t *testing.T) {
	var fs []fixture
	for i := 0; i < 8; i++ {
		fs = append(fs, fixture{ID: fmt.Sprintf("s%d", i), Region: "eu", Status: registry.StatusHealthy, Latency: float64(i * 10)})
	}
	svc := newService(newRegistry(t, fs...), nil)

	res, err := svc.Select(context.Background(), Request{ExcludeServerIDs: []string{"s0", "s1"}})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if res.ServerID != "s2" {
		t.Errorf("Select() = %s, want s2", res.ServerID)
	}
	var got []string
	for _, c := range res.RunnerUps {
		got = append(got, c.ServerID)
	}
	if want := []string{"s3", "s4", "s5", "s6"}; !reflect.DeepEqual(got, want) {
		t.Errorf("RunnerUps = %v, want %v", got, want)
	}
}

func TestSelect_GeoAffinity(t *testing.T) {
	reg := newRegistry(t,
		fixture{ID: "eu1", Region: "eu-west", Status: registry.StatusHealthy, Latency: 20, Coords: geo.Coordinates{Latitude: 51.5, Longitude: -0.1}},
		fixture{ID: "us1", Region: "us-east", Status: registry.StatusHealthy, Latency: 0, Coords: geo.Coordinates{Latitude: 40.7, Longitude: -74.0}},
	)
	svc := newService(reg, func(c *Config) {
		c.Geo = staticResolver{"203.0.113.9": "eu-west"}
	})
	ctx := context.Background()

	tests := []struct {
		name   string
		req    Request
		want   string
		source string
	}{
		{"no hint picks fastest", Request{}, "us1", ""},
		{"preferred region bonus", Request{PreferredRegion: "eu-west"}, "eu1", "preferred_region"},
		{"region code hint", Request{ClientGeoHint: "eu-west"}, "eu1", "geo_hint"},
		{"coordinates near paris", Request{ClientGeoHint: "48.85,2.35"}, "eu1", "coordinates"},
		{"client ip", Request{ClientIP: "203.0.113.9"}, "eu1", "client_ip"},
		{"hint beats client ip", Request{ClientGeoHint: "us-east", ClientIP: "203.0.113.9"}, "us1", "geo_hint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := svc.Select(ctx, tt.req)
			if err != nil {
				t.Fatalf("Select() error = %v", err)
			}
			if res.ServerID != tt.want {
				t.Errorf("Select() = %s, want %s", res.ServerID, tt.want)
			}
			if res.Affinity.Source != tt.source {
				t.Errorf("Affinity.Source = %q, want %q", res.Affinity.Source, tt.source)
			}
		})
	}

	if _, err := svc.Select(ctx, Request{ClientGeoHint: "91,0"}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("bad coordinates error = %v, want ErrInvalidRequest", err)
	}
	if _, err := svc.Select(ctx, Request{ClientIP: "not-an-ip"}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("bad client ip error = %v, want ErrInvalidRequest", err)
	}
}

func TestSelect_FailsClosedWhenRegistryDown(t *testing.T) {
	svc := newService(downRegistry{}, nil)
	_, err := svc.Select(context.Background(), Request{})
	if !errors.Is(err, registry.ErrUnavailable) {
		t.Errorf("Select() error = %v, want ErrUnavailable", err)
	}
}

func TestSelect_Staleness(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t,
		fixture{ID: "fresh", Region: "eu", Status: registry.StatusHealthy, Latency: 20},
		fixture{ID: "stale", Region: "eu", Status: registry.StatusHealthy, Latency: 0},
	)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for id, at := range map[string]time.Time{"fresh": now.Add(-10 * time.Second), "stale": now.Add(-5 * time.Minute)} {
		at := at
		if _, err := reg.Update(ctx, id, func(r *registry.ServerRecord) error {
			r.LastProbedAt = at
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}

	w := scoring.DefaultWeights()
	w.StalenessPenalty = 10
	svc := newService(reg, func(c *Config) {
		c.Now = func() time.Time { return now }
		c.Options = Options{Weights: w, ProbeInterval: 30 * time.Second}
	})
	res, err := svc.Select(ctx, Request{})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if res.ServerID != "fresh" {
		t.Errorf("Select() = %s, want fresh over stale", res.ServerID)
	}
}

func TestExplain(t *testing.T) {
	reg := newRegistry(t,
		fixture{ID: "a", Region: "eu", Status: registry.StatusHealthy, Latency: 10},
		fixture{ID: "b", Region: "eu", Status: registry.StatusDegraded, Latency: 10},
		fixture{ID: "c", Region: "eu", Status: registry.StatusUnreachable},
		fixture{ID: "d", Region: "eu", Status: registry.StatusUnhealthy},
		fixture{ID: "e", Region: "eu", Status: registry.StatusHealthy, Active: 100},
		fixture{ID: "f", Region: "eu", Status: registry.StatusHealthy},
	)
	ex, err := newService(reg, nil).Explain(context.Background(), Request{ExcludeServerIDs: []string{"f"}})
	if err != nil {
		t.Fatalf("Explain() error = %v", err)
	}

	want := map[string]string{
		"a": "",
		"b": ReasonDegradedPolicy,
		"c": ReasonUnreachable,
		"d": ReasonUnhealthy,
		"e": ReasonAtCapacity,
		"f": ReasonExcluded,
	}
	if len(ex.Servers) != len(want) {
		t.Fatalf("Explain() servers = %d, want %d", len(ex.Servers), len(want))
	}
	for _, x := range ex.Servers {
		if x.Reason != want[x.ServerID] {
			t.Errorf("%s reason = %q, want %q", x.ServerID, x.Reason, want[x.ServerID])
		}
		if x.ServerID == "a" && (!x.Eligible || x.Rank != 1 || x.Score == nil) {
			t.Errorf("a = %+v, want eligible rank 1 with score", x)
		}
	}
}
