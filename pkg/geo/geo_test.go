// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package geo

import (
	"math"
	"net"
	"testing"

	"github.com/loganrossus/vpnfleet/pkg/config"
	"github.com/loganrossus/vpnfleet/pkg/logging"
)

func TestCustomMappings_LongestPrefixMatch(t *testing.T) {
	cm := NewCustomMappings(logging.Discard())
	err := cm.Load([]CustomMapping{
		{CIDR: "10.0.0.0/8", Region: "broad"},
		{CIDR: "10.1.0.0/16", Region: "eu-west"},
		{CIDR: "2001:db8::/32", Region: "us-east"},
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		ip     string
		want   string
		wantOK bool
	}{
		{"10.1.2.3", "eu-west", true},
		{"10.9.9.9", "broad", true},
		{"2001:db8::1", "us-east", true},
		{"192.0.2.1", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			m, ok := cm.Lookup(net.ParseIP(tt.ip))
			if ok != tt.wantOK || m.Region != tt.want {
				t.Errorf("Lookup(%s) = (%q, %v), want (%q, %v)", tt.ip, m.Region, ok, tt.want, tt.wantOK)
			}
		})
	}

	if got := cm.List(); len(got) != 3 || got[0].CIDR != "10.0.0.0/8" {
		t.Errorf("List() = %+v, want 3 mappings sorted by CIDR", got)
	}
}

func TestCustomMappings_InvalidKeepsPrevious(t *testing.T) {
	cm := NewCustomMappings(logging.Discard())
	if err := cm.Load([]CustomMapping{{CIDR: "10.0.0.0/8", Region: "a"}}); err != nil {
		t.Fatal(err)
	}
	if err := cm.Load([]CustomMapping{{CIDR: "not-a-cidr", Region: "b"}}); err == nil {
		t.Fatal("expected error for invalid CIDR")
	}
	if m, ok := cm.Lookup(net.ParseIP("10.0.0.1")); !ok || m.Region != "a" {
		t.Errorf("previous mappings lost after failed load: %+v", m)
	}
}

func TestResolver_FallsBackToDefault(t *testing.T) {
	r, err := NewResolver(config.GeoConfig{
		DefaultRegion:  "us-east",
		CustomMappings: []config.CustomMapping{{CIDR: "192.0.2.0/24", Region: "eu-west"}},
	}, logging.Discard())
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}
	defer r.Close()

	if got := r.Resolve(net.ParseIP("192.0.2.55")); got.Region != "eu-west" || got.MatchType != MatchTypeCustomMapping {
		t.Errorf("Resolve(mapped) = %+v, want eu-west custom_mapping", got)
	}
	if got := r.Resolve(net.ParseIP("198.51.100.1")); got.Region != "us-east" || got.MatchType != MatchTypeDefault {
		t.Errorf("Resolve(unmapped) = %+v, want us-east default", got)
	}
}

func TestResolver_MissingDatabase(t *testing.T) {
	_, err := NewResolver(config.GeoConfig{DatabasePath: "/nonexistent/GeoLite2-Country.mmdb"}, logging.Discard())
	if err == nil {
		t.Error("expected error for missing GeoIP database")
	}
}

func TestHaversine(t *testing.T) {
	london := Coordinates{Latitude: 51.5074, Longitude: -0.1278}
	paris := Coordinates{Latitude: 48.8566, Longitude: 2.3522}

	d := Haversine(london, paris)
	if math.Abs(d-343.5) > 2 {
		t.Errorf("Haversine(London, Paris) = %.1f km, want ~343.5", d)
	}
	if Haversine(paris, paris) != 0 {
		t.Error("distance to self should be zero")
	}
}

func TestNearestRegion(t *testing.T) {
	points := []Located{
		{Region: "us-east", Coordinates: Coordinates{Latitude: 39.0, Longitude: -77.5}},
		{Region: "eu-west", Coordinates: Coordinates{Latitude: 53.3, Longitude: -6.3}},
		{Region: "ap-south", Coordinates: Coordinates{Latitude: 19.1, Longitude: 72.9}},
	}
	berlin := Coordinates{Latitude: 52.5, Longitude: 13.4}
	if got, ok := NearestRegion(berlin, points); !ok || got != "eu-west" {
		t.Errorf("NearestRegion(Berlin) = %q, want eu-west", got)
	}
	if _, ok := NearestRegion(berlin, nil); ok {
		t.Error("NearestRegion with no points should report false")
	}
}

func TestParseCoordinates(t *testing.T) {
	tests := []struct {
		in      string
		want    Coordinates
		wantErr bool
	}{
		{in: "52.5,13.4", want: Coordinates{52.5, 13.4}},
		{in: " -33.9 , 151.2 ", want: Coordinates{-33.9, 151.2}},
		{in: "eu-west", wantErr: true},
		{in: "91,0", wantErr: true},
		{in: "0,abc", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseCoordinates(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCoordinates(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseCoordinates(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}
