// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package geo

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const earthRadiusKm = 6371.0

// Coordinates is a latitude/longitude pair in degrees.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// ParseCoordinates parses "lat,long".
func ParseCoordinates(s string) (Coordinates, error) {
	latStr, lonStr, ok := strings.Cut(s, ",")
	if !ok {
		return Coordinates{}, fmt.Errorf("coordinates %q: expected lat,long", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
	if err != nil {
		return Coordinates{}, fmt.Errorf("coordinates %q: %w", s, err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(lonStr), 64)
	if err != nil {
		return Coordinates{}, fmt.Errorf("coordinates %q: %w", s, err)
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return Coordinates{}, fmt.Errorf("coordinates %q out of range", s)
	}
	return Coordinates{Latitude: lat, Longitude: lon}, nil
}

// Haversine returns the great-circle distance in kilometres.
func Haversine(a, b Coordinates) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(b.Latitude - a.Latitude)
	dLon := toRad(b.Longitude - a.Longitude)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Latitude))*math.Cos(toRad(b.Latitude))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Located is anything with a region and a position.
type Located struct {
	Region string
	Coordinates
}

// NearestRegion returns the region of the closest point. Ties go to the
// lexically smaller region so the answer does not depend on input order.
func NearestRegion(from Coordinates, points []Located) (string, bool) {
	best := ""
	bestDist := math.Inf(1)
	for _, p := range points {
		d := Haversine(from, p.Coordinates)
		if d < bestDist || (d == bestDist && p.Region < best) {
			best, bestDist = p.Region, d
		}
	}
	return best, best != ""
}
