// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package geo

import (
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/loganrossus/vpnfleet/pkg/config"
)

// MatchType indicates how a region match was determined.
type MatchType string

const (
	MatchTypeCustomMapping MatchType = "custom_mapping"
	MatchTypeGeoIP         MatchType = "geoip"
	MatchTypeDefault       MatchType = "default"
)

// RegionMatch is the result of resolving an IP to a region.
type RegionMatch struct {
	Region      string    `json:"region"`
	MatchType   MatchType `json:"match_type"`
	Country     string    `json:"country,omitempty"`
	Continent   string    `json:"continent,omitempty"`
	MatchedCIDR string    `json:"matched_cidr,omitempty"`
}

// Resolver maps client IPs to regions: custom CIDR mappings first, then
// the GeoIP database, then the default region.
type Resolver struct {
	mu          sync.RWMutex
	database    *Database
	custom      *CustomMappings
	byCountry   map[string]string
	byContinent map[string]string
	defaultReg  string
	logger      *slog.Logger
}

// NewResolver builds a Resolver from geo configuration. An empty
// DatabasePath disables GeoIP lookups.
func NewResolver(cfg config.GeoConfig, logger *slog.Logger) (*Resolver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "geo")

	r := &Resolver{
		custom: NewCustomMappings(logger),
		logger: logger,
	}
	if cfg.DatabasePath != "" {
		db, err := OpenDatabase(cfg.DatabasePath, logger)
		if err != nil {
			return nil, err
		}
		r.database = db
	}
	if err := r.Reload(cfg); err != nil {
		r.database.Close()
		return nil, err
	}
	return r, nil
}

// Reload replaces the mapping tables and refreshes the database if its file changed.
func (r *Resolver) Reload(cfg config.GeoConfig) error {
	mappings := make([]CustomMapping, 0, len(cfg.CustomMappings))
	for _, m := range cfg.CustomMappings {
		mappings = append(mappings, CustomMapping{CIDR: m.CIDR, Region: m.Region, Comment: m.Comment})
	}
	if err := r.custom.Load(mappings); err != nil {
		return err
	}

	byCountry := make(map[string]string, len(cfg.CountryRegions))
	for k, v := range cfg.CountryRegions {
		byCountry[strings.ToUpper(k)] = v
	}
	byContinent := make(map[string]string, len(cfg.ContinentRegions))
	for k, v := range cfg.ContinentRegions {
		byContinent[strings.ToUpper(k)] = v
	}

	r.mu.Lock()
	r.byCountry = byCountry
	r.byContinent = byContinent
	r.defaultReg = cfg.DefaultRegion
	r.mu.Unlock()

	if r.database != nil {
		if _, err := r.database.Reload(); err != nil {
			r.logger.Warn("GeoIP database reload failed", "error", err)
		}
	}
	return nil
}

// Resolve determines the region for ip. The returned Region is empty when
// nothing matched and no default region is configured.
func (r *Resolver) Resolve(ip net.IP) RegionMatch {
	if m, ok := r.custom.Lookup(ip); ok {
		return RegionMatch{Region: m.Region, MatchType: MatchTypeCustomMapping, MatchedCIDR: m.CIDR}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if country, continent, err := r.database.Country(ip); err == nil {
		if region, ok := r.byCountry[strings.ToUpper(country)]; ok && country != "" {
			return RegionMatch{Region: region, MatchType: MatchTypeGeoIP, Country: country, Continent: continent}
		}
		if region, ok := r.byContinent[strings.ToUpper(continent)]; ok && continent != "" {
			return RegionMatch{Region: region, MatchType: MatchTypeGeoIP, Country: country, Continent: continent}
		}
	}

	return RegionMatch{Region: r.defaultReg, MatchType: MatchTypeDefault}
}

// CustomMappings returns the active CIDR overrides.
func (r *Resolver) CustomMappings() []CustomMapping {
	return r.custom.List()
}

// Close releases the GeoIP database.
func (r *Resolver) Close() error {
	return r.database.Close()
}
