// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package geo

import (
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"

	"github.com/yl2chen/cidranger"
)

// CustomMapping represents a CIDR-to-region mapping.
type CustomMapping struct {
	CIDR    string `json:"cidr"`
	Region  string `json:"region"`
	Comment string `json:"comment,omitempty"`
}

type regionEntry struct {
	network net.IPNet
	mapping CustomMapping
}

func (e regionEntry) Network() net.IPNet {
	return e.network
}

// CustomMappings holds operator CIDR overrides in a path-compressed trie for
// longest-prefix matching.
type CustomMappings struct {
	mu       sync.RWMutex
	ranger   cidranger.Ranger
	mappings []CustomMapping
	logger   *slog.Logger
}

// NewCustomMappings creates an empty mapping set.
func NewCustomMappings(logger *slog.Logger) *CustomMappings {
	if logger == nil {
		logger = slog.Default()
	}
	return &CustomMappings{
		ranger: cidranger.NewPCTrieRanger(),
		logger: logger,
	}
}

// Load atomically replaces all mappings. On error the previous set is kept.
func (c *CustomMappings) Load(mappings []CustomMapping) error {
	ranger := cidranger.NewPCTrieRanger()
	kept := make([]CustomMapping, 0, len(mappings))

	for _, m := range mappings {
		_, network, err := net.ParseCIDR(m.CIDR)
		if err != nil {
			return fmt.Errorf("invalid CIDR %q: %w", m.CIDR, err)
		}
		if err := ranger.Insert(regionEntry{network: *network, mapping: m}); err != nil {
			return fmt.Errorf("failed to insert CIDR %q: %w", m.CIDR, err)
		}
		kept = append(kept, m)
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].CIDR < kept[j].CIDR })

	c.mu.Lock()
	c.ranger = ranger
	c.mappings = kept
	c.mu.Unlock()

	c.logger.Info("custom CIDR mappings loaded", "count", len(kept))
	return nil
}

// Lookup returns the most specific mapping containing ip.
func (c *CustomMappings) Lookup(ip net.IP) (CustomMapping, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries, err := c.ranger.ContainingNetworks(ip)
	if err != nil || len(entries) == 0 {
		return CustomMapping{}, false
	}
	// Entries are ordered least to most specific.
	e, ok := entries[len(entries)-1].(regionEntry)
	if !ok {
		return CustomMapping{}, false
	}
	return e.mapping, true
}

// List returns a copy of all mappings ordered by CIDR.
func (c *CustomMappings) List() []CustomMapping {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]CustomMapping(nil), c.mappings...)
}
