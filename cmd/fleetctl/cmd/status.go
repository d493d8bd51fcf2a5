// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/loganrossus/vpnfleet/cmd/fleetctl/output"
	"github.com/loganrossus/vpnfleet/pkg/api"
	"github.com/loganrossus/vpnfleet/pkg/registry"
	"github.com/spf13/cobra"
)

// StatusOutput is the combined status output.
type StatusOutput struct {
	Status   string         `json:"status"`
	Ready    bool           `json:"ready"`
	Message  string         `json:"message,omitempty"`
	Servers  int            `json:"servers"`
	ByStatus map[string]int `json:"by_status,omitempty"`
	Regions  []string       `json:"regions,omitempty"`
	// FleetError is set when the server list is not visible to this client.
	FleetError string `json:"fleet_error,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine readiness and fleet health",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := NewAPIClient()

		var ready api.ReadyResponse
		if err := client.Get(cmd.Context(), "/ready", &ready); err != nil {
			// Not ready is reported as 503 with a readiness body.
			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusServiceUnavailable ||
				json.Unmarshal(apiErr.Body, &ready) != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}
		}

		var list api.ServerListResponse
		listErr := client.Get(cmd.Context(), "/servers", &list)

		out := summarize(ready, list.Servers)
		if listErr != nil {
			out.FleetError = listErr.Error()
		}

		if jsonOutput {
			return formatter.Print(out)
		}

		formatter.PrintMessage("VPNFleet engine: " + out.Status)
		pairs := []output.KVPair{}
		if out.Message != "" {
			pairs = append(pairs, output.KVPair{Key: "Readiness", Value: out.Message})
		}
		if listErr == nil {
			pairs = append(pairs,
				output.KVPair{Key: "Servers", Value: fmt.Sprintf("%d total, %s", out.Servers, statusBreakdown(out.ByStatus))},
				output.KVPair{Key: "Regions", Value: coalesce(strings.Join(out.Regions, ", "), "none")},
			)
		} else {
			pairs = append(pairs, output.KVPair{Key: "Servers", Value: "unavailable (" + out.FleetError + ")"})
		}
		formatter.PrintKeyValue(pairs)
		return nil
	},
}

// summarize derives the overall status from readiness and the fleet.
func summarize(ready api.ReadyResponse, servers []registry.ServerRecord) StatusOutput {
	out := StatusOutput{
		Ready:    ready.Ready,
		Message:  ready.Message,
		Servers:  len(servers),
		ByStatus: make(map[string]int),
	}

	regions := make(map[string]bool)
	selectable := 0
	for _, s := range servers {
		out.ByStatus[string(s.Status)]++
		regions[s.Region] = true
		if s.Status == registry.StatusHealthy || s.Status == registry.StatusDegraded {
			selectable++
		}
	}
	for r := range regions {
		out.Regions = append(out.Regions, r)
	}
	sort.Strings(out.Regions)

	switch {
	case !ready.Ready:
		out.Status = "Not Ready"
	case len(servers) > 0 && selectable == 0:
		out.Status = "Unhealthy"
	case out.ByStatus[string(registry.StatusHealthy)] < len(servers):
		out.Status = "Degraded"
	default:
		out.Status = "Healthy"
	}
	return out
}

func statusBreakdown(byStatus map[string]int) string {
	order := []registry.Status{registry.StatusHealthy, registry.StatusDegraded, registry.StatusUnhealthy, registry.StatusUnreachable}
	parts := make([]string, 0, len(order))
	for _, s := range order {
		parts = append(parts, fmt.Sprintf("%d %s", byStatus[string(s)], s))
	}
	return strings.Join(parts, ", ")
}

// coalesce returns the first non-empty string.
func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
