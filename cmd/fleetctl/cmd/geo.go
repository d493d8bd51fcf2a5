// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package cmd

import (
	"fmt"
	"net/url"

	"github.com/loganrossus/vpnfleet/cmd/fleetctl/output"
	"github.com/loganrossus/vpnfleet/pkg/api"
	"github.com/spf13/cobra"
)

var geoCmd = &cobra.Command{
	Use:   "geo",
	Short: "Geolocation commands",
}

var geoResolveCmd = &cobra.Command{
	Use:     "resolve IP",
	Short:   "Show which region a client IP resolves to",
	Example: `  fleetctl geo resolve 203.0.113.7`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp api.GeoResolveResponse
		if err := NewAPIClient().Get(cmd.Context(), "/geo/resolve?ip="+url.QueryEscape(args[0]), &resp); err != nil {
			return fmt.Errorf("failed to resolve IP: %w", err)
		}

		if jsonOutput {
			return formatter.Print(resp)
		}

		pairs := []output.KVPair{
			{Key: "IP", Value: resp.IP},
			{Key: "Region", Value: coalesce(resp.Region, "(none)")},
			{Key: "Match", Value: string(resp.MatchType)},
		}
		if resp.MatchedCIDR != "" {
			pairs = append(pairs, output.KVPair{Key: "CIDR", Value: resp.MatchedCIDR})
		}
		if resp.Country != "" {
			pairs = append(pairs, output.KVPair{Key: "Country", Value: resp.Country})
		}
		if resp.Continent != "" {
			pairs = append(pairs, output.KVPair{Key: "Continent", Value: resp.Continent})
		}
		formatter.PrintKeyValue(pairs)
		return nil
	},
}

func init() {
	geoCmd.AddCommand(geoResolveCmd)
}
