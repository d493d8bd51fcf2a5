// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/loganrossus/vpnfleet/cmd/fleetctl/output"
	"github.com/loganrossus/vpnfleet/pkg/api"
	"github.com/loganrossus/vpnfleet/pkg/selection"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	selRegion   string
	selTier     string
	selHint     string
	selClientIP string
	selExclude  []string
	selPolicy   string

	connectOutput string
)

func addSelectionFlags(f *pflag.FlagSet) {
	f.StringVar(&selRegion, "region", "", "Preferred region")
	f.StringVar(&selTier, "tier", "", "Minimum tier")
	f.StringVar(&selHint, "hint", "", `Client geo hint: a region or "lat,long"`)
	f.StringVar(&selClientIP, "client-ip", "", "Client IP to geolocate when no hint is given")
	f.StringSliceVar(&selExclude, "exclude", nil, "Server ids to exclude (repeatable or comma separated)")
	f.StringVar(&selPolicy, "degraded-policy", "", "Degraded server policy: fallback, allow or never")
}

func selectionRequest() (selection.Request, error) {
	req := selection.Request{
		PreferredRegion:    selRegion,
		ExcludeServerIDs:   selExclude,
		RequireMinimumTier: selTier,
		ClientGeoHint:      selHint,
		ClientIP:           selClientIP,
	}
	if selPolicy != "" {
		policy, err := selection.ParsePolicy(selPolicy, "")
		if err != nil {
			return selection.Request{}, err
		}
		req.DegradedPolicy = policy
	}
	return req, nil
}

var selectCmd = &cobra.Command{
	Use:   "select",
	Short: "Select the best server for a client",
	Example: `  fleetctl select --region eu-west
  fleetctl select --hint 51.5,-0.1 --tier premium --exclude eu-west-1`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := selectionRequest()
		if err != nil {
			return err
		}

		var result selection.Result
		if err := NewAPIClient().Post(cmd.Context(), "/selection", req, &result); err != nil {
			return fmt.Errorf("selection failed: %w", err)
		}

		if jsonOutput {
			return formatter.Print(result)
		}

		pairs := []output.KVPair{
			{Key: "Server", Value: result.ServerID},
			{Key: "Region", Value: result.Server.Region},
			{Key: "Endpoint", Value: fmt.Sprintf("%s:%d", result.Server.EndpointAddress, result.Server.ListenPort)},
			{Key: "Status", Value: string(result.Server.Status)},
			{Key: "Score", Value: fmt.Sprintf("%.2f", result.Score)},
			{Key: "Policy", Value: string(result.Policy)},
		}
		if len(result.Affinity.Regions) > 0 {
			pairs = append(pairs, output.KVPair{
				Key:   "Affinity",
				Value: fmt.Sprintf("%v (%s)", result.Affinity.Regions, result.Affinity.Source),
			})
		}
		formatter.PrintKeyValue(pairs)

		if len(result.RunnerUps) > 0 {
			formatter.PrintMessage("\nRunner-ups:")
			formatter.PrintTable(candidateHeaders, candidateRows(result.RunnerUps))
		}
		return nil
	},
}

var candidateHeaders = []string{"SERVER", "REGION", "TIER", "STATUS", "SCORE", "CONNECTIONS"}

func candidateRows(cands []selection.Candidate) [][]string {
	rows := make([][]string, 0, len(cands))
	for _, c := range cands {
		rows = append(rows, []string{
			c.ServerID,
			c.Region,
			c.Tier,
			string(c.Status),
			fmt.Sprintf("%.2f", c.Score),
			fmt.Sprintf("%d/%d", c.ActiveConnections, c.MaxConnections),
		})
	}
	return rows
}

var explainCmd = &cobra.Command{
	Use:   "explain",
	Short: "Explain how every server fared in a selection",
	Long: `Run a selection without committing to it and show, for every server,
whether it was eligible, why not, and how its score was composed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := selectionRequest()
		if err != nil {
			return err
		}

		var explain selection.Explain
		if err := NewAPIClient().Post(cmd.Context(), "/selection/explain", req, &explain); err != nil {
			return fmt.Errorf("explain failed: %w", err)
		}

		if jsonOutput {
			return formatter.Print(explain)
		}

		headers := []string{"RANK", "SERVER", "REGION", "STATUS", "SCORE", "LATENCY", "CAPACITY", "GEO", "STALE", "EXCLUDED"}
		rows := make([][]string, 0, len(explain.Servers))
		for _, e := range explain.Servers {
			rank, score, latency, capacity, geoBonus, stale := "-", "-", "-", "-", "-", "-"
			if e.Rank > 0 {
				rank = strconv.Itoa(e.Rank)
			}
			if e.Score != nil {
				score = fmt.Sprintf("%.2f", e.Score.Score)
				latency = fmt.Sprintf("%.2f", e.Score.Latency)
				capacity = fmt.Sprintf("%.2f", e.Score.Capacity)
				geoBonus = fmt.Sprintf("%.1f", e.Score.GeoBonus)
				stale = fmt.Sprintf("%.1f", e.Score.StalenessPenalty)
			}
			reason := e.Reason
			if reason == "" {
				reason = "-"
			}
			rows = append(rows, []string{rank, e.ServerID, e.Region, string(e.Status), score, latency, capacity, geoBonus, stale, reason})
		}

		formatter.PrintMessage(fmt.Sprintf("Policy: %s  Affinity: %v", explain.Policy, explain.Affinity.Regions))
		formatter.PrintTable(headers, rows)
		return nil
	},
}

var connectClientID string

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Select a server and issue a tunnel configuration",
	Example: `  fleetctl connect --client-id laptop-42 --region us-east -o wg0.conf
  fleetctl connect --client-id laptop-42 --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := selectionRequest()
		if err != nil {
			return err
		}

		var resp api.ConnectResponse
		body := api.ConnectRequest{Request: req, ClientID: connectClientID}
		if err := NewAPIClient().Post(cmd.Context(), "/connect", body, &resp); err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}

		if jsonOutput {
			return formatter.Print(resp)
		}

		if connectOutput != "" {
			if err := os.WriteFile(connectOutput, []byte(resp.WGQuick), 0600); err != nil {
				return fmt.Errorf("failed to write tunnel config: %w", err)
			}
			formatter.PrintMessage(fmt.Sprintf("Tunnel to %s written to %s", resp.Selection.ServerID, connectOutput))
			return nil
		}
		fmt.Fprint(cmd.OutOrStdout(), resp.WGQuick)
		return nil
	},
}

func init() {
	addSelectionFlags(selectCmd.Flags())
	addSelectionFlags(explainCmd.Flags())
	addSelectionFlags(connectCmd.Flags())

	connectCmd.Flags().StringVar(&connectClientID, "client-id", "", "Client identifier (required)")
	connectCmd.Flags().StringVarP(&connectOutput, "output", "o", "", "Write the wg-quick config to this file instead of stdout")
	connectCmd.MarkFlagRequired("client-id")
}
