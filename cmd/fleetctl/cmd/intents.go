// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package cmd

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/loganrossus/vpnfleet/cmd/fleetctl/output"
	"github.com/loganrossus/vpnfleet/pkg/api"
	"github.com/spf13/cobra"
)

var intentsLimit int

var intentsCmd = &cobra.Command{
	Use:   "intents",
	Short: "Show recent autoscale intents and region utilization",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/intents"
		if intentsLimit > 0 {
			path += "?limit=" + strconv.Itoa(intentsLimit)
		}

		var resp api.IntentsResponse
		if err := NewAPIClient().Get(cmd.Context(), path, &resp); err != nil {
			return fmt.Errorf("failed to get intents: %w", err)
		}

		if jsonOutput {
			return formatter.Print(resp)
		}

		regions := make([]string, 0, len(resp.Regions))
		for name := range resp.Regions {
			regions = append(regions, name)
		}
		sort.Strings(regions)

		utilRows := make([][]string, 0, len(regions))
		for _, name := range regions {
			u := resp.Regions[name]
			utilRows = append(utilRows, []string{
				name,
				output.Percent(u.Ratio),
				fmt.Sprintf("%d/%d", u.Active, u.Max),
				fmt.Sprintf("%d/%d", u.Healthy, u.Servers),
			})
		}
		formatter.PrintMessage("Regions:")
		formatter.PrintTable([]string{"REGION", "UTILIZATION", "CONNECTIONS", "HEALTHY"}, utilRows)

		intentRows := make([][]string, 0, len(resp.Intents))
		for _, in := range resp.Intents {
			server := in.ServerID
			if server == "" {
				server = "-"
			}
			intentRows = append(intentRows, []string{
				in.CreatedAt.Format("2006-01-02 15:04:05"),
				string(in.Type),
				in.Region,
				server,
				output.Percent(in.Utilization),
				strconv.Itoa(in.Cycles),
			})
		}
		formatter.PrintMessage("\nIntents:")
		formatter.PrintTable([]string{"TIME", "TYPE", "REGION", "SERVER", "UTILIZATION", "CYCLES"}, intentRows)
		return nil
	},
}

func init() {
	intentsCmd.Flags().IntVar(&intentsLimit, "limit", 20, "Maximum intents to show (0 for all retained)")
}
