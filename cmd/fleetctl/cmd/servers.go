// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package cmd

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/loganrossus/vpnfleet/cmd/fleetctl/output"
	"github.com/loganrossus/vpnfleet/pkg/api"
	"github.com/loganrossus/vpnfleet/pkg/geo"
	"github.com/loganrossus/vpnfleet/pkg/registry"
	"github.com/spf13/cobra"
)

var (
	serversFilterRegion string
	serversFilterStatus string
)

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "Manage VPN servers",
	Long:  `List, inspect, register and deregister VPN servers in the engine registry.`,
}

var serversListCmd = &cobra.Command{
	Use:   "list",
	Short: "List servers with health and load",
	RunE: func(cmd *cobra.Command, args []string) error {
		query := url.Values{}
		if serversFilterRegion != "" {
			query.Set("region", serversFilterRegion)
		}
		if serversFilterStatus != "" {
			query.Set("status", serversFilterStatus)
		}
		path := "/servers"
		if len(query) > 0 {
			path += "?" + query.Encode()
		}

		var response api.ServerListResponse
		if err := NewAPIClient().Get(cmd.Context(), path, &response); err != nil {
			return fmt.Errorf("failed to list servers: %w", err)
		}

		if jsonOutput {
			return formatter.Print(response)
		}

		headers := []string{"SERVER", "REGION", "ENDPOINT", "TIER", "STATUS", "LATENCY", "LOSS", "SCORE", "CONNECTIONS", "FAILOVER"}
		rows := make([][]string, 0, len(response.Servers))
		for _, s := range response.Servers {
			rows = append(rows, []string{
				s.ServerID,
				s.Region,
				fmt.Sprintf("%s:%d", s.EndpointAddress, s.ListenPort),
				s.Tier,
				string(s.Status),
				output.Milliseconds(s.LatencyMs),
				fmt.Sprintf("%.1f%%", s.PacketLossPct),
				fmt.Sprintf("%.1f", s.PerformanceScore),
				fmt.Sprintf("%d/%d", s.ActiveConnections, s.MaxConnections),
				failoverColumn(s),
			})
		}
		formatter.PrintTable(headers, rows)
		return nil
	},
}

var serversHealthCmd = &cobra.Command{
	Use:   "health SERVER_ID",
	Short: "Show one server's health record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var h api.ServerHealthResponse
		if err := NewAPIClient().Get(cmd.Context(), "/servers/"+url.PathEscape(args[0])+"/health", &h); err != nil {
			return fmt.Errorf("failed to get server health: %w", err)
		}

		if jsonOutput {
			return formatter.Print(h)
		}

		lastProbe := time.Time{}
		if h.LastProbedAt != nil {
			lastProbe = *h.LastProbedAt
		}
		pairs := []output.KVPair{
			{Key: "Server", Value: h.ServerID},
			{Key: "Region", Value: h.Region},
			{Key: "Status", Value: string(h.Status)},
			{Key: "Latency", Value: output.Milliseconds(h.LatencyMs)},
			{Key: "Jitter", Value: output.Milliseconds(h.JitterMs)},
			{Key: "Packet loss", Value: fmt.Sprintf("%.1f%%", h.PacketLossPct)},
			{Key: "Score", Value: fmt.Sprintf("%.1f", h.PerformanceScore)},
			{Key: "Connections", Value: fmt.Sprintf("%d/%d", h.ActiveConnections, h.MaxConnections)},
			{Key: "Failures", Value: strconv.Itoa(h.ConsecutiveFailures)},
			{Key: "Clean probes", Value: strconv.Itoa(h.ConsecutiveClean)},
			{Key: "Last probe", Value: output.Since(lastProbe, time.Now())},
		}
		if h.LastError != "" {
			pairs = append(pairs, output.KVPair{Key: "Last error", Value: h.LastError})
		}
		if h.FailoverPartnerID != "" {
			pairs = append(pairs, output.KVPair{Key: "Partner", Value: h.FailoverPartnerID})
		}
		if h.FailoverState != "" {
			pairs = append(pairs, output.KVPair{Key: "Failover", Value: string(h.FailoverState)})
		}
		if len(h.FailoverServingFor) > 0 {
			pairs = append(pairs, output.KVPair{Key: "Serving for", Value: fmt.Sprint(h.FailoverServingFor)})
		}
		formatter.PrintKeyValue(pairs)
		return nil
	},
}

var (
	registerRegion      string
	registerAddress     string
	registerPort        int
	registerAgentPort   int
	registerTier        string
	registerPublicKey   string
	registerMaxConns    int
	registerPartner     string
	registerRegionGroup string
	registerLatitude    float64
	registerLongitude   float64
	registerAutoScaled  bool
)

var serversRegisterCmd = &cobra.Command{
	Use:   "register SERVER_ID",
	Short: "Register a new server",
	Long: `Register a new VPN server. It starts unhealthy and becomes selectable
once the health monitor has probed it clean.`,
	Example: `  fleetctl servers register us-east-3 --region us-east --address 198.51.100.30 --port 51820 --max-connections 500
  fleetctl servers register eu-west-9 --region eu-west --address vpn9.example.net --tier premium --partner eu-west-1`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec := registry.ServerRecord{
			ServerID:          args[0],
			Region:            registerRegion,
			EndpointAddress:   registerAddress,
			ListenPort:        registerPort,
			AgentPort:         registerAgentPort,
			Tier:              registerTier,
			PublicKey:         registerPublicKey,
			MaxConnections:    registerMaxConns,
			FailoverPartnerID: registerPartner,
			RegionGroupID:     registerRegionGroup,
			AutoScaled:        registerAutoScaled,
			GeoCoordinates:    geo.Coordinates{Latitude: registerLatitude, Longitude: registerLongitude},
		}

		var created registry.ServerRecord
		if err := NewAPIClient().Post(cmd.Context(), "/servers", rec, &created); err != nil {
			return fmt.Errorf("failed to register server: %w", err)
		}

		if jsonOutput {
			return formatter.Print(created)
		}

		formatter.PrintMessage("Server registered: " + created.ServerID)
		formatter.PrintKeyValue([]output.KVPair{
			{Key: "Region", Value: created.Region},
			{Key: "Endpoint", Value: fmt.Sprintf("%s:%d", created.EndpointAddress, created.ListenPort)},
			{Key: "Tier", Value: created.Tier},
			{Key: "Status", Value: string(created.Status)},
		})
		return nil
	},
}

var serversDeregisterCmd = &cobra.Command{
	Use:   "deregister SERVER_ID",
	Short: "Deregister a drained server",
	Long: `Remove a server from the registry. The server must have no active
connections, and its id cannot be reused afterwards.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		serverID := args[0]
		if err := NewAPIClient().Delete(cmd.Context(), "/servers/"+url.PathEscape(serverID)); err != nil {
			return fmt.Errorf("failed to deregister server: %w", err)
		}

		if jsonOutput {
			return formatter.Print(map[string]string{"status": "deregistered", "server_id": serverID})
		}
		formatter.PrintMessage("Server deregistered: " + serverID)
		return nil
	},
}

var (
	loadActive int
	loadMax    int
	loadCPU    float64
)

var serversLoadCmd = &cobra.Command{
	Use:   "load SERVER_ID",
	Short: "Report a server's connection load",
	Example: `  fleetctl servers load us-east-1 --active 420
  fleetctl servers load us-east-1 --active 420 --max 600 --cpu 71.5`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		report := api.LoadReport{}
		flags := cmd.Flags()
		if flags.Changed("active") {
			report.ActiveConnections = &loadActive
		}
		if flags.Changed("max") {
			report.MaxConnections = &loadMax
		}
		if flags.Changed("cpu") {
			report.CPUPercent = &loadCPU
		}
		if report == (api.LoadReport{}) {
			return fmt.Errorf("no load values specified (use --active, --max or --cpu)")
		}

		var updated api.ServerHealthResponse
		if err := NewAPIClient().Post(cmd.Context(), "/servers/"+url.PathEscape(args[0])+"/load", report, &updated); err != nil {
			return fmt.Errorf("failed to report load: %w", err)
		}

		if jsonOutput {
			return formatter.Print(updated)
		}
		formatter.PrintMessage(fmt.Sprintf("Load recorded for %s: %d/%d connections",
			updated.ServerID, updated.ActiveConnections, updated.MaxConnections))
		return nil
	},
}

func init() {
	serversCmd.AddCommand(serversListCmd)
	serversCmd.AddCommand(serversHealthCmd)
	serversCmd.AddCommand(serversRegisterCmd)
	serversCmd.AddCommand(serversDeregisterCmd)
	serversCmd.AddCommand(serversLoadCmd)

	serversListCmd.Flags().StringVar(&serversFilterRegion, "region", "", "Filter by region")
	serversListCmd.Flags().StringVar(&serversFilterStatus, "status", "", "Filter by status (healthy, degraded, unhealthy, unreachable)")

	f := serversRegisterCmd.Flags()
	f.StringVar(&registerRegion, "region", "", "Server region (required)")
	f.StringVar(&registerAddress, "address", "", "Endpoint address or hostname (required)")
	f.IntVar(&registerPort, "port", 51820, "WireGuard listen port")
	f.IntVar(&registerAgentPort, "agent-port", 0, "Metrics agent port (0 uses the engine default)")
	f.StringVar(&registerTier, "tier", "", "Capability tier (empty uses the lowest tier)")
	f.StringVar(&registerPublicKey, "public-key", "", "Server WireGuard public key")
	f.IntVar(&registerMaxConns, "max-connections", 0, "Connection capacity")
	f.StringVar(&registerPartner, "partner", "", "Failover partner server id")
	f.StringVar(&registerRegionGroup, "region-group", "", "Provisioning region group")
	f.Float64Var(&registerLatitude, "lat", 0, "Latitude")
	f.Float64Var(&registerLongitude, "long", 0, "Longitude")
	f.BoolVar(&registerAutoScaled, "auto-scaled", false, "Mark the server as provisioned by autoscale")
	serversRegisterCmd.MarkFlagRequired("region")
	serversRegisterCmd.MarkFlagRequired("address")

	serversLoadCmd.Flags().IntVar(&loadActive, "active", 0, "Active connections")
	serversLoadCmd.Flags().IntVar(&loadMax, "max", 0, "Connection capacity")
	serversLoadCmd.Flags().Float64Var(&loadCPU, "cpu", 0, "CPU utilization percent")
}

// failoverColumn summarizes a server's failover role for the list view.
func failoverColumn(s registry.ServerRecord) string {
	switch {
	case len(s.FailoverServingFor) > 0:
		return fmt.Sprintf("serving %v", s.FailoverServingFor)
	case s.FailoverState != "":
		return string(s.FailoverState)
	case s.FailoverPartnerID != "":
		return "partner " + s.FailoverPartnerID
	default:
		return "-"
	}
}
