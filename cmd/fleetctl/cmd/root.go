// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

// Package cmd implements CLI commands for fleetctl.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/loganrossus/vpnfleet/cmd/fleetctl/output"
	"github.com/loganrossus/vpnfleet/pkg/version"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	apiEndpoint string
	timeout     int
	jsonOutput  bool

	formatter output.Formatter
)

var rootCmd = &cobra.Command{
	Use:   "fleetctl",
	Short: "CLI for operating a VPNFleet engine",
	Long: `fleetctl is a command-line tool for operating and debugging a VPNFleet engine.

It provides commands to:
  - View engine readiness and fleet health
  - List, register and deregister VPN servers
  - Run and explain server selections
  - Inspect autoscale intents and region utilization
  - Resolve client IPs to regions
  - Watch live health and failover events
  - Validate configuration files

Use --api to specify the engine API endpoint (default: http://localhost:8080).`,
	Version:      version.Version,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		formatter = output.New(cmd.OutOrStdout(), jsonOutput)
	},
}

// Execute runs the root command. Interrupts cancel the command context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiEndpoint, "api", getEnvOrDefault("VPNFLEET_API", "http://localhost:8080"), "engine API endpoint")
	rootCmd.PersistentFlags().IntVar(&timeout, "timeout", 10, "API request timeout in seconds")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serversCmd)
	rootCmd.AddCommand(selectCmd)
	rootCmd.AddCommand(explainCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(intentsCmd)
	rootCmd.AddCommand(geoCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(completionCmd)

	rootCmd.SetVersionTemplate(fmt.Sprintf("fleetctl version %s\n", version.Version))
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
