// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package cmd

import (
	"errors"
	"fmt"

	"github.com/loganrossus/vpnfleet/cmd/fleetctl/output"
	"github.com/loganrossus/vpnfleet/pkg/config"
	"github.com/spf13/cobra"
)

// ConfigValidationResult represents the result of config validation.
type ConfigValidationResult struct {
	Valid       bool     `json:"valid"`
	RegionCount int      `json:"region_count"`
	ServerCount int      `json:"server_count"`
	Store       string   `json:"store,omitempty"`
	Errors      []string `json:"errors,omitempty"`
}

var configFile string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Validate a VPNFleet configuration file, including its includes and
environment overrides, for syntax and semantic errors.`,
	Example: `  fleetctl config validate --config /etc/vpnfleet/config.yaml
  fleetctl config validate -c ./config.yaml --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		result := validateConfigFile(configFile)

		if jsonOutput {
			if err := formatter.Print(result); err != nil {
				return err
			}
		} else if result.Valid {
			formatter.PrintMessage("Configuration valid")
			formatter.PrintKeyValue([]output.KVPair{
				{Key: "Store", Value: result.Store},
				{Key: "Regions", Value: fmt.Sprint(result.RegionCount)},
				{Key: "Servers", Value: fmt.Sprint(result.ServerCount)},
			})
		} else {
			formatter.PrintMessage("Configuration invalid:")
			for _, e := range result.Errors {
				formatter.PrintMessage("  - " + e)
			}
		}

		if !result.Valid {
			return errors.New("configuration invalid")
		}
		return nil
	},
}

func validateConfigFile(path string) ConfigValidationResult {
	cfg, err := config.Load(path)
	if err != nil {
		return ConfigValidationResult{Errors: []string{err.Error()}}
	}

	result := ConfigValidationResult{
		RegionCount: len(cfg.Regions),
		ServerCount: len(cfg.Servers),
		Store:       cfg.Store.Type,
	}
	if err := config.Validate(cfg); err != nil {
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			for _, e := range joined.Unwrap() {
				result.Errors = append(result.Errors, e.Error())
			}
		} else {
			result.Errors = append(result.Errors, err.Error())
		}
		return result
	}
	result.Valid = true
	return result
}

func init() {
	configCmd.AddCommand(configValidateCmd)

	configValidateCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to configuration file (required)")
	configValidateCmd.MarkFlagRequired("config")
}
