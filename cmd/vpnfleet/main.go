// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loganrossus/vpnfleet/pkg/config"
	"github.com/loganrossus/vpnfleet/pkg/logging"
	"github.com/loganrossus/vpnfleet/pkg/metrics"
	"github.com/loganrossus/vpnfleet/pkg/version"
)

const DefaultConfigPath = "/etc/vpnfleet/config.yaml"

// configPath is kept at package level for the reload handler.
var configPath string

func main() {
	flag.StringVar(&configPath, "config", DefaultConfigPath, "path to configuration file")
	showVersion := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		os.Exit(0)
	}

	// Bootstrap logger for startup (before config is loaded)
	bootstrapLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	bootstrapLogger.Info("VPNFleet starting",
		"version", version.Version,
		"config", configPath,
	)

	cfg, err := loadConfig(configPath)
	if err != nil {
		bootstrapLogger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, levelVar, err := logging.NewLeveled(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}, os.Stdout)
	if err != nil {
		bootstrapLogger.Error("failed to create logger", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		"log_level", cfg.Logging.Level,
		"store", cfg.Store.Type,
		"regions", len(cfg.Regions),
		"servers", len(cfg.Servers),
		"api_address", cfg.API.Address,
		"api_allowed_networks", cfg.API.AllowedNetworks,
	)

	app := NewApplication(cfg, logger, levelVar)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Initialize(ctx); err != nil {
		logger.Error("failed to initialize application", "error", err)
		os.Exit(1)
	}

	// Handle shutdown signals (SIGINT, SIGTERM) and reload signal (SIGHUP)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	errChan := make(chan error, 1)
	go func() {
		errChan <- app.Start(ctx)
	}()

	logger.Info("VPNFleet running",
		"pid", os.Getpid(),
		"reload", "send SIGHUP to reload configuration",
	)

	// Main event loop
	for {
		select {
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				logger.Info("received SIGHUP, reloading configuration")
				if err := handleReload(ctx, app, logger); err != nil {
					metrics.RecordReload(false)
					logger.Error("configuration reload failed", "error", err)
				} else {
					metrics.RecordReload(true)
				}
			case syscall.SIGINT, syscall.SIGTERM:
				logger.Info("received shutdown signal", "signal", sig)
				goto shutdown
			}
		case err := <-errChan:
			if err != nil {
				logger.Error("application error", "error", err)
			}
			goto shutdown
		}
	}

shutdown:
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("VPNFleet stopped")
}

// loadConfig checks permissions, loads and validates the file at path.
func loadConfig(path string) (*config.Config, error) {
	if err := config.CheckPermissions(path); err != nil {
		return nil, fmt.Errorf("config file security check failed: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// handleReload loads and applies a new configuration.
func handleReload(ctx context.Context, app *Application, logger *slog.Logger) error {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := app.Reload(ctx, newCfg); err != nil {
		return fmt.Errorf("failed to apply configuration: %w", err)
	}
	logger.Info("configuration reloaded successfully")
	return nil
}
