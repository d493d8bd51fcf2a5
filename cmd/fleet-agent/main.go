// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

// Command fleet-agent runs on each VPN server and serves its load to the
// VPNFleet engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v6"

	"github.com/loganrossus/vpnfleet/pkg/agent"
	"github.com/loganrossus/vpnfleet/pkg/logging"
	"github.com/loganrossus/vpnfleet/pkg/version"
)

// options are read from FLEET_AGENT_* variables first; flags override them.
type options struct {
	Listen          string        `env:"FLEET_AGENT_LISTEN" envDefault:":9100"`
	Path            string        `env:"FLEET_AGENT_PATH" envDefault:"/metrics.json"`
	Device          string        `env:"FLEET_AGENT_DEVICE" envDefault:"wg0"`
	HandshakeWindow time.Duration `env:"FLEET_AGENT_HANDSHAKE_WINDOW" envDefault:"3m"`
	ProcStat        string        `env:"FLEET_AGENT_PROC_STAT" envDefault:"/proc/stat"`
	EngineURL       string        `env:"FLEET_AGENT_ENGINE_URL"`
	ServerID        string        `env:"FLEET_AGENT_SERVER_ID"`
	ReportInterval  time.Duration `env:"FLEET_AGENT_REPORT_INTERVAL" envDefault:"15s"`
	LogLevel        string        `env:"FLEET_AGENT_LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"FLEET_AGENT_LOG_FORMAT" envDefault:"json"`
}

func parseOptions(fs *flag.FlagSet, args []string) (options, bool, error) {
	var opts options
	if err := env.Parse(&opts); err != nil {
		return opts, false, fmt.Errorf("failed to parse environment: %w", err)
	}

	fs.StringVar(&opts.Listen, "listen", opts.Listen, "address to serve metrics on")
	fs.StringVar(&opts.Path, "path", opts.Path, "HTTP path of the metrics document")
	fs.StringVar(&opts.Device, "device", opts.Device, "WireGuard interface to inspect")
	fs.DurationVar(&opts.HandshakeWindow, "handshake-window", opts.HandshakeWindow, "peers with a handshake within this window count as connected")
	fs.StringVar(&opts.ProcStat, "proc-stat", opts.ProcStat, "CPU accounting file")
	fs.StringVar(&opts.EngineURL, "engine", opts.EngineURL, "engine API base URL; enables push reporting")
	fs.StringVar(&opts.ServerID, "server-id", opts.ServerID, "this server's id in the engine registry")
	fs.DurationVar(&opts.ReportInterval, "report-interval", opts.ReportInterval, "interval between pushed load reports")
	fs.StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&opts.LogFormat, "log-format", opts.LogFormat, "log format (json, text)")
	showVersion := fs.Bool("version", false, "show version information")

	if err := fs.Parse(args); err != nil {
		return opts, false, err
	}
	if (opts.EngineURL == "") != (opts.ServerID == "") {
		return opts, false, errors.New("--engine and --server-id must be set together")
	}
	return opts, *showVersion, nil
}

func main() {
	opts, showVersion, err := parseOptions(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if showVersion {
		fmt.Println(version.String())
		os.Exit(0)
	}

	logger, _, err := logging.NewLeveled(logging.Config{Level: opts.LogLevel, Format: opts.LogFormat}, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	if err := run(opts, logger); err != nil {
		logger.Error("fleet-agent failed", "error", err)
		os.Exit(1)
	}
}

func run(opts options, logger *slog.Logger) error {
	peers, err := agent.NewWireGuardCounter(opts.Device, opts.HandshakeWindow)
	if err != nil {
		return err
	}
	defer peers.Close()

	a, err := agent.New(agent.Config{
		Peers:  peers,
		CPU:    agent.NewCPUSampler(opts.ProcStat),
		Path:   opts.Path,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.EngineURL != "" {
		reporter, err := agent.NewReporter(agent.ReporterConfig{
			EngineURL: opts.EngineURL,
			ServerID:  opts.ServerID,
			Interval:  opts.ReportInterval,
			Logger:    logger,
		}, a.Collect)
		if err != nil {
			return err
		}
		reporter.Start(ctx)
		defer reporter.Stop()
	}

	srv := &http.Server{
		Addr:              opts.Listen,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("fleet-agent listening",
			"version", version.Version,
			"address", opts.Listen,
			"path", opts.Path,
			"device", opts.Device,
			"push", opts.EngineURL != "",
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
