// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loganrossus/vpnfleet/pkg/api"
	"github.com/loganrossus/vpnfleet/pkg/autoscale"
	"github.com/loganrossus/vpnfleet/pkg/config"
	"github.com/loganrossus/vpnfleet/pkg/credential"
	"github.com/loganrossus/vpnfleet/pkg/events"
	"github.com/loganrossus/vpnfleet/pkg/failover"
	"github.com/loganrossus/vpnfleet/pkg/geo"
	"github.com/loganrossus/vpnfleet/pkg/health"
	"github.com/loganrossus/vpnfleet/pkg/logging"
	"github.com/loganrossus/vpnfleet/pkg/metrics"
	"github.com/loganrossus/vpnfleet/pkg/probe"
	"github.com/loganrossus/vpnfleet/pkg/registry"
	"github.com/loganrossus/vpnfleet/pkg/scoring"
	"github.com/loganrossus/vpnfleet/pkg/selection"
	"github.com/loganrossus/vpnfleet/pkg/store"
	"github.com/loganrossus/vpnfleet/pkg/version"
)

// Application manages the lifecycle of all VPNFleet components.
type Application struct {
	config   *config.Config
	configMu sync.RWMutex
	logger   *slog.Logger
	levelVar *slog.LevelVar

	store    store.Store
	registry *registry.MemoryRegistry
	bus      *events.Bus
	geo      *geo.Resolver
	recorder *metrics.Recorder
	monitor  *health.Monitor
	failover *failover.Controller
	trigger  *autoscale.Trigger
	webhook  *autoscale.WebhookSink
	selector *selection.Service
	issuer   credential.Issuer

	metricsServer *metrics.Server
	apiServer     *api.Server

	wg sync.WaitGroup
}

// NewApplication creates a new Application instance with pre-loaded
// configuration. levelVar may be nil, in which case log level changes on
// reload are ignored.
func NewApplication(cfg *config.Config, logger *slog.Logger, levelVar *slog.LevelVar) *Application {
	if logger == nil {
		logger = slog.Default()
	}
	return &Application{
		config:   cfg,
		logger:   logger,
		levelVar: levelVar,
	}
}

// Initialize sets up all components using the loaded configuration.
func (a *Application) Initialize(ctx context.Context) error {
	a.logger.Info("initializing application", "version", version.Version)

	metrics.SetAppInfo(version.Version)
	metrics.SetConfigMetrics(len(a.config.Servers), float64(time.Now().Unix()))

	a.recorder = metrics.NewRecorder()
	a.bus = events.NewBus(
		events.WithLogger(a.logger),
		events.WithDropHook(a.recorder.DropHook()),
	)

	if err := a.initializeRegistry(ctx); err != nil {
		return fmt.Errorf("failed to initialize registry: %w", err)
	}

	if err := a.bootstrapServers(ctx, a.config); err != nil {
		return fmt.Errorf("failed to register configured servers: %w", err)
	}

	resolver, err := geo.NewResolver(a.config.Geo, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize geolocation: %w", err)
	}
	a.geo = resolver

	a.initializeAutoscale()

	a.failover = failover.New(failover.Config{
		Registry: a.registry,
		Events:   a.bus,
		Logger:   a.logger,
	})

	a.selector = selection.NewService(selection.Config{
		Registry: a.registry,
		Geo:      a.geo,
		Options:  selection.OptionsFromConfig(a.config),
		Metrics:  a.recorder,
		Logger:   a.logger,
	})

	issuer, err := credential.New(a.config.Credentials)
	if err != nil {
		return fmt.Errorf("failed to initialize credential issuer: %w", err)
	}
	a.issuer = issuer

	if err := a.initializeMonitor(); err != nil {
		return fmt.Errorf("failed to initialize health monitor: %w", err)
	}

	a.initializeMetricsServer()

	if err := a.initializeAPIServer(); err != nil {
		return fmt.Errorf("failed to initialize API server: %w", err)
	}

	return nil
}

// initializeRegistry opens the store and restores persisted records.
func (a *Application) initializeRegistry(ctx context.Context) error {
	st, err := store.New(store.Config{
		Type: store.StoreType(a.config.Store.Type),
		Path: a.config.Store.Path,
	})
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", a.config.Store.Type, err)
	}
	a.store = st

	a.registry = registry.New(registry.Config{
		Store:    st,
		Tiers:    a.config.Selection.Tiers,
		OnChange: a.publishMembership,
		Logger:   a.logger,
	})
	if err := a.registry.Load(ctx); err != nil {
		return err
	}

	a.logger.Info("registry initialized",
		"store", a.config.Store.Type,
		"path", a.config.Store.Path,
	)
	return nil
}

func (a *Application) publishMembership(change registry.ChangeType, rec registry.ServerRecord) {
	typ := events.TypeServerRegistered
	if change == registry.ChangeDeregistered {
		typ = events.TypeServerDeregistered
	}
	a.bus.Publish(events.Event{Type: typ, ServerID: rec.ServerID, Region: rec.Region})
}

// bootstrapServers registers statically configured servers. Servers already
// in the registry get their static fields refreshed; retired ids are skipped.
func (a *Application) bootstrapServers(ctx context.Context, cfg *config.Config) error {
	regions := make(map[string]config.Region, len(cfg.Regions))
	for _, r := range cfg.Regions {
		regions[r.Name] = r
	}

	for _, srv := range cfg.Servers {
		rec := recordFromConfig(srv, regions[srv.Region])

		_, err := a.registry.Register(ctx, rec)
		switch {
		case err == nil:
			continue
		case errors.Is(err, registry.ErrIDRetired):
			a.logger.Warn("configured server id is retired, skipping", "server_id", srv.ID)
			continue
		case !errors.Is(err, registry.ErrAlreadyExists):
			return fmt.Errorf("server %s: %w", srv.ID, err)
		}

		if _, err := a.registry.Update(ctx, srv.ID, func(cur *registry.ServerRecord) error {
			cur.Region = rec.Region
			cur.GeoCoordinates = rec.GeoCoordinates
			cur.EndpointAddress = rec.EndpointAddress
			cur.ListenPort = rec.ListenPort
			cur.AgentPort = rec.AgentPort
			cur.Tier = rec.Tier
			cur.PublicKey = rec.PublicKey
			cur.MaxConnections = rec.MaxConnections
			cur.FailoverPartnerID = rec.FailoverPartnerID
			cur.RegionGroupID = rec.RegionGroupID
			return nil
		}); err != nil {
			return fmt.Errorf("server %s: %w", srv.ID, err)
		}
		a.logger.Debug("configured server refreshed", "server_id", srv.ID)
	}
	return nil
}

// recordFromConfig converts a static server entry. Servers without their
// own coordinates inherit the region's.
func recordFromConfig(srv config.Server, region config.Region) registry.ServerRecord {
	coords := geo.Coordinates{Latitude: srv.Latitude, Longitude: srv.Longitude}
	if coords == (geo.Coordinates{}) {
		coords = geo.Coordinates{Latitude: region.Latitude, Longitude: region.Longitude}
	}
	return registry.ServerRecord{
		ServerID:          srv.ID,
		Region:            srv.Region,
		GeoCoordinates:    coords,
		EndpointAddress:   srv.Address,
		ListenPort:        srv.Port,
		AgentPort:         srv.AgentPort,
		Tier:              srv.Tier,
		PublicKey:         srv.PublicKey,
		MaxConnections:    srv.MaxConnections,
		FailoverPartnerID: srv.FailoverPartnerID,
		RegionGroupID:     srv.RegionGroupID,
	}
}

// initializeAutoscale builds the scale trigger and its sinks when enabled.
func (a *Application) initializeAutoscale() {
	cfg := a.config.Autoscale
	if !cfg.Enabled {
		a.logger.Info("autoscale trigger disabled")
		return
	}

	sinks := autoscale.MultiSink{autoscale.LogSink{Logger: a.logger}}
	if cfg.Webhook.URL != "" {
		a.webhook = autoscale.NewWebhookSink(cfg.Webhook, a.logger)
		sinks = append(sinks, a.webhook)
	}

	a.trigger = autoscale.NewTrigger(autoscale.Config{
		Thresholds: autoscale.ThresholdsFromConfig(cfg),
		Sink:       sinks,
		Events:     a.bus,
		Recent:     cfg.RecentIntents,
		Logger:     a.logger,
	})

	a.logger.Info("autoscale trigger initialized",
		"high_watermark", cfg.HighWatermark,
		"low_watermark", cfg.LowWatermark,
		"webhook", cfg.Webhook.URL != "",
	)
}

// buildProber assembles the network prober from monitor settings.
func buildProber(cfg config.MonitorConfig) (*probe.NetworkProber, error) {
	sampler, err := probe.NewSampler(cfg.Method)
	if err != nil {
		return nil, err
	}

	netCfg := probe.NetworkConfig{
		Sampler:        sampler,
		Resolver:       probe.NewResolver(cfg.Resolver),
		Samples:        cfg.Samples,
		SampleInterval: cfg.SampleInterval,
	}
	if cfg.Agent.Enabled {
		netCfg.Agent = probe.NewAgentClient(cfg.Agent.Path, cfg.Agent.Timeout)
	}
	return probe.NewNetworkProber(netCfg), nil
}

func monitorSettings(cfg *config.Config) health.Settings {
	return health.Settings{
		Thresholds: health.ThresholdsFromConfig(cfg.Health),
		Baselines: health.Baselines{
			Configured: cfg.RegionBaselines(),
			DefaultMs:  cfg.Health.DefaultBaselineMs,
		},
		Weights: scoring.WeightsFromConfig(cfg.Scoring),
	}
}

// initializeMonitor creates the health monitor and attaches the cycle
// observers: failover first, then autoscale, then metrics gauges.
func (a *Application) initializeMonitor() error {
	prober, err := buildProber(a.config.Monitor)
	if err != nil {
		return err
	}

	observers := []health.CycleObserver{a.failover}
	if a.trigger != nil {
		observers = append(observers, a.trigger)
	}
	observers = append(observers, a.recorder.Observer())

	agentPort := 0
	if a.config.Monitor.Agent.Enabled {
		agentPort = a.config.Monitor.Agent.Port
	}

	monitor, err := health.NewMonitor(health.Config{
		Registry:         a.registry,
		Prober:           prober,
		Interval:         a.config.Monitor.Interval,
		ProbeTimeout:     a.config.Monitor.ProbeTimeout,
		Concurrency:      a.config.Monitor.Concurrency,
		DefaultAgentPort: agentPort,
		Settings:         monitorSettings(a.config),
		Events:           a.bus,
		Observers:        observers,
		Metrics:          a.recorder,
		Logger:           a.logger,
	})
	if err != nil {
		return err
	}
	a.monitor = monitor

	a.logger.Info("health monitor initialized",
		"interval", a.config.Monitor.Interval,
		"probe_timeout", a.config.Monitor.ProbeTimeout,
		"concurrency", a.config.Monitor.Concurrency,
		"method", a.config.Monitor.Method,
	)
	return nil
}

func (a *Application) initializeMetricsServer() {
	if !a.config.Metrics.Enabled {
		a.logger.Info("metrics server disabled")
		return
	}

	a.metricsServer = metrics.NewServer(metrics.ServerConfig{
		Address: a.config.Metrics.Address,
		Logger:  a.logger,
	})
	a.logger.Info("metrics server initialized", "address", a.config.Metrics.Address)
}

func (a *Application) initializeAPIServer() error {
	handlers := api.NewHandlers(api.HandlersConfig{
		Registry:  a.registry,
		Selector:  a.selector,
		Issuer:    a.issuer,
		Geo:       a.geo,
		Intents:   a.intentSource(),
		Readiness: &readinessChecker{app: a},
		Logger:    a.logger,
	})

	server, err := api.NewServer(api.ServerConfig{
		Address:           a.config.API.Address,
		AllowedNetworks:   a.config.API.AllowedNetworks,
		TrustProxyHeaders: a.config.API.TrustProxyHeaders,
		ReadTimeout:       a.config.API.ReadTimeout,
		WriteTimeout:      a.config.API.WriteTimeout,
		Logger:            a.logger,
	}, handlers, api.NewEventStream(a.bus, a.logger))
	if err != nil {
		return fmt.Errorf("failed to create API server: %w", err)
	}
	a.apiServer = server

	a.logger.Info("API server initialized",
		"address", a.config.API.Address,
		"allowed_networks", a.config.API.AllowedNetworks,
	)
	return nil
}

// intentSource avoids handing the API a typed nil when autoscale is off.
func (a *Application) intentSource() api.IntentSource {
	if a.trigger == nil {
		return nil
	}
	return a.trigger
}

// Start starts background components and blocks serving the API until ctx
// is canceled or the API server fails.
func (a *Application) Start(ctx context.Context) error {
	a.logger.Info("starting application")

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.recorder.Run(ctx, a.bus)
	}()

	if err := a.monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start health monitor: %w", err)
	}
	a.logger.Info("health monitor started")

	if a.metricsServer != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.metricsServer.Start(ctx); err != nil {
				a.logger.Error("metrics server error", "error", err)
			}
		}()
	}

	if err := a.apiServer.Start(ctx); err != nil {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// Shutdown stops components in reverse dependency order.
func (a *Application) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down application")

	var errs []error

	if a.apiServer != nil {
		a.logger.Debug("stopping API server")
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("error stopping API server", "error", err)
			errs = append(errs, err)
		}
		cancel()
	}

	if a.monitor != nil {
		a.logger.Debug("stopping health monitor")
		a.monitor.Stop()
	}

	if a.webhook != nil {
		a.logger.Debug("draining scale webhook")
		if err := a.webhook.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if a.bus != nil {
		a.bus.Close()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("shutdown deadline exceeded")
		errs = append(errs, ctx.Err())
	}

	if a.geo != nil {
		if err := a.geo.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("error closing store", "error", err)
			errs = append(errs, err)
		}
	}

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}

// Reload applies a new configuration. Listener addresses and the store
// backend require a restart; everything else is swapped in place.
func (a *Application) Reload(ctx context.Context, newCfg *config.Config) error {
	a.configMu.Lock()
	defer a.configMu.Unlock()

	old := a.config
	if old.Store != newCfg.Store {
		a.logger.Warn("store change requires restart", "old", old.Store.Path, "new", newCfg.Store.Path)
	}
	if old.API.Address != newCfg.API.Address || old.Metrics != newCfg.Metrics {
		a.logger.Warn("listener change requires restart")
	}
	if old.Autoscale.Enabled != newCfg.Autoscale.Enabled || old.Autoscale.Webhook != newCfg.Autoscale.Webhook {
		a.logger.Warn("autoscale enablement or webhook change requires restart")
	}
	if old.Monitor.Method != newCfg.Monitor.Method || old.Monitor.Agent != newCfg.Monitor.Agent {
		a.logger.Warn("probe method or agent change requires restart")
	}

	if a.levelVar != nil {
		if level, err := logging.ParseLevel(newCfg.Logging.Level); err == nil {
			a.levelVar.Set(level)
		}
	}

	if err := a.geo.Reload(newCfg.Geo); err != nil {
		return fmt.Errorf("geo reload: %w", err)
	}

	a.monitor.Reconfigure(monitorSettings(newCfg))
	a.selector.Reconfigure(selection.OptionsFromConfig(newCfg))
	if a.trigger != nil {
		a.trigger.Reconfigure(autoscale.ThresholdsFromConfig(newCfg.Autoscale))
	}

	if err := a.bootstrapServers(ctx, newCfg); err != nil {
		return err
	}

	a.config = newCfg
	metrics.SetConfigMetrics(len(newCfg.Servers), float64(time.Now().Unix()))
	a.logger.Info("configuration applied",
		"servers", len(newCfg.Servers),
		"regions", len(newCfg.Regions),
	)
	return nil
}

// readinessChecker reports the application ready once the registry is
// writable and the first monitor cycle has completed.
type readinessChecker struct {
	app *Application
}

func (r *readinessChecker) Ready() (bool, string) {
	if !r.app.registry.Available() {
		return false, "registry unavailable"
	}
	if r.app.monitor.Cycles() == 0 {
		return false, "first monitor cycle pending"
	}
	return true, ""
}
