// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

// Package metrics provides Prometheus metrics for VPNFleet observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all VPNFleet metrics.
const namespace = "vpnfleet"

// Probe metrics
var (
	// ProbeResultsTotal counts probe outcomes per server.
	ProbeResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_results_total",
			Help:      "Total number of probe results by outcome",
		},
		[]string{"server", "outcome"},
	)

	// ProbeDuration measures how long a single probe took.
	ProbeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_duration_seconds",
			Help:      "Probe duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"server"},
	)

	// MonitorCycleDuration measures a full monitoring cycle.
	MonitorCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "monitor_cycle_duration_seconds",
			Help:      "Duration of a full monitoring cycle in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	// MonitoredServers is the number of servers probed in the last cycle.
	MonitoredServers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "monitored_servers",
			Help:      "Number of servers probed in the last monitoring cycle",
		},
	)
)

// Per-server state
var (
	// ServerStatus is 1 for the server's current status label and 0 otherwise.
	ServerStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_status",
			Help:      "Current health status of a server (1 for the active status)",
		},
		[]string{"server", "region", "status"},
	)

	// ServerScore is the server's performance score (0-100).
	ServerScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_performance_score",
			Help:      "Performance score of a server",
		},
		[]string{"server", "region"},
	)

	// ServerLatencyMs is the last measured round-trip latency.
	ServerLatencyMs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_latency_ms",
			Help:      "Last measured latency to a server in milliseconds",
		},
		[]string{"server", "region"},
	)

	// ServerPacketLossPct is the last measured packet loss.
	ServerPacketLossPct = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_packet_loss_percent",
			Help:      "Last measured packet loss to a server",
		},
		[]string{"server", "region"},
	)

	// ServerActiveConnections is the last reported connection count.
	ServerActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_active_connections",
			Help:      "Active tunnel connections on a server",
		},
		[]string{"server", "region"},
	)
)

// Region metrics
var (
	// HealthyServersGauge tracks healthy servers per region.
	HealthyServersGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "healthy_servers",
			Help:      "Number of healthy servers per region",
		},
		[]string{"region"},
	)

	// RegionUtilization is active/max connections over selectable servers.
	RegionUtilization = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "region_utilization_ratio",
			Help:      "Connection utilization of selectable servers per region",
		},
		[]string{"region"},
	)
)

// Selection metrics
var (
	// SelectionsTotal counts selection requests by outcome.
	SelectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "selections_total",
			Help:      "Total number of server selection requests by outcome",
		},
		[]string{"outcome"},
	)

	// SelectionDuration measures selection latency.
	SelectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "selection_duration_seconds",
			Help:      "Server selection duration in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05},
		},
		[]string{"outcome"},
	)
)

// Failover and autoscale metrics
var (
	// FailoverTransitionsTotal counts failover state changes.
	FailoverTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failover_transitions_total",
			Help:      "Total number of failover transitions by type",
		},
		[]string{"server", "type"},
	)

	// ScaleIntentsTotal counts emitted scale intents.
	ScaleIntentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scale_intents_total",
			Help:      "Total number of scale intents emitted",
		},
		[]string{"region", "type"},
	)

	// HealthTransitionsTotal counts server status changes.
	HealthTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_transitions_total",
			Help:      "Total number of server status transitions",
		},
		[]string{"from", "to"},
	)

	// EventsDroppedTotal counts events dropped for slow subscribers.
	EventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Total number of events dropped because a subscriber was full",
		},
		[]string{"type"},
	)
)

// Application metrics
var (
	// AppInfo provides application version information.
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "app_info",
			Help:      "Application information",
		},
		[]string{"version"},
	)

	// ConfiguredServers tracks the number of statically configured servers.
	ConfiguredServers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "configured_servers",
			Help:      "Number of servers in the configuration file",
		},
	)

	// ConfigLoadTimestamp tracks when config was loaded.
	ConfigLoadTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "config_load_timestamp_seconds",
			Help:      "Timestamp of the last configuration load",
		},
	)

	// ConfigReloadsTotal counts configuration reload attempts.
	ConfigReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Total number of configuration reload attempts",
		},
		[]string{"result"}, // "success" or "failure"
	)

	// ConfigReloadTimestamp tracks when config was last reloaded.
	ConfigReloadTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "config_reload_timestamp_seconds",
			Help:      "Timestamp of the last successful configuration reload",
		},
	)
)

// RecordProbe records one probe outcome and its duration.
func RecordProbe(server, outcome string, durationSeconds float64) {
	ProbeResultsTotal.WithLabelValues(server, outcome).Inc()
	ProbeDuration.WithLabelValues(server).Observe(durationSeconds)
}

// RecordCycle records a completed monitoring cycle.
func RecordCycle(servers int, durationSeconds float64) {
	MonitoredServers.Set(float64(servers))
	MonitorCycleDuration.Observe(durationSeconds)
}

// SetHealthyServers sets the current count of healthy servers for a region.
func SetHealthyServers(region string, count int) {
	HealthyServersGauge.WithLabelValues(region).Set(float64(count))
}

// RecordSelection records a selection request.
func RecordSelection(outcome string, durationSeconds float64) {
	SelectionsTotal.WithLabelValues(outcome).Inc()
	SelectionDuration.WithLabelValues(outcome).Observe(durationSeconds)
}

// RecordDroppedEvent records an event lost to a full subscriber.
func RecordDroppedEvent(eventType string) {
	EventsDroppedTotal.WithLabelValues(eventType).Inc()
}

// SetAppInfo sets the application info metric.
func SetAppInfo(version string) {
	AppInfo.WithLabelValues(version).Set(1)
}

// SetConfigMetrics sets configuration-related metrics.
func SetConfigMetrics(servers int, loadTime float64) {
	ConfiguredServers.Set(float64(servers))
	ConfigLoadTimestamp.Set(loadTime)
}

// RecordReload records a configuration reload attempt.
func RecordReload(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	ConfigReloadsTotal.WithLabelValues(result).Inc()
	if success {
		ConfigReloadTimestamp.SetToCurrentTime()
	}
}
