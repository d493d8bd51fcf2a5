// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

// Package failover tracks primary servers with a configured partner and
// records when the partner is covering for them.
//
// Failover needs no traffic steering of its own: a primary that is
// Unhealthy or Unreachable is already excluded from selection, so new
// clients land on the partner. The controller keeps the bookkeeping on
// both records and announces each step on the event bus.
package failover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"

	"github.com/loganrossus/vpnfleet/pkg/events"
	"github.com/loganrossus/vpnfleet/pkg/registry"
)

// Config configures a Controller.
type Config struct {
	Registry registry.Registry
	Events   events.Publisher
	Logger   *slog.Logger
}

// Controller advances every primary's failover state once per sweep.
type Controller struct {
	registry registry.Registry
	events   events.Publisher
	logger   *slog.Logger
}

// New creates a controller.
func New(cfg Config) *Controller {
	if cfg.Events == nil {
		cfg.Events = events.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Controller{
		registry: cfg.Registry,
		events:   cfg.Events,
		logger:   cfg.Logger.With("component", "failover"),
	}
}

// ObserveCycle runs a sweep after each health monitor cycle.
func (c *Controller) ObserveCycle(ctx context.Context, snapshot []registry.ServerRecord) {
	if err := c.Sweep(ctx, snapshot); err != nil {
		c.logger.Warn("failover sweep incomplete", "error", err)
	}
}

// Next returns the failover state a primary should hold given its current
// health. A primary that has never been Healthy has nothing to fail over
// from and keeps the empty state.
func Next(rec registry.ServerRecord) registry.FailoverState {
	state := rec.FailoverState
	down := rec.Status == registry.StatusUnhealthy || rec.Status == registry.StatusUnreachable
	switch state {
	case "":
		if rec.Status == registry.StatusHealthy {
			return registry.FailoverPrimaryActive
		}
	case registry.FailoverPrimaryActive:
		if down {
			return registry.FailoverActive
		}
	case registry.FailoverActive:
		switch {
		case rec.Status == registry.StatusHealthy:
			return registry.FailoverPrimaryActive
		case rec.ConsecutiveClean > 0:
			return registry.FailoverRecovering
		}
	case registry.FailoverRecovering:
		switch {
		case rec.Status == registry.StatusHealthy:
			return registry.FailoverPrimaryActive
		case rec.ConsecutiveClean == 0:
			return registry.FailoverActive
		}
	}
	return state
}

// Sweep advances each primary in snapshot and reconciles the partners'
// serving lists.
func (c *Controller) Sweep(ctx context.Context, snapshot []registry.ServerRecord) error {
	var errs []error
	states := make(map[string]registry.ServerRecord, len(snapshot))

	for _, rec := range snapshot {
		if rec.FailoverPartnerID == "" {
			states[rec.ServerID] = rec
			continue
		}

		next := Next(rec)
		if next == rec.FailoverState {
			states[rec.ServerID] = rec
			continue
		}

		from := rec.FailoverState
		updated, err := c.registry.Update(ctx, rec.ServerID, func(r *registry.ServerRecord) error {
			r.FailoverState = next
			return nil
		})
		if err != nil {
			if !errors.Is(err, registry.ErrNotFound) {
				errs = append(errs, fmt.Errorf("update %s: %w", rec.ServerID, err))
			}
			states[rec.ServerID] = rec
			continue
		}
		states[rec.ServerID] = updated
		if from != "" {
			c.announce(updated, from, next)
		}
	}

	errs = append(errs, c.reconcilePartners(ctx, snapshot, states)...)
	return errors.Join(errs...)
}

func (c *Controller) announce(rec registry.ServerRecord, from, to registry.FailoverState) {
	var typ events.Type
	switch to {
	case registry.FailoverActive:
		typ = events.TypeFailoverActivated
		c.logger.Warn("failover activated",
			"server_id", rec.ServerID,
			"partner_id", rec.FailoverPartnerID,
			"status", rec.Status,
		)
	case registry.FailoverRecovering:
		typ = events.TypeFailoverRecovering
		c.logger.Info("failover primary recovering", "server_id", rec.ServerID, "partner_id", rec.FailoverPartnerID)
	case registry.FailoverPrimaryActive:
		typ = events.TypeFailoverRestored
		c.logger.Info("failover primary restored", "server_id", rec.ServerID, "partner_id", rec.FailoverPartnerID)
	default:
		return
	}

	c.events.Publish(events.Event{
		Type:     typ,
		ServerID: rec.ServerID,
		Region:   rec.Region,
		From:     string(from),
		To:       string(to),
		Detail:   rec.FailoverPartnerID,
	})
}

// reconcilePartners sets each partner's serving list to the primaries
// currently failed over to it.
func (c *Controller) reconcilePartners(ctx context.Context, snapshot []registry.ServerRecord, states map[string]registry.ServerRecord) []error {
	want := make(map[string][]string)
	for _, rec := range states {
		if rec.FailoverPartnerID == "" {
			continue
		}
		if rec.FailoverState == registry.FailoverActive || rec.FailoverState == registry.FailoverRecovering {
			want[rec.FailoverPartnerID] = append(want[rec.FailoverPartnerID], rec.ServerID)
		}
	}

	var errs []error
	for _, rec := range snapshot {
		desired := want[rec.ServerID]
		sort.Strings(desired)
		if slices.Equal(desired, rec.FailoverServingFor) {
			continue
		}
		_, err := c.registry.Update(ctx, rec.ServerID, func(r *registry.ServerRecord) error {
			r.FailoverServingFor = desired
			return nil
		})
		if err != nil && !errors.Is(err, registry.ErrNotFound) {
			errs = append(errs, fmt.Errorf("update partner %s: %w", rec.ServerID, err))
		}
	}

	for partner := range want {
		if _, ok := states[partner]; !ok {
			c.logger.Warn("failover partner not registered", "partner_id", partner)
		}
	}
	return errs
}
