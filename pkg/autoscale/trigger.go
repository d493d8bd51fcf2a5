// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

// Package autoscale watches per-region capacity pressure and emits scale
// intents for an external provisioning service.
package autoscale

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loganrossus/vpnfleet/pkg/config"
	"github.com/loganrossus/vpnfleet/pkg/events"
	"github.com/loganrossus/vpnfleet/pkg/registry"
)

// IntentType distinguishes scale directions.
type IntentType string

const (
	IntentScaleUp   IntentType = "scale_up"
	IntentScaleDown IntentType = "scale_down"
)

// Intent asks the provisioning service to add capacity to a region or to
// retire one idle server.
type Intent struct {
	ID            string     `json:"intent_id"`
	Type          IntentType `json:"type"`
	Region        string     `json:"region"`
	RegionGroupID string     `json:"region_group_id,omitempty"`
	// ServerID is set for scale-down intents only.
	ServerID    string    `json:"server_id,omitempty"`
	Utilization float64   `json:"utilization"`
	Cycles      int       `json:"cycles"`
	CreatedAt   time.Time `json:"created_at"`
}

// Thresholds are the reloadable trigger parameters.
type Thresholds struct {
	HighWatermark float64
	HighCycles    int
	LowWatermark  float64
	LowCycles     int
}

// ThresholdsFromConfig converts the autoscale section.
func ThresholdsFromConfig(cfg config.AutoscaleConfig) Thresholds {
	t := Thresholds{
		HighWatermark: cfg.HighWatermark,
		HighCycles:    cfg.HighCycles,
		LowWatermark:  cfg.LowWatermark,
		LowCycles:     cfg.LowCycles,
	}
	if t.HighWatermark <= 0 {
		t.HighWatermark = config.DefaultHighWatermark
	}
	if t.HighCycles <= 0 {
		t.HighCycles = config.DefaultHighCycles
	}
	if t.LowWatermark <= 0 {
		t.LowWatermark = config.DefaultLowWatermark
	}
	if t.LowCycles <= 0 {
		t.LowCycles = config.DefaultLowCycles
	}
	return t
}

// Config configures a Trigger.
type Config struct {
	Thresholds Thresholds
	Sink       Sink
	Events     events.Publisher
	// Recent is how many intents Recent keeps.
	Recent int
	Logger *slog.Logger
	Now    func() time.Time
}

// regionState tracks one region's streaks. upFired and downFired latch
// until the streak that set them is broken.
type regionState struct {
	high      int
	low       int
	upFired   bool
	downFired bool
}

// Trigger evaluates each committed monitor cycle.
type Trigger struct {
	sink   Sink
	events events.Publisher
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	thresholds Thresholds
	regions    map[string]*regionState
	targeted   map[string]bool
	recent     []Intent
	recentMax  int
}

// NewTrigger creates a trigger.
func NewTrigger(cfg Config) *Trigger {
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = ThresholdsFromConfig(config.AutoscaleConfig{})
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sink == nil {
		cfg.Sink = LogSink{Logger: cfg.Logger}
	}
	if cfg.Events == nil {
		cfg.Events = events.Nop{}
	}
	if cfg.Recent <= 0 {
		cfg.Recent = config.DefaultRecentIntents
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Trigger{
		sink:       cfg.Sink,
		events:     cfg.Events,
		logger:     cfg.Logger.With("component", "autoscale"),
		now:        cfg.Now,
		thresholds: cfg.Thresholds,
		regions:    make(map[string]*regionState),
		targeted:   make(map[string]bool),
		recentMax:  cfg.Recent,
	}
}

// Reconfigure replaces the thresholds. Streaks in progress are kept.
func (t *Trigger) Reconfigure(th Thresholds) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.thresholds = th
}

// ObserveCycle evaluates a committed monitor cycle.
func (t *Trigger) ObserveCycle(ctx context.Context, snapshot []registry.ServerRecord) {
	t.Evaluate(ctx, snapshot)
}

// Evaluate advances every region's streaks by one cycle and emits the
// intents that became due.
func (t *Trigger) Evaluate(ctx context.Context, snapshot []registry.ServerRecord) []Intent {
	usage := RegionUtilization(snapshot)

	t.mu.Lock()
	th := t.thresholds
	var intents []Intent

	for region := range t.regions {
		if _, ok := usage[region]; !ok {
			delete(t.regions, region)
		}
	}
	present := make(map[string]bool, len(snapshot))
	for _, rec := range snapshot {
		present[rec.ServerID] = true
	}
	for id := range t.targeted {
		if !present[id] {
			delete(t.targeted, id)
		}
	}

	regions := make([]string, 0, len(usage))
	for region := range usage {
		regions = append(regions, region)
	}
	sort.Strings(regions)

	for _, region := range regions {
		u := usage[region]
		st, ok := t.regions[region]
		if !ok {
			st = &regionState{}
			t.regions[region] = st
		}
		// No selectable capacity ends both episodes.
		if u.Max == 0 {
			*st = regionState{}
			continue
		}

		if u.Ratio > th.HighWatermark {
			st.high++
		} else {
			st.high = 0
			st.upFired = false
		}
		if u.Ratio < th.LowWatermark {
			st.low++
		} else {
			st.low = 0
			st.downFired = false
		}

		if st.high >= th.HighCycles && !st.upFired {
			st.upFired = true
			intents = append(intents, t.newIntent(IntentScaleUp, u, "", st.high))
		}
		if st.low >= th.LowCycles && !st.downFired {
			if id, ok := t.scaleDownCandidate(snapshot, region); ok {
				st.downFired = true
				t.targeted[id] = true
				intents = append(intents, t.newIntent(IntentScaleDown, u, id, st.low))
			}
		}
	}

	for _, in := range intents {
		t.recent = append(t.recent, in)
	}
	if over := len(t.recent) - t.recentMax; over > 0 {
		t.recent = append([]Intent(nil), t.recent[over:]...)
	}
	t.mu.Unlock()

	for _, in := range intents {
		t.emit(ctx, in)
	}
	return intents
}

func (t *Trigger) newIntent(typ IntentType, u Utilization, serverID string, cycles int) Intent {
	return Intent{
		ID:            uuid.NewString(),
		Type:          typ,
		Region:        u.Region,
		RegionGroupID: u.RegionGroupID,
		ServerID:      serverID,
		Utilization:   u.Ratio,
		Cycles:        cycles,
		CreatedAt:     t.now().UTC(),
	}
}

// scaleDownCandidate picks an idle server to retire. The region must keep
// at least one other Healthy server. Auto-scaled servers go first, then
// the lowest server id.
func (t *Trigger) scaleDownCandidate(snapshot []registry.ServerRecord, region string) (string, bool) {
	healthy := 0
	var idle []registry.ServerRecord
	for _, rec := range snapshot {
		if rec.Region != region {
			continue
		}
		if rec.Status == registry.StatusHealthy {
			healthy++
		}
		if rec.Status.Selectable() && rec.ActiveConnections == 0 && !t.targeted[rec.ServerID] {
			idle = append(idle, rec)
		}
	}
	if healthy <= 1 || len(idle) == 0 {
		return "", false
	}

	sort.Slice(idle, func(i, j int) bool {
		if idle[i].AutoScaled != idle[j].AutoScaled {
			return idle[i].AutoScaled
		}
		return idle[i].ServerID < idle[j].ServerID
	})
	return idle[0].ServerID, true
}

func (t *Trigger) emit(ctx context.Context, in Intent) {
	typ := events.TypeScaleUp
	if in.Type == IntentScaleDown {
		typ = events.TypeScaleDown
	}
	t.logger.Info("scale intent",
		"intent_id", in.ID,
		"type", in.Type,
		"region", in.Region,
		"server_id", in.ServerID,
		"utilization", in.Utilization,
	)
	t.events.Publish(events.Event{
		Type:     typ,
		ServerID: in.ServerID,
		Region:   in.Region,
		Detail:   in.ID,
		Value:    in.Utilization,
	})
	if err := t.sink.Emit(ctx, in); err != nil {
		t.logger.Warn("scale intent not delivered", "intent_id", in.ID, "error", err)
	}
}

// Recent returns up to limit of the newest intents, newest first. A
// non-positive limit returns all kept intents.
func (t *Trigger) Recent(limit int) []Intent {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.recent)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Intent, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, t.recent[i])
	}
	return out
}

// Utilization is the aggregate load of one region's selectable servers.
type Utilization struct {
	Region        string  `json:"region"`
	RegionGroupID string  `json:"region_group_id,omitempty"`
	Active        int     `json:"active_connections"`
	Max           int     `json:"max_connections"`
	Ratio         float64 `json:"utilization"`
	Healthy       int     `json:"healthy_servers"`
	Servers       int     `json:"servers"`
}

// RegionUtilization sums active and max connections over the Healthy and
// Degraded servers of each region. Regions with no selectable server are
// reported with zero capacity.
func RegionUtilization(snapshot []registry.ServerRecord) map[string]Utilization {
	out := make(map[string]Utilization)
	for _, rec := range snapshot {
		u := out[rec.Region]
		u.Region = rec.Region
		u.Servers++
		if u.RegionGroupID == "" {
			u.RegionGroupID = rec.RegionGroupID
		}
		if rec.Status == registry.StatusHealthy {
			u.Healthy++
		}
		if rec.Status.Selectable() {
			u.Active += rec.ActiveConnections
			u.Max += rec.MaxConnections
		}
		out[rec.Region] = u
	}
	for region, u := range out {
		if u.Max > 0 {
			u.Ratio = float64(u.Active) / float64(u.Max)
		}
		out[region] = u
	}
	return out
}
