// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package selection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/loganrossus/vpnfleet/pkg/config"
	"github.com/loganrossus/vpnfleet/pkg/geo"
	"github.com/loganrossus/vpnfleet/pkg/registry"
	"github.com/loganrossus/vpnfleet/pkg/scoring"
)

// RegionResolver maps a client IP to a region.
type RegionResolver interface {
	Resolve(ip net.IP) geo.RegionMatch
}

// Metrics receives selection outcomes.
type Metrics interface {
	ObserveSelection(outcome string, d time.Duration)
}

// Outcome labels passed to Metrics.
const (
	OutcomeSelected    = "selected"
	OutcomeNoEligible  = "no_eligible"
	OutcomeInvalidTier = "invalid_tier"
	OutcomeInvalid     = "invalid_request"
	OutcomeUnavailable = "registry_unavailable"
)

// Options are the reloadable selection parameters.
type Options struct {
	Weights scoring.Weights
	// Tiers is ordered from lowest to highest capability.
	Tiers         []string
	RunnerUps     int
	DefaultPolicy DegradedPolicy
	// ProbeInterval feeds the staleness penalty.
	ProbeInterval time.Duration
}

// OptionsFromConfig builds options from a defaulted config.
func OptionsFromConfig(cfg *config.Config) Options {
	policy, err := ParsePolicy(cfg.Selection.DegradedPolicy, PolicyFallback)
	if err != nil {
		policy = PolicyFallback
	}
	return Options{
		Weights:       scoring.WeightsFromConfig(cfg.Scoring),
		Tiers:         append([]string(nil), cfg.Selection.Tiers...),
		RunnerUps:     cfg.Selection.RunnerUps,
		DefaultPolicy: policy,
		ProbeInterval: cfg.Monitor.Interval,
	}
}

// Config configures a Service.
type Config struct {
	Registry registry.Registry
	// Geo resolves client IPs. Nil ignores client_ip.
	Geo     RegionResolver
	Options Options
	Metrics Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Service answers selection requests from registry snapshots. It is safe
// for concurrent use.
type Service struct {
	registry registry.Registry
	geo      RegionResolver
	metrics  Metrics
	logger   *slog.Logger
	now      func() time.Time

	opts atomic.Pointer[Options]
}

// NewService creates a selection service.
func NewService(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Service{
		registry: cfg.Registry,
		geo:      cfg.Geo,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.With("component", "selection"),
		now:      cfg.Now,
	}
	s.Reconfigure(cfg.Options)
	return s
}

// Reconfigure swaps the selection options.
func (s *Service) Reconfigure(o Options) {
	if o.Weights == (scoring.Weights{}) {
		o.Weights = scoring.DefaultWeights()
	}
	if len(o.Tiers) == 0 {
		o.Tiers = config.DefaultTiers
	}
	if o.RunnerUps <= 0 {
		o.RunnerUps = config.DefaultRunnerUps
	}
	if o.DefaultPolicy == "" {
		o.DefaultPolicy = PolicyFallback
	}
	s.opts.Store(&o)
}

// Options returns the active options.
func (s *Service) Options() Options {
	return *s.opts.Load()
}

// Select returns the best eligible server and up to RunnerUps alternatives.
// Registry failures are returned wrapped, never papered over.
func (s *Service) Select(ctx context.Context, req Request) (Result, error) {
	start := s.now()
	res, err := s.selectServer(ctx, req)
	s.observe(err, s.now().Sub(start))
	if err != nil {
		return Result{}, err
	}

	s.logger.Debug("server selected",
		"server_id", res.ServerID,
		"score", res.Score,
		"runner_ups", len(res.RunnerUps),
		"affinity", res.Affinity.Regions,
	)
	return res, nil
}

func (s *Service) selectServer(ctx context.Context, req Request) (Result, error) {
	ev, err := s.evaluate(ctx, req)
	if err != nil {
		return Result{}, err
	}
	if len(ev.ranked) == 0 {
		return Result{}, noEligible(req)
	}

	opts := ev.opts
	winner := ev.ranked[0]
	res := Result{
		ServerID:  winner.ServerID,
		Score:     winner.Score,
		Server:    winner,
		RunnerUps: []Candidate{},
		Affinity:  ev.affinity,
		Policy:    ev.policy,
	}
	for i := 1; i < len(ev.ranked) && len(res.RunnerUps) < opts.RunnerUps; i++ {
		res.RunnerUps = append(res.RunnerUps, ev.ranked[i])
	}
	return res, nil
}

// Explain reports every server's eligibility and score for req. Unlike
// Select it succeeds when nothing is eligible.
func (s *Service) Explain(ctx context.Context, req Request) (Explain, error) {
	ev, err := s.evaluate(ctx, req)
	if err != nil {
		return Explain{}, err
	}

	rank := make(map[string]int, len(ev.ranked))
	for i, c := range ev.ranked {
		rank[c.ServerID] = i + 1
	}
	for i := range ev.explained {
		ev.explained[i].Rank = rank[ev.explained[i].ServerID]
	}
	return Explain{Affinity: ev.affinity, Policy: ev.policy, Servers: ev.explained}, nil
}

func (s *Service) observe(err error, d time.Duration) {
	if s.metrics == nil {
		return
	}
	outcome := OutcomeSelected
	switch {
	case err == nil:
	case errors.Is(err, ErrNoEligibleServers):
		outcome = OutcomeNoEligible
	case errors.Is(err, ErrInvalidTierRequested):
		outcome = OutcomeInvalidTier
	case errors.Is(err, ErrInvalidRequest):
		outcome = OutcomeInvalid
	default:
		outcome = OutcomeUnavailable
	}
	s.metrics.ObserveSelection(outcome, d)
}

func noEligible(req Request) error {
	var scope []string
	if req.PreferredRegion != "" {
		scope = append(scope, "region "+req.PreferredRegion)
	}
	if req.RequireMinimumTier != "" {
		scope = append(scope, "tier "+req.RequireMinimumTier)
	}
	if len(scope) == 0 {
		return ErrNoEligibleServers
	}
	return fmt.Errorf("%w for %s", ErrNoEligibleServers, strings.Join(scope, ", "))
}

// evaluation is the shared work of Select and Explain.
type evaluation struct {
	opts      Options
	policy    DegradedPolicy
	affinity  Affinity
	ranked    []Candidate
	explained []Explanation
}

func (s *Service) evaluate(ctx context.Context, req Request) (evaluation, error) {
	opts := *s.opts.Load()
	ev := evaluation{opts: opts}

	policy, err := ParsePolicy(string(req.DegradedPolicy), opts.DefaultPolicy)
	if err != nil {
		return ev, err
	}
	ev.policy = policy

	minTier := -1
	if req.RequireMinimumTier != "" {
		minTier = indexOf(opts.Tiers, req.RequireMinimumTier)
		if minTier < 0 {
			return ev, fmt.Errorf("%w: %q (known: %s)", ErrInvalidTierRequested, req.RequireMinimumTier, strings.Join(opts.Tiers, ", "))
		}
	}
	clientIP, err := parseClientIP(req.ClientIP)
	if err != nil {
		return ev, err
	}

	snapshot, err := s.registry.Snapshot(ctx)
	if err != nil {
		return ev, fmt.Errorf("read registry: %w", err)
	}

	ev.affinity, err = s.resolveAffinity(req, clientIP, snapshot)
	if err != nil {
		return ev, err
	}

	excluded := make(map[string]bool, len(req.ExcludeServerIDs))
	for _, id := range req.ExcludeServerIDs {
		excluded[id] = true
	}

	now := s.now()
	var healthy, degraded []int
	ev.explained = make([]Explanation, 0, len(snapshot))
	scores := make([]scoring.Breakdown, len(snapshot))

	for i, rec := range snapshot {
		x := Explanation{ServerID: rec.ServerID, Region: rec.Region, Status: rec.Status}
		switch {
		case rec.Status == registry.StatusUnreachable:
			x.Reason = ReasonUnreachable
		case !rec.Status.Selectable():
			x.Reason = ReasonUnhealthy
		case excluded[rec.ServerID]:
			x.Reason = ReasonExcluded
		case minTier >= 0 && indexOf(opts.Tiers, rec.Tier) < minTier:
			x.Reason = ReasonTier
		case rec.AtCapacity():
			x.Reason = ReasonAtCapacity
		}

		if x.Reason == "" {
			sctx := scoring.Context{AffinityRegions: ev.affinity.Regions, ProbeInterval: opts.ProbeInterval}
			if !rec.LastProbedAt.IsZero() {
				sctx.ProbeAge = now.Sub(rec.LastProbedAt)
			}
			scores[i] = scoring.Explain(scoring.InputFromRecord(rec), sctx, opts.Weights)
			b := scores[i]
			x.Score = &b
			if rec.Status == registry.StatusHealthy {
				healthy = append(healthy, i)
			} else {
				degraded = append(degraded, i)
			}
		}
		ev.explained = append(ev.explained, x)
	}

	pool := healthy
	switch policy {
	case PolicyAllow:
		pool = append(pool, degraded...)
	case PolicyFallback:
		if len(healthy) == 0 {
			pool = degraded
		}
	}
	inPool := make(map[int]bool, len(pool))
	for _, i := range pool {
		inPool[i] = true
	}
	for _, i := range degraded {
		if !inPool[i] {
			ev.explained[i].Reason = ReasonDegradedPolicy
		}
	}
	for i := range ev.explained {
		ev.explained[i].Eligible = inPool[i]
	}

	ev.ranked = make([]Candidate, 0, len(pool))
	for _, i := range pool {
		ev.ranked = append(ev.ranked, candidateOf(snapshot[i], scores[i].Score))
	}
	Rank(ev.ranked)
	return ev, nil
}

// Rank orders candidates best first: higher score, then fewer active
// connections, then lower server id. The order is total, so equal inputs
// always rank identically.
func Rank(c []Candidate) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].Score != c[j].Score {
			return c[i].Score > c[j].Score
		}
		if c[i].ActiveConnections != c[j].ActiveConnections {
			return c[i].ActiveConnections < c[j].ActiveConnections
		}
		return c[i].ServerID < c[j].ServerID
	})
}

// resolveAffinity turns the preferred region and the geo hint into the
// set of regions earning the bonus. A hint is a region code or "lat,long";
// client_ip is only consulted without a hint.
func (s *Service) resolveAffinity(req Request, clientIP net.IP, snapshot []registry.ServerRecord) (Affinity, error) {
	var a Affinity
	add := func(region string) {
		if region != "" && indexOf(a.Regions, region) < 0 {
			a.Regions = append(a.Regions, region)
		}
	}
	if req.PreferredRegion != "" {
		add(req.PreferredRegion)
		a.Source = "preferred_region"
	}

	hint := strings.TrimSpace(req.ClientGeoHint)
	switch {
	case strings.Contains(hint, ","):
		coords, err := geo.ParseCoordinates(hint)
		if err != nil {
			return a, fmt.Errorf("%w: client_geo_hint: %v", ErrInvalidRequest, err)
		}
		points := make([]geo.Located, 0, len(snapshot))
		for _, rec := range snapshot {
			if rec.GeoCoordinates != (geo.Coordinates{}) {
				points = append(points, geo.Located{Region: rec.Region, Coordinates: rec.GeoCoordinates})
			}
		}
		if region, ok := geo.NearestRegion(coords, points); ok {
			add(region)
			a.Source = "coordinates"
		}
	case hint != "":
		add(hint)
		a.Source = "geo_hint"
	case clientIP != nil && s.geo != nil:
		m := s.geo.Resolve(clientIP)
		if m.Region != "" {
			add(m.Region)
			a.Source = "client_ip"
			a.Match = &m
		}
	}
	return a, nil
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}
