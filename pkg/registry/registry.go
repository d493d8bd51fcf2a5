// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

// Package registry holds the shared set of server records. Every write is
// applied to a copy and swapped in whole, so readers never see a partially
// updated record.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loganrossus/vpnfleet/pkg/store"
)

var (
	ErrNotFound      = errors.New("server not found")
	ErrAlreadyExists = errors.New("server already registered")
	ErrIDRetired     = errors.New("server id was retired and cannot be reused")
	ErrNotDrained    = errors.New("server still has active connections")
	ErrUnavailable   = errors.New("registry unavailable")
	ErrInvalid       = errors.New("invalid server record")
)

const (
	serverPrefix  = "servers/"
	retiredPrefix = "retired/"
)

// Registry is the read/write contract the engine components depend on.
type Registry interface {
	// Register adds a new server in the Unhealthy state.
	Register(ctx context.Context, rec ServerRecord) (ServerRecord, error)
	// Deregister removes a drained server and retires its id.
	Deregister(ctx context.Context, id string) error
	// Get returns a copy of one record.
	Get(ctx context.Context, id string) (ServerRecord, error)
	// Snapshot returns copies of all records ordered by server id.
	Snapshot(ctx context.Context) ([]ServerRecord, error)
	// Update applies fn to a copy of the record and commits it atomically.
	// If fn returns an error nothing is written.
	Update(ctx context.Context, id string, fn func(*ServerRecord) error) (ServerRecord, error)
}

// ChangeType identifies a membership change.
type ChangeType string

const (
	ChangeRegistered   ChangeType = "registered"
	ChangeDeregistered ChangeType = "deregistered"
)

// Config configures a MemoryRegistry.
type Config struct {
	// Store persists records. Nil keeps everything in memory.
	Store store.Store
	// Tiers restricts the accepted tier names. Empty accepts any.
	Tiers []string
	// OnChange is called after a server is registered or deregistered.
	OnChange func(ChangeType, ServerRecord)
	Logger   *slog.Logger
	Now      func() time.Time
}

type retirement struct {
	ServerID  string    `json:"server_id"`
	RetiredAt time.Time `json:"retired_at"`
}

// MemoryRegistry is an in-process Registry with optional write-through persistence.
type MemoryRegistry struct {
	cfg Config

	mu      sync.RWMutex
	records map[string]*ServerRecord
	retired map[string]time.Time

	// unavailable is set when a persist fails and cleared by the next success.
	unavailable atomic.Bool
}

// New creates an empty registry. Call Load to restore persisted state.
func New(cfg Config) *MemoryRegistry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("component", "registry")
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &MemoryRegistry{
		cfg:     cfg,
		records: make(map[string]*ServerRecord),
		retired: make(map[string]time.Time),
	}
}

// Load restores records and retired ids from the store.
func (r *MemoryRegistry) Load(ctx context.Context) error {
	if r.cfg.Store == nil {
		return nil
	}

	servers, err := r.cfg.Store.List(ctx, serverPrefix)
	if err != nil {
		return fmt.Errorf("list servers: %w", err)
	}
	retired, err := r.cfg.Store.List(ctx, retiredPrefix)
	if err != nil {
		return fmt.Errorf("list retired ids: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, kv := range servers {
		var rec ServerRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			r.cfg.Logger.Warn("skipping corrupt server record", "key", kv.Key, "error", err)
			continue
		}
		r.records[rec.ServerID] = &rec
	}
	for _, kv := range retired {
		var ret retirement
		if err := json.Unmarshal(kv.Value, &ret); err != nil {
			ret.ServerID = strings.TrimPrefix(kv.Key, retiredPrefix)
		}
		r.retired[ret.ServerID] = ret.RetiredAt
	}

	r.cfg.Logger.Info("registry loaded", "servers", len(r.records), "retired", len(r.retired))
	return nil
}

// Available reports whether the last persistence attempt succeeded.
func (r *MemoryRegistry) Available() bool {
	return !r.unavailable.Load()
}

func (r *MemoryRegistry) validate(rec *ServerRecord) error {
	var problems []string
	if rec.ServerID == "" || strings.ContainsAny(rec.ServerID, "/ ") {
		problems = append(problems, "server_id must be non-empty without '/' or spaces")
	}
	if rec.Region == "" {
		problems = append(problems, "region is required")
	}
	if rec.EndpointAddress == "" {
		problems = append(problems, "endpoint_address is required")
	}
	if rec.ListenPort < 1 || rec.ListenPort > 65535 {
		problems = append(problems, "listen_port must be between 1 and 65535")
	}
	if rec.MaxConnections < 0 {
		problems = append(problems, "max_connections cannot be negative")
	}
	if rec.FailoverPartnerID == rec.ServerID && rec.ServerID != "" {
		problems = append(problems, "failover_partner_id cannot reference itself")
	}
	if len(r.cfg.Tiers) > 0 {
		known := false
		for _, t := range r.cfg.Tiers {
			known = known || t == rec.Tier
		}
		if !known {
			problems = append(problems, fmt.Sprintf("unknown tier %q", rec.Tier))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Register adds a new server. Health fields supplied by the caller are
// reset: every server starts Unhealthy with no probe history.
func (r *MemoryRegistry) Register(ctx context.Context, rec ServerRecord) (ServerRecord, error) {
	if err := r.validate(&rec); err != nil {
		return ServerRecord{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.retired[rec.ServerID]; ok {
		return ServerRecord{}, fmt.Errorf("%w: %s", ErrIDRetired, rec.ServerID)
	}
	if _, ok := r.records[rec.ServerID]; ok {
		return ServerRecord{}, fmt.Errorf("%w: %s", ErrAlreadyExists, rec.ServerID)
	}

	rec = rec.Clone()
	rec.Status = StatusUnhealthy
	rec.LatencyMs, rec.JitterMs, rec.PacketLossPct = 0, 0, 0
	rec.ConsecutiveFailures, rec.ConsecutiveClean = 0, 0
	rec.LastProbedAt = time.Time{}
	rec.LastError = ""
	rec.PerformanceScore = 0
	rec.FailoverServingFor = nil
	rec.FailoverState = ""
	rec.RegisteredAt = r.cfg.Now().UTC()

	if err := r.persist(ctx, &rec); err != nil {
		return ServerRecord{}, err
	}
	r.records[rec.ServerID] = &rec

	r.cfg.Logger.Info("server registered",
		"server_id", rec.ServerID,
		"region", rec.Region,
		"endpoint", fmt.Sprintf("%s:%d", rec.EndpointAddress, rec.ListenPort),
		"tier", rec.Tier,
	)
	if r.cfg.OnChange != nil {
		r.cfg.OnChange(ChangeRegistered, rec.Clone())
	}
	return rec.Clone(), nil
}

// Deregister removes a drained server and tombstones its id. The record
// removal and the tombstone are written in one batch.
func (r *MemoryRegistry) Deregister(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.ActiveConnections > 0 {
		return fmt.Errorf("%w: %s has %d", ErrNotDrained, id, rec.ActiveConnections)
	}

	retiredAt := r.cfg.Now().UTC()
	if r.cfg.Store != nil {
		data, err := json.Marshal(retirement{ServerID: id, RetiredAt: retiredAt})
		if err != nil {
			return err
		}
		err = r.cfg.Store.Batch(ctx,
			store.Put(retiredPrefix+id, data),
			store.Del(serverPrefix+id),
		)
		if err != nil {
			return r.storeFailed(err)
		}
		r.unavailable.Store(false)
	}

	delete(r.records, id)
	r.retired[id] = retiredAt

	r.cfg.Logger.Info("server deregistered", "server_id", id, "region", rec.Region)
	if r.cfg.OnChange != nil {
		r.cfg.OnChange(ChangeDeregistered, rec.Clone())
	}
	return nil
}

// Get returns a copy of one record.
func (r *MemoryRegistry) Get(ctx context.Context, id string) (ServerRecord, error) {
	if r.unavailable.Load() {
		return ServerRecord{}, ErrUnavailable
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return ServerRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.Clone(), nil
}

// Snapshot returns copies of all records ordered by server id.
func (r *MemoryRegistry) Snapshot(ctx context.Context) ([]ServerRecord, error) {
	if r.unavailable.Load() {
		return nil, ErrUnavailable
	}
	r.mu.RLock()
	out := make([]ServerRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out, nil
}

// Update applies fn to a copy of the record, persists it and swaps it in.
// Identity and registration time cannot be changed through Update.
func (r *MemoryRegistry) Update(ctx context.Context, id string, fn func(*ServerRecord) error) (ServerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.records[id]
	if !ok {
		return ServerRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	next := cur.Clone()
	if err := fn(&next); err != nil {
		return ServerRecord{}, err
	}
	next.ServerID = cur.ServerID
	next.RegisteredAt = cur.RegisteredAt

	if err := r.persist(ctx, &next); err != nil {
		return ServerRecord{}, err
	}
	r.records[id] = &next
	return next.Clone(), nil
}

// persist writes rec to the store. Callers hold r.mu.
func (r *MemoryRegistry) persist(ctx context.Context, rec *ServerRecord) error {
	if r.cfg.Store == nil {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode server %s: %w", rec.ServerID, err)
	}
	if err := r.cfg.Store.Set(ctx, serverPrefix+rec.ServerID, data); err != nil {
		return r.storeFailed(err)
	}
	if r.unavailable.Swap(false) {
		r.cfg.Logger.Info("registry store recovered")
	}
	return nil
}

func (r *MemoryRegistry) storeFailed(err error) error {
	if !r.unavailable.Swap(true) {
		r.cfg.Logger.Error("registry store write failed; failing reads closed", "error", err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
