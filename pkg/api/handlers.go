// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loganrossus/vpnfleet/pkg/autoscale"
	"github.com/loganrossus/vpnfleet/pkg/credential"
	"github.com/loganrossus/vpnfleet/pkg/geo"
	"github.com/loganrossus/vpnfleet/pkg/registry"
	"github.com/loganrossus/vpnfleet/pkg/selection"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Selector picks servers for clients.
type Selector interface {
	Select(ctx context.Context, req selection.Request) (selection.Result, error)
	Explain(ctx context.Context, req selection.Request) (selection.Explain, error)
}

// GeoResolver maps client IPs to regions.
type GeoResolver interface {
	Resolve(ip net.IP) geo.RegionMatch
}

// IntentSource exposes recently emitted scale intents.
type IntentSource interface {
	Recent(limit int) []autoscale.Intent
}

// ReadinessChecker provides readiness status for the application.
type ReadinessChecker interface {
	// Ready reports whether the engine can serve selections, with a reason
	// when it cannot.
	Ready() (bool, string)
}

// Handlers contains all API endpoint handlers.
type Handlers struct {
	registry  registry.Registry
	selector  Selector
	issuer    credential.Issuer
	geo       GeoResolver
	intents   IntentSource
	readiness ReadinessChecker
	logger    *slog.Logger
	now       func() time.Time
}

// HandlersConfig wires Handlers to the engine.
type HandlersConfig struct {
	Registry  registry.Registry
	Selector  Selector
	Issuer    credential.Issuer
	Geo       GeoResolver
	Intents   IntentSource
	Readiness ReadinessChecker
	Logger    *slog.Logger
	Now       func() time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(cfg HandlersConfig) *Handlers {
	if cfg.Issuer == nil {
		cfg.Issuer = credential.Disabled{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Handlers{
		registry:  cfg.Registry,
		selector:  cfg.Selector,
		issuer:    cfg.Issuer,
		geo:       cfg.Geo,
		intents:   cfg.Intents,
		readiness: cfg.Readiness,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
}

// Select handles POST /selection
func (h *Handlers) Select(w http.ResponseWriter, r *http.Request) {
	var req selection.Request
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.selector.Select(r.Context(), req)
	if err != nil {
		writeSelectionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Explain handles GET and POST /selection/explain. GET reads the request
// from query parameters.
func (h *Handlers) Explain(w http.ResponseWriter, r *http.Request) {
	var req selection.Request
	if r.Method == http.MethodPost {
		if !decodeBody(w, r, &req) {
			return
		}
	} else {
		req = requestFromQuery(r)
	}

	res, err := h.selector.Explain(r.Context(), req)
	if err != nil {
		writeSelectionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func requestFromQuery(r *http.Request) selection.Request {
	q := r.URL.Query()
	req := selection.Request{
		PreferredRegion:    q.Get("preferred_region"),
		RequireMinimumTier: q.Get("tier"),
		ClientGeoHint:      q.Get("hint"),
		ClientIP:           q.Get("client_ip"),
		DegradedPolicy:     selection.DegradedPolicy(q.Get("degraded_policy")),
	}
	if ex := q.Get("exclude"); ex != "" {
		for _, id := range strings.Split(ex, ",") {
			if id = strings.TrimSpace(id); id != "" {
				req.ExcludeServerIDs = append(req.ExcludeServerIDs, id)
			}
		}
	}
	return req
}

// Connect handles POST /connect: select a server and issue a tunnel
// configuration for it. A winner the issuer cannot serve is skipped in
// favour of the next runner-up.
func (h *Handlers) Connect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ClientID) == "" {
		writeReason(w, http.StatusBadRequest, ReasonInvalidRequest, "client_id is required")
		return
	}

	res, err := h.selector.Select(r.Context(), req.Request)
	if err != nil {
		writeSelectionError(w, err)
		return
	}

	candidates := append([]selection.Candidate{res.Server}, res.RunnerUps...)
	for i, c := range candidates {
		rec, err := h.registry.Get(r.Context(), c.ServerID)
		if errors.Is(err, registry.ErrNotFound) {
			continue
		}
		if err != nil {
			writeSelectionError(w, err)
			return
		}

		tc, err := h.issuer.IssueTunnelConfig(r.Context(), rec, req.ClientID)
		switch {
		case err == nil:
			if i > 0 {
				res = promote(res, i)
			}
			writeJSON(w, http.StatusOK, ConnectResponse{Selection: res, Tunnel: tc, WGQuick: tc.WGQuick()})
			return
		case errors.Is(err, credential.ErrServerKey):
			h.logger.Warn("skipping server without usable key", "server_id", c.ServerID, "error", err)
			continue
		case errors.Is(err, credential.ErrDisabled):
			writeReason(w, http.StatusNotImplemented, ReasonCredentialsDisabled, err.Error())
			return
		default:
			h.logger.Error("credential issuance failed", "server_id", c.ServerID, "error", err)
			writeReason(w, http.StatusServiceUnavailable, ReasonCredentialUnavailable, err.Error())
			return
		}
	}
	writeReason(w, http.StatusServiceUnavailable, ReasonNoEligibleServers, "no selected server could issue credentials")
}

// promote makes runner-up i the winner, keeping the rest in rank order.
func promote(res selection.Result, i int) selection.Result {
	winner := res.RunnerUps[i-1]
	rest := make([]selection.Candidate, 0, len(res.RunnerUps)-1)
	rest = append(rest, res.RunnerUps[i:]...)
	res.ServerID = winner.ServerID
	res.Score = winner.Score
	res.Server = winner
	res.RunnerUps = rest
	return res
}

// ListServers handles GET /servers. Optional region and status query
// parameters filter the list.
func (h *Handlers) ListServers(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.registry.Snapshot(r.Context())
	if err != nil {
		writeRegistryError(w, err)
		return
	}

	region := r.URL.Query().Get("region")
	status := registry.Status(r.URL.Query().Get("status"))
	servers := make([]registry.ServerRecord, 0, len(snapshot))
	for _, rec := range snapshot {
		if region != "" && rec.Region != region {
			continue
		}
		if status != "" && rec.Status != status {
			continue
		}
		servers = append(servers, rec)
	}

	writeJSON(w, http.StatusOK, ServerListResponse{
		Servers:     servers,
		Total:       len(servers),
		GeneratedAt: h.now().UTC(),
	})
}

// ServerHealth handles GET /servers/{id}/health
func (h *Handlers) ServerHealth(w http.ResponseWriter, r *http.Request) {
	rec, err := h.registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, healthOf(rec))
}

// RegisterServer handles POST /servers
func (h *Handlers) RegisterServer(w http.ResponseWriter, r *http.Request) {
	var rec registry.ServerRecord
	if !decodeBody(w, r, &rec) {
		return
	}

	created, err := h.registry.Register(r.Context(), rec)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// DeregisterServer handles DELETE /servers/{id}
func (h *Handlers) DeregisterServer(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Deregister(r.Context(), r.PathValue("id")); err != nil {
		writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReportLoad handles POST /servers/{id}/load
func (h *Handlers) ReportLoad(w http.ResponseWriter, r *http.Request) {
	var report LoadReport
	if !decodeBody(w, r, &report) {
		return
	}
	if (report.ActiveConnections != nil && *report.ActiveConnections < 0) ||
		(report.MaxConnections != nil && *report.MaxConnections < 0) ||
		(report.CPUPercent != nil && (*report.CPUPercent < 0 || *report.CPUPercent > 100)) {
		writeReason(w, http.StatusBadRequest, ReasonInvalidRequest, "load values out of range")
		return
	}

	rec, err := h.registry.Update(r.Context(), r.PathValue("id"), func(rec *registry.ServerRecord) error {
		if report.ActiveConnections != nil {
			rec.ActiveConnections = *report.ActiveConnections
		}
		if report.MaxConnections != nil {
			rec.MaxConnections = *report.MaxConnections
		}
		if report.CPUPercent != nil {
			rec.CPUPercent = *report.CPUPercent
		}
		return nil
	})
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, healthOf(rec))
}

// Intents handles GET /intents
func (h *Handlers) Intents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeReason(w, http.StatusBadRequest, ReasonInvalidRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	resp := IntentsResponse{Intents: []autoscale.Intent{}, GeneratedAt: h.now().UTC()}
	if h.intents != nil {
		resp.Intents = h.intents.Recent(limit)
	}
	if snapshot, err := h.registry.Snapshot(r.Context()); err == nil {
		resp.Regions = autoscale.RegionUtilization(snapshot)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ResolveGeo handles GET /geo/resolve?ip=
func (h *Handlers) ResolveGeo(w http.ResponseWriter, r *http.Request) {
	if h.geo == nil {
		writeError(w, http.StatusServiceUnavailable, "geolocation not configured")
		return
	}
	raw := r.URL.Query().Get("ip")
	ip := net.ParseIP(raw)
	if ip == nil {
		writeReason(w, http.StatusBadRequest, ReasonInvalidRequest, "invalid ip: "+raw)
		return
	}
	writeJSON(w, http.StatusOK, GeoResolveResponse{IP: ip.String(), RegionMatch: h.geo.Resolve(ip)})
}

// Ready handles GET /ready
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ready, message := true, ""
	if h.readiness != nil {
		ready, message = h.readiness.Ready()
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, ReadyResponse{Ready: ready, Message: message})
}

// Live handles GET /live
func (h *Handlers) Live(w http.ResponseWriter, r *http.Request) {
	// If we can handle the request, we're alive
	writeJSON(w, http.StatusOK, LiveResponse{Alive: true})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeReason(w, http.StatusBadRequest, ReasonInvalidRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeSelectionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, selection.ErrNoEligibleServers):
		writeReason(w, http.StatusServiceUnavailable, ReasonNoEligibleServers, err.Error())
	case errors.Is(err, selection.ErrInvalidTierRequested):
		writeReason(w, http.StatusBadRequest, ReasonInvalidTierRequested, err.Error())
	case errors.Is(err, selection.ErrInvalidRequest):
		writeReason(w, http.StatusBadRequest, ReasonInvalidRequest, err.Error())
	default:
		writeRegistryError(w, err)
	}
}

func writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrUnavailable):
		writeReason(w, http.StatusServiceUnavailable, ReasonRegistryUnavailable, err.Error())
	case errors.Is(err, registry.ErrNotFound):
		writeReason(w, http.StatusNotFound, ReasonServerNotFound, err.Error())
	case errors.Is(err, registry.ErrAlreadyExists):
		writeReason(w, http.StatusConflict, ReasonServerAlreadyExists, err.Error())
	case errors.Is(err, registry.ErrIDRetired):
		writeReason(w, http.StatusConflict, ReasonServerIDRetired, err.Error())
	case errors.Is(err, registry.ErrNotDrained):
		writeReason(w, http.StatusConflict, ReasonServerNotDrained, err.Error())
	case errors.Is(err, registry.ErrInvalid):
		writeReason(w, http.StatusBadRequest, ReasonInvalidRequest, err.Error())
	default:
		writeReason(w, http.StatusInternalServerError, ReasonInternal, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Can't do much here, response already started
		return
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  status,
	})
}

func writeReason(w http.ResponseWriter, status int, reason, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:  message,
		Code:   status,
		Reason: reason,
	})
}
