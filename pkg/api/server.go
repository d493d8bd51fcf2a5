// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// ServerConfig holds API server configuration.
type ServerConfig struct {
	Address           string
	AllowedNetworks   []string
	TrustProxyHeaders bool
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	Logger            *slog.Logger
}

// Server provides the HTTP API for VPNFleet.
type Server struct {
	config     ServerConfig
	httpServer *http.Server
	logger     *slog.Logger
	handlers   *Handlers
	stream     *EventStream
	acl        *ACLMiddleware
}

// NewServer creates a new API server. stream may be nil, in which case
// GET /events answers 503.
func NewServer(cfg ServerConfig, handlers *Handlers, stream *EventStream) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "api")
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	acl, err := NewACLMiddleware(cfg.AllowedNetworks, cfg.TrustProxyHeaders, logger)
	if err != nil {
		return nil, err
	}
	if stream == nil {
		stream = NewEventStream(nil, logger)
	}

	return &Server{
		config:   cfg,
		logger:   logger,
		handlers: handlers,
		stream:   stream,
		acl:      acl,
	}, nil
}

// Handler builds the routed handler. Selection, connect, per-server health
// and probes of the API itself are open; registry mutations and operator
// views go through the ACL.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	h := s.handlers

	// Client-facing endpoints
	mux.HandleFunc("POST /selection", h.Select)
	mux.HandleFunc("POST /connect", h.Connect)
	mux.HandleFunc("GET /servers/{id}/health", h.ServerHealth)
	mux.HandleFunc("GET /geo/resolve", h.ResolveGeo)

	// Liveness and readiness
	mux.HandleFunc("GET /live", h.Live)
	mux.HandleFunc("GET /ready", h.Ready)

	// Provisioning and operator endpoints
	mux.Handle("GET /servers", s.withACL(h.ListServers))
	mux.Handle("POST /servers", s.withACL(h.RegisterServer))
	mux.Handle("DELETE /servers/{id}", s.withACL(h.DeregisterServer))
	mux.Handle("POST /servers/{id}/load", s.withACL(h.ReportLoad))
	mux.Handle("GET /selection/explain", s.withACL(h.Explain))
	mux.Handle("POST /selection/explain", s.withACL(h.Explain))
	mux.Handle("GET /intents", s.withACL(h.Intents))
	mux.Handle("GET /events", s.acl.Wrap(s.stream))

	return NewLoggingMiddleware(s.logger).Wrap(mux)
}

func (s *Server) withACL(next http.HandlerFunc) http.Handler {
	return s.acl.Wrap(next)
}

// Start starts the API server and blocks until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.config.Address,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting API server",
		"address", s.config.Address,
		"allowed_networks", s.config.AllowedNetworks,
		"trust_proxy_headers", s.config.TrustProxyHeaders,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	}
}

// Shutdown gracefully stops the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("stopping API server")
	return s.httpServer.Shutdown(ctx)
}
