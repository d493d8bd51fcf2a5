// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package api

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/loganrossus/vpnfleet/pkg/logging"
)

// ReasonForbidden is returned when the ACL rejects a request.
const ReasonForbidden = "Forbidden"

// ACLMiddleware enforces IP-based access control.
type ACLMiddleware struct {
	allowedNetworks   []*net.IPNet
	trustProxyHeaders bool
	logger            *slog.Logger
}

// NewACLMiddleware creates a new ACL middleware. Entries without a prefix
// length are treated as single hosts.
func NewACLMiddleware(networks []string, trustProxy bool, logger *slog.Logger) (*ACLMiddleware, error) {
	if logger == nil {
		logger = logging.Discard()
	}

	var parsed []*net.IPNet
	for _, cidr := range networks {
		if !strings.Contains(cidr, "/") {
			if strings.Contains(cidr, ":") {
				cidr = cidr + "/128"
			} else {
				cidr = cidr + "/32"
			}
		}

		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed network %q: %w", cidr, err)
		}
		parsed = append(parsed, ipnet)
	}

	return &ACLMiddleware{
		allowedNetworks:   parsed,
		trustProxyHeaders: trustProxy,
		logger:            logger,
	}, nil
}

// Wrap returns an http.Handler that enforces the ACL before calling the next handler.
func (m *ACLMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := m.ClientIP(r)
		if clientIP == nil {
			m.logger.Warn("could not parse client IP",
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path,
			)
			writeReason(w, http.StatusForbidden, ReasonForbidden, "forbidden")
			return
		}

		if !m.isAllowed(clientIP) {
			m.logger.Warn("access denied by ACL",
				"client_ip", clientIP.String(),
				"method", r.Method,
				"path", r.URL.Path,
			)
			writeReason(w, http.StatusForbidden, ReasonForbidden, "forbidden")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ClientIP gets the client IP from the request. Proxy headers are only
// consulted when trusted.
func (m *ACLMiddleware) ClientIP(r *http.Request) net.IP {
	if m.trustProxyHeaders {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// First entry is the original client
			first, _, _ := strings.Cut(xff, ",")
			if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
				return ip
			}
		}

		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			if ip := net.ParseIP(strings.TrimSpace(xri)); ip != nil {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr might not have a port
		return net.ParseIP(r.RemoteAddr)
	}
	return net.ParseIP(host)
}

// isAllowed checks if the IP is in any of the allowed networks.
func (m *ACLMiddleware) isAllowed(ip net.IP) bool {
	// If no networks configured, deny all (fail-closed)
	if len(m.allowedNetworks) == 0 {
		return false
	}

	for _, network := range m.allowedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// LoggingMiddleware logs API requests.
type LoggingMiddleware struct {
	logger *slog.Logger
}

// NewLoggingMiddleware creates a new logging middleware.
func NewLoggingMiddleware(logger *slog.Logger) *LoggingMiddleware {
	if logger == nil {
		logger = logging.Discard()
	}
	return &LoggingMiddleware{logger: logger}
}

// Wrap returns an http.Handler that logs requests. Server errors are
// logged at warn level, everything else at debug.
func (m *LoggingMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		level := slog.LevelDebug
		if wrapped.statusCode >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		m.logger.Log(r.Context(), level, "api request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
