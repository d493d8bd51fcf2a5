// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loganrossus/vpnfleet/pkg/events"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second
	streamReadLimit    = 512
)

// EventSource hands out event subscriptions.
type EventSource interface {
	Subscribe(buffer int, types ...events.Type) (<-chan events.Event, func())
}

// EventStream serves GET /events as a websocket of JSON events. The type
// query parameter takes a comma separated list of event types.
type EventStream struct {
	source   EventSource
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewEventStream creates an EventStream. Access is enforced by the ACL, so
// the origin check accepts any origin.
func NewEventStream(source EventSource, logger *slog.Logger) *EventStream {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventStream{
		source: source,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

func parseTypes(raw string) []events.Type {
	var types []events.Type
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, events.Type(t))
		}
	}
	return types
}

// ServeHTTP upgrades the connection and forwards events until the client
// goes away or the bus closes.
func (s *EventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.source == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch, cancel := s.source.Subscribe(events.DefaultBuffer, parseTypes(r.URL.Query().Get("type"))...)
	defer cancel()

	// The read loop only exists to notice the client closing.
	closed := make(chan struct{})
	conn.SetReadLimit(streamReadLimit)
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("event stream read error", "error", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	s.logger.Debug("event stream opened", "remote_addr", r.RemoteAddr)
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			deadline := time.Now().Add(streamWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case ev, ok := <-ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(streamWriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}
