// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loganrossus/vpnfleet/pkg/events"
	"github.com/spf13/cobra"
)

var eventTypes []string

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream live health, failover and scale events",
	Example: `  fleetctl events
  fleetctl events --type health.transition,failover.activated --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		query := url.Values{}
		if len(eventTypes) > 0 {
			query.Set("type", strings.Join(eventTypes, ","))
		}
		wsURL, err := websocketURL(apiEndpoint, "/events", query)
		if err != nil {
			return err
		}

		dialer := websocket.Dialer{HandshakeTimeout: time.Duration(timeout) * time.Second}
		conn, resp, err := dialer.DialContext(cmd.Context(), wsURL, nil)
		if err != nil {
			if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
				return handleErrorResponse(resp)
			}
			return fmt.Errorf("failed to connect to event stream: %w", err)
		}
		defer conn.Close()

		go func() {
			<-cmd.Context().Done()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		}()

		out := cmd.OutOrStdout()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if cmd.Context().Err() != nil ||
					websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return nil
				}
				return fmt.Errorf("event stream: %w", err)
			}

			if jsonOutput {
				fmt.Fprintln(out, string(data))
				continue
			}
			var ev events.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			fmt.Fprintln(out, formatEvent(ev))
		}
	},
}

// formatEvent renders one event as a single log-style line.
func formatEvent(ev events.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %-22s", ev.Timestamp.Format("15:04:05.000"), ev.Type)
	if ev.ServerID != "" {
		fmt.Fprintf(&b, " server=%s", ev.ServerID)
	}
	if ev.Region != "" {
		fmt.Fprintf(&b, " region=%s", ev.Region)
	}
	if ev.From != "" || ev.To != "" {
		fmt.Fprintf(&b, " %s -> %s", ev.From, ev.To)
	}
	if ev.Value != 0 {
		fmt.Fprintf(&b, " value=%.2f", ev.Value)
	}
	if ev.Detail != "" {
		fmt.Fprintf(&b, " (%s)", ev.Detail)
	}
	return b.String()
}

func init() {
	eventsCmd.Flags().StringSliceVar(&eventTypes, "type", nil, "Only stream these event types")
}
