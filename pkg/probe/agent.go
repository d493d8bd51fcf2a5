// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// AgentClient fetches load metrics from the agent running on a VPN server.
type AgentClient struct {
	client *http.Client
	path   string
}

// AgentOption configures an AgentClient.
type AgentOption func(*AgentClient)

// WithAgentHTTPClient replaces the HTTP client.
func WithAgentHTTPClient(c *http.Client) AgentOption {
	return func(a *AgentClient) {
		a.client = c
	}
}

// NewAgentClient creates a client requesting path on each server's agent port.
func NewAgentClient(path string, timeout time.Duration, opts ...AgentOption) *AgentClient {
	a := &AgentClient{
		path: path,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DisableKeepAlives:   true,
				MaxIdleConnsPerHost: -1,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Fetch reads metrics from http://host:port<path>.
func (a *AgentClient) Fetch(ctx context.Context, host string, port int) (*AgentMetrics, error) {
	url := "http://" + joinHostPort(host, port) + a.path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent returned status %d", resp.StatusCode)
	}

	var m AgentMetrics
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode agent metrics: %w", err)
	}
	if m.ActiveConnections < 0 {
		return nil, fmt.Errorf("agent reported negative connection count %d", m.ActiveConnections)
	}
	return &m, nil
}
