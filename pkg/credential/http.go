// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/loganrossus/vpnfleet/pkg/config"
	"github.com/loganrossus/vpnfleet/pkg/registry"
)

// issueRequest is the body sent to the external issuer.
type issueRequest struct {
	ServerID        string `json:"server_id"`
	ClientID        string `json:"client_id"`
	ServerPublicKey string `json:"server_public_key,omitempty"`
	ServerEndpoint  string `json:"server_endpoint"`
}

// HTTPIssuer delegates issuance to an external service.
type HTTPIssuer struct {
	url    string
	client *http.Client
}

// NewHTTPIssuer creates an issuer posting to cfg.IssuerURL.
func NewHTTPIssuer(cfg config.CredentialsConfig) (*HTTPIssuer, error) {
	u, err := url.Parse(cfg.IssuerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid issuer_url %q", cfg.IssuerURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = config.DefaultCredentialsTimeout
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	return &HTTPIssuer{
		url:    u.String(),
		client: &http.Client{Transport: transport, Timeout: timeout},
	}, nil
}

// IssueTunnelConfig implements Issuer.
func (h *HTTPIssuer) IssueTunnelConfig(ctx context.Context, server registry.ServerRecord, clientID string) (TunnelConfig, error) {
	body, err := json.Marshal(issueRequest{
		ServerID:        server.ServerID,
		ClientID:        clientID,
		ServerPublicKey: server.PublicKey,
		ServerEndpoint:  endpoint(server),
	})
	if err != nil {
		return TunnelConfig{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return TunnelConfig{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return TunnelConfig{}, fmt.Errorf("%w: %v", ErrIssuerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return TunnelConfig{}, fmt.Errorf("%w: status %d: %s", ErrIssuerUnavailable, resp.StatusCode, bytes.TrimSpace(msg))
	}

	var tc TunnelConfig
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&tc); err != nil {
		return TunnelConfig{}, fmt.Errorf("%w: decode response: %v", ErrIssuerUnavailable, err)
	}
	if tc.ClientPrivateKey == "" && tc.ClientPublicKey == "" {
		return TunnelConfig{}, fmt.Errorf("%w: response carries no client key", ErrIssuerUnavailable)
	}
	if tc.ServerID == "" {
		tc.ServerID = server.ServerID
	}
	if tc.ClientID == "" {
		tc.ClientID = clientID
	}
	if tc.ServerEndpoint == "" {
		tc.ServerEndpoint = endpoint(server)
	}
	if tc.ServerPublicKey == "" {
		tc.ServerPublicKey = server.PublicKey
	}
	if tc.IssuedAt.IsZero() {
		tc.IssuedAt = time.Now().UTC()
	}
	return tc, nil
}

// IsUnavailable reports whether err came from the external issuer.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrIssuerUnavailable)
}
