// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

// Package credential turns a selected server into a usable WireGuard
// tunnel configuration.
package credential

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/loganrossus/vpnfleet/pkg/config"
	"github.com/loganrossus/vpnfleet/pkg/registry"
)

var (
	// ErrDisabled is returned when credential issuance is turned off.
	ErrDisabled = errors.New("credential issuance disabled")
	// ErrServerKey means the server has no usable WireGuard public key.
	ErrServerKey = errors.New("server public key missing or invalid")
	// ErrIssuerUnavailable wraps failures of the external issuer.
	ErrIssuerUnavailable = errors.New("credential issuer unavailable")
)

// Issuer produces a tunnel configuration for one client on one server.
type Issuer interface {
	IssueTunnelConfig(ctx context.Context, server registry.ServerRecord, clientID string) (TunnelConfig, error)
}

// TunnelConfig is everything a client needs to bring up the tunnel.
type TunnelConfig struct {
	ClientID            string    `json:"client_id"`
	ServerID            string    `json:"server_id"`
	ClientPrivateKey    string    `json:"client_private_key"`
	ClientPublicKey     string    `json:"client_public_key"`
	ClientAddress       string    `json:"client_address,omitempty"`
	DNS                 []string  `json:"dns,omitempty"`
	ServerPublicKey     string    `json:"server_public_key"`
	ServerEndpoint      string    `json:"server_endpoint"`
	AllowedIPs          []string  `json:"allowed_ips"`
	PersistentKeepalive int       `json:"persistent_keepalive,omitempty"`
	IssuedAt            time.Time `json:"issued_at"`
}

// WGQuick renders the configuration in wg-quick format.
func (c TunnelConfig) WGQuick() string {
	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", c.ClientPrivateKey)
	if c.ClientAddress != "" {
		fmt.Fprintf(&b, "Address = %s\n", c.ClientAddress)
	}
	if len(c.DNS) > 0 {
		fmt.Fprintf(&b, "DNS = %s\n", strings.Join(c.DNS, ", "))
	}
	b.WriteString("\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", c.ServerPublicKey)
	fmt.Fprintf(&b, "Endpoint = %s\n", c.ServerEndpoint)
	fmt.Fprintf(&b, "AllowedIPs = %s\n", strings.Join(c.AllowedIPs, ", "))
	if c.PersistentKeepalive > 0 {
		fmt.Fprintf(&b, "PersistentKeepalive = %d\n", c.PersistentKeepalive)
	}
	return b.String()
}

// Disabled refuses every request.
type Disabled struct{}

// IssueTunnelConfig implements Issuer.
func (Disabled) IssueTunnelConfig(context.Context, registry.ServerRecord, string) (TunnelConfig, error) {
	return TunnelConfig{}, ErrDisabled
}

// New builds the issuer selected by cfg.Mode.
func New(cfg config.CredentialsConfig) (Issuer, error) {
	switch cfg.Mode {
	case "", "local":
		return NewLocalIssuer(cfg), nil
	case "http":
		return NewHTTPIssuer(cfg)
	case "none":
		return Disabled{}, nil
	default:
		return nil, fmt.Errorf("unknown credentials mode %q", cfg.Mode)
	}
}

func endpoint(server registry.ServerRecord) string {
	return net.JoinHostPort(server.EndpointAddress, strconv.Itoa(server.ListenPort))
}
