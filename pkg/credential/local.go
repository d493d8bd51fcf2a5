// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package credential

import (
	"context"
	"fmt"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/loganrossus/vpnfleet/pkg/config"
	"github.com/loganrossus/vpnfleet/pkg/registry"
)

// DefaultAllowedIPs routes all traffic through the tunnel.
var DefaultAllowedIPs = []string{"0.0.0.0/0", "::/0"}

// LocalIssuer generates a fresh client key pair per request. Peer
// installation on the server is left to the tunnel layer, which learns the
// client public key from the returned config.
type LocalIssuer struct {
	dns        []string
	allowedIPs []string
	keepalive  int
	now        func() time.Time
}

// NewLocalIssuer creates a LocalIssuer.
func NewLocalIssuer(cfg config.CredentialsConfig) *LocalIssuer {
	allowed := cfg.AllowedIPs
	if len(allowed) == 0 {
		allowed = DefaultAllowedIPs
	}
	return &LocalIssuer{
		dns:        append([]string(nil), cfg.DNS...),
		allowedIPs: append([]string(nil), allowed...),
		keepalive:  cfg.Keepalive,
		now:        time.Now,
	}
}

// IssueTunnelConfig implements Issuer.
func (l *LocalIssuer) IssueTunnelConfig(_ context.Context, server registry.ServerRecord, clientID string) (TunnelConfig, error) {
	serverKey, err := wgtypes.ParseKey(server.PublicKey)
	if err != nil {
		return TunnelConfig{}, fmt.Errorf("%w: %s", ErrServerKey, server.ServerID)
	}

	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return TunnelConfig{}, fmt.Errorf("generate client key: %w", err)
	}

	return TunnelConfig{
		ClientID:            clientID,
		ServerID:            server.ServerID,
		ClientPrivateKey:    priv.String(),
		ClientPublicKey:     priv.PublicKey().String(),
		DNS:                 append([]string(nil), l.dns...),
		ServerPublicKey:     serverKey.String(),
		ServerEndpoint:      endpoint(server),
		AllowedIPs:          append([]string(nil), l.allowedIPs...),
		PersistentKeepalive: l.keepalive,
		IssuedAt:            l.now().UTC(),
	}, nil
}
