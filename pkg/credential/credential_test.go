// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package credential

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/loganrossus/vpnfleet/pkg/config"
	"github.com/loganrossus/vpnfleet/pkg/registry"
)

func testServer(t *testing.T) registry.ServerRecord {
	t.Helper()
	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey() error = %v", err)
	}
	return registry.ServerRecord{
		ServerID:        "eu-1",
		EndpointAddress: "198.51.100.7",
		ListenPort:      51820,
		PublicKey:       key.PublicKey().String(),
	}
}

func TestLocalIssuer(t *testing.T) {
	srv := testServer(t)
	iss := NewLocalIssuer(config.CredentialsConfig{DNS: []string{"10.64.0.1"}, Keepalive: 25})

	tc, err := iss.IssueTunnelConfig(context.Background(), srv, "client-42")
	if err != nil {
		t.Fatalf("IssueTunnelConfig() error = %v", err)
	}

	priv, err := wgtypes.ParseKey(tc.ClientPrivateKey)
	if err != nil {
		t.Fatalf("client private key not parseable: %v", err)
	}
	if priv.PublicKey().String() != tc.ClientPublicKey {
		t.Error("client public key does not match private key")
	}
	if tc.ServerEndpoint != "198.51.100.7:51820" {
		t.Errorf("ServerEndpoint = %q", tc.ServerEndpoint)
	}
	if tc.ServerPublicKey != srv.PublicKey {
		t.Errorf("ServerPublicKey = %q, want %q", tc.ServerPublicKey, srv.PublicKey)
	}
	if len(tc.AllowedIPs) != 2 {
		t.Errorf("AllowedIPs = %v, want default full tunnel", tc.AllowedIPs)
	}

	again, _ := iss.IssueTunnelConfig(context.Background(), srv, "client-42")
	if again.ClientPrivateKey == tc.ClientPrivateKey {
		t.Error("two issuances share a private key")
	}

	conf := tc.WGQuick()
	for _, want := range []string{"[Interface]", "DNS = 10.64.0.1", "[Peer]", "Endpoint = 198.51.100.7:51820", "PersistentKeepalive = 25"} {
		if !strings.Contains(conf, want) {
			t.Errorf("WGQuick() missing %q:\n%s", want, conf)
		}
	}
}

func TestLocalIssuer_RequiresServerKey(t *testing.T) {
	srv := testServer(t)
	srv.PublicKey = "not-a-key"
	_, err := NewLocalIssuer(config.CredentialsConfig{}).IssueTunnelConfig(context.Background(), srv, "c")
	if !errors.Is(err, ErrServerKey) {
		t.Errorf("IssueTunnelConfig() error = %v, want ErrServerKey", err)
	}
}

func TestHTTPIssuer(t *testing.T) {
	srv := testServer(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req issueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientID == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.ClientID == "broken" {
			http.Error(w, "issuer down", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(TunnelConfig{
			ClientPrivateKey: "cHJpdmF0ZQ==",
			ClientAddress:    "10.64.1.9/32",
			AllowedIPs:       []string{"0.0.0.0/0"},
		})
	}))
	defer ts.Close()

	iss, err := NewHTTPIssuer(config.CredentialsConfig{IssuerURL: ts.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewHTTPIssuer() error = %v", err)
	}

	tc, err := iss.IssueTunnelConfig(context.Background(), srv, "client-1")
	if err != nil {
		t.Fatalf("IssueTunnelConfig() error = %v", err)
	}
	if tc.ClientAddress != "10.64.1.9/32" || tc.ServerID != "eu-1" || tc.ClientID != "client-1" {
		t.Errorf("TunnelConfig = %+v", tc)
	}
	if tc.ServerEndpoint != "198.51.100.7:51820" {
		t.Errorf("ServerEndpoint = %q, want filled from record", tc.ServerEndpoint)
	}

	_, err = iss.IssueTunnelConfig(context.Background(), srv, "broken")
	if !IsUnavailable(err) {
		t.Errorf("IssueTunnelConfig(broken) error = %v, want ErrIssuerUnavailable", err)
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		cfg     config.CredentialsConfig
		wantErr bool
	}{
		{config.CredentialsConfig{Mode: "local"}, false},
		{config.CredentialsConfig{}, false},
		{config.CredentialsConfig{Mode: "none"}, false},
		{config.CredentialsConfig{Mode: "http", IssuerURL: "https://issuer.example.net/v1/issue"}, false},
		{config.CredentialsConfig{Mode: "http", IssuerURL: "ftp://x"}, true},
		{config.CredentialsConfig{Mode: "ldap"}, true},
	}
	for _, tt := range tests {
		_, err := New(tt.cfg)
		if (err != nil) != tt.wantErr {
			t.Errorf("New(%+v) error = %v, wantErr %v", tt.cfg, err, tt.wantErr)
		}
	}

	iss, _ := New(config.CredentialsConfig{Mode: "none"})
	if _, err := iss.IssueTunnelConfig(context.Background(), registry.ServerRecord{}, "c"); !errors.Is(err, ErrDisabled) {
		t.Errorf("disabled issuer error = %v, want ErrDisabled", err)
	}
}
