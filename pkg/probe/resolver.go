// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package probe

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Resolver turns endpoint hostnames into addresses. With no server
// configured it uses the system resolver.
type Resolver struct {
	server string
	client *dns.Client
}

// NewResolver creates a resolver that queries server (host:port) directly.
func NewResolver(server string) *Resolver {
	return &Resolver{
		server: server,
		client: &dns.Client{Net: "udp", Timeout: 2 * time.Second},
	}
}

// Lookup returns the first address for host, preferring IPv4.
func (r *Resolver) Lookup(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}

	if r == nil || r.server == "" {
		addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, err
		}
		if len(addrs) == 0 {
			return nil, fmt.Errorf("no addresses for %s", host)
		}
		for _, a := range addrs {
			if a.IP.To4() != nil {
				return a.IP, nil
			}
		}
		return addrs[0].IP, nil
	}

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		ip, err := r.query(ctx, host, qtype)
		if err != nil {
			return nil, err
		}
		if ip != nil {
			return ip, nil
		}
	}
	return nil, fmt.Errorf("no addresses for %s", host)
}

func (r *Resolver) query(ctx context.Context, host string, qtype uint16) (net.IP, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return nil, fmt.Errorf("dns query %s %s: %w", dns.TypeToString[qtype], host, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("dns query %s %s: %s", dns.TypeToString[qtype], host, dns.RcodeToString[in.Rcode])
	}
	for _, rr := range in.Answer {
		switch v := rr.(type) {
		case *dns.A:
			return v.A, nil
		case *dns.AAAA:
			return v.AAAA, nil
		}
	}
	return nil, nil
}
