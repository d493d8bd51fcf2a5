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
	"strconv"
	"time"
)

// Sampler takes a single round-trip measurement to addr (host:port).
type Sampler interface {
	Sample(ctx context.Context, addr string) (time.Duration, error)
	Method() string
}

// TCPSampler measures the TCP connect handshake.
type TCPSampler struct {
	dialer *net.Dialer
}

// NewTCPSampler creates a TCP handshake sampler.
func NewTCPSampler() *TCPSampler {
	return &TCPSampler{dialer: &net.Dialer{KeepAlive: -1}}
}

func (s *TCPSampler) Method() string { return "tcp" }

func (s *TCPSampler) Sample(ctx context.Context, addr string) (time.Duration, error) {
	start := time.Now()
	conn, err := s.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("tcp connect failed: %w", err)
	}
	rtt := time.Since(start)
	conn.Close()
	return rtt, nil
}

// UDPSampler sends a datagram and waits for it to be echoed back. It
// needs an echo responder on the target port.
type UDPSampler struct {
	payload []byte
}

// NewUDPSampler creates a UDP echo sampler.
func NewUDPSampler() *UDPSampler {
	return &UDPSampler{payload: []byte("vpnfleet-probe")}
}

func (s *UDPSampler) Method() string { return "udp" }

func (s *UDPSampler) Sample(ctx context.Context, addr string) (time.Duration, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return 0, fmt.Errorf("udp dial failed: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	start := time.Now()
	if _, err := conn.Write(s.payload); err != nil {
		return 0, fmt.Errorf("udp write failed: %w", err)
	}
	buf := make([]byte, len(s.payload)+16)
	if _, err := conn.Read(buf); err != nil {
		return 0, fmt.Errorf("udp echo failed: %w", err)
	}
	return time.Since(start), nil
}

// NewSampler returns the sampler for a configured method name.
func NewSampler(method string) (Sampler, error) {
	switch method {
	case "tcp", "":
		return NewTCPSampler(), nil
	case "udp":
		return NewUDPSampler(), nil
	default:
		return nil, fmt.Errorf("unsupported probe method: %s", method)
	}
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
