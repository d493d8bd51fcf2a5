// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package agent

import (
	"context"
	"fmt"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// DefaultHandshakeWindow treats a peer as connected if it completed a
// handshake within this window. WireGuard rekeys every two minutes on an
// active session and gives up after three.
const DefaultHandshakeWindow = 3 * time.Minute

// PeerCounter reports how many clients are connected to the local tunnel.
type PeerCounter interface {
	ActivePeers(ctx context.Context) (int, error)
}

// deviceReader is the subset of *wgctrl.Client the counter needs.
type deviceReader interface {
	Device(name string) (*wgtypes.Device, error)
	Close() error
}

// WireGuardCounter counts peers with a recent handshake on one interface.
type WireGuardCounter struct {
	client deviceReader
	device string
	window time.Duration
	now    func() time.Time
}

// NewWireGuardCounter opens a wgctrl client for device.
func NewWireGuardCounter(device string, window time.Duration) (*WireGuardCounter, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("open wireguard control: %w", err)
	}
	return newWireGuardCounter(client, device, window), nil
}

func newWireGuardCounter(client deviceReader, device string, window time.Duration) *WireGuardCounter {
	if window <= 0 {
		window = DefaultHandshakeWindow
	}
	return &WireGuardCounter{client: client, device: device, window: window, now: time.Now}
}

// ActivePeers implements PeerCounter.
func (c *WireGuardCounter) ActivePeers(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	dev, err := c.client.Device(c.device)
	if err != nil {
		return 0, fmt.Errorf("read device %s: %w", c.device, err)
	}
	return countActive(dev.Peers, c.now(), c.window), nil
}

// Close releases the wgctrl client.
func (c *WireGuardCounter) Close() error {
	return c.client.Close()
}

func countActive(peers []wgtypes.Peer, now time.Time, window time.Duration) int {
	n := 0
	for _, p := range peers {
		if p.LastHandshakeTime.IsZero() {
			continue
		}
		if now.Sub(p.LastHandshakeTime) <= window {
			n++
		}
	}
	return n
}
