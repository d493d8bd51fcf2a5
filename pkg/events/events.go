// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

// Package events is the fire-and-forget stream of health, failover and
// scaling events consumed by metrics, alerting and API subscribers.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Type identifies an event kind.
type Type string

const (
	TypeProbeResult        Type = "probe.result"
	TypeHealthTransition   Type = "health.transition"
	TypeFailoverActivated  Type = "failover.activated"
	TypeFailoverRecovering Type = "failover.recovering"
	TypeFailoverRestored   Type = "failover.restored"
	TypeScaleUp            Type = "autoscale.scale_up"
	TypeScaleDown          Type = "autoscale.scale_down"
	TypeServerRegistered   Type = "server.registered"
	TypeServerDeregistered Type = "server.deregistered"
)

// DefaultBuffer is the per-subscriber channel size.
const DefaultBuffer = 64

// Event is one notification. From and To carry the old and new state for
// transitions and are empty otherwise.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	ServerID  string    `json:"server_id,omitempty"`
	Region    string    `json:"region,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Value     float64   `json:"value,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher accepts events. Implementations must not block.
type Publisher interface {
	Publish(ev Event)
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(Event) {}

type subscriber struct {
	ch     chan Event
	filter map[Type]bool
}

func (s *subscriber) wants(t Type) bool {
	return len(s.filter) == 0 || s.filter[t]
}

// Bus fans events out to subscribers. A subscriber whose buffer is full
// misses the event; Publish never waits.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool

	dropped atomic.Uint64
	onDrop  func(Type)
	logger  *slog.Logger
	now     func() time.Time
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithDropHook is called once per dropped delivery.
func WithDropHook(fn func(Type)) BusOption {
	return func(b *Bus) { b.onDrop = fn }
}

// WithLogger sets the bus logger.
func WithLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) { b.logger = logger }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) BusOption {
	return func(b *Bus) { b.now = now }
}

// NewBus creates an empty bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs: make(map[uint64]*subscriber),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

// Publish stamps ev with an ID and timestamp when unset and delivers it.
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, s := range b.subs {
		if !s.wants(ev.Type) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop(ev.Type)
			}
			b.logger.Debug("event dropped, subscriber full", "type", ev.Type, "server_id", ev.ServerID)
		}
	}
}

// Subscribe returns a channel receiving events of the given types (all
// types when none are given) and a cancel func that closes it.
func (b *Bus) Subscribe(buffer int, types ...Type) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.filter = make(map[Type]bool, len(types))
		for _, t := range types {
			s.filter[t] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
}

// Dropped returns the number of deliveries skipped since creation.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}
