// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package autoscale

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loganrossus/vpnfleet/pkg/config"
)

// ErrQueueFull is returned when a webhook intent is dropped.
var ErrQueueFull = errors.New("webhook queue full")

// Sink delivers intents to the provisioning service. Emit must not block
// on the network.
type Sink interface {
	Emit(ctx context.Context, in Intent) error
}

// LogSink writes intents to the log.
type LogSink struct {
	Logger *slog.Logger
}

// Emit implements Sink.
func (s LogSink) Emit(_ context.Context, in Intent) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("scale intent emitted",
		"intent_id", in.ID,
		"type", in.Type,
		"region", in.Region,
		"region_group_id", in.RegionGroupID,
		"server_id", in.ServerID,
	)
	return nil
}

// MultiSink fans an intent out to every sink.
type MultiSink []Sink

// Emit implements Sink.
func (m MultiSink) Emit(ctx context.Context, in Intent) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, in); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WebhookSink POSTs intents as JSON from a background worker. Intents that
// arrive while the queue is full are dropped.
type WebhookSink struct {
	url    string
	secret string
	client *http.Client
	logger *slog.Logger

	queue   chan Intent
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	dropped atomic.Uint64
	sent    atomic.Uint64
}

// NewWebhookSink creates a sink for cfg and starts its worker. Call Close
// to stop it.
func NewWebhookSink(cfg config.WebhookConfig, logger *slog.Logger) *WebhookSink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.DefaultWebhookTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = config.DefaultWebhookQueue
	}
	if logger == nil {
		logger = slog.Default()
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          4,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
	}

	s := &WebhookSink{
		url:    cfg.URL,
		secret: cfg.Secret,
		client: &http.Client{Transport: transport, Timeout: cfg.Timeout},
		logger: logger.With("component", "autoscale-webhook"),
		queue:  make(chan Intent, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Emit queues in for delivery.
func (s *WebhookSink) Emit(_ context.Context, in Intent) error {
	select {
	case <-s.done:
		return errors.New("webhook sink closed")
	default:
	}
	select {
	case s.queue <- in:
		return nil
	default:
		s.dropped.Add(1)
		return fmt.Errorf("%w: intent %s", ErrQueueFull, in.ID)
	}
}

// Dropped returns the number of intents discarded on a full queue.
func (s *WebhookSink) Dropped() uint64 { return s.dropped.Load() }

// Sent returns the number of intents accepted by the provisioning service.
func (s *WebhookSink) Sent() uint64 { return s.sent.Load() }

// Close stops the worker after it delivers what is already queued.
func (s *WebhookSink) Close() error {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
	return nil
}

func (s *WebhookSink) run() {
	defer s.wg.Done()
	for {
		select {
		case in := <-s.queue:
			s.deliver(in)
		case <-s.done:
			for {
				select {
				case in := <-s.queue:
					s.deliver(in)
				default:
					return
				}
			}
		}
	}
}

func (s *WebhookSink) deliver(in Intent) {
	if err := s.post(in); err != nil {
		s.logger.Warn("scale intent delivery failed", "intent_id", in.ID, "type", in.Type, "error", err)
		return
	}
	s.sent.Add(1)
	s.logger.Debug("scale intent delivered", "intent_id", in.ID)
}

func (s *WebhookSink) post(in Intent) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", in.ID)
	if s.secret != "" {
		req.Header.Set("X-VPNFleet-Secret", s.secret)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("provisioning service returned %d", resp.StatusCode)
	}
	return nil
}
