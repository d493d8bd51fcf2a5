// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is a non-persistent Store for tests and ephemeral deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	v, ok := s.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	return s.Batch(ctx, Put(key, value))
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	return s.Batch(ctx, Del(key))
}

func (s *MemoryStore) List(ctx context.Context, prefix string) ([]KVPair, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	var pairs []KVPair
	for k, v := range s.data {
		if strings.HasPrefix(k, prefix) {
			pairs = append(pairs, KVPair{Key: k, Value: append([]byte(nil), v...)})
		}
	}
	s.mu.RUnlock()

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key < pairs[j].Key })
	return pairs, nil
}

func (s *MemoryStore) Batch(ctx context.Context, ops ...Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, op := range ops {
		switch op.Type {
		case OpPut:
			s.data[op.Key] = append([]byte(nil), op.Value...)
		case OpDelete:
			delete(s.data, op.Key)
		}
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
