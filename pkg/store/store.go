// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

// Package store provides the key/value persistence used behind the server
// registry. Backends are interchangeable; callers depend only on Store.
package store

import (
	"context"
)

// KVPair is one stored entry.
type KVPair struct {
	Key   string
	Value []byte
}

// OpType is the kind of write in a Batch.
type OpType int

const (
	OpPut OpType = iota
	OpDelete
)

// Op is a single write applied by Batch.
type Op struct {
	Type  OpType
	Key   string
	Value []byte
}

// Put returns a write of value under key.
func Put(key string, value []byte) Op { return Op{Type: OpPut, Key: key, Value: value} }

// Del returns a removal of key.
func Del(key string) Op { return Op{Type: OpDelete, Key: key} }

// Store is a flat key/value store. Keys are namespaced by prefix
// ("servers/", "retired/").
type Store interface {
	// Get returns ErrKeyNotFound for an absent key.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// Delete of an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns all pairs whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]KVPair, error)
	// Batch applies ops in order as one transaction: all of them or none.
	Batch(ctx context.Context, ops ...Op) error
	// Close is idempotent. Every other call fails with ErrClosed afterwards.
	Close() error
}

// Error is a constant store error.
type Error string

func (e Error) Error() string { return string(e) }

const (
	ErrKeyNotFound = Error("key not found")
	ErrClosed      = Error("store closed")
)
