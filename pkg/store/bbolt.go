// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package store

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"

	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("vpnfleet")

// BboltStore implements Store on an embedded bbolt file.
type BboltStore struct {
	db     *bolt.DB
	closed atomic.Bool
}

// NewBboltStore opens (or creates) the bbolt database at path.
func NewBboltStore(path string) (*BboltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &BboltStore{db: db}, nil
}

// Get retrieves the value for the given key.
func (s *BboltStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var val []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get([]byte(key))
		if v == nil {
			return ErrKeyNotFound
		}
		val = append([]byte(nil), v...)
		return nil
	})
	return val, err
}

// Set stores value under key.
func (s *BboltStore) Set(ctx context.Context, key string, value []byte) error {
	return s.Batch(ctx, Put(key, value))
}

// Delete removes key.
func (s *BboltStore) Delete(ctx context.Context, key string) error {
	return s.Batch(ctx, Del(key))
}

// List walks the bucket cursor from prefix; bbolt keeps keys sorted.
func (s *BboltStore) List(ctx context.Context, prefix string) ([]KVPair, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var pairs []KVPair
	p := []byte(prefix)

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			pairs = append(pairs, KVPair{
				Key:   string(k),
				Value: append([]byte(nil), v...),
			})
		}
		return nil
	})
	return pairs, err
}

// Batch applies ops inside a single read-write transaction.
func (s *BboltStore) Batch(ctx context.Context, ops ...Op) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		for _, op := range ops {
			var err error
			switch op.Type {
			case OpPut:
				err = b.Put([]byte(op.Key), op.Value)
			case OpDelete:
				err = b.Delete([]byte(op.Key))
			default:
				err = fmt.Errorf("unknown op type %d", op.Type)
			}
			if err != nil {
				return fmt.Errorf("%s: %w", op.Key, err)
			}
		}
		return nil
	})
}

// Close closes the database file.
func (s *BboltStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
