// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package store

import (
	"fmt"
)

// StoreType identifies the type of store backend.
type StoreType string

const (
	// StoreBBolt uses embedded bbolt for local persistence.
	StoreBBolt StoreType = "bbolt"
	// StoreSQLite uses a SQLite database file.
	StoreSQLite StoreType = "sqlite"
	// StoreMemory keeps everything in process memory.
	StoreMemory StoreType = "memory"
)

// Config holds configuration for creating a store.
type Config struct {
	// Type specifies the store backend type. Empty defaults to bbolt.
	Type StoreType

	// Path is the database file path. Ignored for memory.
	Path string
}

// New creates a new store based on the provided configuration.
func New(cfg Config) (Store, error) {
	switch cfg.Type {
	case StoreBBolt, "":
		return NewBboltStore(cfg.Path)
	case StoreSQLite:
		return NewSQLiteStore(cfg.Path)
	case StoreMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
	}
}
