// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

// Package geo resolves clients to fleet regions, either from their IP
// address or from explicit coordinates.
package geo

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/oschwald/geoip2-golang"
)

// ErrNoDatabase is returned by lookups when no GeoIP database is loaded.
var ErrNoDatabase = errors.New("geoip database not loaded")

// Database wraps a MaxMind country database and reloads it when the file changes.
type Database struct {
	mu      sync.RWMutex
	reader  *geoip2.Reader
	path    string
	modTime time.Time
	logger  *slog.Logger
}

// OpenDatabase loads the GeoIP database at path.
func OpenDatabase(path string, logger *slog.Logger) (*Database, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Database{path: path, logger: logger}
	if err := d.load(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Database) load() error {
	info, err := os.Stat(d.path)
	if err != nil {
		return fmt.Errorf("failed to stat GeoIP database %q: %w", d.path, err)
	}
	reader, err := geoip2.Open(d.path)
	if err != nil {
		return fmt.Errorf("failed to open GeoIP database %q: %w", d.path, err)
	}

	d.mu.Lock()
	old := d.reader
	d.reader = reader
	d.modTime = info.ModTime()
	d.mu.Unlock()

	if old != nil {
		old.Close()
	}
	d.logger.Info("GeoIP database loaded", "path", d.path, "type", reader.Metadata().DatabaseType)
	return nil
}

// Reload reopens the database if the file's modification time changed.
func (d *Database) Reload() (bool, error) {
	info, err := os.Stat(d.path)
	if err != nil {
		return false, fmt.Errorf("failed to stat GeoIP database: %w", err)
	}
	d.mu.RLock()
	unchanged := info.ModTime().Equal(d.modTime)
	d.mu.RUnlock()
	if unchanged {
		return false, nil
	}
	if err := d.load(); err != nil {
		return false, err
	}
	return true, nil
}

// Country returns the ISO country and continent codes for ip.
func (d *Database) Country(ip net.IP) (country, continent string, err error) {
	if d == nil {
		return "", "", ErrNoDatabase
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.reader == nil {
		return "", "", ErrNoDatabase
	}
	rec, err := d.reader.Country(ip)
	if err != nil {
		return "", "", err
	}
	return rec.Country.IsoCode, rec.Continent.Code, nil
}

// Close releases the database file.
func (d *Database) Close() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reader == nil {
		return nil
	}
	err := d.reader.Close()
	d.reader = nil
	return err
}
