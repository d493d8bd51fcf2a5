// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// MaxIncludeDepth bounds include nesting.
const MaxIncludeDepth = 10

// IncludeError represents an error during include processing with file context.
type IncludeError struct {
	File    string
	Message string
	Cause   error
}

func (e *IncludeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.File, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.File, e.Message)
}

func (e *IncludeError) Unwrap() error {
	return e.Cause
}

// CircularIncludeError represents a circular include detection.
type CircularIncludeError struct {
	Path  []string
	Cycle string
}

func (e *CircularIncludeError) Error() string {
	return fmt.Sprintf("circular include detected: %s -> %s", strings.Join(e.Path, " -> "), e.Cycle)
}

type includeLoader struct {
	depth  int
	active map[string]bool
	stack  []string
	files  []string
}

// LoadWithIncludes reads a configuration file, merging the regions, servers
// and geo mappings of any included files. It returns the merged config and
// every file that was read, in load order.
func LoadWithIncludes(path string) (*Config, []string, error) {
	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return nil, nil, &IncludeError{File: path, Message: "failed to resolve path", Cause: err}
	}

	l := &includeLoader{active: make(map[string]bool)}
	cfg, err := l.load(absPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, l.files, nil
}

func (l *includeLoader) load(absPath string) (*Config, error) {
	if l.depth > MaxIncludeDepth {
		return nil, &IncludeError{
			File:    absPath,
			Message: fmt.Sprintf("maximum include depth (%d) exceeded", MaxIncludeDepth),
		}
	}
	if l.active[absPath] {
		return nil, &CircularIncludeError{Path: append([]string{}, l.stack...), Cycle: absPath}
	}

	l.active[absPath] = true
	l.stack = append(l.stack, absPath)
	l.files = append(l.files, absPath)
	defer func() {
		delete(l.active, absPath)
		l.stack = l.stack[:len(l.stack)-1]
	}()

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, &IncludeError{File: absPath, Message: "failed to read file", Cause: err}
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &IncludeError{File: absPath, Message: "failed to parse YAML", Cause: err}
	}

	if len(cfg.Includes) == 0 {
		return &cfg, nil
	}

	l.depth++
	defer func() { l.depth-- }()

	baseDir := filepath.Dir(absPath)
	for _, pattern := range cfg.Includes {
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(baseDir, pattern)
		}
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, &IncludeError{File: absPath, Message: fmt.Sprintf("invalid glob pattern %q", pattern), Cause: err}
		}
		sort.Strings(matches)

		for _, match := range matches {
			info, err := os.Stat(match)
			if err != nil {
				return nil, &IncludeError{File: match, Message: "failed to stat file", Cause: err}
			}
			if info.IsDir() {
				continue
			}
			if info.Mode().Perm()&0o002 != 0 {
				return nil, &IncludeError{File: match, Message: "file is world-writable"}
			}

			included, err := l.load(match)
			if err != nil {
				return nil, err
			}
			if err := mergeConfig(&cfg, included, match); err != nil {
				return nil, err
			}
		}
	}

	return &cfg, nil
}

// mergeConfig appends the list sections of an included file. Scalar sections
// are only honoured in the main file.
func mergeConfig(dst, src *Config, sourceFile string) error {
	regions := make(map[string]bool, len(dst.Regions))
	for _, r := range dst.Regions {
		regions[r.Name] = true
	}
	for _, r := range src.Regions {
		if regions[r.Name] {
			return &IncludeError{File: sourceFile, Message: fmt.Sprintf("duplicate region name %q", r.Name)}
		}
	}
	dst.Regions = append(dst.Regions, src.Regions...)

	servers := make(map[string]bool, len(dst.Servers))
	for _, s := range dst.Servers {
		servers[s.ID] = true
	}
	for _, s := range src.Servers {
		if servers[s.ID] {
			return &IncludeError{File: sourceFile, Message: fmt.Sprintf("duplicate server id %q", s.ID)}
		}
	}
	dst.Servers = append(dst.Servers, src.Servers...)

	dst.Geo.CustomMappings = append(dst.Geo.CustomMappings, src.Geo.CustomMappings...)
	return nil
}
