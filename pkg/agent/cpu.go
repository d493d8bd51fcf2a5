// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package agent

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultProcStatPath is the Linux kernel CPU accounting file.
const DefaultProcStatPath = "/proc/stat"

// cpuTimes holds the aggregate "cpu" line of /proc/stat.
type cpuTimes struct {
	total uint64
	idle  uint64
}

// CPUSampler reports CPU utilization as the busy share of the time elapsed
// between two consecutive readings.
type CPUSampler struct {
	path string

	mu       sync.Mutex
	last     cpuTimes
	lastRead time.Time
	percent  float64
}

// NewCPUSampler reads from path, or /proc/stat when empty.
func NewCPUSampler(path string) *CPUSampler {
	if path == "" {
		path = DefaultProcStatPath
	}
	return &CPUSampler{path: path}
}

// Percent returns utilization in [0,100]. The first call establishes a
// baseline and returns 0. Calls closer together than a second return the
// previous value so that frequent scrapes do not produce noisy readings.
func (s *CPUSampler) Percent() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if !s.lastRead.IsZero() && now.Sub(s.lastRead) < time.Second {
		return s.percent, nil
	}

	cur, err := readCPUTimes(s.path)
	if err != nil {
		return 0, err
	}

	first := s.lastRead.IsZero()
	prev := s.last
	s.last, s.lastRead = cur, now
	if first || cur.total <= prev.total {
		s.percent = 0
		return 0, nil
	}

	totalDelta := cur.total - prev.total
	idleDelta := cur.idle - prev.idle
	if idleDelta > totalDelta {
		idleDelta = totalDelta
	}
	s.percent = float64(totalDelta-idleDelta) / float64(totalDelta) * 100
	return s.percent, nil
}

func readCPUTimes(path string) (cpuTimes, error) {
	file, err := os.Open(path)
	if err != nil {
		return cpuTimes{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, "cpu ") {
			return parseCPULine(line)
		}
	}
	if err := scanner.Err(); err != nil {
		return cpuTimes{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return cpuTimes{}, fmt.Errorf("cpu line not found in %s", path)
}

// parseCPULine parses the aggregate line of /proc/stat.
// Format: cpu  user nice system idle iowait irq softirq steal guest guest_nice
// Guest time is already included in user and nice, so only the first eight
// counters are summed.
func parseCPULine(line string) (cpuTimes, error) {
	fields := strings.Fields(line)
	if len(fields) < 9 {
		return cpuTimes{}, fmt.Errorf("unexpected format in cpu line: %s", line)
	}

	var t cpuTimes
	for i, f := range fields[1:9] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return cpuTimes{}, fmt.Errorf("failed to parse cpu field %d: %w", i+1, err)
		}
		t.total += v
		// idle and iowait
		if i == 3 || i == 4 {
			t.idle += v
		}
	}
	return t, nil
}
