// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

// Package output renders fleetctl results as tables or JSON.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
)

// Formatter renders command results.
type Formatter interface {
	// Print outputs a structured value.
	Print(data any) error
	// PrintTable outputs tabular data with headers.
	PrintTable(headers []string, rows [][]string)
	// PrintKeyValue outputs key-value pairs.
	PrintKeyValue(pairs []KVPair)
	// PrintMessage outputs a simple message.
	PrintMessage(msg string)
}

// KVPair represents a key-value pair for output.
type KVPair struct {
	Key   string
	Value string
}

// TableFormatter outputs human-readable tables.
type TableFormatter struct {
	Writer io.Writer
}

// Print outputs data with Go's %+v verb. Commands that have a table
// layout should call PrintTable or PrintKeyValue instead.
func (f *TableFormatter) Print(data any) error {
	_, err := fmt.Fprintf(f.Writer, "%+v\n", data)
	return err
}

// PrintTable outputs tabular data with headers.
func (f *TableFormatter) PrintTable(headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Fprintln(f.Writer, "No data available.")
		return
	}

	w := tabwriter.NewWriter(f.Writer, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, strings.Join(headers, "\t"))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
}

// PrintKeyValue outputs key-value pairs aligned on the colon.
func (f *TableFormatter) PrintKeyValue(pairs []KVPair) {
	maxKeyLen := 0
	for _, pair := range pairs {
		if len(pair.Key) > maxKeyLen {
			maxKeyLen = len(pair.Key)
		}
	}

	for _, pair := range pairs {
		fmt.Fprintf(f.Writer, "  %-*s  %s\n", maxKeyLen+1, pair.Key+":", pair.Value)
	}
}

// PrintMessage outputs a simple message.
func (f *TableFormatter) PrintMessage(msg string) {
	fmt.Fprintln(f.Writer, msg)
}

// JSONFormatter outputs JSON.
type JSONFormatter struct {
	Writer io.Writer
	Pretty bool
}

// Print outputs data as JSON.
func (f *JSONFormatter) Print(data any) error {
	encoder := json.NewEncoder(f.Writer)
	if f.Pretty {
		encoder.SetIndent("", "  ")
	}
	return encoder.Encode(data)
}

// PrintTable outputs rows as an array of objects keyed by snake_cased headers.
func (f *JSONFormatter) PrintTable(headers []string, rows [][]string) {
	result := make([]map[string]string, 0, len(rows))
	for _, row := range rows {
		obj := make(map[string]string, len(headers))
		for i, header := range headers {
			if i < len(row) {
				obj[jsonKey(header)] = row[i]
			}
		}
		result = append(result, obj)
	}
	_ = f.Print(result)
}

// PrintKeyValue outputs key-value pairs as a JSON object.
func (f *JSONFormatter) PrintKeyValue(pairs []KVPair) {
	obj := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		obj[jsonKey(pair.Key)] = pair.Value
	}
	_ = f.Print(obj)
}

// PrintMessage outputs a message as JSON.
func (f *JSONFormatter) PrintMessage(msg string) {
	_ = f.Print(map[string]string{"message": msg})
}

func jsonKey(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, " ", "_"))
}

// New returns a JSON or table formatter writing to w.
func New(w io.Writer, jsonOutput bool) Formatter {
	if jsonOutput {
		return &JSONFormatter{Writer: w, Pretty: true}
	}
	return &TableFormatter{Writer: w}
}

// Milliseconds formats a latency value, or "-" when nothing was measured.
func Milliseconds(ms float64) string {
	if ms <= 0 {
		return "-"
	}
	return strconv.FormatFloat(ms, 'f', 1, 64) + "ms"
}

// Percent formats a ratio in [0,1] as a percentage.
func Percent(ratio float64) string {
	return strconv.FormatFloat(ratio*100, 'f', 1, 64) + "%"
}

// Since formats the age of t, or "never" for the zero time.
func Since(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t).Round(time.Second)
	if d < 0 {
		d = 0
	}
	return d.String() + " ago"
}
