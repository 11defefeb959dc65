// Copyright (C) 2018 Storj Labs, Inc.
// See LICENSE for copying information.

// Package memory implements a human-readable byte-count type, used for
// throughput logging across the engine (e.g. blast-channel send rate).
package memory

import (
	"fmt"
	"strconv"
	"strings"
)

// Size is a count of bytes; it implements flag.Value / pflag.Value so it
// can be bound as a config field or CLI flag.
type Size int64

const (
	B  Size = 1
	KB      = B * 1024
	MB      = KB * 1024
	GB      = MB * 1024
	TB      = GB * 1024
)

// String implements fmt.Stringer, choosing the largest unit that keeps
// the mantissa at or above 1.
func (size Size) String() string {
	switch {
	case size == 0:
		return "0"
	case size%TB == 0:
		return fmt.Sprintf("%.1f TB", float64(size)/float64(TB))
	case size%GB == 0:
		return fmt.Sprintf("%.1f GB", float64(size)/float64(GB))
	case size%MB == 0:
		return fmt.Sprintf("%.1f MB", float64(size)/float64(MB))
	case size%KB == 0:
		return fmt.Sprintf("%.1f KB", float64(size)/float64(KB))
	case size >= TB:
		return fmt.Sprintf("%.1f TB", float64(size)/float64(TB))
	case size >= GB:
		return fmt.Sprintf("%.1f GB", float64(size)/float64(GB))
	case size >= MB:
		return fmt.Sprintf("%.1f MB", float64(size)/float64(MB))
	case size >= KB:
		return fmt.Sprintf("%.1f KB", float64(size)/float64(KB))
	default:
		return fmt.Sprintf("%d B", int64(size))
	}
}

// Type implements pflag.Value.
func (size Size) Type() string { return "memory.Size" }

// Set implements flag.Value, parsing a decimal quantity with an optional
// case-insensitive unit suffix (T/TB, G/GB, M/MB, K/KB, or none for bytes).
func (size *Size) Set(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("memory: empty size")
	}

	unit := Size(1)
	upper := strings.ToUpper(s)
	suffixes := []struct {
		suffix string
		unit   Size
	}{
		{"TB", TB}, {"GB", GB}, {"MB", MB}, {"KB", KB},
		{"T", TB}, {"G", GB}, {"M", MB}, {"K", KB},
		{"B", B},
	}
	matched := false
	for _, suf := range suffixes {
		if strings.HasSuffix(upper, suf.suffix) {
			s = s[:len(s)-len(suf.suffix)]
			unit = suf.unit
			matched = true
			break
		}
	}
	_ = matched

	value, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return fmt.Errorf("memory: invalid size %q: %w", s, err)
	}

	*size = Size(value * float64(unit))
	return nil
}
