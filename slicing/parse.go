// Copyright (C) 2025 Forge3D Labs, Inc.
// See LICENSE for copying information.

package slicing

import (
	"bufio"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/zeebo/errs"

	"github.com/forge3d/slicerd/printing"
)

var (
	m73Re      = regexp.MustCompile(`^M73 P0 R(\d+)\b`)
	estTimeRe  = regexp.MustCompile(`(?i)^;\s*estimated printing time.*=\s*(.+)$`)
	filamentRe = regexp.MustCompile(`(?i)^;\s*filament used \[mm\]\s*=\s*([0-9.]+)`)
	sizeRe     = regexp.MustCompile(`(?mi)^\s*size_([xyz])\s*=\s*([0-9.eE+\-]+)`)
	timeUnitRe = regexp.MustCompile(`(\d+)\s*([dhms])`)
	bareIntRe  = regexp.MustCompile(`^\d+$`)
)

// ParseGCode scans FDM slicer output for the print time and the filament
// length. The M73 progress remaining-time takes precedence over the
// estimated-time comment. Filament is converted from millimeters to
// meters. Values absent from the file come back as zero.
func ParseGCode(r io.Reader) (seconds int64, filamentMeters float64, err error) {
	var m73Seconds, commentSeconds int64

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()

		if m73Seconds == 0 {
			if m := m73Re.FindStringSubmatch(line); m != nil {
				minutes, err := strconv.ParseInt(m[1], 10, 64)
				if err == nil {
					m73Seconds = minutes * 60
				}
			}
		}
		if commentSeconds == 0 {
			if m := estTimeRe.FindStringSubmatch(line); m != nil {
				if parsed, err := ParseTimeExpr(m[1]); err == nil {
					commentSeconds = parsed
				}
			}
		}
		if filamentMeters == 0 {
			if m := filamentRe.FindStringSubmatch(line); m != nil {
				if mm, err := strconv.ParseFloat(m[1], 64); err == nil {
					filamentMeters = mm / 1000
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, 0, errs.Wrap(err)
	}

	seconds = m73Seconds
	if seconds == 0 {
		seconds = commentSeconds
	}
	return seconds, filamentMeters, nil
}

// ParseTimeExpr parses a slicer time expression like "1d 2h 3m 4s" or
// "1h 30m". A bare integer is a second count.
func ParseTimeExpr(expr string) (int64, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, Error.New("empty time expression")
	}
	if bareIntRe.MatchString(expr) {
		seconds, err := strconv.ParseInt(expr, 10, 64)
		return seconds, Error.Wrap(err)
	}

	matches := timeUnitRe.FindAllStringSubmatch(strings.ToLower(expr), -1)
	if matches == nil {
		return 0, Error.New("unrecognized time expression %q", expr)
	}
	var seconds int64
	for _, m := range matches {
		value, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, Error.Wrap(err)
		}
		switch m[2] {
		case "d":
			seconds += value * 86400
		case "h":
			seconds += value * 3600
		case "m":
			seconds += value * 60
		case "s":
			seconds += value
		}
	}
	return seconds, nil
}

// Readable renders seconds as "<h>h <m>m " with the historical trailing
// space the clients already display verbatim.
func Readable(seconds int64) string {
	return strconv.FormatInt(seconds/3600, 10) + "h " +
		strconv.FormatInt(seconds%3600/60, 10) + "m "
}

// EstimateSLASeconds approximates resin print time from the layer count:
// a fixed setup overhead plus a per-layer exposure cost. The layer height
// is clamped to the finest supported value to keep the layer count finite.
func EstimateSLASeconds(heightMM, layerHeight float64) int64 {
	layers := math.Ceil(heightMM / math.Max(layerHeight, 0.025))
	return 120 + int64(layers)*11
}

// parseDimensions reads the model extents out of slicer info output.
// Axes missing from the output stay zero.
func parseDimensions(output []byte) printing.Dimensions {
	var dims printing.Dimensions
	for _, m := range sizeRe.FindAllStringSubmatch(string(output), -1) {
		value, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		switch m[1] {
		case "x", "X":
			dims.X = value
		case "y", "Y":
			dims.Y = value
		case "z", "Z":
			dims.Z = value
		}
	}
	return dims
}
