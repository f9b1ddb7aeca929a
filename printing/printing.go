// Copyright (C) 2025 Forge3D Labs, Inc.
// See LICENSE for copying information.

// Package printing defines the domain types shared across the slicing
// service: print technologies, layer heights, build volumes and the
// statistics reported for a sliced model.
package printing

import (
	"math"
	"strings"

	"github.com/zeebo/errs"
)

// Error is the default error class for the printing package.
var Error = errs.Class("printing")

// Technology is a supported print technology. The canonical form is
// uppercase; any request-derived value must go through ParseTechnology.
type Technology string

const (
	// FDM deposits molten filament layer by layer.
	FDM Technology = "FDM"
	// SLA cures liquid resin via masked UV exposure.
	SLA Technology = "SLA"
)

// ParseTechnology canonicalizes s and rejects anything that is not a
// known technology.
func ParseTechnology(s string) (Technology, error) {
	switch Technology(strings.ToUpper(strings.TrimSpace(s))) {
	case FDM:
		return FDM, nil
	case SLA:
		return SLA, nil
	}
	return "", Error.New("unknown technology %q", s)
}

// LayerHeights returns the allowed layer heights for the technology,
// in millimeters.
func (t Technology) LayerHeights() []float64 {
	switch t {
	case FDM:
		return []float64{0.1, 0.2, 0.3}
	case SLA:
		return []float64{0.025, 0.05}
	}
	return nil
}

// layer heights are compared with a tolerance, because the values arrive
// as parsed form fields.
const layerHeightTolerance = 1e-9

// NormalizeLayerHeight returns the canonical member of the technology's
// allowed layer height set matching value.
func NormalizeLayerHeight(tech Technology, value float64) (float64, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) || value <= 0 {
		return 0, ErrInvalidLayerHeight(value)
	}
	for _, allowed := range tech.LayerHeights() {
		if math.Abs(allowed-value) < layerHeightTolerance {
			return allowed, nil
		}
	}
	return 0, ErrLayerHeightForTechnology(tech, value)
}

// BuildVolume is the maximum printable extent of a machine along each
// axis, in millimeters.
type BuildVolume struct {
	X float64
	Y float64
	Z float64
}

// BuildVolume returns the fixed build volume of the technology.
func (t Technology) BuildVolume() BuildVolume {
	switch t {
	case FDM:
		return BuildVolume{X: 250, Y: 210, Z: 210}
	case SLA:
		return BuildVolume{X: 120, Y: 120, Z: 150}
	}
	return BuildVolume{}
}

// Dimensions are the measured extents of a model in millimeters.
type Dimensions struct {
	X float64
	Y float64
	Z float64
}

// FitsWithin reports whether the model fits the build volume on every axis.
func (d Dimensions) FitsWithin(v BuildVolume) bool {
	return d.X <= v.X && d.Y <= v.Y && d.Z <= v.Z
}

// Stats describes a sliced model.
type Stats struct {
	PrintTimeSeconds   int64   `json:"print_time_seconds"`
	PrintTimeReadable  string  `json:"print_time_readable"`
	MaterialUsedMeters float64 `json:"material_used_m"`
	ObjectHeightMM     float64 `json:"object_height_mm"`
	EstimatedPriceHUF  int64   `json:"estimated_price_huf"`
}
