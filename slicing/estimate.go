// Copyright (C) 2025 Forge3D Labs, Inc.
// See LICENSE for copying information.

package slicing

import "math"

// BillableHours converts a print time into billable hours with a quarter
// hour minimum.
func BillableHours(seconds int64) float64 {
	return math.Max(float64(seconds)/3600, 0.25)
}

// PriceHUF computes the price estimate for a print time at an hourly rate
// and rounds it up to the next 10 HUF.
func PriceHUF(seconds, hourlyRate int64) int64 {
	raw := BillableHours(seconds) * float64(hourlyRate)
	return int64(math.Ceil(raw/10)) * 10
}
