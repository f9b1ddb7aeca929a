// Copyright (C) 2025 Forge3D Labs, Inc.
// See LICENSE for copying information.

package slicing_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forge3d/slicerd/slicing"
)

func TestParseTimeExpr(t *testing.T) {
	cases := []struct {
		expr    string
		seconds int64
	}{
		{"1h 30m", 5400},
		{"90", 90},
		{"1d 2h 3m 4s", 93784},
		{"45m", 2700},
		{"2h", 7200},
		{"10s", 10},
	}
	for _, tc := range cases {
		seconds, err := slicing.ParseTimeExpr(tc.expr)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.seconds, seconds, tc.expr)
	}

	for _, bad := range []string{"", "soon", "h m"} {
		_, err := slicing.ParseTimeExpr(bad)
		require.Error(t, err, bad)
	}
}

func TestParseGCode(t *testing.T) {
	gcode := strings.Join([]string{
		"; generated by the slicer",
		"G28",
		"; estimated printing time (normal mode) = 1h 30m",
		"G1 X10 Y10",
		"; filament used [mm] = 12450.0",
	}, "\n")

	seconds, filament, err := slicing.ParseGCode(strings.NewReader(gcode))
	require.NoError(t, err)
	assert.Equal(t, int64(5400), seconds)
	assert.Equal(t, 12.45, filament)
}

func TestParseGCodePrefersM73(t *testing.T) {
	gcode := strings.Join([]string{
		"M73 P0 R97",
		"; estimated printing time = 1h 30m",
	}, "\n")

	seconds, _, err := slicing.ParseGCode(strings.NewReader(gcode))
	require.NoError(t, err)
	assert.Equal(t, int64(97*60), seconds)
}

func TestParseGCodeMissingValues(t *testing.T) {
	seconds, filament, err := slicing.ParseGCode(strings.NewReader("G28\nG1 X0\n"))
	require.NoError(t, err)
	assert.Zero(t, seconds)
	assert.Zero(t, filament)
}

func TestReadable(t *testing.T) {
	// the trailing space is load-bearing: clients render the value verbatim
	assert.Equal(t, "1h 30m ", slicing.Readable(5400))
	assert.Equal(t, "0h 1m ", slicing.Readable(90))
	assert.Equal(t, "26h 3m ", slicing.Readable(93784))
}

func TestEstimateSLASeconds(t *testing.T) {
	// ceil(8.5/0.05) = 170 layers
	assert.Equal(t, int64(120+170*11), slicing.EstimateSLASeconds(8.5, 0.05))

	// a layer height below the finest supported value is clamped
	assert.Equal(t,
		slicing.EstimateSLASeconds(10, 0.025),
		slicing.EstimateSLASeconds(10, 0.0001))
}
