// Copyright (C) 2025 Forge3D Labs, Inc.
// See LICENSE for copying information.

// Package slicing drives the external slicer: it measures the prepared
// mesh, enforces build-volume limits, selects the profile matching the
// requested technology and layer height, produces the final artifact and
// parses the print statistics out of it.
package slicing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/forge3d/slicerd/pipeline"
	"github.com/forge3d/slicerd/printing"
	"github.com/forge3d/slicerd/runner"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the slicing package.
	Error = errs.Class("slicing")
)

// Config defines the slicer binary and its directories.
type Config struct {
	SlicerBin  string
	ConfigsDir string
	OutputDir  string
}

// Slicer orchestrates the external slicer.
type Slicer struct {
	log    *zap.Logger
	run    *runner.Runner
	config Config
}

// New creates a slicer orchestrator.
func New(log *zap.Logger, run *runner.Runner, config Config) *Slicer {
	if config.SlicerBin == "" {
		config.SlicerBin = "prusa-slicer"
	}
	return &Slicer{log: log, run: run, config: config}
}

// Result is a finished slice: the statistics and the artifact the client
// downloads. The artifact is deliberately not on the cleanup list.
type Result struct {
	Stats        printing.Stats
	ArtifactName string
}

// Process runs the slicing stages on a prepared mesh. The price field of
// the stats is left at zero; the estimator fills it in.
func (s *Slicer) Process(ctx context.Context, req *pipeline.Request, meshPath string) (_ Result, err error) {
	defer mon.Task()(&ctx)(&err)

	dims, err := s.Measure(ctx, meshPath)
	if err != nil {
		return Result{}, err
	}

	if !dims.FitsWithin(req.Technology.BuildVolume()) {
		mon.Counter("build_volume_rejected").Inc(1)
		return Result{}, printing.ErrModelExceedsBuildVolume(req.Technology, dims)
	}

	profile, err := s.ProfilePath(req.Technology, req.LayerHeight)
	if err != nil {
		return Result{}, err
	}

	artifact, err := s.slice(ctx, req, profile, meshPath)
	if err != nil {
		return Result{}, err
	}

	stats, err := s.stats(req, artifact, dims)
	if err != nil {
		return Result{}, err
	}
	return Result{Stats: stats, ArtifactName: filepath.Base(artifact)}, nil
}

// Measure runs the slicer in info mode and parses the model extents.
// Values missing from the output are treated as zero.
func (s *Slicer) Measure(ctx context.Context, meshPath string) (printing.Dimensions, error) {
	stdout, stderr, err := s.run.Run(ctx, s.config.SlicerBin, "--info", meshPath)
	if err != nil {
		return printing.Dimensions{}, Error.Wrap(err)
	}
	return parseDimensions(append(stdout, stderr...)), nil
}

// ProfilePath locates the slicer profile for the technology and layer
// height. A missing profile is a server fault, not a client error.
func (s *Slicer) ProfilePath(tech printing.Technology, layerHeight float64) (string, error) {
	name := fmt.Sprintf("%s_%smm.ini", tech, strconv.FormatFloat(layerHeight, 'f', -1, 64))
	path := filepath.Join(s.config.ConfigsDir, name)
	if _, err := os.Stat(path); err != nil {
		return "", Error.New("slicer profile %s is missing: %v", name, err)
	}
	return path, nil
}

// artifactSeq disambiguates artifacts produced in the same millisecond.
var artifactSeq atomic.Int64

func (s *Slicer) slice(ctx context.Context, req *pipeline.Request, profile, meshPath string) (string, error) {
	ext := ".gcode"
	if req.Technology == printing.SLA {
		ext = ".sl1"
	}
	outPath := filepath.Join(s.config.OutputDir,
		fmt.Sprintf("output-%d-%d%s", time.Now().UnixMilli(), artifactSeq.Add(1), ext))

	args := []string{"--load", profile, "--center", "100,100"}
	switch req.Technology {
	case printing.FDM:
		args = append(args,
			"--support-material", "--support-material-auto",
			"--gcode-flavor", "marlin",
			"--export-gcode",
			"--output", outPath,
			"--fill-density", fmt.Sprintf("%d%%", req.Infill),
		)
	case printing.SLA:
		args = append(args, "--export-sla", "--output", outPath)
	}
	args = append(args, meshPath)

	if _, _, err := s.run.Run(ctx, s.config.SlicerBin, args...); err != nil {
		return "", Error.Wrap(err)
	}
	if _, err := os.Stat(outPath); err != nil {
		return "", Error.New("slicer produced no artifact: %v", err)
	}
	mon.Counter("slices_completed").Inc(1)
	return outPath, nil
}

func (s *Slicer) stats(req *pipeline.Request, artifact string, dims printing.Dimensions) (printing.Stats, error) {
	stats := printing.Stats{ObjectHeightMM: dims.Z}

	switch req.Technology {
	case printing.FDM:
		fh, err := os.Open(artifact)
		if err != nil {
			return printing.Stats{}, Error.Wrap(err)
		}
		seconds, filament, err := ParseGCode(fh)
		if err != nil {
			return printing.Stats{}, Error.Wrap(errs.Combine(err, fh.Close()))
		}
		if err := fh.Close(); err != nil {
			return printing.Stats{}, Error.Wrap(err)
		}
		stats.PrintTimeSeconds = seconds
		stats.MaterialUsedMeters = filament
		if seconds > 0 {
			stats.PrintTimeReadable = Readable(seconds)
		}
	case printing.SLA:
		// the sla artifact carries no usable time metadata; estimate from
		// the layer count when the model has height
		if dims.Z > 0 {
			stats.PrintTimeSeconds = EstimateSLASeconds(dims.Z, req.LayerHeight)
			stats.PrintTimeReadable = Readable(stats.PrintTimeSeconds) + "(Est.)"
		}
	}
	return stats, nil
}
