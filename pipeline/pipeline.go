// Copyright (C) 2025 Forge3D Labs, Inc.
// See LICENSE for copying information.

// Package pipeline ingests untrusted uploads and turns them into a
// canonical triangular mesh: classify by extension, extract archives
// safely, convert through the external tools, then optimize orientation
// best-effort. It never mutates source geometry; converter-visible
// defects surface as client errors.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/forge3d/slicerd/cleanup"
	"github.com/forge3d/slicerd/printing"
	"github.com/forge3d/slicerd/runner"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the pipeline package.
	Error = errs.Class("pipeline")
)

// Supported extension groups, each dispatched to its own converter.
var (
	imageExts  = extSet(".png", ".jpg", ".jpeg", ".bmp")
	vectorExts = extSet(".dxf", ".svg", ".eps", ".pdf")
	meshExts   = extSet(".obj", ".3mf", ".ply")
	cadExts    = extSet(".stp", ".step", ".igs", ".iges")
)

func extSet(exts ...string) map[string]bool {
	set := make(map[string]bool, len(exts))
	for _, ext := range exts {
		set[ext] = true
	}
	return set
}

func supportedModelExt(ext string) bool {
	return ext == ".stl" || imageExts[ext] || vectorExts[ext] || meshExts[ext] || cadExts[ext]
}

// Config defines pipeline directories and archive bounds.
type Config struct {
	InputDir                string
	ToolsDir                string
	Python                  string
	DefaultDepth            float64
	MaxZipEntries           int
	MaxZipUncompressedBytes int64
}

// Pipeline prepares uploads for slicing.
type Pipeline struct {
	log        *zap.Logger
	run        *runner.Runner
	classifier Classifier
	config     Config
}

// New creates a pipeline. Zero config values fall back to python3, a 2 mm
// extrusion depth, 1000 archive entries and 1 GiB of archive content.
func New(log *zap.Logger, run *runner.Runner, config Config) *Pipeline {
	if config.Python == "" {
		config.Python = "python3"
	}
	if config.DefaultDepth <= 0 {
		config.DefaultDepth = 2.0
	}
	if config.MaxZipEntries <= 0 {
		config.MaxZipEntries = 1000
	}
	if config.MaxZipUncompressedBytes <= 0 {
		config.MaxZipUncompressedBytes = 1 << 30
	}
	return &Pipeline{
		log:        log,
		run:        run,
		classifier: NewHintClassifier(),
		config:     config,
	}
}

// SetClassifier swaps the geometry-error classifier, for converters that
// grow an explicit exit-code contract.
func (p *Pipeline) SetClassifier(classifier Classifier) { p.classifier = classifier }

// Request is the per-request upload context. It is owned and mutated by a
// single request only.
type Request struct {
	OriginalName string
	Technology   printing.Technology
	Material     string
	LayerHeight  float64
	Infill       int
	Depth        float64
	Cleanup      *cleanup.List
}

// nameSeq disambiguates files created in the same millisecond.
var nameSeq atomic.Int64

func uniqueName(prefix, ext string) string {
	return fmt.Sprintf("%s-%d-%d%s", prefix, time.Now().UnixMilli(), nameSeq.Add(1), ext)
}

// Prepare ingests the upload and returns the path of the mesh to slice.
// Every file and directory it creates is recorded on req.Cleanup.
func (p *Pipeline) Prepare(ctx context.Context, req *Request, upload io.Reader) (meshPath string, err error) {
	defer mon.Task()(&ctx)(&err)

	ext := strings.ToLower(filepath.Ext(req.OriginalName))
	if ext == "" {
		return "", printing.ErrValidation("the uploaded file has no extension")
	}
	if ext != ".zip" && !supportedModelExt(ext) {
		return "", printing.ErrValidation(fmt.Sprintf("unsupported file type %q", ext))
	}

	saved := filepath.Join(p.config.InputDir, uniqueName("upload", ext))
	if err := p.save(saved, upload); err != nil {
		return "", err
	}
	req.Cleanup.Add(saved)

	if ext == ".zip" {
		saved, ext, err = p.extract(req, saved)
		if err != nil {
			return "", err
		}
	}

	meshPath, err = p.convert(ctx, req, saved, ext)
	if err != nil {
		return "", err
	}

	return p.orient(ctx, req, meshPath), nil
}

func (p *Pipeline) save(path string, upload io.Reader) error {
	fh, err := os.Create(path)
	if err != nil {
		return Error.Wrap(err)
	}
	_, err = io.Copy(fh, upload)
	return Error.Wrap(errs.Combine(err, fh.Close()))
}

// convert dispatches the file to the converter matching its extension and
// returns the resulting mesh path. STL inputs pass through unchanged.
func (p *Pipeline) convert(ctx context.Context, req *Request, path, ext string) (string, error) {
	depth := req.Depth
	if depth <= 0 {
		depth = p.config.DefaultDepth
	}
	depthArg := strconv.FormatFloat(depth, 'f', -1, 64)

	var tool string
	var args []string
	out := path + ".stl"

	switch {
	case ext == ".stl":
		return path, nil
	case imageExts[ext]:
		tool = "img2stl"
		args = []string{path, out, depthArg}
	case vectorExts[ext]:
		tool = "vector2stl"
		args = []string{path, out, depthArg}
	case meshExts[ext]:
		tool = "mesh2stl"
		args = []string{path, out}
	case cadExts[ext]:
		tool = "cad2stl"
		args = []string{path, out}
	default:
		return "", printing.ErrValidation(fmt.Sprintf("unsupported file type %q", ext))
	}

	req.Cleanup.Add(out)

	script := filepath.Join(p.config.ToolsDir, tool+".py")
	_, _, err := p.run.Run(ctx, p.config.Python, append([]string{script}, args...)...)
	if err != nil {
		var execErr *runner.ExecError
		if errors.As(err, &execErr) && !execErr.TimedOut && p.classifier.BadGeometry(tool, execErr.Output) {
			p.log.Info("converter rejected source geometry",
				zap.String("tool", tool), zap.String("file", req.OriginalName))
			return "", printing.ErrInvalidSourceGeometry(firstLine(execErr.Output))
		}
		return "", Error.Wrap(err)
	}

	if _, err := os.Stat(out); err != nil {
		return "", Error.New("converter %s produced no output: %v", tool, err)
	}
	return out, nil
}

// orient runs the orientation optimizer best-effort: on any failure the
// pre-orientation mesh is kept and a warning is logged.
func (p *Pipeline) orient(ctx context.Context, req *Request, meshPath string) string {
	out := strings.TrimSuffix(meshPath, ".stl") + "_oriented.stl"
	script := filepath.Join(p.config.ToolsDir, "orient.py")

	_, _, err := p.run.Run(ctx, p.config.Python, script, meshPath, out, string(req.Technology))
	if err != nil {
		p.log.Warn("orientation optimizer failed, keeping original orientation",
			zap.String("file", req.OriginalName), zap.Error(err))
		// the optimizer may leave a partial fallback copy behind
		if _, statErr := os.Stat(out); statErr == nil {
			req.Cleanup.Add(out)
		}
		return meshPath
	}
	if _, err := os.Stat(out); err != nil {
		p.log.Warn("orientation optimizer produced no output, keeping original orientation",
			zap.String("file", req.OriginalName))
		return meshPath
	}
	req.Cleanup.Add(out)
	return out
}

// firstLine trims converter output down to something safe to show a
// client.
func firstLine(output string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(output), "\n")
	if len(line) > 200 {
		line = line[:200]
	}
	return line
}
