// Copyright (C) 2025 Forge3D Labs, Inc.
// See LICENSE for copying information.

package server

import (
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/forge3d/slicerd/cleanup"
	"github.com/forge3d/slicerd/pipeline"
	"github.com/forge3d/slicerd/printing"
	"github.com/forge3d/slicerd/slicing"
)

// handleSlice accepts an upload, runs it through the admission queue and
// the prepare-slice pipeline, and answers with the print statistics and
// the artifact download URL.
func (s *Server) handleSlice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	tech, ok := s.pathTechnology(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	if parseErr := r.ParseMultipartForm(32 << 20); parseErr != nil {
		err = printing.ErrValidation("unable to read the upload: " + parseErr.Error())
		s.writeError(w, r, err)
		return
	}

	req, upload, err := s.sliceRequest(tech, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer func() { _ = upload.Close() }()
	defer req.Cleanup.Run()

	var result slicing.Result
	err = s.queue.Do(func(ctx context.Context) error {
		meshPath, err := s.pipeline.Prepare(ctx, req, upload)
		if err != nil {
			return err
		}
		result, err = s.slicer.Process(ctx, req, meshPath)
		return err
	})
	// every temporary path is gone before the response is written; the
	// deferred run above only covers panics and is a no-op afterwards
	req.Cleanup.Run()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	rate := s.registry.RateFor(tech, req.Material)
	result.Stats.EstimatedPriceHUF = slicing.PriceHUF(result.Stats.PrintTimeSeconds, rate)

	s.log.Info("slice completed",
		zap.String("technology", string(tech)),
		zap.String("file", req.OriginalName),
		zap.String("artifact", result.ArtifactName),
		zap.Int64("seconds", result.Stats.PrintTimeSeconds))

	fields := map[string]interface{}{
		"technology":          string(tech),
		"material":            req.Material,
		"hourly_rate":         rate,
		"print_time_seconds":  result.Stats.PrintTimeSeconds,
		"print_time_readable": result.Stats.PrintTimeReadable,
		"material_used_m":     result.Stats.MaterialUsedMeters,
		"object_height_mm":    result.Stats.ObjectHeightMM,
		"estimated_price_huf": result.Stats.EstimatedPriceHUF,
		"download_url":        "/download/" + result.ArtifactName,
	}
	if tech == printing.FDM {
		fields["infill"] = fmt.Sprintf("%d%%", req.Infill)
	}
	s.writeSuccess(w, http.StatusOK, fields)
}

// sliceRequest validates the form fields into a pipeline request. The
// returned file must be closed by the caller.
func (s *Server) sliceRequest(tech printing.Technology, r *http.Request) (*pipeline.Request, multipart.File, error) {
	layerField := strings.TrimSpace(r.FormValue("layerHeight"))
	if layerField == "" {
		return nil, nil, printing.ErrValidation("the layerHeight field is required")
	}
	layerValue, err := strconv.ParseFloat(layerField, 64)
	if err != nil {
		return nil, nil, printing.ErrInvalidLayerHeight(0)
	}
	layerHeight, err := printing.NormalizeLayerHeight(tech, layerValue)
	if err != nil {
		return nil, nil, err
	}

	infill := 20
	if field := strings.TrimSpace(r.FormValue("infill")); field != "" {
		parsed, err := strconv.Atoi(field)
		if err != nil {
			return nil, nil, printing.ErrValidation("the infill field must be an integer")
		}
		infill = clamp(parsed, 0, 100)
	}

	depth := 0.0
	if field := strings.TrimSpace(r.FormValue("depth")); field != "" {
		parsed, err := strconv.ParseFloat(field, 64)
		if err != nil || parsed <= 0 {
			return nil, nil, printing.ErrValidation("the depth field must be a positive number")
		}
		depth = parsed
	}

	file, header, err := r.FormFile("choosenFile")
	if err != nil {
		return nil, nil, printing.ErrValidation("the choosenFile upload field is required")
	}

	req := &pipeline.Request{
		OriginalName: header.Filename,
		Technology:   tech,
		Material:     strings.TrimSpace(r.FormValue("material")),
		LayerHeight:  layerHeight,
		Infill:       infill,
		Depth:        depth,
		Cleanup:      cleanup.New(s.log.Named("cleanup")),
	}
	return req, file, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// handleDownload serves a finished artifact. The name is reduced to its
// base component so the output directory cannot be escaped.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	base := filepath.Base(name)
	if base != name || base == "." || base == string(filepath.Separator) {
		s.writeError(w, r, printing.ErrValidation("invalid artifact name"))
		return
	}

	path := filepath.Join(s.config.OutputDir, base)
	if _, err := os.Stat(path); err != nil {
		s.writeErrorCode(w, http.StatusNotFound, printing.CodeValidation, "artifact not found")
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+base+`"`)
	http.ServeFile(w, r, path)
}
