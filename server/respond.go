// Copyright (C) 2025 Forge3D Labs, Inc.
// See LICENSE for copying information.

package server

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/forge3d/slicerd/pricing"
	"github.com/forge3d/slicerd/printing"
)

// Admin-surface error codes that the core taxonomy does not cover.
const (
	codeAdminKeyNotConfigured = "ADMIN_KEY_NOT_CONFIGURED"
	codeUnauthorized          = "UNAUTHORIZED"
	codeMaterialExists        = "MATERIAL_EXISTS"
	codeMaterialNotFound      = "MATERIAL_NOT_FOUND"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Warn("unable to write response", zap.Error(err))
	}
}

// writeSuccess wraps payload fields in the success envelope.
func (s *Server) writeSuccess(w http.ResponseWriter, status int, fields map[string]interface{}) {
	envelope := map[string]interface{}{"success": true}
	for key, value := range fields {
		envelope[key] = value
	}
	s.writeJSON(w, status, envelope)
}

func (s *Server) writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"success":   false,
		"errorCode": code,
		"message":   message,
	})
}

// writeError maps err onto the wire taxonomy. Request-attributable errors
// keep their own code and status and stay out of the fault log; anything
// else is recorded there and reported as an opaque internal failure.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if reqErr, ok := printing.AsRequestError(err); ok {
		envelope := map[string]interface{}{
			"success":   false,
			"errorCode": reqErr.Code,
			"message":   reqErr.Message,
		}
		if reqErr.RetryAfter > 0 {
			seconds := int64(math.Ceil(reqErr.RetryAfter.Seconds()))
			envelope["retryAfterSeconds"] = seconds
			w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
		}
		s.writeJSON(w, reqErr.Status, envelope)
		return
	}

	switch {
	case pricing.ErrExists.Has(err):
		s.writeErrorCode(w, http.StatusConflict, codeMaterialExists, err.Error())
	case pricing.ErrNotFound.Has(err):
		s.writeErrorCode(w, http.StatusNotFound, codeMaterialNotFound, err.Error())
	case pricing.ErrProtected.Has(err), pricing.ErrInvalidPrice.Has(err):
		s.writeErrorCode(w, http.StatusBadRequest, printing.CodeValidation, err.Error())
	default:
		mon.Counter("internal_errors").Inc(1)
		s.log.Error("internal processing error",
			zap.String("path", r.URL.Path), zap.Error(err))
		s.faults.Report(r.URL.Path, err, r.Method)
		s.writeErrorCode(w, http.StatusInternalServerError,
			printing.CodeInternal, "internal processing error")
	}
}
