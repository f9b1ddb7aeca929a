// Copyright (C) 2025 Forge3D Labs, Inc.
// See LICENSE for copying information.

package printing

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Wire error codes returned to clients. Anything the taxonomy does not
// cover maps to CodeInternal and stays opaque to the caller.
const (
	CodeInvalidLayerHeight        = "INVALID_LAYER_HEIGHT"
	CodeLayerHeightForTechnology  = "INVALID_LAYER_HEIGHT_FOR_TECHNOLOGY"
	CodeModelExceedsBuildVolume   = "MODEL_EXCEEDS_BUILD_VOLUME"
	CodeInvalidSourceGeometry     = "INVALID_SOURCE_GEOMETRY"
	CodeRateLimitExceeded         = "RATE_LIMIT_EXCEEDED"
	CodeQueueFull                 = "QUEUE_FULL"
	CodeQueueTimeout              = "QUEUE_TIMEOUT"
	CodeValidation                = "VALIDATION_ERROR"
	CodeInternal                  = "INTERNAL_PROCESSING_ERROR"
)

// RequestError is a failure attributable to the request itself. It carries
// the wire code and HTTP status so the transport layer does not have to
// guess; everything that is not a RequestError is an internal fault.
type RequestError struct {
	Code       string
	Status     int
	Message    string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RequestError) Error() string { return e.Message }

// AsRequestError unwraps err down to a RequestError, if one is in the chain.
func AsRequestError(err error) (*RequestError, bool) {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr, true
	}
	return nil, false
}

// ErrInvalidLayerHeight rejects a layer height that is not positive finite.
func ErrInvalidLayerHeight(value float64) *RequestError {
	return &RequestError{
		Code:    CodeInvalidLayerHeight,
		Status:  http.StatusBadRequest,
		Message: fmt.Sprintf("layer height %v is not a positive number", value),
	}
}

// ErrLayerHeightForTechnology rejects a layer height outside the
// technology's allowed set.
func ErrLayerHeightForTechnology(tech Technology, value float64) *RequestError {
	return &RequestError{
		Code:    CodeLayerHeightForTechnology,
		Status:  http.StatusBadRequest,
		Message: fmt.Sprintf("layer height %v is not allowed for %s (allowed: %v)", value, tech, tech.LayerHeights()),
	}
}

// ErrModelExceedsBuildVolume rejects a model larger than the technology's
// build volume. The message includes the measured and limit triples.
func ErrModelExceedsBuildVolume(tech Technology, measured Dimensions) *RequestError {
	limit := tech.BuildVolume()
	return &RequestError{
		Code:   CodeModelExceedsBuildVolume,
		Status: http.StatusBadRequest,
		Message: fmt.Sprintf(
			"model measures %.1fx%.1fx%.1f mm but the %s build volume is %.0fx%.0fx%.0f mm",
			measured.X, measured.Y, measured.Z, tech, limit.X, limit.Y, limit.Z),
	}
}

// ErrInvalidSourceGeometry rejects source data a converter could not
// translate without repair.
func ErrInvalidSourceGeometry(detail string) *RequestError {
	return &RequestError{
		Code:    CodeInvalidSourceGeometry,
		Status:  http.StatusBadRequest,
		Message: "the uploaded file contains invalid source geometry: " + detail,
	}
}

// ErrRateLimited rejects a request over the per-IP budget.
func ErrRateLimited(retryAfter time.Duration) *RequestError {
	return &RequestError{
		Code:       CodeRateLimitExceeded,
		Status:     http.StatusTooManyRequests,
		Message:    "rate limit exceeded",
		RetryAfter: retryAfter,
	}
}

// ErrQueueFull rejects a request when the slice queue has no free slot.
func ErrQueueFull() *RequestError {
	return &RequestError{
		Code:    CodeQueueFull,
		Status:  http.StatusServiceUnavailable,
		Message: "the slicing queue is full, try again later",
	}
}

// ErrQueueTimeout rejects a request that waited too long for a worker.
func ErrQueueTimeout() *RequestError {
	return &RequestError{
		Code:    CodeQueueTimeout,
		Status:  http.StatusServiceUnavailable,
		Message: "the request waited too long for a slicing worker",
	}
}

// ErrValidation rejects a malformed request field.
func ErrValidation(message string) *RequestError {
	return &RequestError{
		Code:    CodeValidation,
		Status:  http.StatusBadRequest,
		Message: message,
	}
}
