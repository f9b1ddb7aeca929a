// Copyright (C) 2025 Forge3D Labs, Inc.
// See LICENSE for copying information.

// Package server exposes the HTTP surface of the slicing service: the
// public slice and download endpoints, the pricing endpoints, and health.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/forge3d/slicerd/admission"
	"github.com/forge3d/slicerd/faultlog"
	"github.com/forge3d/slicerd/pipeline"
	"github.com/forge3d/slicerd/pricing"
	"github.com/forge3d/slicerd/printing"
	"github.com/forge3d/slicerd/slicing"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the server package.
	Error = errs.Class("server")
)

// Config defines the listen address, admin auth and request body bounds.
type Config struct {
	Address        string
	AdminAPIKey    string
	OutputDir      string
	MaxUploadBytes int64
	JSONBodyLimit  int64
}

// Server is the HTTP front of the slicing service.
type Server struct {
	log    *zap.Logger
	config Config

	registry *pricing.Registry
	limiter  *admission.Limiter
	queue    *admission.Queue
	pipeline *pipeline.Pipeline
	slicer   *slicing.Slicer
	faults   *faultlog.Log

	router  *mux.Router
	started time.Time
}

// New creates the server and its route table. Zero body bounds fall back
// to 100 MiB uploads and 1 MiB JSON bodies.
func New(log *zap.Logger, registry *pricing.Registry, limiter *admission.Limiter,
	queue *admission.Queue, pipe *pipeline.Pipeline, slicer *slicing.Slicer,
	faults *faultlog.Log, config Config) *Server {

	if config.Address == "" {
		config.Address = ":8080"
	}
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = 100 << 20
	}
	if config.JSONBodyLimit <= 0 {
		config.JSONBodyLimit = 1 << 20
	}

	server := &Server{
		log:      log,
		config:   config,
		registry: registry,
		limiter:  limiter,
		queue:    queue,
		pipeline: pipe,
		slicer:   slicer,
		faults:   faults,
		started:  time.Now(),
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", server.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/pricing", server.handlePricingList).Methods(http.MethodGet)

	admin := router.PathPrefix("/pricing").Subrouter()
	admin.Use(server.requireAdmin)
	admin.HandleFunc("/{technology}", server.handlePricingCreate).Methods(http.MethodPost)
	admin.HandleFunc("/{technology}/{material}", server.handlePricingUpdate).Methods(http.MethodPatch)
	admin.HandleFunc("/{technology}/{material}", server.handlePricingDelete).Methods(http.MethodDelete)

	slice := router.PathPrefix("/slice").Subrouter()
	slice.Use(server.rateLimit)
	slice.HandleFunc("/{technology}", server.handleSlice).Methods(http.MethodPost)

	router.HandleFunc("/download/{name}", server.handleDownload).Methods(http.MethodGet)

	server.router = router
	return server
}

// Handler returns the route table, for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is canceled, then shuts down gracefully. The slice
// queue workers run inside the same group, so in-flight slices finish
// before Run returns.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return Error.Wrap(err)
	}
	s.log.Info("server started", zap.String("address", listener.Addr().String()))

	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return s.queue.Run(ctx)
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return Error.Wrap(httpServer.Shutdown(shutdownCtx))
	})
	group.Go(func() error {
		err := httpServer.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return Error.Wrap(err)
	})
	return group.Wait()
}

// requireAdmin guards the pricing mutation endpoints with the pre-shared
// key. An unconfigured key answers 503 so a misconfiguration is not
// mistaken for bad credentials.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.AdminAPIKey == "" {
			s.writeErrorCode(w, http.StatusServiceUnavailable,
				codeAdminKeyNotConfigured, "the admin API key is not configured")
			return
		}
		provided := r.Header.Get("x-api-key")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.config.AdminAPIKey)) != 1 {
			mon.Counter("admin_auth_rejected").Inc(1)
			s.writeErrorCode(w, http.StatusUnauthorized,
				codeUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit applies the per-IP window before any slice work happens.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ok, retryAfter := s.limiter.Allow(admission.ClientIP(r)); !ok {
			s.writeError(w, r, printing.ErrRateLimited(retryAfter))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "OK",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}
