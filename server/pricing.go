// Copyright (C) 2025 Forge3D Labs, Inc.
// See LICENSE for copying information.

package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/forge3d/slicerd/printing"
)

func (s *Server) handlePricingList(w http.ResponseWriter, r *http.Request) {
	s.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"pricing": s.registry.All(),
	})
}

func (s *Server) handlePricingCreate(w http.ResponseWriter, r *http.Request) {
	tech, ok := s.pathTechnology(w, r)
	if !ok {
		return
	}

	var body struct {
		Material string `json:"material"`
		Price    int64  `json:"price"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}

	key, err := s.registry.Create(tech, body.Material, body.Price)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("material created",
		zap.String("technology", string(tech)), zap.String("material", key))
	s.writeSuccess(w, http.StatusCreated, map[string]interface{}{
		"technology": string(tech),
		"material":   key,
		"price":      body.Price,
	})
}

func (s *Server) handlePricingUpdate(w http.ResponseWriter, r *http.Request) {
	tech, ok := s.pathTechnology(w, r)
	if !ok {
		return
	}
	material := mux.Vars(r)["material"]

	var body struct {
		Price int64 `json:"price"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}

	key, created, err := s.registry.Update(tech, material, body.Price)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.writeSuccess(w, status, map[string]interface{}{
		"technology": string(tech),
		"material":   key,
		"price":      body.Price,
		"created":    created,
	})
}

func (s *Server) handlePricingDelete(w http.ResponseWriter, r *http.Request) {
	tech, ok := s.pathTechnology(w, r)
	if !ok {
		return
	}
	material := mux.Vars(r)["material"]

	if err := s.registry.Delete(tech, material); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"technology": string(tech),
		"material":   material,
		"deleted":    true,
	})
}

// pathTechnology resolves the {technology} route variable; unknown values
// answer a validation error themselves.
func (s *Server) pathTechnology(w http.ResponseWriter, r *http.Request) (printing.Technology, bool) {
	tech, err := printing.ParseTechnology(mux.Vars(r)["technology"])
	if err != nil {
		s.writeError(w, r, printing.ErrValidation(err.Error()))
		return "", false
	}
	return tech, true
}

// decodeBody reads a bounded JSON body; malformed input answers a
// validation error itself.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.JSONBodyLimit))
	if err := decoder.Decode(into); err != nil {
		s.writeError(w, r, printing.ErrValidation("malformed JSON body: "+err.Error()))
		return false
	}
	return true
}
