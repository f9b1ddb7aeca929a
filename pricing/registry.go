// Copyright (C) 2025 Forge3D Labs, Inc.
// See LICENSE for copying information.

// Package pricing keeps the hourly rate table consumed by the estimator.
// The table maps technology to material to an hourly rate in HUF, is
// seeded with defaults on first start and persisted to a JSON file after
// every mutation.
package pricing

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/forge3d/slicerd/printing"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the pricing package.
	Error = errs.Class("pricing")
	// ErrExists is returned when creating a material that is already priced.
	ErrExists = errs.Class("material already exists")
	// ErrNotFound is returned when the targeted material is not priced.
	ErrNotFound = errs.Class("material not found")
	// ErrProtected is returned when deleting the fallback material.
	ErrProtected = errs.Class("material protected")
	// ErrInvalidPrice is returned for rates that are not positive finite.
	ErrInvalidPrice = errs.Class("invalid price")
)

// Config defines where the pricing table is persisted.
type Config struct {
	File string `help:"path of the persisted pricing table" default:"configs/pricing.json"`
}

// Defaults returns the seed pricing table. The "default" material of each
// technology backs the legacy fallback and must never be deleted.
func Defaults() map[printing.Technology]map[string]int64 {
	return map[printing.Technology]map[string]int64{
		printing.FDM: {
			"default": 800,
			"PLA":     800,
			"PETG":    900,
			"ABS":     950,
			"TPU":     1100,
		},
		printing.SLA: {
			"default":  1500,
			"Standard": 1800,
			"Tough":    2100,
		},
	}
}

// Registry is the in-memory pricing table with JSON persistence. All
// mutations run under a single mutex around the read-modify-write-persist
// sequence, so readers always observe a consistent snapshot.
type Registry struct {
	log  *zap.Logger
	path string

	mu    sync.Mutex
	rates map[printing.Technology]map[string]int64
}

// NewRegistry creates a registry persisting to config.File.
func NewRegistry(log *zap.Logger, config Config) *Registry {
	return &Registry{
		log:   log,
		path:  config.File,
		rates: Defaults(),
	}
}

// Load initializes the table from disk. A missing file seeds the defaults
// and persists them; a corrupt file logs a warning and falls back to the
// defaults, then re-persists. Entries parsed from disk are merged over the
// defaults: unknown technologies are ignored and missing defaults are
// backfilled.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		r.rates = Defaults()
		return r.persistLocked()
	}
	if err != nil {
		return Error.Wrap(err)
	}

	var parsed map[string]map[string]float64
	if err := json.Unmarshal(data, &parsed); err != nil {
		r.log.Warn("pricing file is corrupt, falling back to defaults",
			zap.String("path", r.path), zap.Error(err))
		r.rates = Defaults()
		return r.persistLocked()
	}

	merged := Defaults()
	for techName, materials := range parsed {
		tech, err := printing.ParseTechnology(techName)
		if err != nil {
			r.log.Warn("ignoring unknown technology in pricing file",
				zap.String("technology", techName))
			continue
		}
		for material, price := range materials {
			if !validPrice(price) {
				r.log.Warn("ignoring invalid rate in pricing file",
					zap.String("technology", string(tech)),
					zap.String("material", material),
					zap.Float64("price", price))
				continue
			}
			setRate(merged[tech], material, int64(price))
		}
	}
	r.rates = merged
	return nil
}

// All returns a deep copy of the full table, keyed by technology name.
func (r *Registry) All() map[string]map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]map[string]int64, len(r.rates))
	for tech, materials := range r.rates {
		copied := make(map[string]int64, len(materials))
		for material, price := range materials {
			copied[material] = price
		}
		out[string(tech)] = copied
	}
	return out
}

// Create adds a new material rate. The material must not already exist,
// compared case-insensitively. Returns the stored canonical key.
func (r *Registry) Create(tech printing.Technology, material string, price int64) (string, error) {
	if material == "" {
		return "", ErrInvalidPrice.New("material name is empty")
	}
	if !validPrice(float64(price)) {
		return "", ErrInvalidPrice.New("%d", price)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := findKey(r.rates[tech], material); ok {
		return "", ErrExists.New("%s/%s", tech, existing)
	}
	r.rates[tech][material] = price
	if err := r.persistLocked(); err != nil {
		delete(r.rates[tech], material)
		return "", err
	}
	return material, nil
}

// Update sets the rate of a material, creating it when absent. The
// existing canonical spelling is preserved on update.
func (r *Registry) Update(tech printing.Technology, material string, price int64) (key string, created bool, err error) {
	if material == "" {
		return "", false, ErrInvalidPrice.New("material name is empty")
	}
	if !validPrice(float64(price)) {
		return "", false, ErrInvalidPrice.New("%d", price)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key, existed := findKey(r.rates[tech], material)
	if !existed {
		key = material
	}
	previous, hadPrevious := r.rates[tech][key]
	r.rates[tech][key] = price
	if err := r.persistLocked(); err != nil {
		if hadPrevious {
			r.rates[tech][key] = previous
		} else {
			delete(r.rates[tech], key)
		}
		return "", false, err
	}
	return key, !existed, nil
}

// Delete removes a material rate. The "default" material is protected to
// preserve the legacy fallback semantics.
func (r *Registry) Delete(tech printing.Technology, material string) error {
	if strings.EqualFold(material, "default") {
		return ErrProtected.New("%s/default", tech)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := findKey(r.rates[tech], material)
	if !ok {
		return ErrNotFound.New("%s/%s", tech, material)
	}
	price := r.rates[tech][key]
	delete(r.rates[tech], key)
	if err := r.persistLocked(); err != nil {
		r.rates[tech][key] = price
		return err
	}
	return nil
}

// RateFor returns the hourly rate for the material. Missing materials fall
// back to the first positive rate of the technology in sorted key order,
// then to the stored default rate, then to 0.
func (r *Registry) RateFor(tech printing.Technology, material string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	materials := r.rates[tech]
	if key, ok := findKey(materials, material); ok {
		return materials[key]
	}

	keys := make([]string, 0, len(materials))
	for key := range materials {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if materials[key] > 0 {
			return materials[key]
		}
	}

	if key, ok := findKey(materials, "default"); ok && materials[key] > 0 {
		return materials[key]
	}
	return 0
}

// persistLocked writes the table atomically. Callers hold the mutex.
func (r *Registry) persistLocked() error {
	mon.Counter("pricing_persist").Inc(1)

	byName := make(map[string]map[string]int64, len(r.rates))
	for tech, materials := range r.rates {
		byName[string(tech)] = materials
	}
	data, err := json.MarshalIndent(byName, "", "  ")
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(writeAtomic(r.path, data))
}

func writeAtomic(path string, data []byte) (err error) {
	fh, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path))
	if err != nil {
		return errs.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, fh.Close())
			err = errs.Combine(err, os.Remove(fh.Name()))
		}
	}()
	if _, err := fh.Write(data); err != nil {
		return errs.Wrap(err)
	}
	if err := fh.Sync(); err != nil {
		return errs.Wrap(err)
	}
	if err := fh.Close(); err != nil {
		return errs.Wrap(err)
	}
	return errs.Wrap(os.Rename(fh.Name(), path))
}

func validPrice(price float64) bool {
	return !math.IsNaN(price) && !math.IsInf(price, 0) && price > 0
}

// findKey resolves material to its stored spelling, case-insensitively.
func findKey(materials map[string]int64, material string) (string, bool) {
	if _, ok := materials[material]; ok {
		return material, true
	}
	for key := range materials {
		if strings.EqualFold(key, material) {
			return key, true
		}
	}
	return "", false
}

// setRate replaces a case-insensitive match or inserts a new key.
func setRate(materials map[string]int64, material string, price int64) {
	if key, ok := findKey(materials, material); ok {
		materials[key] = price
		return
	}
	materials[material] = price
}
