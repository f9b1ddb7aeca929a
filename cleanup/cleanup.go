// Copyright (C) 2025 Forge3D Labs, Inc.
// See LICENSE for copying information.

// Package cleanup tracks the temporary paths a request creates, so every
// exit path of the handler can remove them. The download artifact itself
// is never tracked here; a scheduled purge owns the output directory.
package cleanup

import (
	"os"

	"go.uber.org/zap"
)

// List is the ordered set of filesystem paths to remove before a request
// responds. It is owned by a single request and is not safe for
// concurrent use.
type List struct {
	log   *zap.Logger
	paths []string
}

// New creates an empty cleanup list.
func New(log *zap.Logger) *List {
	return &List{log: log}
}

// Add appends a path to the list.
func (l *List) Add(path string) {
	l.paths = append(l.paths, path)
}

// Paths returns the tracked paths in insertion order.
func (l *List) Paths() []string {
	return append([]string(nil), l.paths...)
}

// Run removes every tracked path. Directories are removed recursively.
// Per-path failures are logged and swallowed; cleanup must never turn a
// finished request into a failure.
func (l *List) Run() {
	for _, path := range l.paths {
		info, err := os.Lstat(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			l.log.Warn("unable to inspect temporary path", zap.String("path", path), zap.Error(err))
			continue
		}
		if info.IsDir() {
			err = os.RemoveAll(path)
		} else {
			err = os.Remove(path)
		}
		if err != nil {
			l.log.Warn("unable to remove temporary path", zap.String("path", path), zap.Error(err))
		}
	}
	l.paths = nil
}
